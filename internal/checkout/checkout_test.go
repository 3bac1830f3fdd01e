package checkout

import (
	"bytes"
	"errors"
	"net/url"
	"testing"

	"github.com/nugget/cartwright/internal/basket"
)

func testLines() []basket.Line {
	return []basket.Line{
		{Product: basket.Product{ID: "42", Name: "Potato", Price: 50}, Quantity: 2},
		{Product: basket.Product{ID: "7", Name: "Carrot", Price: 30}, Quantity: 1},
	}
}

func TestRender(t *testing.T) {
	r, err := NewRenderer("https://shop.example.test/cart/", map[string]string{"utm_source": "bot"})
	if err != nil {
		t.Fatal(err)
	}

	a, err := r.Render(testLines())
	if err != nil {
		t.Fatalf("Render error: %v", err)
	}

	u, err := url.Parse(a.URL)
	if err != nil {
		t.Fatalf("artifact URL does not parse: %v", err)
	}
	if got := u.Query().Get(ProductsParam); got != "42:2,7:1" {
		t.Errorf("products = %q, want %q", got, "42:2,7:1")
	}
	if got := u.Query().Get("utm_source"); got != "bot" {
		t.Errorf("utm_source = %q", got)
	}
	if a.Items != 3 {
		t.Errorf("Items = %d, want 3", a.Items)
	}
	if a.Total != 130 {
		t.Errorf("Total = %v, want 130", a.Total)
	}
}

func TestRender_Deterministic(t *testing.T) {
	params := map[string]string{"z": "1", "a": "2", "m": "3", "utm_campaign": "x"}
	r, err := NewRenderer("https://shop.example.test/cart?ref=abc", params)
	if err != nil {
		t.Fatal(err)
	}

	first, err := r.Render(testLines())
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 50; i++ {
		again, err := r.Render(testLines())
		if err != nil {
			t.Fatal(err)
		}
		if again != first {
			t.Fatalf("render %d = %+v, want %+v", i, again, first)
		}
	}
}

func TestRender_EmptyBasket(t *testing.T) {
	r, _ := NewRenderer("https://shop.example.test/cart", nil)
	if _, err := r.Render(nil); !errors.Is(err, ErrEmptyBasket) {
		t.Errorf("Render(nil) error = %v, want ErrEmptyBasket", err)
	}
}

func TestNewRenderer_Errors(t *testing.T) {
	if _, err := NewRenderer("/cart", nil); err == nil {
		t.Error("relative base URL accepted")
	}
	if _, err := NewRenderer("https://shop.example.test", map[string]string{"products": "x"}); err == nil {
		t.Error("reserved param accepted")
	}
}

func TestQRCode(t *testing.T) {
	r, _ := NewRenderer("https://shop.example.test/cart", nil)
	a, _ := r.Render(testLines())

	png, err := QRCode(a, 128)
	if err != nil {
		t.Fatalf("QRCode error: %v", err)
	}
	if !bytes.HasPrefix(png, []byte("\x89PNG")) {
		t.Error("QRCode did not return a PNG")
	}
	if _, err := QRCode(Artifact{}, 128); !errors.Is(err, ErrEmptyBasket) {
		t.Errorf("QRCode(empty) error = %v, want ErrEmptyBasket", err)
	}
}
