package basket

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
)

func product(id string, price float64) Product {
	return Product{ID: id, Name: "product " + id, Price: price, Unit: "pcs"}
}

func TestAdd_MergesByID(t *testing.T) {
	b := New()
	if _, err := b.Add(product("1", 10), 1); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Add(product("2", 5), 2); err != nil {
		t.Fatal(err)
	}
	line, err := b.Add(product("1", 10), 3)
	if err != nil {
		t.Fatal(err)
	}

	if line.Quantity != 4 {
		t.Errorf("merged quantity = %d, want 4", line.Quantity)
	}
	lines := b.Lines()
	if len(lines) != 2 {
		t.Fatalf("len(lines) = %d, want 2", len(lines))
	}
	if lines[0].Product.ID != "1" || lines[1].Product.ID != "2" {
		t.Errorf("order = [%s %s], want [1 2]", lines[0].Product.ID, lines[1].Product.ID)
	}
	if got := b.Total(); got != 50 {
		t.Errorf("Total = %v, want 50", got)
	}
}

func TestAdd_RejectsBadQuantity(t *testing.T) {
	b := New()
	for _, qty := range []int{0, -1} {
		if _, err := b.Add(product("1", 1), qty); !errors.Is(err, ErrInvalidQuantity) {
			t.Errorf("Add(qty=%d) error = %v, want ErrInvalidQuantity", qty, err)
		}
	}
	if !b.Empty() {
		t.Error("basket should stay empty after rejected adds")
	}
}

func TestAdd_CapsMergedQuantity(t *testing.T) {
	b := New()
	if _, err := b.Add(product("1", 1), MaxQuantity+1); !errors.Is(err, ErrQuantityTooLarge) {
		t.Errorf("Add(qty=%d) error = %v, want ErrQuantityTooLarge", MaxQuantity+1, err)
	}
	if _, err := b.Add(product("1", 1), MaxQuantity-1); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Add(product("1", 1), 2); !errors.Is(err, ErrQuantityTooLarge) {
		t.Errorf("merge past cap error = %v, want ErrQuantityTooLarge", err)
	}
	line, err := b.Add(product("1", 1), 1)
	if err != nil {
		t.Fatal(err)
	}
	if line.Quantity != MaxQuantity {
		t.Errorf("quantity = %d, want %d", line.Quantity, MaxQuantity)
	}
	if err := b.SetQuantity("1", MaxQuantity+1); !errors.Is(err, ErrQuantityTooLarge) {
		t.Errorf("SetQuantity past cap = %v, want ErrQuantityTooLarge", err)
	}
	if got := b.Lines()[0].Quantity; got != MaxQuantity {
		t.Errorf("quantity after rejected set = %d, want %d", got, MaxQuantity)
	}
}

// Any sequence of adds and removes leaves at most one line per id.
func TestDedupInvariant(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	b := New()
	for i := 0; i < 2000; i++ {
		id := fmt.Sprint(rng.Intn(12))
		switch rng.Intn(5) {
		case 0:
			b.Remove(id)
		case 1:
			_ = b.SetQuantity(id, 1+rng.Intn(4))
		default:
			if _, err := b.Add(product(id, 1), 1+rng.Intn(3)); err != nil && !errors.Is(err, ErrQuantityTooLarge) {
				t.Fatal(err)
			}
		}

		seen := make(map[string]bool)
		for _, l := range b.Lines() {
			if seen[l.Product.ID] {
				t.Fatalf("step %d: duplicate line for %s", i, l.Product.ID)
			}
			if l.Quantity < 1 || l.Quantity > MaxQuantity {
				t.Fatalf("step %d: quantity %d for %s", i, l.Quantity, l.Product.ID)
			}
			seen[l.Product.ID] = true
		}
	}
}

func TestRemoveAndSetQuantity(t *testing.T) {
	b := New()
	b.Add(product("a", 1), 1)
	b.Add(product("b", 1), 1)
	b.Add(product("c", 1), 1)

	if !b.Remove("b") {
		t.Fatal("Remove(b) = false")
	}
	if b.Remove("b") {
		t.Error("second Remove(b) = true")
	}
	if err := b.SetQuantity("c", 7); err != nil {
		t.Fatal(err)
	}
	if err := b.SetQuantity("zzz", 1); !errors.Is(err, ErrNotFound) {
		t.Errorf("SetQuantity(missing) = %v, want ErrNotFound", err)
	}

	lines := b.Lines()
	if len(lines) != 2 || lines[1].Product.ID != "c" || lines[1].Quantity != 7 {
		t.Errorf("lines = %+v", lines)
	}

	// Adding after a removal must still merge into the reindexed line.
	b.Add(product("c", 1), 1)
	if got := b.Lines()[1].Quantity; got != 8 {
		t.Errorf("quantity after re-add = %d, want 8", got)
	}
}

func TestLines_ReturnsCopy(t *testing.T) {
	b := New()
	b.Add(product("1", 1), 1)
	lines := b.Lines()
	lines[0].Quantity = 99
	if b.Lines()[0].Quantity != 1 {
		t.Error("mutating Lines() result changed the basket")
	}
}

func TestClear_ConcurrentReaders(t *testing.T) {
	b := New()
	for i := 0; i < 50; i++ {
		b.Add(product(fmt.Sprint(i), 1), 1)
	}

	var wg sync.WaitGroup
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				n := len(b.Lines())
				if n != 0 && n != 50 {
					t.Errorf("observed partial basket of %d lines", n)
					return
				}
			}
		}()
	}
	b.Clear()
	wg.Wait()

	if !b.Empty() {
		t.Error("basket not empty after Clear")
	}
}
