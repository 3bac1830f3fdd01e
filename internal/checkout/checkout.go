// Package checkout renders a finished basket into an order-placement
// link. Rendering is deterministic: the same lines in the same order
// always produce a byte-identical artifact.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/skip2/go-qrcode"

	"github.com/nugget/cartwright/internal/basket"
)

// ErrEmptyBasket is returned when there is nothing to check out.
var ErrEmptyBasket = errors.New("basket is empty")

// ProductsParam is the query parameter that carries the basket lines.
const ProductsParam = "products"

// Artifact is the rendered checkout link.
type Artifact struct {
	URL   string  `json:"url"`
	Items int     `json:"items"`
	Total float64 `json:"total"`
}

// Builder produces the checkout artifact for basket lines.
type Builder interface {
	Build(ctx context.Context, lines []basket.Line) (Artifact, error)
}

// Renderer turns basket lines into an Artifact.
type Renderer struct {
	base   *url.URL
	params map[string]string
}

// NewRenderer parses baseURL and returns a renderer that appends the
// given static params (e.g. utm_source) to every link.
func NewRenderer(baseURL string, params map[string]string) (*Renderer, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("checkout base url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("checkout base url %q: not absolute", baseURL)
	}
	if _, ok := params[ProductsParam]; ok {
		return nil, fmt.Errorf("checkout param %q is reserved", ProductsParam)
	}

	p := make(map[string]string, len(params))
	for k, v := range params {
		p[k] = v
	}
	return &Renderer{base: u, params: p}, nil
}

// Render builds the checkout link for lines. The products parameter
// lists id:quantity pairs in basket order; url.Values encodes keys in
// sorted order, which keeps the output stable.
func (r *Renderer) Render(lines []basket.Line) (Artifact, error) {
	if len(lines) == 0 {
		return Artifact{}, ErrEmptyBasket
	}

	pairs := make([]string, 0, len(lines))
	items := 0
	for _, l := range lines {
		pairs = append(pairs, l.Product.ID+":"+strconv.Itoa(l.Quantity))
		items += l.Quantity
	}

	q := r.base.Query()
	for k, v := range r.params {
		q.Set(k, v)
	}
	q.Set(ProductsParam, strings.Join(pairs, ","))

	u := *r.base
	u.RawQuery = q.Encode()

	return Artifact{
		URL:   u.String(),
		Items: items,
		Total: basket.Total(lines),
	}, nil
}

// Build implements Builder. It never blocks.
func (r *Renderer) Build(_ context.Context, lines []basket.Line) (Artifact, error) {
	return r.Render(lines)
}

// QRCode encodes the artifact's URL as a PNG of size×size pixels.
func QRCode(a Artifact, size int) ([]byte, error) {
	if a.URL == "" {
		return nil, ErrEmptyBasket
	}
	if size <= 0 {
		size = 256
	}
	png, err := qrcode.Encode(a.URL, qrcode.Medium, size)
	if err != nil {
		return nil, fmt.Errorf("encode qr: %w", err)
	}
	return png, nil
}
