package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/nugget/cartwright/internal/basket"
)

// Defaults for the link tools.
const (
	DefaultCartTool        = "vkusvill_cart_link_create"
	DefaultProductLinkTool = "vkusvill_product_link"
)

// CartLink asks the catalog server for a cart link holding lines. The
// products argument lists {xml_id, q} pairs in basket order, so the same
// basket always produces the same call.
func (g *Gateway) CartLink(ctx context.Context, lines []basket.Line) (string, error) {
	if len(lines) == 0 {
		return "", &ToolError{Kind: InvalidArgument, Op: "cart_link", Err: errors.New("no lines")}
	}

	ctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()

	products := make([]map[string]any, 0, len(lines))
	for _, l := range lines {
		products = append(products, map[string]any{
			"xml_id": wireID(l.Product.ID),
			"q":      l.Quantity,
		})
	}
	text, err := g.client.CallTool(ctx, g.cfg.CartTool, map[string]any{"products": products})
	if err != nil {
		return "", &ToolError{Kind: BackendUnavailable, Op: "cart_link", Err: err}
	}
	link, err := extractLink(text)
	if err != nil {
		return "", &ToolError{Kind: BackendUnavailable, Op: "cart_link", Err: err}
	}
	g.logger.Debug("cart link created", "lines", len(lines), "url", link)
	return link, nil
}

// ProductLink returns the store page of one product. When the link tool
// fails the product is wrapped in a single-item cart link instead.
func (g *Gateway) ProductLink(ctx context.Context, id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", &ToolError{Kind: InvalidArgument, Op: "product_link", Err: errors.New("product id is empty")}
	}

	callCtx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	text, err := g.client.CallTool(callCtx, g.cfg.ProductLinkTool, map[string]any{"xml_id": wireID(id)})
	cancel()
	if err == nil {
		if link, lerr := extractLink(text); lerr == nil {
			return link, nil
		}
	}

	g.logger.Warn("product link unavailable, falling back to cart link", "product_id", id, "error", err)
	return g.CartLink(ctx, []basket.Line{{Product: Product{ID: id}, Quantity: 1}})
}

// wireID sends numeric ids as JSON numbers, which the store expects for
// xml_id.
func wireID(id string) any {
	if n, err := strconv.ParseInt(id, 10, 64); err == nil {
		return n
	}
	return id
}

// extractLink finds the absolute http(s) URL in a tool result. The
// result is either the bare URL, a JSON string, or an object carrying it
// under one of a few keys, possibly inside "data".
func extractLink(text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", errors.New("empty link result")
	}

	switch text[0] {
	case '"':
		var s string
		if err := json.Unmarshal([]byte(text), &s); err != nil {
			return "", fmt.Errorf("decode link: %w", err)
		}
		return extractLink(s)
	case '{':
		var obj map[string]any
		if err := json.Unmarshal([]byte(text), &obj); err != nil {
			return "", fmt.Errorf("decode link object: %w", err)
		}
		if link := linkField(obj); link != "" {
			return link, nil
		}
		return "", fmt.Errorf("no link in result: %.80q", text)
	}

	for _, f := range strings.Fields(text) {
		if isAbsoluteURL(f) {
			return f, nil
		}
	}
	return "", fmt.Errorf("no link in result: %.80q", text)
}

func linkField(obj map[string]any) string {
	for _, k := range []string{"url", "link", "cart_link", "cart_url", "href"} {
		if s, ok := obj[k].(string); ok && isAbsoluteURL(s) {
			return s
		}
	}
	if data, ok := obj["data"].(map[string]any); ok {
		return linkField(data)
	}
	return ""
}

func isAbsoluteURL(s string) bool {
	u, err := url.Parse(s)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
