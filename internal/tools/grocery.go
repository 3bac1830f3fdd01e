package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"

	"github.com/nugget/cartwright/internal/basket"
	"github.com/nugget/cartwright/internal/catalog"
)

// Grocery tool names.
const (
	SearchProducts   = "search_products"
	AddToBasket      = "add_to_basket"
	RemoveFromBasket = "remove_from_basket"
	ViewBasket       = "view_basket"
	ClearBasket      = "clear_basket"
	ProductLink      = "get_product_link"
)

// ProductLinker resolves a product id to its store page. A searcher
// that also implements it gets the get_product_link tool.
type ProductLinker interface {
	ProductLink(ctx context.Context, id string) (string, error)
}

// ErrNoSession is returned when a basket tool runs outside a turn.
var ErrNoSession = errors.New("no session bound to tool call")

// ErrUnknownProduct is returned when the model refers to a product id it
// has not seen in search results during this conversation.
var ErrUnknownProduct = errors.New("unknown product id, search for the product first")

// NewGroceryRegistry returns a registry with the product search and
// basket tools. Basket tools act on the session bound with WithSession.
func NewGroceryRegistry(searcher catalog.Searcher, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	g := &groceryTools{searcher: searcher, logger: logger.With("component", "tools")}

	r := NewRegistry()
	r.Register(&Tool{
		Name:        SearchProducts,
		Description: "Search the grocery catalog. Returns up to 10 products with id, name, unit price, unit and rating. Search one ingredient at a time.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{
					"type":        "string",
					"description": "Product to look for, e.g. \"potato\" or \"mayonnaise 67%\"",
				},
			},
			"required": []string{"query"},
		},
		Handler: g.search,
	})
	r.Register(&Tool{
		Name:        AddToBasket,
		Description: "Add a product from earlier search results to the basket. Adding the same product again increases its quantity.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"product_id": map[string]any{
					"type":        []string{"string", "integer"},
					"description": "The id of a product returned by search_products",
				},
				"quantity": map[string]any{
					"type":        "integer",
					"minimum":     1,
					"maximum":     basket.MaxQuantity,
					"description": "Number of units to add (default 1)",
				},
			},
			"required": []string{"product_id"},
		},
		Handler: g.add,
	})
	r.Register(&Tool{
		Name:        RemoveFromBasket,
		Description: "Remove a product from the basket entirely.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"product_id": map[string]any{
					"type":        []string{"string", "integer"},
					"description": "The id of the product to remove",
				},
			},
			"required": []string{"product_id"},
		},
		Handler: g.remove,
	})
	r.Register(&Tool{
		Name:        ViewBasket,
		Description: "Show the current basket lines and total.",
		Parameters:  map[string]any{"type": "object", "properties": map[string]any{}},
		Handler:     g.view,
	})
	r.Register(&Tool{
		Name:        ClearBasket,
		Description: "Remove every product from the basket.",
		Parameters:  map[string]any{"type": "object", "properties": map[string]any{}},
		Handler:     g.clear,
	})
	if linker, ok := searcher.(ProductLinker); ok {
		g.linker = linker
		r.Register(&Tool{
			Name:        ProductLink,
			Description: "Get the store page link of a product from earlier search results.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"product_id": map[string]any{
						"type":        []string{"string", "integer"},
						"description": "The id of a product returned by search_products",
					},
				},
				"required": []string{"product_id"},
			},
			Handler: g.productLink,
		})
	}
	return r
}

type groceryTools struct {
	searcher catalog.Searcher
	linker   ProductLinker
	logger   *slog.Logger
}

type basketView struct {
	Lines []lineView `json:"lines"`
	Total float64    `json:"total"`
}

type lineView struct {
	ProductID string  `json:"product_id"`
	Name      string  `json:"name"`
	Quantity  int     `json:"quantity"`
	Price     float64 `json:"price"`
	Subtotal  float64 `json:"subtotal"`
}

func (g *groceryTools) search(ctx context.Context, args map[string]any) (string, error) {
	query, _ := args["query"].(string)

	products, err := g.searcher.Search(ctx, query)
	if err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if sess, ok := SessionFromContext(ctx); ok {
		sess.Remember(products...)
	}

	g.logger.Info("product search",
		"conversation_id", ConversationIDFromContext(ctx),
		"query", query,
		"results", len(products),
	)

	if len(products) == 0 {
		return fmt.Sprintf("No products found for %q. Try a simpler or more general query.", query), nil
	}
	return marshal(products)
}

func (g *groceryTools) add(ctx context.Context, args map[string]any) (string, error) {
	sess, ok := SessionFromContext(ctx)
	if !ok {
		return "", ErrNoSession
	}
	id := idArg(args["product_id"])
	qty := 1
	if v, ok := number(args["quantity"]); ok {
		if v < 1 || v > basket.MaxQuantity {
			return "", fmt.Errorf("add %s: quantity %v: %w", id, v, ErrInvalidArguments)
		}
		qty = int(v)
	}

	p, ok := sess.Product(id)
	if !ok {
		return "", fmt.Errorf("%s: %w", id, ErrUnknownProduct)
	}
	// A call abandoned at the turn deadline must not touch the session.
	if err := ctx.Err(); err != nil {
		return "", err
	}
	line, err := sess.Basket.Add(p, qty)
	if err != nil {
		return "", err
	}

	g.logger.Info("added to basket",
		"conversation_id", sess.ID,
		"product_id", p.ID,
		"quantity", line.Quantity,
	)
	return marshal(map[string]any{
		"added":        toLineView(line),
		"basket_lines": sess.Basket.Len(),
		"basket_total": sess.Basket.Total(),
	})
}

func (g *groceryTools) remove(ctx context.Context, args map[string]any) (string, error) {
	sess, ok := SessionFromContext(ctx)
	if !ok {
		return "", ErrNoSession
	}
	id := idArg(args["product_id"])
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if !sess.Basket.Remove(id) {
		return "", fmt.Errorf("product %s: %w", id, basket.ErrNotFound)
	}
	return fmt.Sprintf("Removed %s. Basket now has %d products.", id, sess.Basket.Len()), nil
}

func (g *groceryTools) view(ctx context.Context, _ map[string]any) (string, error) {
	sess, ok := SessionFromContext(ctx)
	if !ok {
		return "", ErrNoSession
	}
	lines := sess.Basket.Lines()
	if len(lines) == 0 {
		return "The basket is empty.", nil
	}
	v := basketView{Total: basket.Total(lines)}
	for _, l := range lines {
		v.Lines = append(v.Lines, toLineView(l))
	}
	return marshal(v)
}

func (g *groceryTools) clear(ctx context.Context, _ map[string]any) (string, error) {
	sess, ok := SessionFromContext(ctx)
	if !ok {
		return "", ErrNoSession
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	sess.Basket.Clear()
	return "The basket is now empty.", nil
}

func (g *groceryTools) productLink(ctx context.Context, args map[string]any) (string, error) {
	id := idArg(args["product_id"])
	if sess, ok := SessionFromContext(ctx); ok {
		if _, seen := sess.Product(id); !seen {
			return "", fmt.Errorf("%s: %w", id, ErrUnknownProduct)
		}
	}
	link, err := g.linker.ProductLink(ctx, id)
	if err != nil {
		return "", err
	}
	return link, nil
}

func toLineView(l basket.Line) lineView {
	return lineView{
		ProductID: l.Product.ID,
		Name:      l.Product.Name,
		Quantity:  l.Quantity,
		Price:     l.Product.Price,
		Subtotal:  l.Subtotal(),
	}
}

// idArg renders a string or numeric product id as text. Catalog ids are
// often integers and models pass them either way.
func idArg(v any) string {
	switch id := v.(type) {
	case string:
		return id
	case float64:
		if id == math.Trunc(id) {
			return strconv.FormatInt(int64(id), 10)
		}
		return strconv.FormatFloat(id, 'f', -1, 64)
	case json.Number:
		return id.String()
	}
	return fmt.Sprint(v)
}

func marshal(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal tool result: %w", err)
	}
	return string(data), nil
}
