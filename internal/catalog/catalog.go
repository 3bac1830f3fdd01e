// Package catalog exposes grocery product search as a typed operation.
// The Gateway calls a search tool on an MCP server and normalises the
// loosely shaped JSON it returns into Products.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/nugget/cartwright/internal/basket"
)

// Product is re-exported so callers need not import basket for search
// results.
type Product = basket.Product

// Searcher finds products matching a free-text query.
type Searcher interface {
	Search(ctx context.Context, query string) ([]Product, error)
}

// ToolCaller is the subset of *mcp.Client the gateway needs.
type ToolCaller interface {
	CallTool(ctx context.Context, name string, args map[string]any) (string, error)
	Initialize(ctx context.Context) error
	Ping(ctx context.Context) error
}

// Defaults for the product search tool.
const (
	DefaultSearchTool  = "vkusvill_products_search"
	DefaultQueryArg    = "q"
	DefaultResultLimit = 10
	DefaultTimeout     = 15 * time.Second
	MaxNameRunes       = 80
)

// Config configures a Gateway.
type Config struct {
	SearchTool      string
	CartTool        string
	ProductLinkTool string
	QueryArg        string
	ResultLimit int
	// Timeout bounds one search call, independent of the turn deadline.
	Timeout time.Duration
	Logger  *slog.Logger
}

// Gateway implements Searcher over an MCP tool. It holds no
// per-conversation state and is safe to share.
type Gateway struct {
	client ToolCaller
	cfg    Config
	logger *slog.Logger
}

// NewGateway returns a gateway calling client with cfg, filling defaults.
func NewGateway(client ToolCaller, cfg Config) *Gateway {
	if cfg.SearchTool == "" {
		cfg.SearchTool = DefaultSearchTool
	}
	if cfg.CartTool == "" {
		cfg.CartTool = DefaultCartTool
	}
	if cfg.ProductLinkTool == "" {
		cfg.ProductLinkTool = DefaultProductLinkTool
	}
	if cfg.QueryArg == "" {
		cfg.QueryArg = DefaultQueryArg
	}
	if cfg.ResultLimit <= 0 {
		cfg.ResultLimit = DefaultResultLimit
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		client: client,
		cfg:    cfg,
		logger: logger.With("component", "catalog"),
	}
}

// Connect performs the MCP handshake.
func (g *Gateway) Connect(ctx context.Context) error {
	if err := g.client.Initialize(ctx); err != nil {
		return &ToolError{Kind: BackendUnavailable, Op: "connect", Err: err}
	}
	return nil
}

// Ping checks that the catalog server answers.
func (g *Gateway) Ping(ctx context.Context) error {
	if err := g.client.Ping(ctx); err != nil {
		return &ToolError{Kind: BackendUnavailable, Op: "ping", Err: err}
	}
	return nil
}

// Search returns up to ResultLimit products for query. An empty result
// is not an error.
func (g *Gateway) Search(ctx context.Context, query string) ([]Product, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, &ToolError{Kind: InvalidArgument, Op: "search", Err: errors.New("query is empty")}
	}

	ctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()

	start := time.Now()
	text, err := g.client.CallTool(ctx, g.cfg.SearchTool, map[string]any{g.cfg.QueryArg: query})
	if err != nil {
		return nil, &ToolError{Kind: BackendUnavailable, Op: "search", Err: err}
	}

	products, err := parseProducts(text, g.cfg.ResultLimit)
	if err != nil {
		return nil, &ToolError{Kind: BackendUnavailable, Op: "search", Err: err}
	}

	g.logger.Debug("product search",
		"query", query,
		"results", len(products),
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	return products, nil
}

// rawProduct covers the field spellings seen in catalog payloads.
type rawProduct struct {
	XMLID  json.RawMessage `json:"xml_id"`
	ID     json.RawMessage `json:"id"`
	Name   string          `json:"name"`
	Title  string          `json:"title"`
	Price  json.RawMessage `json:"price"`
	Unit   string          `json:"unit"`
	Rating json.RawMessage `json:"rating"`
}

// parseProducts accepts {"data":{"items":[...]}}, {"items":[...]} or a
// bare array. Items without an id are skipped.
func parseProducts(text string, limit int) ([]Product, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return []Product{}, nil
	}

	var items []rawProduct
	switch text[0] {
	case '[':
		if err := json.Unmarshal([]byte(text), &items); err != nil {
			return nil, fmt.Errorf("decode product list: %w", err)
		}
	case '{':
		var env struct {
			Data struct {
				Items []rawProduct `json:"items"`
			} `json:"data"`
			Items []rawProduct `json:"items"`
		}
		if err := json.Unmarshal([]byte(text), &env); err != nil {
			return nil, fmt.Errorf("decode product envelope: %w", err)
		}
		items = env.Data.Items
		if items == nil {
			items = env.Items
		}
	default:
		return nil, fmt.Errorf("unexpected search payload: %.80q", text)
	}

	out := make([]Product, 0, min(len(items), limit))
	for _, it := range items {
		if len(out) == limit {
			break
		}
		id := scalarString(it.XMLID)
		if id == "" {
			id = scalarString(it.ID)
		}
		if id == "" {
			continue
		}
		name := plainText(it.Name)
		if name == "" {
			name = plainText(it.Title)
		}
		out = append(out, Product{
			ID:     id,
			Name:   truncateRunes(name, MaxNameRunes),
			Price:  parsePrice(it.Price),
			Unit:   plainText(it.Unit),
			Rating: parseRating(it.Rating),
		})
	}
	return out, nil
}

// scalarString renders a JSON string or number as text.
func scalarString(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}

// parsePrice accepts 129.9, "129.9" or {"current": 129.9}.
func parsePrice(raw json.RawMessage) float64 {
	if len(raw) == 0 {
		return 0
	}
	var obj struct {
		Current json.RawMessage `json:"current"`
		Value   json.RawMessage `json:"value"`
	}
	if raw[0] == '{' && json.Unmarshal(raw, &obj) == nil {
		if len(obj.Current) > 0 {
			return parsePrice(obj.Current)
		}
		return parsePrice(obj.Value)
	}
	f, _ := strconv.ParseFloat(scalarString(raw), 64)
	return f
}

// parseRating accepts 4.8 or {"average": 4.8}.
func parseRating(raw json.RawMessage) float64 {
	if len(raw) == 0 {
		return 0
	}
	var obj struct {
		Average float64 `json:"average"`
	}
	if raw[0] == '{' && json.Unmarshal(raw, &obj) == nil {
		return obj.Average
	}
	f, _ := strconv.ParseFloat(scalarString(raw), 64)
	return f
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}
