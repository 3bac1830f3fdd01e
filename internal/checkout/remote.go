package checkout

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nugget/cartwright/internal/basket"
)

// CartLinker creates a cart on the store side and returns its link.
type CartLinker interface {
	CartLink(ctx context.Context, lines []basket.Line) (string, error)
}

// Remote builds artifacts from store-created cart links. When the store
// call fails and a fallback is set, the locally rendered link is used
// instead.
type Remote struct {
	linker   CartLinker
	fallback *Renderer
	logger   *slog.Logger
}

// NewRemote returns a Builder over linker. fallback may be nil.
func NewRemote(linker CartLinker, fallback *Renderer, logger *slog.Logger) *Remote {
	if logger == nil {
		logger = slog.Default()
	}
	return &Remote{
		linker:   linker,
		fallback: fallback,
		logger:   logger.With("component", "checkout"),
	}
}

// Build implements Builder.
func (r *Remote) Build(ctx context.Context, lines []basket.Line) (Artifact, error) {
	if len(lines) == 0 {
		return Artifact{}, ErrEmptyBasket
	}

	link, err := r.linker.CartLink(ctx, lines)
	if err != nil {
		if r.fallback == nil || ctx.Err() != nil {
			return Artifact{}, fmt.Errorf("create cart link: %w", err)
		}
		r.logger.Warn("cart link failed, using local checkout link", "lines", len(lines), "error", err)
		return r.fallback.Render(lines)
	}

	items := 0
	for _, l := range lines {
		items += l.Quantity
	}
	return Artifact{
		URL:   link,
		Items: items,
		Total: basket.Total(lines),
	}, nil
}
