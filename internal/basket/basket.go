// Package basket accumulates the products an agent selects during a
// conversation. A Basket holds at most one line per product id; adding a
// product that is already present sums the quantities.
package basket

import (
	"errors"
	"fmt"
	"sync"
)

// ErrInvalidQuantity is returned when a quantity below one is requested.
var ErrInvalidQuantity = errors.New("quantity must be at least 1")

// ErrQuantityTooLarge is returned when a line would exceed MaxQuantity.
var ErrQuantityTooLarge = fmt.Errorf("quantity must be at most %d", MaxQuantity)

// MaxQuantity caps the quantity of a single line.
const MaxQuantity = 999

// ErrNotFound is returned when a product id has no line in the basket.
var ErrNotFound = errors.New("product not in basket")

// Product is the immutable snapshot of a catalog item as returned by the
// search backend.
type Product struct {
	ID     string  `json:"id"`
	Name   string  `json:"name"`
	Price  float64 `json:"price"`
	Unit   string  `json:"unit,omitempty"`
	Rating float64 `json:"rating,omitempty"`
}

// Line is one product and its quantity.
type Line struct {
	Product  Product `json:"product"`
	Quantity int     `json:"quantity"`
}

// Subtotal returns the line's unit price times its quantity.
func (l Line) Subtotal() float64 {
	return l.Product.Price * float64(l.Quantity)
}

// Basket is an insertion-ordered set of lines keyed by product id. It is
// safe for concurrent use.
type Basket struct {
	mu    sync.RWMutex
	lines []Line
	index map[string]int
}

// New returns an empty basket.
func New() *Basket {
	return &Basket{index: make(map[string]int)}
}

// Add merges qty units of p into the basket and returns the resulting
// line. A product already present keeps its position and the original
// snapshot; only the quantity grows. A merge that would push the line
// past MaxQuantity fails and leaves the line unchanged.
func (b *Basket) Add(p Product, qty int) (Line, error) {
	if err := checkQuantity(qty); err != nil {
		return Line{}, fmt.Errorf("add %s: %w", p.ID, err)
	}
	if p.ID == "" {
		return Line{}, errors.New("add: product id is empty")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if i, ok := b.index[p.ID]; ok {
		if b.lines[i].Quantity > MaxQuantity-qty {
			return b.lines[i], fmt.Errorf("add %s: %w", p.ID, ErrQuantityTooLarge)
		}
		b.lines[i].Quantity += qty
		return b.lines[i], nil
	}
	b.index[p.ID] = len(b.lines)
	b.lines = append(b.lines, Line{Product: p, Quantity: qty})
	return b.lines[len(b.lines)-1], nil
}

// Remove deletes the line for id. It reports whether a line was removed.
func (b *Basket) Remove(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	i, ok := b.index[id]
	if !ok {
		return false
	}
	b.lines = append(b.lines[:i], b.lines[i+1:]...)
	b.reindex()
	return true
}

// SetQuantity replaces the quantity of an existing line.
func (b *Basket) SetQuantity(id string, qty int) error {
	if err := checkQuantity(qty); err != nil {
		return fmt.Errorf("set %s: %w", id, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	i, ok := b.index[id]
	if !ok {
		return fmt.Errorf("set %s: %w", id, ErrNotFound)
	}
	b.lines[i].Quantity = qty
	return nil
}

// Clear empties the basket. Readers never observe a partially cleared
// basket.
func (b *Basket) Clear() {
	b.mu.Lock()
	b.lines = nil
	b.index = make(map[string]int)
	b.mu.Unlock()
}

// Lines returns a copy of the basket's lines in insertion order.
func (b *Basket) Lines() []Line {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]Line, len(b.lines))
	copy(out, b.lines)
	return out
}

// Len returns the number of distinct products.
func (b *Basket) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.lines)
}

// Empty reports whether the basket has no lines.
func (b *Basket) Empty() bool {
	return b.Len() == 0
}

// Total returns the sum of all line subtotals.
func (b *Basket) Total() float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return Total(b.lines)
}

// Total sums the subtotals of lines.
func Total(lines []Line) float64 {
	var sum float64
	for _, l := range lines {
		sum += l.Subtotal()
	}
	return sum
}

func checkQuantity(qty int) error {
	switch {
	case qty < 1:
		return ErrInvalidQuantity
	case qty > MaxQuantity:
		return ErrQuantityTooLarge
	}
	return nil
}

func (b *Basket) reindex() {
	b.index = make(map[string]int, len(b.lines))
	for i, l := range b.lines {
		b.index[l.Product.ID] = i
	}
}
