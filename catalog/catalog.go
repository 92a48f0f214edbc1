/*
Package catalog holds the material reference data.

PURPOSE:
  Materials are static-ish reference data: identity, unit of measure, and
  a standard unit price. The ledger looks prices up here when an intent
  does not carry one. There is no business logic beyond lookup and price
  maintenance.

PRICE UPDATES:
  Standard prices may change over time. Price changes are NEVER
  retroactive: every committed transaction carries the unit price that was
  in effect when it was recorded.

IMPLEMENTATIONS:
  - Memory (this file): in-memory catalog for tests and seeding.
  - store/sqlite: durable catalog backed by the materials table.

SEE ALSO:
  - seed.go: JSON seed loading for startup.
  - ledger/ledger.go: price resolution during intent validation.
*/
package catalog

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// ErrNotFound is returned when a material code is not in the catalog.
var ErrNotFound = errors.New("material not found")

// Material identifies one purchasable material.
// Identity fields are immutable once the material is referenced by a
// transaction; only StandardPrice may change.
type Material struct {
	Code          string
	Name          string
	Category      string
	Unit          string // unit of measure: "kg", "m3", "pcs", ...
	StandardPrice decimal.Decimal
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Validate checks the fields required before a material can be saved.
func (m Material) Validate() error {
	switch {
	case m.Code == "":
		return fmt.Errorf("material code is required")
	case m.Name == "":
		return fmt.Errorf("material name is required")
	case m.Unit == "":
		return fmt.Errorf("material unit is required")
	case m.StandardPrice.IsNegative():
		return fmt.Errorf("standard price cannot be negative")
	}
	return nil
}

// Catalog is the read surface the ledger depends on.
type Catalog interface {
	// Get returns the material for a code, or ErrNotFound.
	Get(ctx context.Context, code string) (Material, error)

	// List returns all materials ordered by code.
	List(ctx context.Context) ([]Material, error)
}

// Maintainer is the write surface used by catalog maintenance.
type Maintainer interface {
	Catalog

	// Save inserts or updates a material.
	Save(ctx context.Context, m Material) error

	// UpdatePrice changes the standard price for a code.
	// Past transactions keep their recorded prices.
	UpdatePrice(ctx context.Context, code string, price decimal.Decimal) error
}

// =============================================================================
// MEMORY CATALOG
// =============================================================================

// Memory is an in-memory Maintainer.
type Memory struct {
	mu        sync.RWMutex
	materials map[string]Material
	now       func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		materials: make(map[string]Material),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (c *Memory) Get(_ context.Context, code string) (Material, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	m, ok := c.materials[code]
	if !ok {
		return Material{}, fmt.Errorf("%w: %s", ErrNotFound, code)
	}
	return m, nil
}

func (c *Memory) List(_ context.Context) ([]Material, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Material, 0, len(c.materials))
	for _, m := range c.materials {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

func (c *Memory) Save(_ context.Context, m Material) error {
	if err := m.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if existing, ok := c.materials[m.Code]; ok {
		m.CreatedAt = existing.CreatedAt
	} else {
		m.CreatedAt = now
	}
	m.UpdatedAt = now
	c.materials[m.Code] = m
	return nil
}

func (c *Memory) UpdatePrice(_ context.Context, code string, price decimal.Decimal) error {
	if price.IsNegative() {
		return fmt.Errorf("standard price cannot be negative")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	m, ok := c.materials[code]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, code)
	}
	m.StandardPrice = price
	m.UpdatedAt = c.now()
	c.materials[code] = m
	return nil
}
