// Package catalog maps breed names produced by the classifier to the
// identifiers the document store uses for breed records.
package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
)

// Breed is one breed record as read from the store.
type Breed struct {
	ID   string
	Name string
}

// Source reads every breed record.
type Source interface {
	ListBreeds(ctx context.Context) ([]Breed, error)
}

// Catalog is read-mostly. Lookups never block and see either the mapping
// before a Refresh or the one after it, never a mix.
type Catalog struct {
	source  Source
	logger  *slog.Logger
	entries atomic.Pointer[map[string]string]
}

// Load builds a catalog from source. A failing source yields an empty
// catalog; unknown breeds then resolve to nil ids.
func Load(ctx context.Context, source Source, logger *slog.Logger) *Catalog {
	c := &Catalog{
		source: source,
		logger: logger.With("system", "catalog"),
	}
	empty := map[string]string{}
	c.entries.Store(&empty)

	if err := c.Refresh(ctx); err != nil {
		c.logger.Error("breed catalog load failed, starting empty", "error", err)
	}
	return c
}

// Refresh re-reads the source and swaps the mapping. On error the current
// mapping is kept.
func (c *Catalog) Refresh(ctx context.Context) error {
	if c.source == nil {
		return fmt.Errorf("breed catalog has no source")
	}
	breeds, err := c.source.ListBreeds(ctx)
	if err != nil {
		return fmt.Errorf("list breeds: %w", err)
	}

	next := make(map[string]string, len(breeds))
	for _, b := range breeds {
		if b.Name == "" || b.ID == "" {
			continue
		}
		next[b.Name] = b.ID
	}
	c.entries.Store(&next)

	c.logger.Info("breed catalog loaded", "breeds", len(next))
	return nil
}

// Lookup matches name exactly; case and whitespace are significant.
func (c *Catalog) Lookup(name string) (string, bool) {
	id, ok := (*c.entries.Load())[name]
	return id, ok
}

// Resolve returns nil for names the store does not know.
func (c *Catalog) Resolve(name string) *string {
	id, ok := c.Lookup(name)
	if !ok {
		return nil
	}
	return &id
}

func (c *Catalog) Len() int {
	return len(*c.entries.Load())
}
