// Package catalog holds the generative-media model catalog.
//
// The catalog loader proper is an external collaborator; this package
// defines the interface the core consumes plus a static JSON-file loader
// good enough for tests and single-node deployments.
package catalog

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/vladholos492-wq/mediagw/internal/money"
)

var ErrModelNotFound = errors.New("catalog: model not found")

// Category of the artifact a model produces. Delivery fallback chains key
// off this.
type Category string

const (
	CategoryImage   Category = "image"
	CategoryUpscale Category = "upscale"
	CategoryVideo   Category = "video"
	CategoryAudio   Category = "audio"
)

// Model describes one upstream model.
type Model struct {
	ID       string          `json:"id"`
	Name     string          `json:"name,omitempty"`
	Category Category        `json:"category"`
	PriceUSD float64         `json:"priceUsd"`
	Free     bool            `json:"free,omitempty"`
	Enabled  bool            `json:"enabled"`
	Schema   json.RawMessage `json:"schema,omitempty"` // input schema, opaque to the core
}

// Catalog is the consumed interface: model lookup plus price computation.
type Catalog interface {
	Get(modelID string) (*Model, error)
	List() []*Model
	PriceRUB(modelID string) (money.RUB, error)
}

// Static is an in-memory catalog with fixed pricing factors.
type Static struct {
	mu       sync.RWMutex
	models   map[string]*Model
	usdToRub float64
	markup   float64
}

// NewStatic builds a catalog from the given models.
func NewStatic(models []*Model, usdToRub, markup float64) *Static {
	m := make(map[string]*Model, len(models))
	for _, mod := range models {
		m[mod.ID] = mod
	}
	return &Static{models: m, usdToRub: usdToRub, markup: markup}
}

// LoadFile reads a JSON model list from dataDir/models.json. A missing file
// yields an empty catalog, not an error.
func LoadFile(dataDir string, usdToRub, markup float64) (*Static, error) {
	path := filepath.Join(dataDir, "models.json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return NewStatic(nil, usdToRub, markup), nil
		}
		return nil, fmt.Errorf("read model catalog: %w", err)
	}

	var models []*Model
	if err := json.Unmarshal(data, &models); err != nil {
		return nil, fmt.Errorf("parse model catalog: %w", err)
	}
	return NewStatic(models, usdToRub, markup), nil
}

// Get returns the model or ErrModelNotFound. Disabled models are not found.
func (s *Static) Get(modelID string) (*Model, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.models[modelID]
	if !ok || !m.Enabled {
		return nil, fmt.Errorf("%w: %s", ErrModelNotFound, modelID)
	}
	return m, nil
}

// List returns all enabled models.
func (s *Static) List() []*Model {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Model, 0, len(s.models))
	for _, m := range s.models {
		if m.Enabled {
			out = append(out, m)
		}
	}
	return out
}

// PriceRUB computes price_rub = price_usd * USD_TO_RUB * markup, rounded to
// kopeks. Free models price at zero.
func (s *Static) PriceRUB(modelID string) (money.RUB, error) {
	m, err := s.Get(modelID)
	if err != nil {
		return 0, err
	}
	if m.Free {
		return 0, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return money.FromUSD(m.PriceUSD, s.usdToRub, s.markup), nil
}

// Upsert adds or replaces a model. Used by admin tooling and tests.
func (s *Static) Upsert(m *Model) {
	s.mu.Lock()
	s.models[m.ID] = m
	s.mu.Unlock()
}
