package catalog

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/vladholos492-wq/mediagw/internal/money"
)

func testCatalog() *Static {
	return NewStatic([]*Model{
		{ID: "flux-pro", Category: CategoryImage, PriceUSD: 0.50, Enabled: true},
		{ID: "flux-free", Category: CategoryImage, Free: true, Enabled: true},
		{ID: "retired", Category: CategoryVideo, PriceUSD: 1.0, Enabled: false},
	}, 90, 1.2)
}

func TestGet(t *testing.T) {
	c := testCatalog()

	if _, err := c.Get("flux-pro"); err != nil {
		t.Fatalf("Get(flux-pro): %v", err)
	}
	if _, err := c.Get("nope"); !errors.Is(err, ErrModelNotFound) {
		t.Errorf("unknown model: err = %v, want ErrModelNotFound", err)
	}
	if _, err := c.Get("retired"); !errors.Is(err, ErrModelNotFound) {
		t.Errorf("disabled model must not resolve, err = %v", err)
	}
}

func TestPriceRUB(t *testing.T) {
	c := testCatalog()

	// 0.50 * 90 * 1.2 = 54.00
	got, err := c.PriceRUB("flux-pro")
	if err != nil {
		t.Fatalf("PriceRUB: %v", err)
	}
	if got != money.MustParse("54.00") {
		t.Errorf("PriceRUB = %s, want 54.00", got)
	}

	free, err := c.PriceRUB("flux-free")
	if err != nil {
		t.Fatalf("PriceRUB free: %v", err)
	}
	if free != 0 {
		t.Errorf("free model price = %s, want 0", free)
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()

	// Missing file -> empty catalog, no error.
	c, err := LoadFile(dir, 100, 1)
	if err != nil {
		t.Fatalf("LoadFile missing: %v", err)
	}
	if len(c.List()) != 0 {
		t.Errorf("expected empty catalog")
	}

	data := `[{"id":"veo-3","category":"video","priceUsd":2.0,"enabled":true}]`
	if err := os.WriteFile(filepath.Join(dir, "models.json"), []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}

	c, err = LoadFile(dir, 100, 1)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	m, err := c.Get("veo-3")
	if err != nil {
		t.Fatalf("Get(veo-3): %v", err)
	}
	if m.Category != CategoryVideo {
		t.Errorf("category = %s, want video", m.Category)
	}
}
