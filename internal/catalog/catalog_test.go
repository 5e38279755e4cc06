package catalog

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/BTreeMap/FunnelPipe/internal/models"
)

func TestDefaultCatalog(t *testing.T) {
	c, err := Default()
	if err != nil {
		t.Fatalf("Default() failed: %v", err)
	}

	want := []string{"signal", "vip", "x10_challenge", "copytrade"}
	got := c.Tags()
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("expected tags %v, got %v", want, got)
	}

	vip, ok := c.Offering("vip")
	if !ok {
		t.Fatal("vip offering missing")
	}
	if vip.Price != 499 || vip.DiscountPrice == nil || *vip.DiscountPrice != 299 || vip.LimitedSlots != 5 {
		t.Errorf("unexpected vip offering: %+v", vip)
	}

	x10, _ := c.Offering("x10_challenge")
	if x10.Price != 0 || x10.DiscountPrice != nil {
		t.Errorf("x10_challenge should be free without a discount, got %+v", x10)
	}

	if n := len(c.Assets()); n != 6 {
		t.Errorf("expected 6 assets, got %d", n)
	}
	if n := len(c.AssetsFor("signal")); n != 2 {
		t.Errorf("expected 2 signal assets, got %d", n)
	}
	if n := len(c.AssetsFor("copytrade")); n != 1 {
		t.Errorf("expected 1 copytrade asset, got %d", n)
	}
}

func TestValidate(t *testing.T) {
	c, err := Default()
	if err != nil {
		t.Fatalf("Default() failed: %v", err)
	}
	if err := c.Validate("vip"); err != nil {
		t.Errorf("vip should validate: %v", err)
	}
	if err := c.Validate("ea_bot"); !errors.Is(err, models.ErrUnknownOffering) {
		t.Errorf("expected ErrUnknownOffering, got %v", err)
	}
}

func TestParseRejectsInvalidCatalogs(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"no offerings", "offerings: []\n"},
		{"duplicate tag", "offerings:\n  - tag: a\n  - tag: a\n"},
		{"negative price", "offerings:\n  - tag: a\n    price: -1\n"},
		{"asset for unknown offering", "offerings:\n  - tag: a\nassets:\n  - id: \"1\"\n    offering: b\n"},
		{"duplicate asset", "offerings:\n  - tag: a\nassets:\n  - id: \"1\"\n  - id: \"1\"\n"},
		{"unknown field", "offerings:\n  - tag: a\n    colour: red\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse([]byte(tt.doc)); err == nil {
				t.Error("expected parse error")
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "catalog.yaml")
	doc := `offerings:
  - tag: course
    name: Trading Course
    price: 50
    limited_slots: 3
assets:
  - id: c1
    offering: course
    media_path: assets/c1.jpg
    caption: Great course
  - id: g1
    media_path: assets/g1.jpg
    caption: General praise
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("failed to write catalog: %v", err)
	}

	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	course, ok := c.Offering("course")
	if !ok || course.LimitedSlots != 3 {
		t.Errorf("unexpected course offering: %+v", course)
	}
	if len(c.AssetsFor("course")) != 1 || len(c.Assets()) != 2 {
		t.Errorf("unexpected assets: %+v", c.Assets())
	}

	if _, err := Load(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}
