// Package catalog provides the read-only offering and content-asset catalog.
//
// The catalog is loaded once at startup, either from the embedded default or
// from a YAML file, and is never mutated afterwards.
package catalog

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/BTreeMap/FunnelPipe/internal/models"
	"gopkg.in/yaml.v3"
)

//go:embed default_catalog.yaml
var defaultCatalog []byte

// Offering describes one sellable service.
type Offering struct {
	Tag           string   `yaml:"tag" json:"tag"`
	Name          string   `yaml:"name" json:"name"`
	Description   string   `yaml:"description" json:"description"`
	Price         int      `yaml:"price" json:"price"`
	DiscountPrice *int     `yaml:"discount_price,omitempty" json:"discount_price,omitempty"`
	LimitedSlots  int      `yaml:"limited_slots,omitempty" json:"limited_slots,omitempty"`
	LimitedTime   string   `yaml:"limited_time,omitempty" json:"limited_time,omitempty"`
	Features      []string `yaml:"features" json:"features"`
	ResultImages  []string `yaml:"result_images,omitempty" json:"result_images,omitempty"`
}

// file is the on-disk YAML layout.
type file struct {
	Offerings []Offering            `yaml:"offerings"`
	Assets    []models.ContentAsset `yaml:"assets"`
}

// Catalog is an immutable, validated set of offerings and content assets.
type Catalog struct {
	offerings []Offering
	byTag     map[string]Offering
	assets    []models.ContentAsset
}

// Default returns the catalog embedded in the binary.
func Default() (*Catalog, error) {
	return Parse(defaultCatalog)
}

// Load reads the catalog at path, or the embedded default when path is empty.
func Load(path string) (*Catalog, error) {
	if path == "" {
		slog.Debug("Catalog.Load: no path set, using embedded catalog")
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog %s: %w", path, err)
	}
	c, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to load catalog %s: %w", path, err)
	}
	slog.Info("Catalog loaded", "path", path, "offerings", len(c.offerings), "assets", len(c.assets))
	return c, nil
}

// Parse decodes and validates a YAML catalog document.
func Parse(data []byte) (*Catalog, error) {
	var f file
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}
	return New(f.Offerings, f.Assets)
}

// New builds a catalog from explicit offerings and assets.
func New(offerings []Offering, assets []models.ContentAsset) (*Catalog, error) {
	if len(offerings) == 0 {
		return nil, errors.New("catalog has no offerings")
	}
	c := &Catalog{
		offerings: make([]Offering, 0, len(offerings)),
		byTag:     make(map[string]Offering, len(offerings)),
		assets:    make([]models.ContentAsset, 0, len(assets)),
	}
	for _, o := range offerings {
		if o.Tag == "" {
			return nil, errors.New("offering tag cannot be empty")
		}
		if _, dup := c.byTag[o.Tag]; dup {
			return nil, fmt.Errorf("duplicate offering tag %q", o.Tag)
		}
		if o.Price < 0 || (o.DiscountPrice != nil && *o.DiscountPrice < 0) {
			return nil, fmt.Errorf("offering %q has a negative price", o.Tag)
		}
		if o.LimitedSlots < 0 {
			return nil, fmt.Errorf("offering %q has negative limited slots", o.Tag)
		}
		c.offerings = append(c.offerings, o)
		c.byTag[o.Tag] = o
	}
	seen := make(map[string]bool, len(assets))
	for _, a := range assets {
		if a.ID == "" {
			return nil, errors.New("asset id cannot be empty")
		}
		if seen[a.ID] {
			return nil, fmt.Errorf("duplicate asset id %q", a.ID)
		}
		seen[a.ID] = true
		if a.Offering != "" {
			if _, ok := c.byTag[a.Offering]; !ok {
				return nil, fmt.Errorf("asset %q references unknown offering %q", a.ID, a.Offering)
			}
		}
		c.assets = append(c.assets, a)
	}
	return c, nil
}

// Offering returns the offering with the given tag.
func (c *Catalog) Offering(tag string) (Offering, bool) {
	o, ok := c.byTag[tag]
	return o, ok
}

// Offerings returns every offering in catalog order.
func (c *Catalog) Offerings() []Offering {
	out := make([]Offering, len(c.offerings))
	copy(out, c.offerings)
	return out
}

// Tags returns every offering tag in catalog order.
func (c *Catalog) Tags() []string {
	tags := make([]string, len(c.offerings))
	for i, o := range c.offerings {
		tags[i] = o.Tag
	}
	return tags
}

// Assets returns the whole content catalog.
func (c *Catalog) Assets() []models.ContentAsset {
	out := make([]models.ContentAsset, len(c.assets))
	copy(out, c.assets)
	return out
}

// AssetsFor returns the assets dedicated to an offering, in catalog order.
func (c *Catalog) AssetsFor(tag string) []models.ContentAsset {
	var out []models.ContentAsset
	for _, a := range c.assets {
		if a.Offering == tag {
			out = append(out, a)
		}
	}
	return out
}

// Validate returns models.ErrUnknownOffering if tag is not in the catalog.
func (c *Catalog) Validate(tag string) error {
	if _, ok := c.byTag[tag]; !ok {
		return fmt.Errorf("%w: %q", models.ErrUnknownOffering, tag)
	}
	return nil
}
