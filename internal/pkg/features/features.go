// Package features loads the catalog of paid generation features.
package features

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ManuelReschke/CreditFox/app/models"
)

//go:embed features.yml
var defaultCatalog []byte

// Feature describes one billable generation feature.
type Feature struct {
	Name           string             `yaml:"name" json:"name"`
	Model          string             `yaml:"model" json:"-"`
	Cost           int64              `yaml:"cost" json:"cost"`
	BillingMode    models.BillingMode `yaml:"billing_mode" json:"billing_mode"`
	TimeoutSeconds int                `yaml:"timeout_seconds" json:"timeout_seconds"`
}

// Timeout is how long a client polls before giving up.
func (f Feature) Timeout() time.Duration {
	return time.Duration(f.TimeoutSeconds) * time.Second
}

// Catalog is an immutable lookup of features by name.
type Catalog struct {
	byName map[string]Feature
}

type catalogFile struct {
	Features []Feature `yaml:"features"`
}

// Parse decodes and validates a YAML catalog.
func Parse(data []byte) (*Catalog, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse features: %w", err)
	}
	c := &Catalog{byName: make(map[string]Feature, len(f.Features))}
	for _, feat := range f.Features {
		feat.Name = strings.TrimSpace(feat.Name)
		if feat.Name == "" {
			return nil, fmt.Errorf("feature without name")
		}
		if _, dup := c.byName[feat.Name]; dup {
			return nil, fmt.Errorf("duplicate feature %q", feat.Name)
		}
		if feat.Cost <= 0 {
			return nil, fmt.Errorf("feature %q: cost must be positive", feat.Name)
		}
		switch feat.BillingMode {
		case "":
			feat.BillingMode = models.BillingModeOnCompletion
		case models.BillingModeOnCompletion, models.BillingModePrepaid:
		default:
			return nil, fmt.Errorf("feature %q: unknown billing_mode %q", feat.Name, feat.BillingMode)
		}
		if feat.Model == "" {
			feat.Model = feat.Name
		}
		if feat.TimeoutSeconds <= 0 {
			feat.TimeoutSeconds = 120
		}
		c.byName[feat.Name] = feat
	}
	return c, nil
}

// Default returns the embedded catalog.
func Default() *Catalog {
	c, err := Parse(defaultCatalog)
	if err != nil {
		panic(err)
	}
	return c
}

// Load reads path, or returns the embedded catalog when path is empty.
func Load(path string) (*Catalog, error) {
	if strings.TrimSpace(path) == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read features file: %w", err)
	}
	return Parse(data)
}

// Get looks up a feature by name.
func (c *Catalog) Get(name string) (Feature, bool) {
	f, ok := c.byName[strings.TrimSpace(name)]
	return f, ok
}

// List returns all features sorted by name.
func (c *Catalog) List() []Feature {
	out := make([]Feature, 0, len(c.byName))
	for _, f := range c.byName {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
