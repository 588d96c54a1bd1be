package config

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Package is one purchasable credit bundle. PriceCents is in the currency's
// minor unit, as sent to the payment provider.
type Package struct {
	Key         string `yaml:"-" json:"key"`
	Credits     int    `yaml:"credits" json:"credits"`
	PriceCents  int64  `yaml:"price" json:"price"`
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description" json:"description"`
}

// Amount returns the price in major units (5.00 for 500 cents).
func (p Package) Amount() decimal.Decimal {
	return decimal.New(p.PriceCents, -2)
}

// Catalog is the read-only table of packages. It is built once at startup and
// handed to the services that need it.
type Catalog struct {
	currency string
	packages map[string]Package
	order    []string
}

func NewCatalog(currency string, packages map[string]Package) (*Catalog, error) {
	if len(packages) == 0 {
		return nil, errors.New("catalog has no packages")
	}
	c := &Catalog{
		currency: currency,
		packages: make(map[string]Package, len(packages)),
		order:    make([]string, 0, len(packages)),
	}
	for key, pkg := range packages {
		if key == "" {
			return nil, errors.New("catalog package key is empty")
		}
		if pkg.Credits <= 0 {
			return nil, fmt.Errorf("package %q: credits must be positive", key)
		}
		if pkg.PriceCents <= 0 {
			return nil, fmt.Errorf("package %q: price must be positive", key)
		}
		if pkg.Name == "" {
			return nil, fmt.Errorf("package %q: name is required", key)
		}
		pkg.Key = key
		c.packages[key] = pkg
		c.order = append(c.order, key)
	}
	sort.Slice(c.order, func(i, j int) bool {
		left, right := c.packages[c.order[i]], c.packages[c.order[j]]
		if left.PriceCents != right.PriceCents {
			return left.PriceCents < right.PriceCents
		}
		return left.Key < right.Key
	})
	return c, nil
}

// DefaultCatalog is the built-in package table.
func DefaultCatalog(currency string) *Catalog {
	c, err := NewCatalog(currency, map[string]Package{
		"basic":      {Credits: 10, PriceCents: 500, Name: "Basic Package", Description: "10 credits for background removal"},
		"standard":   {Credits: 25, PriceCents: 1000, Name: "Standard Package", Description: "25 credits for background removal"},
		"premium":    {Credits: 50, PriceCents: 1800, Name: "Premium Package", Description: "50 credits for background removal"},
		"enterprise": {Credits: 100, PriceCents: 3000, Name: "Enterprise Package", Description: "100 credits for background removal"},
	})
	if err != nil {
		panic(err)
	}
	return c
}

type catalogFile struct {
	Currency string             `yaml:"currency"`
	Packages map[string]Package `yaml:"packages"`
}

// LoadCatalog reads a YAML package table. An empty path yields the default catalog.
func LoadCatalog(path, currency string) (*Catalog, error) {
	if path == "" {
		return DefaultCatalog(currency), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	var file catalogFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	if file.Currency != "" {
		currency = file.Currency
	}
	return NewCatalog(currency, file.Packages)
}

func (c *Catalog) Currency() string { return c.currency }

func (c *Catalog) Lookup(key string) (Package, bool) {
	pkg, ok := c.packages[key]
	return pkg, ok
}

// List returns the packages ordered by price.
func (c *Catalog) List() []Package {
	out := make([]Package, 0, len(c.order))
	for _, key := range c.order {
		out = append(out, c.packages[key])
	}
	return out
}
