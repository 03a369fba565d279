package config

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/R3E-Network/infomart/internal/app/domain/market"
	"github.com/R3E-Network/infomart/internal/app/services/feeds"
)

//go:embed seed.yaml
var defaultSeed []byte

// Seed is the catalog loaded at startup.
type Seed struct {
	Products []market.PublishRequest `yaml:"products"`
	Vendors  []feeds.Vendor          `yaml:"vendors"`
}

// DefaultSeed returns the embedded catalog.
func DefaultSeed() (*Seed, error) {
	return ParseSeed(defaultSeed)
}

// LoadSeed reads the catalog at path, or the embedded one when path is empty.
func LoadSeed(path string) (*Seed, error) {
	if path == "" {
		return DefaultSeed()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed file: %w", err)
	}
	return ParseSeed(data)
}

// ParseSeed decodes a YAML catalog.
func ParseSeed(data []byte) (*Seed, error) {
	var seed Seed
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("failed to parse seed: %w", err)
	}
	for i, p := range seed.Products {
		if p.Title == "" || p.SellerID == "" {
			return nil, fmt.Errorf("seed product %d: title and sellerId are required", i)
		}
		if p.Type == "" {
			seed.Products[i].Type = market.TypeHumanAlpha
		}
	}
	return &seed, nil
}
