// Package feeds serves the fixed-price external data vendors that the agent
// can buy from alongside the marketplace.
package feeds

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ErrVendorNotFound is returned for unknown vendor ids.
var ErrVendorNotFound = errors.New("vendor not found")

// ValueRating is a coarse hint about how useful a feed tends to be.
type ValueRating string

const (
	ValueHigh   ValueRating = "HIGH"
	ValueMedium ValueRating = "MEDIUM"
	ValueLow    ValueRating = "LOW"
)

// Data is the payload delivered after payment.
type Data struct {
	Vendor     string                 `json:"vendor" yaml:"-"`
	Timestamp  time.Time              `json:"timestamp" yaml:"-"`
	Category   string                 `json:"category" yaml:"category"`
	Content    map[string]interface{} `json:"content" yaml:"content"`
	Confidence string                 `json:"confidence" yaml:"confidence"`
	Disclaimer string                 `json:"disclaimer" yaml:"disclaimer"`
}

// Vendor is one external feed.
type Vendor struct {
	ID          string          `json:"id" yaml:"id"`
	Name        string          `json:"name" yaml:"name"`
	Cost        decimal.Decimal `json:"cost" yaml:"cost"`
	Description string          `json:"description" yaml:"description"`
	Category    string          `json:"category" yaml:"category"`
	ValueRating ValueRating     `json:"valueRating" yaml:"valueRating"`
	Data        Data            `json:"-" yaml:"data"`
}

// Summary is the public, pre-payment description of a vendor.
type Summary struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Cost        string      `json:"cost"`
	Description string      `json:"description"`
	ValueRating ValueRating `json:"valueRating"`
}

// Summary describes the vendor without its payload.
func (v Vendor) Summary() Summary {
	return Summary{
		ID:          v.ID,
		Name:        v.Name,
		Cost:        "$" + v.Cost.StringFixed(2),
		Description: v.Description,
		ValueRating: v.ValueRating,
	}
}

// Resource is the paywalled path of the vendor.
func (v Vendor) Resource() string {
	return "/vendor/" + v.ID
}

// Registry is an immutable vendor catalogue.
type Registry struct {
	order   []string
	vendors map[string]Vendor
	now     func() time.Time
}

// NewRegistry validates and indexes vendors, keeping their order.
func NewRegistry(vendors []Vendor) (*Registry, error) {
	r := &Registry{
		vendors: make(map[string]Vendor, len(vendors)),
		now:     func() time.Time { return time.Now().UTC() },
	}
	for i, v := range vendors {
		v.ID = strings.TrimSpace(v.ID)
		if v.ID == "" {
			return nil, fmt.Errorf("vendor %d: id is required", i)
		}
		if _, dup := r.vendors[v.ID]; dup {
			return nil, fmt.Errorf("vendor %s: duplicate id", v.ID)
		}
		if !v.Cost.IsPositive() {
			return nil, fmt.Errorf("vendor %s: cost must be positive", v.ID)
		}
		if v.Name == "" {
			v.Name = v.ID
		}
		v.Cost = v.Cost.Round(2)
		r.vendors[v.ID] = v
		r.order = append(r.order, v.ID)
	}
	return r, nil
}

// List returns the vendors in catalogue order.
func (r *Registry) List() []Vendor {
	out := make([]Vendor, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.vendors[id])
	}
	return out
}

// Summaries lists every vendor without payloads.
func (r *Registry) Summaries() []Summary {
	out := make([]Summary, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.vendors[id].Summary())
	}
	return out
}

// Get returns the vendor with id.
func (r *Registry) Get(id string) (Vendor, error) {
	v, ok := r.vendors[id]
	if !ok {
		return Vendor{}, fmt.Errorf("%w: %s", ErrVendorNotFound, id)
	}
	return v, nil
}

// Fetch returns a fresh copy of the vendor's payload, stamped now.
func (r *Registry) Fetch(id string) (Data, error) {
	v, err := r.Get(id)
	if err != nil {
		return Data{}, err
	}
	data := v.Data
	data.Vendor = v.Name
	data.Timestamp = r.now()
	data.Content = copyContent(v.Data.Content)
	return data, nil
}

// TotalCost sums the cost of the given vendors, ignoring unknown ids.
func (r *Registry) TotalCost(ids ...string) decimal.Decimal {
	total := decimal.Zero
	for _, id := range ids {
		if v, ok := r.vendors[id]; ok {
			total = total.Add(v.Cost)
		}
	}
	return total
}

func copyContent(in map[string]interface{}) map[string]interface{} {
	if in == nil {
		return nil
	}
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		if nested, ok := v.(map[string]interface{}); ok {
			out[k] = copyContent(nested)
			continue
		}
		out[k] = v
	}
	return out
}
