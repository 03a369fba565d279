package feeds

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testVendors() []Vendor {
	return []Vendor{
		{
			ID: "legal_in", Name: "LegalEdge India", Cost: decimal.RequireFromString("0.02"),
			ValueRating: ValueHigh,
			Data: Data{
				Category: "Regulatory",
				Content:  map[string]interface{}{"vdaTax": map[string]interface{}{"rate": "30%"}},
			},
		},
		{ID: "wiki_basic", Name: "WikiFacts Basic", Cost: decimal.RequireFromString("0.01"), ValueRating: ValueLow},
	}
}

func TestRegistry(t *testing.T) {
	reg, err := NewRegistry(testVendors())
	require.NoError(t, err)

	list := reg.List()
	require.Len(t, list, 2)
	assert.Equal(t, "legal_in", list[0].ID, "catalogue order kept")

	summaries := reg.Summaries()
	assert.Equal(t, "$0.02", summaries[0].Cost)
	assert.Equal(t, ValueLow, summaries[1].ValueRating)

	v, err := reg.Get("legal_in")
	require.NoError(t, err)
	assert.Equal(t, "/vendor/legal_in", v.Resource())

	_, err = reg.Get("nope")
	assert.ErrorIs(t, err, ErrVendorNotFound)

	assert.True(t, reg.TotalCost("legal_in", "wiki_basic", "nope").Equal(decimal.RequireFromString("0.03")))
}

func TestRegistry_FetchReturnsCopy(t *testing.T) {
	reg, err := NewRegistry(testVendors())
	require.NoError(t, err)

	data, err := reg.Fetch("legal_in")
	require.NoError(t, err)
	assert.Equal(t, "LegalEdge India", data.Vendor)
	assert.False(t, data.Timestamp.IsZero())

	data.Content["vdaTax"].(map[string]interface{})["rate"] = "0%"
	again, _ := reg.Fetch("legal_in")
	assert.Equal(t, "30%", again.Content["vdaTax"].(map[string]interface{})["rate"])
}

func TestNewRegistry_Validation(t *testing.T) {
	_, err := NewRegistry([]Vendor{{ID: "", Cost: decimal.NewFromInt(1)}})
	assert.Error(t, err)
	_, err = NewRegistry([]Vendor{{ID: "a", Cost: decimal.Zero}})
	assert.Error(t, err)
	_, err = NewRegistry([]Vendor{{ID: "a", Cost: decimal.NewFromInt(1)}, {ID: "a", Cost: decimal.NewFromInt(1)}})
	assert.Error(t, err)
}
