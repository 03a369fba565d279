package market

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestStakeDelta_Table(t *testing.T) {
	cases := map[int]string{
		-4: "-3.00",
		1:  "-3.00",
		2:  "-2.00",
		3:  "-1.00",
		4:  "-0.25",
		5:  "0",
		9:  "0",
	}
	for rating, want := range cases {
		got := StakeDelta(rating)
		assert.True(t, got.Equal(decimal.RequireFromString(want)), "rating %d: got %s want %s", rating, got, want)
	}
}

func TestNormalizeRating(t *testing.T) {
	cases := map[float64]int{
		4.6:   5,
		4.4:   4,
		3.5:   4,
		1e20:  5,
		-1e20: 1,
		0:     1,
		1:     1,
		2.49:  2,
	}
	for raw, want := range cases {
		assert.Equal(t, want, NormalizeRating(raw), "raw %v", raw)
	}
}

func TestApplyStakeDelta_FloorsAtZero(t *testing.T) {
	stake := decimal.RequireFromString("1.50")
	assert.True(t, ApplyStakeDelta(stake, StakeDelta(1)).IsZero())
	assert.True(t, ApplyStakeDelta(stake, StakeDelta(4)).Equal(decimal.RequireFromString("1.25")))
}

func TestProductListing_OmitsContent(t *testing.T) {
	p := Product{ID: "p1", Title: "t", Content: "secret", SellerName: ""}
	l := p.Listing()
	assert.Equal(t, "p1", l.ID)
	assert.Equal(t, "Anonymous", l.DisplaySeller())
}

func TestEventPayload(t *testing.T) {
	evt := Event{Kind: EventSlash, Slash: &StakePayload{Rating: 2}}
	assert.Equal(t, evt.Slash, evt.Payload())
	assert.Nil(t, Event{Kind: "unknown"}.Payload())
	assert.True(t, TypeAPI.Valid())
	assert.False(t, ProductType("video").Valid())
}
