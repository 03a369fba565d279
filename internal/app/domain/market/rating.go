package market

import (
	"math"

	"github.com/shopspring/decimal"
)

const (
	MinRating = 1
	MaxRating = 5
)

// stakePenalty is the ruthless rating table: a perfect rating holds the stake,
// anything below it costs collateral.
var stakePenalty = map[int]decimal.Decimal{
	1: decimal.RequireFromString("-3.00"),
	2: decimal.RequireFromString("-2.00"),
	3: decimal.RequireFromString("-1.00"),
	4: decimal.RequireFromString("-0.25"),
	5: decimal.Zero,
}

// NormalizeRating clamps a raw numeric rating into [MinRating, MaxRating],
// then rounds it to the nearest whole star.
func NormalizeRating(raw float64) int {
	if math.IsNaN(raw) {
		return MinRating
	}
	clamped := math.Max(MinRating, math.Min(MaxRating, raw))
	return int(math.Round(clamped))
}

// ClampRating forces rating into [MinRating, MaxRating].
func ClampRating(rating int) int {
	if rating < MinRating {
		return MinRating
	}
	if rating > MaxRating {
		return MaxRating
	}
	return rating
}

// StakeDelta returns the stake change for a rating after clamping.
func StakeDelta(rating int) decimal.Decimal {
	return stakePenalty[ClampRating(rating)]
}

// ApplyStakeDelta returns the new stake floored at zero.
func ApplyStakeDelta(stake, delta decimal.Decimal) decimal.Decimal {
	next := stake.Add(delta)
	if next.IsNegative() {
		return decimal.Zero
	}
	return next
}
