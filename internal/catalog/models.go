package catalog

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// Plans are the purchasable catalog. Amounts are expressed in minor units
// (e.g., cents) using int64; token grants are whole tokens.

type PlanType string

const (
	PlanTypeOneTime      PlanType = "one_time_purchase"
	PlanTypeSubscription PlanType = "subscription"
)

type Interval string

const (
	IntervalDay   Interval = "day"
	IntervalWeek  Interval = "week"
	IntervalMonth Interval = "month"
	IntervalYear  Interval = "year"
)

// FreeItemID is the internal item id of the plan the allocation runner grants.
const FreeItemID = "free"

// Plan is a purchasable item.
type Plan struct {
	ID   string `json:"id" mapstructure:"id"`
	Name string `json:"name" mapstructure:"name"`

	// ItemID is the public item id, usually the gateway price id.
	ItemID string `json:"itemId" mapstructure:"item_id"`
	// ItemIDInternal is a stable internal name, e.g. "free".
	ItemIDInternal string `json:"itemIdInternal,omitempty" mapstructure:"item_id_internal"`
	// ProductID groups plans under one provider product.
	ProductID string `json:"productId,omitempty" mapstructure:"product_id"`

	PlanType PlanType `json:"planType" mapstructure:"plan_type"`

	// AmountMinor is the price of one unit.
	AmountMinor int64  `json:"amount" mapstructure:"amount"`
	Currency    string `json:"currency" mapstructure:"currency"`

	TokensToAward int64 `json:"tokensToAward" mapstructure:"tokens_to_award"`

	Interval      Interval `json:"interval,omitempty" mapstructure:"interval"`
	IntervalCount int      `json:"intervalCount,omitempty" mapstructure:"interval_count"`

	Active bool `json:"active" mapstructure:"active"`
}

// Quote is the priced result of buying quantity units of a plan.
type Quote struct {
	Plan          Plan
	Quantity      int
	AmountMinor   int64
	TokensToAward int64
}

// ErrInvalidQuantity is returned for quantities that are not positive or
// whose price or token grant does not fit in int64.
var ErrInvalidQuantity = errors.New("invalid quantity")

// Quote prices quantity units. A plan without a positive token grant or a
// currency cannot be sold.
func (p Plan) Quote(quantity int) (Quote, error) {
	if quantity <= 0 {
		return Quote{}, fmt.Errorf("%w: %d", ErrInvalidQuantity, quantity)
	}
	if p.TokensToAward <= 0 || p.AmountMinor < 0 || p.Currency == "" {
		return Quote{}, fmt.Errorf("%w: %s", ErrPlanMisconfigured, p.ID)
	}
	switch p.PlanType {
	case PlanTypeOneTime, PlanTypeSubscription:
	default:
		return Quote{}, fmt.Errorf("%w: %s has plan type %q", ErrPlanMisconfigured, p.ID, p.PlanType)
	}
	q := int64(quantity)
	if q > math.MaxInt64/max(p.AmountMinor, p.TokensToAward) {
		return Quote{}, fmt.Errorf("%w: %d units of %s overflow", ErrInvalidQuantity, quantity, p.ID)
	}
	return Quote{
		Plan:          p,
		Quantity:      quantity,
		AmountMinor:   p.AmountMinor * q,
		TokensToAward: p.TokensToAward * q,
	}, nil
}

// NextPeriodEnd advances from one period boundary to the next.
// Month and year steps follow time.AddDate normalization.
func (p Plan) NextPeriodEnd(from time.Time) (time.Time, error) {
	return Advance(from, p.Interval, p.IntervalCount)
}

// Advance returns from + count*interval. count <= 0 is treated as 1.
func Advance(from time.Time, interval Interval, count int) (time.Time, error) {
	if count <= 0 {
		count = 1
	}
	switch interval {
	case IntervalDay:
		return from.AddDate(0, 0, count), nil
	case IntervalWeek:
		return from.AddDate(0, 0, 7*count), nil
	case IntervalMonth, "":
		return from.AddDate(0, count, 0), nil
	case IntervalYear:
		return from.AddDate(count, 0, 0), nil
	default:
		return time.Time{}, fmt.Errorf("%w: unknown interval %q", ErrPlanMisconfigured, interval)
	}
}
