package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// RewardUnit is the currency a rule pays out in.
type RewardUnit string

const (
	UnitCash   RewardUnit = "cash"
	UnitPoints RewardUnit = "points"
	UnitMiles  RewardUnit = "miles"
)

// Valid reports whether u is a known reward unit.
func (u RewardUnit) Valid() bool {
	switch u {
	case UnitCash, UnitPoints, UnitMiles:
		return true
	}
	return false
}

// CapPeriod is the window over which max_reward_cap accumulates.
type CapPeriod string

const (
	CapPeriodNone    CapPeriod = "none"
	CapPeriodMonthly CapPeriod = "monthly"
)

// RewardRule defines how a card rewards a purchase.
// Exactly one rule is applied per transaction.
type RewardRule struct {
	ID     string `json:"rule_id"`
	CardID string `json:"card_id"`

	// Reward amount: FixedAmount wins over Percentage when both are set.
	Percentage  decimal.NullDecimal `json:"percentage"`
	FixedAmount decimal.NullDecimal `json:"fixed_amount"`
	RewardUnit  RewardUnit          `json:"reward_unit"`

	// Targets. All nil means a general fallback rule.
	TargetCategoryID *string `json:"target_category_id,omitempty"`
	TargetMerchantID *string `json:"target_merchant_id,omitempty"`
	TargetMCCType    *string `json:"target_mcc_type,omitempty"`

	// IsExclusion rules zero the reward when they are hit.
	IsExclusion bool `json:"is_exclusion"`

	MinSpendThreshold decimal.Decimal     `json:"min_spend_threshold"`
	MaxRewardCap      decimal.NullDecimal `json:"max_reward_cap"`
	CapPeriod         CapPeriod           `json:"cap_period"`

	// ValuationRate converts one RewardUnit into estimated cash value.
	ValuationRate decimal.Decimal `json:"valuation_rate"`

	// Validity window, inclusive calendar dates.
	StartDate *time.Time `json:"start_date,omitempty"`
	EndDate   *time.Time `json:"end_date,omitempty"`

	// Condition is an optional CEL expression that must evaluate to true.
	Condition string `json:"condition,omitempty"`

	Description string `json:"description,omitempty"`
}

// IsFallback reports whether the rule has no target at all.
func (r *RewardRule) IsFallback() bool {
	return r.TargetCategoryID == nil && r.TargetMerchantID == nil && r.TargetMCCType == nil
}

// RawReward returns the uncapped reward quantity for a purchase amount.
func (r *RewardRule) RawReward(amount decimal.Decimal) (decimal.Decimal, error) {
	if r.FixedAmount.Valid {
		return r.FixedAmount.Decimal, nil
	}
	if r.Percentage.Valid {
		return amount.Mul(r.Percentage.Decimal).Div(hundred), nil
	}
	return decimal.Zero, fmt.Errorf("%w: rule %s has neither percentage nor fixed_amount", ErrRuleComputation, r.ID)
}

// ActiveOn reports whether date falls inside the rule's validity window.
func (r *RewardRule) ActiveOn(date time.Time) bool {
	day := truncateDay(date)
	if r.StartDate != nil && day.Before(truncateDay(*r.StartDate)) {
		return false
	}
	if r.EndDate != nil && day.After(truncateDay(*r.EndDate)) {
		return false
	}
	return true
}

// Validate checks a rule before it is persisted.
func (r *RewardRule) Validate() error {
	if r.ID == "" || r.CardID == "" {
		return fmt.Errorf("%w: rule_id and card_id are required", ErrInvalidInput)
	}
	if !r.RewardUnit.Valid() {
		return fmt.Errorf("%w: unknown reward_unit %q", ErrInvalidInput, r.RewardUnit)
	}
	if r.Percentage.Valid && (r.Percentage.Decimal.IsNegative() || r.Percentage.Decimal.GreaterThan(hundred)) {
		return fmt.Errorf("%w: percentage must be between 0 and 100", ErrInvalidInput)
	}
	if r.FixedAmount.Valid && r.FixedAmount.Decimal.IsNegative() {
		return fmt.Errorf("%w: fixed_amount must be non-negative", ErrInvalidInput)
	}
	if !r.IsExclusion && !r.Percentage.Valid && !r.FixedAmount.Valid {
		return fmt.Errorf("%w: percentage or fixed_amount is required", ErrInvalidInput)
	}
	if r.MinSpendThreshold.IsNegative() {
		return fmt.Errorf("%w: min_spend_threshold must be non-negative", ErrInvalidInput)
	}
	if r.MaxRewardCap.Valid && r.MaxRewardCap.Decimal.IsNegative() {
		return fmt.Errorf("%w: max_reward_cap must be non-negative", ErrInvalidInput)
	}
	switch r.CapPeriod {
	case "":
		r.CapPeriod = CapPeriodNone
	case CapPeriodNone, CapPeriodMonthly:
	default:
		return fmt.Errorf("%w: unknown cap_period %q", ErrInvalidInput, r.CapPeriod)
	}
	if !r.ValuationRate.IsPositive() {
		return fmt.Errorf("%w: valuation_rate must be positive", ErrInvalidInput)
	}
	if r.StartDate != nil && r.EndDate != nil && r.EndDate.Before(*r.StartDate) {
		return fmt.Errorf("%w: end_date is before start_date", ErrInvalidInput)
	}
	return nil
}

var hundred = decimal.NewFromInt(100)

func truncateDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
