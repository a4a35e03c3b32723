// Package calculator turns a selected rule into a final reward amount.
package calculator

import (
	"fmt"

	"github.com/opensource-finance/cardwise/internal/domain"
	"github.com/shopspring/decimal"
)

// Notes attached to outcomes that did not come from a rule description.
const (
	NoteNoRule    = "no matching reward rule"
	NoteExcluded  = "excluded"
	capReachedTag = " (cap reached)"
)

// Result is the reward a single rule yields for a purchase.
type Result struct {
	RuleID    *string
	Unit      domain.RewardUnit
	Final     decimal.Decimal
	Estimated decimal.Decimal
	HitCap    bool
	Note      string
	Excluded  bool
}

// Calculate computes the reward for amount under rule, given reward already
// accrued in the rule's cap period. A nil rule yields a zero cash result.
// Final and Estimated are rounded half away from zero to whole units;
// Estimated is derived from the unrounded final.
func Calculate(rule *domain.RewardRule, amount, prior decimal.Decimal) (*Result, error) {
	if rule == nil {
		return &Result{Unit: domain.UnitCash, Note: NoteNoRule}, nil
	}

	id := rule.ID
	res := &Result{RuleID: &id, Unit: rule.RewardUnit}

	if rule.IsExclusion {
		res.Excluded = true
		res.Note = NoteExcluded
		return res, nil
	}

	raw, err := rule.RawReward(amount)
	if err != nil {
		return nil, err
	}

	final := raw
	if rule.MaxRewardCap.Valid {
		remaining := rule.MaxRewardCap.Decimal.Sub(prior)
		switch {
		case !remaining.IsPositive():
			final = decimal.Zero
			res.HitCap = true
		case raw.GreaterThan(remaining):
			final = remaining
			res.HitCap = true
		}
	}

	res.Final = final.Round(0)
	res.Estimated = final.Mul(rule.ValuationRate).Round(0)
	res.Note = describe(rule)
	if res.HitCap {
		res.Note += capReachedTag
	}
	return res, nil
}

func describe(rule *domain.RewardRule) string {
	if rule.Description != "" {
		return rule.Description
	}
	if rule.FixedAmount.Valid {
		return fmt.Sprintf("fixed %s %s", rule.FixedAmount.Decimal.String(), rule.RewardUnit)
	}
	return fmt.Sprintf("%s%% %s", rule.Percentage.Decimal.String(), rule.RewardUnit)
}
