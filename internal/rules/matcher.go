package rules

import (
	"fmt"
	"sort"
	"time"

	"github.com/opensource-finance/cardwise/internal/domain"
	"github.com/shopspring/decimal"
)

// Input is the purchase context a card's rules are matched against.
type Input struct {
	CategoryID string
	MerchantID string
	MCCType    string
	Amount     decimal.Decimal
	Date       time.Time
}

// MatchClass is how specifically a hit rule targets the purchase.
// Lower values win ties on hidden value.
type MatchClass int

const (
	MatchCategory MatchClass = iota
	MatchMerchant
	MatchMCC
	MatchFallback
)

func (c MatchClass) String() string {
	switch c {
	case MatchCategory:
		return "category"
	case MatchMerchant:
		return "merchant"
	case MatchMCC:
		return "mcc"
	case MatchFallback:
		return "fallback"
	}
	return "unknown"
}

// uncappedSentinel stands in for a missing max_reward_cap when ranking.
var uncappedSentinel = decimal.NewFromInt(999999999)

// Candidate is a hit rule with its ranking keys.
type Candidate struct {
	Rule        *domain.RewardRule
	Class       MatchClass
	HiddenValue decimal.Decimal
	position    int
}

// Matcher filters and ranks a card's rules.
type Matcher struct {
	conditions *Engine
}

// NewMatcher creates a matcher. conditions may be nil, in which case rules
// carrying a condition are evaluated as if it held.
func NewMatcher(conditions *Engine) *Matcher {
	return &Matcher{conditions: conditions}
}

// Select returns the winning candidate, or nil when no rule is hit.
func (m *Matcher) Select(rules []*domain.RewardRule, in Input) (*Candidate, error) {
	candidates, err := m.Candidates(rules, in)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	return candidates[0], nil
}

// Candidates returns every hit rule, best first.
func (m *Matcher) Candidates(rules []*domain.RewardRule, in Input) ([]*Candidate, error) {
	var candidates []*Candidate
	for i, r := range rules {
		if in.Amount.LessThan(r.MinSpendThreshold) {
			continue
		}
		if !r.ActiveOn(in.Date) {
			continue
		}
		class, hit := classify(r, in)
		if !hit {
			continue
		}
		if r.Condition != "" && m.conditions != nil {
			ok, err := m.conditions.Holds(r.Condition, in)
			if err != nil {
				return nil, fmt.Errorf("rule %s: %w", r.ID, err)
			}
			if !ok {
				continue
			}
		}

		c := &Candidate{Rule: r, Class: class, position: i}
		if !r.IsExclusion {
			v, err := HiddenValue(r, in.Amount)
			if err != nil {
				return nil, err
			}
			c.HiddenValue = v
		}
		candidates = append(candidates, c)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return Less(candidates[i], candidates[j])
	})
	return candidates, nil
}

// Less reports whether a ranks ahead of b.
// Order: hit exclusion first, then hidden value descending, then match class,
// then repository position.
func Less(a, b *Candidate) bool {
	if a.Rule.IsExclusion != b.Rule.IsExclusion {
		return a.Rule.IsExclusion
	}
	if cmp := a.HiddenValue.Cmp(b.HiddenValue); cmp != 0 {
		return cmp > 0
	}
	if a.Class != b.Class {
		return a.Class < b.Class
	}
	return a.position < b.position
}

// HiddenValue is min(cap or sentinel, raw reward) × valuation rate.
func HiddenValue(r *domain.RewardRule, amount decimal.Decimal) (decimal.Decimal, error) {
	raw, err := r.RawReward(amount)
	if err != nil {
		return decimal.Zero, err
	}
	limit := uncappedSentinel
	if r.MaxRewardCap.Valid {
		limit = r.MaxRewardCap.Decimal
	}
	return decimal.Min(limit, raw).Mul(r.ValuationRate), nil
}

// classify applies the hit predicate and reports the most specific matching target.
func classify(r *domain.RewardRule, in Input) (MatchClass, bool) {
	switch {
	case r.TargetCategoryID != nil && *r.TargetCategoryID == in.CategoryID:
		return MatchCategory, true
	case r.TargetMerchantID != nil && *r.TargetMerchantID == in.MerchantID:
		return MatchMerchant, true
	case r.TargetMCCType != nil && *r.TargetMCCType == in.MCCType:
		return MatchMCC, true
	case r.IsFallback():
		return MatchFallback, true
	}
	return 0, false
}
