// Package ledger reads reward already accrued toward a capped rule.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/opensource-finance/cardwise/internal/domain"
	"github.com/shopspring/decimal"
)

// Source sums committed reward payments. Both the repository and a store
// bound to an open transaction satisfy it.
type Source interface {
	SumRewards(ctx context.Context, q domain.AccrualQuery) (decimal.Decimal, error)
}

// Scope identifies whose accrual is being read.
type Scope struct {
	CardID string
	UserID string
	Unit   domain.RewardUnit
	Period domain.CapPeriod
}

// Reader computes accrual for the cap period containing a date.
type Reader struct {
	src Source
}

// NewReader creates a reader over src.
func NewReader(src Source) *Reader {
	return &Reader{src: src}
}

// Accumulated returns reward already accrued in the cap period containing asOf.
// CapPeriodNone always yields zero, so a cap without a period applies per transaction.
func (r *Reader) Accumulated(ctx context.Context, scope Scope, asOf time.Time) (decimal.Decimal, error) {
	switch scope.Period {
	case domain.CapPeriodNone, "":
		return decimal.Zero, nil
	case domain.CapPeriodMonthly:
	default:
		return decimal.Zero, fmt.Errorf("%w: unknown cap period %q", domain.ErrRuleComputation, scope.Period)
	}

	if scope.CardID == "" || scope.UserID == "" {
		return decimal.Zero, fmt.Errorf("%w: card and user are required", domain.ErrInvalidInput)
	}

	from, to := MonthBounds(asOf)
	total, err := r.src.SumRewards(ctx, domain.AccrualQuery{
		CardID: scope.CardID,
		UserID: scope.UserID,
		Unit:   scope.Unit,
		From:   from,
		To:     to,
	})
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to read accrual: %w", err)
	}
	return total, nil
}

// MonthBounds returns [first of month, first of next month) for t's calendar month in UTC.
func MonthBounds(t time.Time) (time.Time, time.Time) {
	t = t.UTC()
	from := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	return from, from.AddDate(0, 1, 0)
}
