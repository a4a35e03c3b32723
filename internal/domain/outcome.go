package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// CardOutcome is the reward one card would earn for a purchase.
type CardOutcome struct {
	CardID         string          `json:"card_id"`
	BankName       string          `json:"bank_name"`
	CardName       string          `json:"card_name"`
	RewardUnit     RewardUnit      `json:"reward_unit"`
	RewardAmount   decimal.Decimal `json:"reward_amount"`
	EstimatedValue decimal.Decimal `json:"estimated_value"`
	Note           string          `json:"note"`
	HitCap         bool            `json:"hit_cap"`
	AppliedRuleID  *string         `json:"applied_rule_id,omitempty"`
}

// Comparison is the result of simulating a purchase across the user's cards.
type Comparison struct {
	BestCardID string         `json:"best_card_id"`
	PerCard    []*CardOutcome `json:"per_card"`
}

// Receipt is returned after a commit.
type Receipt struct {
	TransactionID string          `json:"transaction_id"`
	Date          string          `json:"date"`
	Amount        decimal.Decimal `json:"amount"`
	CardID        string          `json:"card_id"`
	CardName      string          `json:"card_name"`
	RewardUnit    RewardUnit      `json:"reward_unit"`
	RewardAmount  decimal.Decimal `json:"reward_amount"`
	Note          string          `json:"note"`
	HitCap        bool            `json:"hit_cap"`
}

// MonthlySummary is a user's spend and rewards for one calendar month.
type MonthlySummary struct {
	UserID     string          `json:"user_id"`
	Month      string          `json:"month"`
	TotalSpend decimal.Decimal `json:"total_spend"`
	TxCount    int             `json:"transaction_count"`
	Rewards    []UnitTotal     `json:"rewards"`
	Cards      []CardSummary   `json:"cards"`
}

// UnitTotal sums rewards in one unit.
type UnitTotal struct {
	RewardUnit RewardUnit      `json:"reward_unit"`
	Total      decimal.Decimal `json:"total"`
}

// CardSummary is per-card usage within a month.
type CardSummary struct {
	CardID       string          `json:"card_id"`
	CardName     string          `json:"card_name"`
	RewardUnit   RewardUnit      `json:"reward_unit"`
	Spend        decimal.Decimal `json:"spend"`
	RewardAmount decimal.Decimal `json:"reward_amount"`
	TxCount      int             `json:"transaction_count"`
}

// RewardCommitted is published after a commit succeeds.
type RewardCommitted struct {
	TransactionID string          `json:"transaction_id"`
	UserID        string          `json:"user_id"`
	CardID        string          `json:"card_id"`
	RewardUnit    RewardUnit      `json:"reward_unit"`
	RewardAmount  decimal.Decimal `json:"reward_amount"`
	Date          time.Time       `json:"date"`
}
