package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Transaction is one committed purchase. Immutable once created.
type Transaction struct {
	ID         string          `json:"transaction_id"`
	UserID     string          `json:"user_id"`
	ProductID  string          `json:"product_id"`
	MerchantID string          `json:"merchant_id"`
	CategoryID string          `json:"category_id"`
	Amount     decimal.Decimal `json:"amount"`
	Date       time.Time       `json:"transaction_date"`
	CreatedAt  time.Time       `json:"created_at"`
}

// RewardPayment is the reward outcome of exactly one Transaction.
type RewardPayment struct {
	TransactionID string          `json:"transaction_id"`
	CardID        string          `json:"card_id"`
	RewardUnit    RewardUnit      `json:"reward_unit"`
	RewardAmount  decimal.Decimal `json:"reward_amount"`
	AppliedRuleID *string         `json:"applied_rule_id,omitempty"`
	Amount        decimal.Decimal `json:"amount"`
}

// Purchase is the caller-supplied context of a prospective or committed purchase.
type Purchase struct {
	UserID     string
	MerchantID string
	CategoryID string
	Amount     decimal.Decimal

	// Date is optional; the zero value means "now".
	Date time.Time
}

// Validate rejects purchases that cannot be evaluated.
func (p Purchase) Validate() error {
	if p.UserID == "" {
		return fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	if p.MerchantID == "" {
		return fmt.Errorf("%w: merchant_id is required", ErrInvalidInput)
	}
	if p.CategoryID == "" {
		return fmt.Errorf("%w: category_id is required", ErrInvalidInput)
	}
	if !p.Amount.IsPositive() {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidInput)
	}
	return nil
}

// TransactionView is a denormalised history row.
type TransactionView struct {
	TransactionID string          `json:"transaction_id"`
	Date          string          `json:"date"`
	MerchantName  string          `json:"merchant_name"`
	CategoryName  string          `json:"category_name"`
	ProductName   string          `json:"product_name"`
	MCCType       string          `json:"mcc_type"`
	Amount        decimal.Decimal `json:"amount"`
	CardID        string          `json:"card_id,omitempty"`
	CardName      string          `json:"card_name,omitempty"`
	RewardUnit    RewardUnit      `json:"reward_unit,omitempty"`
	RewardAmount  decimal.Decimal `json:"reward_amount"`
}

// TransactionFilter narrows a history listing. Zero fields are ignored.
type TransactionFilter struct {
	UserID  string
	From    time.Time
	To      time.Time
	MCCType string
	CardID  string
	Limit   int
	Page    int
}

// TransactionPage is one page of history.
type TransactionPage struct {
	Transactions []*TransactionView `json:"transactions"`
	Page         int                `json:"page"`
	Limit        int                `json:"limit"`
	Total        int                `json:"total"`
}
