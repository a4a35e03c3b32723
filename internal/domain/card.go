package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Bank issues cards.
type Bank struct {
	ID   string `json:"bank_id"`
	Name string `json:"name"`
}

// Card is a credit card product. Its rules live in reward_rules.
type Card struct {
	ID       string `json:"card_id"`
	BankID   string `json:"bank_id"`
	BankName string `json:"bank_name"`
	Name     string `json:"card_name"`
}

// Merchant is a place a purchase can happen.
type Merchant struct {
	ID   string `json:"merchant_id"`
	Name string `json:"name"`
}

// Category groups purchases under a merchant and carries a merchant category type.
type Category struct {
	ID         string `json:"category_id"`
	MerchantID string `json:"merchant_id"`
	Name       string `json:"name"`
	MCCType    string `json:"mcc_type"`
}

// Product belongs to a category. Committed transactions reference one.
type Product struct {
	ID         string          `json:"product_id"`
	CategoryID string          `json:"category_id"`
	Name       string          `json:"name"`
	Price      decimal.Decimal `json:"price"`
}

// Catalog is a bulk import of reference data.
type Catalog struct {
	Banks      []Bank       `json:"banks"`
	Cards      []Card       `json:"cards"`
	Merchants  []Merchant   `json:"merchants"`
	Categories []Category   `json:"categories"`
	Products   []Product    `json:"products"`
	Rules      []RewardRule `json:"rules"`
}

// Validate checks referential basics that do not need the database.
func (c *Catalog) Validate() error {
	for _, b := range c.Banks {
		if b.ID == "" || b.Name == "" {
			return fmt.Errorf("%w: bank_id and name are required", ErrInvalidInput)
		}
	}
	for _, cd := range c.Cards {
		if cd.ID == "" || cd.BankID == "" || cd.Name == "" {
			return fmt.Errorf("%w: card_id, bank_id and card_name are required", ErrInvalidInput)
		}
	}
	for _, m := range c.Merchants {
		if m.ID == "" || m.Name == "" {
			return fmt.Errorf("%w: merchant_id and name are required", ErrInvalidInput)
		}
	}
	for _, cat := range c.Categories {
		if cat.ID == "" || cat.MerchantID == "" || cat.MCCType == "" {
			return fmt.Errorf("%w: category_id, merchant_id and mcc_type are required", ErrInvalidInput)
		}
	}
	for _, p := range c.Products {
		if p.ID == "" || p.CategoryID == "" {
			return fmt.Errorf("%w: product_id and category_id are required", ErrInvalidInput)
		}
	}
	for i := range c.Rules {
		if err := c.Rules[i].Validate(); err != nil {
			return err
		}
	}
	return nil
}

// MaxSelectedCards bounds a user's wallet.
const MaxSelectedCards = 3
