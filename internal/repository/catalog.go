package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/opensource-finance/cardwise/internal/domain"
)

var _ domain.Repository = (*SQLRepository)(nil)

// SaveBank upserts a bank.
func (s *sqlStore) SaveBank(ctx context.Context, b *domain.Bank) error {
	query := `
		INSERT INTO banks (bank_id, name) VALUES (?, ?)
		ON CONFLICT(bank_id) DO UPDATE SET name = excluded.name
	`
	if _, err := s.q.ExecContext(ctx, s.rebind(query), b.ID, b.Name); err != nil {
		return wrapDB(err)
	}
	return nil
}

// SaveCard upserts a card. The bank must already exist.
func (s *sqlStore) SaveCard(ctx context.Context, c *domain.Card) error {
	if err := s.mustExist(ctx, "SELECT 1 FROM banks WHERE bank_id = ?", c.BankID, "bank"); err != nil {
		return err
	}
	query := `
		INSERT INTO cards (card_id, bank_id, card_name) VALUES (?, ?, ?)
		ON CONFLICT(card_id) DO UPDATE SET bank_id = excluded.bank_id, card_name = excluded.card_name
	`
	if _, err := s.q.ExecContext(ctx, s.rebind(query), c.ID, c.BankID, c.Name); err != nil {
		return wrapDB(err)
	}
	return nil
}

// SaveMerchant upserts a merchant.
func (s *sqlStore) SaveMerchant(ctx context.Context, m *domain.Merchant) error {
	query := `
		INSERT INTO merchants (merchant_id, name) VALUES (?, ?)
		ON CONFLICT(merchant_id) DO UPDATE SET name = excluded.name
	`
	if _, err := s.q.ExecContext(ctx, s.rebind(query), m.ID, m.Name); err != nil {
		return wrapDB(err)
	}
	return nil
}

// SaveCategory upserts a category. The merchant must already exist.
func (s *sqlStore) SaveCategory(ctx context.Context, c *domain.Category) error {
	if err := s.mustExist(ctx, "SELECT 1 FROM merchants WHERE merchant_id = ?", c.MerchantID, "merchant"); err != nil {
		return err
	}
	query := `
		INSERT INTO categories (category_id, merchant_id, name, mcc_type) VALUES (?, ?, ?, ?)
		ON CONFLICT(category_id) DO UPDATE SET
			merchant_id = excluded.merchant_id,
			name = excluded.name,
			mcc_type = excluded.mcc_type
	`
	if _, err := s.q.ExecContext(ctx, s.rebind(query), c.ID, c.MerchantID, c.Name, c.MCCType); err != nil {
		return wrapDB(err)
	}
	return nil
}

// SaveProduct upserts a product. The category must already exist.
func (s *sqlStore) SaveProduct(ctx context.Context, p *domain.Product) error {
	if err := s.mustExist(ctx, "SELECT 1 FROM categories WHERE category_id = ?", p.CategoryID, "category"); err != nil {
		return err
	}
	query := `
		INSERT INTO products (product_id, category_id, name, price) VALUES (?, ?, ?, ?)
		ON CONFLICT(product_id) DO UPDATE SET
			category_id = excluded.category_id,
			name = excluded.name,
			price = excluded.price
	`
	if _, err := s.q.ExecContext(ctx, s.rebind(query), p.ID, p.CategoryID, p.Name, p.Price); err != nil {
		return wrapDB(err)
	}
	return nil
}

// SaveRule upserts a reward rule. The card must already exist.
func (s *sqlStore) SaveRule(ctx context.Context, r *domain.RewardRule) error {
	if err := s.mustExist(ctx, "SELECT 1 FROM cards WHERE card_id = ?", r.CardID, "card"); err != nil {
		return err
	}
	capPeriod := r.CapPeriod
	if capPeriod == "" {
		capPeriod = domain.CapPeriodNone
	}

	query := `
		INSERT INTO reward_rules (
			rule_id, card_id, percentage, fixed_amount, reward_unit,
			target_category_id, target_merchant_id, target_mcc_type,
			is_exclusion, min_spend_threshold, max_reward_cap, cap_period,
			valuation_rate, start_date, end_date, condition_expr, description
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(rule_id) DO UPDATE SET
			card_id = excluded.card_id,
			percentage = excluded.percentage,
			fixed_amount = excluded.fixed_amount,
			reward_unit = excluded.reward_unit,
			target_category_id = excluded.target_category_id,
			target_merchant_id = excluded.target_merchant_id,
			target_mcc_type = excluded.target_mcc_type,
			is_exclusion = excluded.is_exclusion,
			min_spend_threshold = excluded.min_spend_threshold,
			max_reward_cap = excluded.max_reward_cap,
			cap_period = excluded.cap_period,
			valuation_rate = excluded.valuation_rate,
			start_date = excluded.start_date,
			end_date = excluded.end_date,
			condition_expr = excluded.condition_expr,
			description = excluded.description
	`

	_, err := s.q.ExecContext(ctx, s.rebind(query),
		r.ID, r.CardID, r.Percentage, r.FixedAmount, string(r.RewardUnit),
		nullableString(r.TargetCategoryID), nullableString(r.TargetMerchantID), nullableString(r.TargetMCCType),
		boolInt(r.IsExclusion), r.MinSpendThreshold, r.MaxRewardCap, string(capPeriod),
		r.ValuationRate, nullableDateArg(r.StartDate), nullableDateArg(r.EndDate),
		r.Condition, r.Description,
	)
	if err != nil {
		return wrapDB(err)
	}
	return nil
}

// ImportCatalog upserts a whole catalog atomically, parents before children.
func (r *SQLRepository) ImportCatalog(ctx context.Context, c *domain.Catalog) error {
	return r.inTx(ctx, func(s *sqlStore) error {
		for i := range c.Banks {
			if err := s.SaveBank(ctx, &c.Banks[i]); err != nil {
				return err
			}
		}
		for i := range c.Cards {
			if err := s.SaveCard(ctx, &c.Cards[i]); err != nil {
				return err
			}
		}
		for i := range c.Merchants {
			if err := s.SaveMerchant(ctx, &c.Merchants[i]); err != nil {
				return err
			}
		}
		for i := range c.Categories {
			if err := s.SaveCategory(ctx, &c.Categories[i]); err != nil {
				return err
			}
		}
		for i := range c.Products {
			if err := s.SaveProduct(ctx, &c.Products[i]); err != nil {
				return err
			}
		}
		for i := range c.Rules {
			if err := s.SaveRule(ctx, &c.Rules[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetCard retrieves a card with its bank name.
func (s *sqlStore) GetCard(ctx context.Context, cardID string) (*domain.Card, error) {
	query := `
		SELECT c.card_id, c.bank_id, b.name, c.card_name
		FROM cards c
		JOIN banks b ON b.bank_id = c.bank_id
		WHERE c.card_id = ?
	`

	var c domain.Card
	err := s.q.QueryRowContext(ctx, s.rebind(query), cardID).Scan(&c.ID, &c.BankID, &c.BankName, &c.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: card %s", domain.ErrNotFound, cardID)
	}
	if err != nil {
		return nil, wrapDB(err)
	}
	return &c, nil
}

// ListCards returns every card ordered by bank then name.
func (s *sqlStore) ListCards(ctx context.Context) ([]*domain.Card, error) {
	query := `
		SELECT c.card_id, c.bank_id, b.name, c.card_name
		FROM cards c
		JOIN banks b ON b.bank_id = c.bank_id
		ORDER BY b.name, c.card_name, c.card_id
	`

	rows, err := s.q.QueryContext(ctx, query)
	if err != nil {
		return nil, wrapDB(err)
	}
	defer rows.Close()

	var cards []*domain.Card
	for rows.Next() {
		var c domain.Card
		if err := rows.Scan(&c.ID, &c.BankID, &c.BankName, &c.Name); err != nil {
			return nil, wrapDB(err)
		}
		cards = append(cards, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapDB(err)
	}
	return cards, nil
}

// RulesForCard returns the card's rules ordered by rule_id.
func (s *sqlStore) RulesForCard(ctx context.Context, cardID string) ([]*domain.RewardRule, error) {
	if err := s.mustExist(ctx, "SELECT 1 FROM cards WHERE card_id = ?", cardID, "card"); err != nil {
		return nil, err
	}

	query := `
		SELECT rule_id, card_id, percentage, fixed_amount, reward_unit,
			   target_category_id, target_merchant_id, target_mcc_type,
			   is_exclusion, min_spend_threshold, max_reward_cap, cap_period,
			   valuation_rate, start_date, end_date, condition_expr, description
		FROM reward_rules
		WHERE card_id = ?
		ORDER BY rule_id
	`

	rows, err := s.q.QueryContext(ctx, s.rebind(query), cardID)
	if err != nil {
		return nil, wrapDB(err)
	}
	defer rows.Close()

	var rules []*domain.RewardRule
	for rows.Next() {
		var r domain.RewardRule
		var unit, capPeriod string
		var catID, merchantID, mccType sql.NullString
		var exclusion int
		var start, end nullDate

		if err := rows.Scan(
			&r.ID, &r.CardID, &r.Percentage, &r.FixedAmount, &unit,
			&catID, &merchantID, &mccType,
			&exclusion, &r.MinSpendThreshold, &r.MaxRewardCap, &capPeriod,
			&r.ValuationRate, &start, &end, &r.Condition, &r.Description,
		); err != nil {
			return nil, wrapDB(err)
		}

		r.RewardUnit = domain.RewardUnit(unit)
		r.CapPeriod = domain.CapPeriod(capPeriod)
		r.TargetCategoryID = stringPtr(catID)
		r.TargetMerchantID = stringPtr(merchantID)
		r.TargetMCCType = stringPtr(mccType)
		r.IsExclusion = exclusion == 1
		r.StartDate = start.ptr()
		r.EndDate = end.ptr()
		rules = append(rules, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapDB(err)
	}
	return rules, nil
}

// GetCategory retrieves a category, including its mcc_type tag.
func (s *sqlStore) GetCategory(ctx context.Context, categoryID string) (*domain.Category, error) {
	query := `
		SELECT category_id, merchant_id, name, mcc_type
		FROM categories
		WHERE category_id = ?
	`

	var c domain.Category
	err := s.q.QueryRowContext(ctx, s.rebind(query), categoryID).Scan(&c.ID, &c.MerchantID, &c.Name, &c.MCCType)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: category %s", domain.ErrNotFound, categoryID)
	}
	if err != nil {
		return nil, wrapDB(err)
	}
	return &c, nil
}

// ListMerchants returns every merchant ordered by name.
func (s *sqlStore) ListMerchants(ctx context.Context) ([]*domain.Merchant, error) {
	rows, err := s.q.QueryContext(ctx, "SELECT merchant_id, name FROM merchants ORDER BY name, merchant_id")
	if err != nil {
		return nil, wrapDB(err)
	}
	defer rows.Close()

	var merchants []*domain.Merchant
	for rows.Next() {
		var m domain.Merchant
		if err := rows.Scan(&m.ID, &m.Name); err != nil {
			return nil, wrapDB(err)
		}
		merchants = append(merchants, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapDB(err)
	}
	return merchants, nil
}

// CategoriesForMerchant lists a merchant's categories. Unknown merchant is NotFound.
func (s *sqlStore) CategoriesForMerchant(ctx context.Context, merchantID string) ([]*domain.Category, error) {
	if err := s.mustExist(ctx, "SELECT 1 FROM merchants WHERE merchant_id = ?", merchantID, "merchant"); err != nil {
		return nil, err
	}

	query := `
		SELECT category_id, merchant_id, name, mcc_type
		FROM categories
		WHERE merchant_id = ?
		ORDER BY category_id
	`

	rows, err := s.q.QueryContext(ctx, s.rebind(query), merchantID)
	if err != nil {
		return nil, wrapDB(err)
	}
	defer rows.Close()

	var categories []*domain.Category
	for rows.Next() {
		var c domain.Category
		if err := rows.Scan(&c.ID, &c.MerchantID, &c.Name, &c.MCCType); err != nil {
			return nil, wrapDB(err)
		}
		categories = append(categories, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapDB(err)
	}
	return categories, nil
}

// RepresentativeProduct picks the lowest product_id in the category.
func (s *sqlStore) RepresentativeProduct(ctx context.Context, categoryID string) (*domain.Product, error) {
	query := `
		SELECT product_id, category_id, name, price
		FROM products
		WHERE category_id = ?
		ORDER BY product_id
		LIMIT 1
	`

	var p domain.Product
	err := s.q.QueryRowContext(ctx, s.rebind(query), categoryID).Scan(&p.ID, &p.CategoryID, &p.Name, &p.Price)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: no product in category %s", domain.ErrNotFound, categoryID)
	}
	if err != nil {
		return nil, wrapDB(err)
	}
	return &p, nil
}

func (s *sqlStore) mustExist(ctx context.Context, query, id, kind string) error {
	var one int
	err := s.q.QueryRowContext(ctx, s.rebind(query), id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s %s", domain.ErrNotFound, kind, id)
	}
	if err != nil {
		return wrapDB(err)
	}
	return nil
}
