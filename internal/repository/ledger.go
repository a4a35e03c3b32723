package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/opensource-finance/cardwise/internal/domain"
	"github.com/shopspring/decimal"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
	maxPage         = 1_000_000
)

// SelectedCards returns the user's wallet in position order.
func (s *sqlStore) SelectedCards(ctx context.Context, userID string) ([]*domain.Card, error) {
	query := `
		SELECT c.card_id, c.bank_id, b.name, c.card_name
		FROM user_cards uc
		JOIN cards c ON c.card_id = uc.card_id
		JOIN banks b ON b.bank_id = c.bank_id
		WHERE uc.user_id = ?
		ORDER BY uc.position
	`

	rows, err := s.q.QueryContext(ctx, s.rebind(query), userID)
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

// ReplaceSelectedCards overwrites the user's wallet in a single transaction.
func (r *SQLRepository) ReplaceSelectedCards(ctx context.Context, userID string, cardIDs []string) error {
	if userID == "" {
		return fmt.Errorf("%w: user_id is required", domain.ErrInvalidInput)
	}
	if len(cardIDs) > domain.MaxSelectedCards {
		return fmt.Errorf("%w: at most %d cards may be selected", domain.ErrInvalidInput, domain.MaxSelectedCards)
	}
	seen := make(map[string]bool, len(cardIDs))
	for _, id := range cardIDs {
		if id == "" {
			return fmt.Errorf("%w: empty card_id", domain.ErrInvalidInput)
		}
		if seen[id] {
			return fmt.Errorf("%w: duplicate card %s", domain.ErrInvalidInput, id)
		}
		seen[id] = true
	}

	return r.inTx(ctx, func(s *sqlStore) error {
		for _, id := range cardIDs {
			if err := s.mustExist(ctx, "SELECT 1 FROM cards WHERE card_id = ?", id, "card"); err != nil {
				return err
			}
		}
		if _, err := s.q.ExecContext(ctx, s.rebind("DELETE FROM user_cards WHERE user_id = ?"), userID); err != nil {
			return wrapDB(err)
		}
		for i, id := range cardIDs {
			_, err := s.q.ExecContext(ctx,
				s.rebind("INSERT INTO user_cards (user_id, position, card_id) VALUES (?, ?, ?)"),
				userID, i, id,
			)
			if err != nil {
				return wrapDB(err)
			}
		}
		return nil
	})
}

// SumRewards totals reward_amount for one card, user and unit over [From, To).
func (s *sqlStore) SumRewards(ctx context.Context, q domain.AccrualQuery) (decimal.Decimal, error) {
	query := `
		SELECT COALESCE(SUM(rp.reward_amount), 0)
		FROM reward_payments rp
		JOIN transactions t ON t.transaction_id = rp.transaction_id
		WHERE rp.card_id = ?
		  AND t.user_id = ?
		  AND rp.reward_unit = ?
		  AND t.transaction_date >= ?
		  AND t.transaction_date < ?
	`

	var total decimal.Decimal
	err := s.q.QueryRowContext(ctx, s.rebind(query),
		q.CardID, q.UserID, string(q.Unit), dateArg(q.From), dateArg(q.To),
	).Scan(&total)
	if err != nil {
		return decimal.Zero, wrapDB(err)
	}
	return total, nil
}

// InsertTransaction writes a transaction and its reward payment.
// Callers run it inside WithTx so both rows land or neither does.
func (s *sqlStore) InsertTransaction(ctx context.Context, tx *domain.Transaction, payment *domain.RewardPayment) error {
	txQuery := `
		INSERT INTO transactions (
			transaction_id, user_id, product_id, merchant_id, category_id,
			amount, transaction_date, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.q.ExecContext(ctx, s.rebind(txQuery),
		tx.ID, tx.UserID, tx.ProductID, tx.MerchantID, tx.CategoryID,
		tx.Amount, dateArg(tx.Date), tx.CreatedAt,
	)
	if err != nil {
		return wrapDB(err)
	}

	paymentQuery := `
		INSERT INTO reward_payments (
			transaction_id, card_id, reward_unit, reward_amount, applied_rule_id, amount
		) VALUES (?, ?, ?, ?, ?, ?)
	`
	_, err = s.q.ExecContext(ctx, s.rebind(paymentQuery),
		payment.TransactionID, payment.CardID, string(payment.RewardUnit),
		payment.RewardAmount, nullableString(payment.AppliedRuleID), payment.Amount,
	)
	if err != nil {
		return wrapDB(err)
	}
	return nil
}

// ListTransactions returns one page of the user's history, newest first.
func (s *sqlStore) ListTransactions(ctx context.Context, f domain.TransactionFilter) (*domain.TransactionPage, error) {
	if f.UserID == "" {
		return nil, fmt.Errorf("%w: user_id is required", domain.ErrInvalidInput)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	page := f.Page
	if page < 1 {
		page = 1
	}
	if page > maxPage {
		return nil, fmt.Errorf("%w: page must be at most %d", domain.ErrInvalidInput, maxPage)
	}

	conditions := []string{"t.user_id = ?"}
	args := []any{f.UserID}
	if !f.From.IsZero() {
		conditions = append(conditions, "t.transaction_date >= ?")
		args = append(args, dateArg(f.From))
	}
	if !f.To.IsZero() {
		conditions = append(conditions, "t.transaction_date < ?")
		args = append(args, dateArg(f.To))
	}
	if f.MCCType != "" {
		conditions = append(conditions, "cat.mcc_type = ?")
		args = append(args, f.MCCType)
	}
	if f.CardID != "" {
		conditions = append(conditions, "rp.card_id = ?")
		args = append(args, f.CardID)
	}
	where := "WHERE " + strings.Join(conditions, " AND ")

	from := `
		FROM transactions t
		JOIN products p ON p.product_id = t.product_id
		JOIN categories cat ON cat.category_id = t.category_id
		LEFT JOIN merchants m ON m.merchant_id = t.merchant_id
		LEFT JOIN reward_payments rp ON rp.transaction_id = t.transaction_id
		LEFT JOIN cards c ON c.card_id = rp.card_id
	`

	var total int
	if err := s.q.QueryRowContext(ctx, s.rebind("SELECT COUNT(*) "+from+where), args...).Scan(&total); err != nil {
		return nil, wrapDB(err)
	}

	query := `
		SELECT t.transaction_id, t.transaction_date, m.name, cat.name, p.name, cat.mcc_type,
			   t.amount, rp.card_id, c.card_name, rp.reward_unit, rp.reward_amount
	` + from + where + `
		ORDER BY t.transaction_date DESC, t.created_at DESC, t.transaction_id
		LIMIT ? OFFSET ?
	`
	pageArgs := append(append([]any{}, args...), limit, (page-1)*limit)

	rows, err := s.q.QueryContext(ctx, s.rebind(query), pageArgs...)
	if err != nil {
		return nil, wrapDB(err)
	}
	defer rows.Close()

	result := &domain.TransactionPage{
		Transactions: []*domain.TransactionView{},
		Page:         page,
		Limit:        limit,
		Total:        total,
	}
	for rows.Next() {
		var v domain.TransactionView
		var date nullDate
		var merchant, cardID, cardName, unit sql.NullString
		var reward decimal.NullDecimal

		if err := rows.Scan(
			&v.TransactionID, &date, &merchant, &v.CategoryName, &v.ProductName, &v.MCCType,
			&v.Amount, &cardID, &cardName, &unit, &reward,
		); err != nil {
			return nil, wrapDB(err)
		}

		v.Date = date.Time.Format(dateLayout)
		v.MerchantName = merchant.String
		v.CardID = cardID.String
		v.CardName = cardName.String
		v.RewardUnit = domain.RewardUnit(unit.String)
		v.RewardAmount = reward.Decimal
		result.Transactions = append(result.Transactions, &v)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapDB(err)
	}
	return result, nil
}

// MonthlySummary aggregates the user's spend and rewards for month's calendar month.
func (s *sqlStore) MonthlySummary(ctx context.Context, userID string, month time.Time) (*domain.MonthlySummary, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user_id is required", domain.ErrInvalidInput)
	}
	from := time.Date(month.Year(), month.Month(), 1, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 1, 0)
	args := []any{userID, dateArg(from), dateArg(to)}

	summary := &domain.MonthlySummary{
		UserID:  userID,
		Month:   from.Format("2006-01"),
		Rewards: []domain.UnitTotal{},
		Cards:   []domain.CardSummary{},
	}

	spendQuery := `
		SELECT COALESCE(SUM(amount), 0), COUNT(*)
		FROM transactions
		WHERE user_id = ? AND transaction_date >= ? AND transaction_date < ?
	`
	if err := s.q.QueryRowContext(ctx, s.rebind(spendQuery), args...).Scan(&summary.TotalSpend, &summary.TxCount); err != nil {
		return nil, wrapDB(err)
	}
	summary.TotalSpend = summary.TotalSpend.Round(2)

	unitQuery := `
		SELECT rp.reward_unit, COALESCE(SUM(rp.reward_amount), 0)
		FROM reward_payments rp
		JOIN transactions t ON t.transaction_id = rp.transaction_id
		WHERE t.user_id = ? AND t.transaction_date >= ? AND t.transaction_date < ?
		GROUP BY rp.reward_unit
		ORDER BY rp.reward_unit
	`
	rows, err := s.q.QueryContext(ctx, s.rebind(unitQuery), args...)
	if err != nil {
		return nil, wrapDB(err)
	}
	for rows.Next() {
		var u domain.UnitTotal
		var unit string
		if err := rows.Scan(&unit, &u.Total); err != nil {
			rows.Close()
			return nil, wrapDB(err)
		}
		u.RewardUnit = domain.RewardUnit(unit)
		summary.Rewards = append(summary.Rewards, u)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, wrapDB(err)
	}

	cardQuery := `
		SELECT rp.card_id, c.card_name, rp.reward_unit,
			   COALESCE(SUM(t.amount), 0), COALESCE(SUM(rp.reward_amount), 0), COUNT(*)
		FROM reward_payments rp
		JOIN transactions t ON t.transaction_id = rp.transaction_id
		JOIN cards c ON c.card_id = rp.card_id
		WHERE t.user_id = ? AND t.transaction_date >= ? AND t.transaction_date < ?
		GROUP BY rp.card_id, c.card_name, rp.reward_unit
		ORDER BY rp.card_id, rp.reward_unit
	`
	rows, err = s.q.QueryContext(ctx, s.rebind(cardQuery), args...)
	if err != nil {
		return nil, wrapDB(err)
	}
	defer rows.Close()
	for rows.Next() {
		var cs domain.CardSummary
		var unit string
		if err := rows.Scan(&cs.CardID, &cs.CardName, &unit, &cs.Spend, &cs.RewardAmount, &cs.TxCount); err != nil {
			return nil, wrapDB(err)
		}
		cs.RewardUnit = domain.RewardUnit(unit)
		cs.Spend = cs.Spend.Round(2)
		summary.Cards = append(summary.Cards, cs)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapDB(err)
	}
	return summary, nil
}
