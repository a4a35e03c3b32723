// Package compare runs the reward engine across a user's cards.
// Simulate ranks cards without side effects; Commit records a purchase and
// its reward atomically.
package compare

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/cardwise/internal/calculator"
	"github.com/opensource-finance/cardwise/internal/domain"
	"github.com/opensource-finance/cardwise/internal/ledger"
	"github.com/opensource-finance/cardwise/internal/rules"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("cardwise-compare")

// Invalidator drops cached configuration after writes.
type Invalidator interface {
	InvalidateCard(ctx context.Context, cardID string)
	InvalidateCategory(ctx context.Context, categoryID string)
}

// Service compares and commits purchases.
type Service struct {
	repo       domain.Repository
	config     domain.ConfigReader
	conditions *rules.Engine
	matcher    *rules.Matcher
	bus        domain.EventBus
	maxWorkers int

	// Now supplies the purchase date when the caller omits one.
	Now func() time.Time
}

// NewService wires the orchestrator. config may be a caching decorator over
// repo; nil means read configuration straight from repo. bus may be nil.
func NewService(repo domain.Repository, config domain.ConfigReader, conditions *rules.Engine, bus domain.EventBus, maxWorkers int) *Service {
	if config == nil {
		config = repo
	}
	if maxWorkers <= 0 {
		maxWorkers = 4
	}
	return &Service{
		repo:       repo,
		config:     config,
		conditions: conditions,
		matcher:    rules.NewMatcher(conditions),
		bus:        bus,
		maxWorkers: maxWorkers,
		Now:        time.Now,
	}
}

// Simulate evaluates the purchase on every selected card of the user and
// picks the card with the highest estimated value. Cards whose evaluation
// fails are logged and left out; ties go to the earlier card in wallet order.
func (s *Service) Simulate(ctx context.Context, p domain.Purchase) (*domain.Comparison, error) {
	ctx, span := tracer.Start(ctx, "compare.Simulate",
		trace.WithAttributes(attribute.String("user_id", p.UserID)),
	)
	defer span.End()

	if err := p.Validate(); err != nil {
		return nil, err
	}

	cards, err := s.repo.SelectedCards(ctx, p.UserID)
	if err != nil {
		return nil, err
	}
	if len(cards) == 0 {
		return nil, fmt.Errorf("%w: user %s has no selected cards", domain.ErrNoCardsConfigured, p.UserID)
	}

	category, err := s.config.GetCategory(ctx, p.CategoryID)
	if err != nil {
		return nil, err
	}
	in := s.input(p, category)

	outcomes := make([]*domain.CardOutcome, len(cards))
	errs := make([]error, len(cards))
	var wg sync.WaitGroup

	// Limit concurrency with semaphore
	sem := make(chan struct{}, s.maxWorkers)

	for i, card := range cards {
		wg.Add(1)
		go func(idx int, c *domain.Card) {
			defer wg.Done()

			sem <- struct{}{}        // Acquire
			defer func() { <-sem }() // Release

			outcomes[idx], _, errs[idx] = s.evaluateCard(ctx, s.config, s.repo, c, p.UserID, in)
		}(i, card)
	}

	wg.Wait()

	result := &domain.Comparison{PerCard: make([]*domain.CardOutcome, 0, len(cards))}
	var best *domain.CardOutcome
	for i, card := range cards {
		if errs[i] != nil {
			slog.Warn("card evaluation failed",
				"card_id", card.ID,
				"user_id", p.UserID,
				"error", errs[i],
			)
			continue
		}
		o := outcomes[i]
		result.PerCard = append(result.PerCard, o)
		if best == nil || o.EstimatedValue.GreaterThan(best.EstimatedValue) {
			best = o
		}
	}

	if best == nil {
		err := fmt.Errorf("%w: every card evaluation failed: %v", domain.ErrNoRewardsFound, errors.Join(errs...))
		span.RecordError(err)
		span.SetStatus(codes.Error, "no rewards")
		return nil, err
	}
	result.BestCardID = best.CardID
	span.SetAttributes(attribute.String("best_card_id", best.CardID))
	return result, nil
}

// Commit records the purchase on cardID and its reward in one unit of work.
// The cap check reads accrual through the same transaction as the insert.
func (s *Service) Commit(ctx context.Context, p domain.Purchase, cardID string) (*domain.Receipt, error) {
	ctx, span := tracer.Start(ctx, "compare.Commit",
		trace.WithAttributes(
			attribute.String("user_id", p.UserID),
			attribute.String("card_id", cardID),
		),
	)
	defer span.End()

	if err := p.Validate(); err != nil {
		return nil, err
	}
	if cardID == "" {
		return nil, fmt.Errorf("%w: card_id is required", domain.ErrInvalidInput)
	}

	cards, err := s.repo.SelectedCards(ctx, p.UserID)
	if err != nil {
		return nil, err
	}
	var card *domain.Card
	for _, c := range cards {
		if c.ID == cardID {
			card = c
			break
		}
	}
	if card == nil {
		return nil, fmt.Errorf("%w: card %s is not selected by user %s", domain.ErrInvalidInput, cardID, p.UserID)
	}

	var receipt *domain.Receipt
	err = s.repo.WithTx(ctx, func(ctx context.Context, st domain.Store) error {
		category, err := st.GetCategory(ctx, p.CategoryID)
		if err != nil {
			return err
		}
		product, err := st.RepresentativeProduct(ctx, p.CategoryID)
		if err != nil {
			return err
		}

		in := s.input(p, category)
		outcome, res, err := s.evaluateCard(ctx, st, st, card, p.UserID, in)
		if err != nil {
			return err
		}

		txID := uuid.New().String()
		tx := &domain.Transaction{
			ID:         txID,
			UserID:     p.UserID,
			ProductID:  product.ID,
			MerchantID: p.MerchantID,
			CategoryID: p.CategoryID,
			Amount:     p.Amount,
			Date:       in.Date,
			CreatedAt:  s.Now().UTC(),
		}
		payment := &domain.RewardPayment{
			TransactionID: txID,
			CardID:        card.ID,
			RewardUnit:    res.Unit,
			RewardAmount:  res.Final,
			AppliedRuleID: res.RuleID,
			Amount:        p.Amount,
		}
		if err := st.InsertTransaction(ctx, tx, payment); err != nil {
			return err
		}

		receipt = &domain.Receipt{
			TransactionID: txID,
			Date:          in.Date.Format("2006-01-02"),
			Amount:        p.Amount,
			CardID:        card.ID,
			CardName:      card.Name,
			RewardUnit:    outcome.RewardUnit,
			RewardAmount:  outcome.RewardAmount,
			Note:          outcome.Note,
			HitCap:        outcome.HitCap,
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "commit failed")
		return nil, err
	}

	s.publishCommitted(ctx, p.UserID, receipt)
	return receipt, nil
}

// SaveRule validates and stores a rule, then drops the card's cached rules.
func (s *Service) SaveRule(ctx context.Context, r *domain.RewardRule) error {
	if err := s.validateRule(r); err != nil {
		return err
	}
	if err := s.repo.SaveRule(ctx, r); err != nil {
		return err
	}
	if inv, ok := s.config.(Invalidator); ok {
		inv.InvalidateCard(ctx, r.CardID)
	}
	return nil
}

// ImportCatalog validates and stores a catalog in one unit of work.
func (s *Service) ImportCatalog(ctx context.Context, c *domain.Catalog) error {
	if err := c.Validate(); err != nil {
		return err
	}
	for i := range c.Rules {
		if err := s.validateRule(&c.Rules[i]); err != nil {
			return err
		}
	}
	if err := s.repo.ImportCatalog(ctx, c); err != nil {
		return err
	}

	if inv, ok := s.config.(Invalidator); ok {
		for _, card := range c.Cards {
			inv.InvalidateCard(ctx, card.ID)
		}
		for _, r := range c.Rules {
			inv.InvalidateCard(ctx, r.CardID)
		}
		for _, cat := range c.Categories {
			inv.InvalidateCategory(ctx, cat.ID)
		}
	}
	slog.Info("catalog imported",
		"cards", len(c.Cards),
		"categories", len(c.Categories),
		"rules", len(c.Rules),
	)
	return nil
}

func (s *Service) validateRule(r *domain.RewardRule) error {
	if err := r.Validate(); err != nil {
		return err
	}
	if s.conditions != nil {
		if err := s.conditions.Validate(r.Condition); err != nil {
			return fmt.Errorf("rule %s: %w", r.ID, err)
		}
	}
	return nil
}

// evaluateCard matches the card's rules and computes its reward. cfg supplies
// rules; acc supplies prior accrual for capped rules.
func (s *Service) evaluateCard(ctx context.Context, cfg domain.ConfigReader, acc ledger.Source, card *domain.Card, userID string, in rules.Input) (*domain.CardOutcome, *calculator.Result, error) {
	ctx, span := tracer.Start(ctx, "compare.evaluateCard",
		trace.WithAttributes(attribute.String("card_id", card.ID)),
	)
	defer span.End()

	cardRules, err := cfg.RulesForCard(ctx, card.ID)
	if err != nil {
		return nil, nil, err
	}

	selected, err := s.matcher.Select(cardRules, in)
	if err != nil {
		return nil, nil, err
	}

	var rule *domain.RewardRule
	prior := decimal.Zero
	if selected != nil {
		rule = selected.Rule
		span.SetAttributes(
			attribute.String("rule_id", rule.ID),
			attribute.String("match_class", selected.Class.String()),
		)
		if !rule.IsExclusion && rule.MaxRewardCap.Valid {
			prior, err = ledger.NewReader(acc).Accumulated(ctx, ledger.Scope{
				CardID: card.ID,
				UserID: userID,
				Unit:   rule.RewardUnit,
				Period: rule.CapPeriod,
			}, in.Date)
			if err != nil {
				return nil, nil, err
			}
		}
	}

	res, err := calculator.Calculate(rule, in.Amount, prior)
	if err != nil {
		return nil, nil, err
	}

	return &domain.CardOutcome{
		CardID:         card.ID,
		BankName:       card.BankName,
		CardName:       card.Name,
		RewardUnit:     res.Unit,
		RewardAmount:   res.Final,
		EstimatedValue: res.Estimated,
		Note:           res.Note,
		HitCap:         res.HitCap,
		AppliedRuleID:  res.RuleID,
	}, res, nil
}

func (s *Service) input(p domain.Purchase, category *domain.Category) rules.Input {
	// A supplied date keeps its own offset, so the calendar day is the
	// caller's. Purchases without a date fall on today's UTC day.
	date := p.Date
	if date.IsZero() {
		date = s.Now().UTC()
	}
	return rules.Input{
		CategoryID: p.CategoryID,
		MerchantID: p.MerchantID,
		MCCType:    category.MCCType,
		Amount:     p.Amount,
		Date:       time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, time.UTC),
	}
}

func (s *Service) publishCommitted(ctx context.Context, userID string, receipt *domain.Receipt) {
	if s.bus == nil {
		return
	}

	date, _ := time.Parse("2006-01-02", receipt.Date)
	payload, err := json.Marshal(domain.RewardCommitted{
		TransactionID: receipt.TransactionID,
		UserID:        userID,
		CardID:        receipt.CardID,
		RewardUnit:    receipt.RewardUnit,
		RewardAmount:  receipt.RewardAmount,
		Date:          date,
	})
	if err != nil {
		slog.Error("failed to encode reward event", "transaction_id", receipt.TransactionID, "error", err)
		return
	}

	if err := s.bus.Publish(ctx, domain.TopicRewardCommitted, payload); err != nil {
		slog.Error("failed to publish reward event",
			"transaction_id", receipt.TransactionID,
			"error", err,
		)
	}
}
