package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/opensource-finance/cardwise/internal/cache"
	"github.com/opensource-finance/cardwise/internal/compare"
	"github.com/opensource-finance/cardwise/internal/domain"
	"github.com/shopspring/decimal"
)

// Handler holds dependencies for API handlers.
type Handler struct {
	repo       domain.Repository
	config     domain.ConfigReader
	cache      domain.Cache
	bus        domain.EventBus
	service    *compare.Service
	summaryTTL time.Duration
	version    string
	now        func() time.Time
}

// NewHandler creates a new API handler. config serves card and rule reads
// and may be a caching decorator over repo.
func NewHandler(repo domain.Repository, config domain.ConfigReader, cache domain.Cache, bus domain.EventBus, service *compare.Service, summaryTTL time.Duration, version string) *Handler {
	if config == nil {
		config = repo
	}
	if summaryTTL <= 0 {
		summaryTTL = time.Minute
	}
	return &Handler{
		repo:       repo,
		config:     config,
		cache:      cache,
		bus:        bus,
		service:    service,
		summaryTTL: summaryTTL,
		version:    version,
		now:        time.Now,
	}
}

// PurchaseRequest is the request body for POST /simulate and POST /transactions.
type PurchaseRequest struct {
	MerchantID string          `json:"merchant_id"`
	CategoryID string          `json:"category_id"`
	Amount     decimal.Decimal `json:"amount"`
	CardID     string          `json:"card_id,omitempty"`

	// Date is optional: "2006-01-02" or RFC 3339. Empty means today.
	Date string `json:"date,omitempty"`
}

func (req *PurchaseRequest) purchase(userID string) (domain.Purchase, error) {
	p := domain.Purchase{
		UserID:     userID,
		MerchantID: req.MerchantID,
		CategoryID: req.CategoryID,
		Amount:     req.Amount,
	}
	if req.Date != "" {
		date, err := parseDate(req.Date)
		if err != nil {
			return p, err
		}
		p.Date = date
	}
	return p, nil
}

// SelectedCardsRequest is the request body for PUT /me/cards.
type SelectedCardsRequest struct {
	CardIDs []string `json:"card_ids"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Simulate handles POST /simulate.
func (h *Handler) Simulate(w http.ResponseWriter, r *http.Request) {
	var req PurchaseRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	p, err := req.purchase(GetUserID(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}

	result, err := h.service.Simulate(r.Context(), p)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// CommitTransaction handles POST /transactions.
func (h *Handler) CommitTransaction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req PurchaseRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	p, err := req.purchase(GetUserID(ctx))
	if err != nil {
		writeError(w, r, err)
		return
	}

	receipt, err := h.service.Commit(ctx, p, req.CardID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	// The worker repeats this on every node; deleting here keeps this node's
	// next summary read exact.
	if h.cache != nil {
		key := cache.SummaryKey(p.UserID, receipt.Date[:7])
		if err := h.cache.Delete(ctx, key); err != nil {
			slog.Warn("failed to invalidate summary", "key", key, "error", err)
		}
	}

	slog.Info("transaction committed",
		"transaction_id", receipt.TransactionID,
		"user_id", p.UserID,
		"card_id", receipt.CardID,
		"reward_amount", receipt.RewardAmount.String(),
	)
	writeJSON(w, http.StatusCreated, receipt)
}

// ListTransactions handles GET /transactions.
// Query: year, month, mcc_type, card_id, limit, page.
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := domain.TransactionFilter{
		UserID:  GetUserID(r.Context()),
		MCCType: q.Get("mcc_type"),
		CardID:  q.Get("card_id"),
	}

	var err error
	if f.Limit, err = intParam(q.Get("limit")); err != nil {
		writeError(w, r, err)
		return
	}
	if f.Page, err = intParam(q.Get("page")); err != nil {
		writeError(w, r, err)
		return
	}
	if f.From, f.To, err = periodParams(q.Get("year"), q.Get("month")); err != nil {
		writeError(w, r, err)
		return
	}

	page, err := h.repo.ListTransactions(r.Context(), f)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// GetSelectedCards handles GET /me/cards.
func (h *Handler) GetSelectedCards(w http.ResponseWriter, r *http.Request) {
	cards, err := h.repo.SelectedCards(r.Context(), GetUserID(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"cards": nonNil(cards),
	})
}

// ReplaceSelectedCards handles PUT /me/cards.
func (h *Handler) ReplaceSelectedCards(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := GetUserID(ctx)

	var req SelectedCardsRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if err := h.repo.ReplaceSelectedCards(ctx, userID, req.CardIDs); err != nil {
		writeError(w, r, err)
		return
	}

	cards, err := h.repo.SelectedCards(ctx, userID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	slog.Info("selected cards replaced", "user_id", userID, "count", len(cards))
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"cards": nonNil(cards),
	})
}

// Summary handles GET /summary?month=YYYY-MM. The month defaults to the
// current one. Summaries are cached until a commit invalidates them.
func (h *Handler) Summary(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := GetUserID(ctx)

	month := h.now().UTC()
	if m := r.URL.Query().Get("month"); m != "" {
		parsed, err := time.Parse("2006-01", m)
		if err != nil {
			writeError(w, r, fmt.Errorf("%w: month must be YYYY-MM", domain.ErrInvalidInput))
			return
		}
		month = parsed
	}
	key := cache.SummaryKey(userID, month.Format("2006-01"))

	if h.cache != nil {
		if data, err := h.cache.Get(ctx, key); err != nil {
			slog.Warn("summary cache read failed", "key", key, "error", err)
		} else if data != nil {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("X-Cache", "HIT")
			w.WriteHeader(http.StatusOK)
			w.Write(data)
			return
		}
	}

	summary, err := h.repo.MonthlySummary(ctx, userID, month)
	if err != nil {
		writeError(w, r, err)
		return
	}

	if h.cache != nil {
		if data, err := json.Marshal(summary); err == nil {
			if err := h.cache.Set(ctx, key, data, h.summaryTTL); err != nil {
				slog.Warn("summary cache write failed", "key", key, "error", err)
			}
		}
	}
	w.Header().Set("X-Cache", "MISS")
	writeJSON(w, http.StatusOK, summary)
}

// ListCards handles GET /cards.
func (h *Handler) ListCards(w http.ResponseWriter, r *http.Request) {
	cards, err := h.repo.ListCards(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"cards": nonNil(cards),
		"count": len(cards),
	})
}

// ListCardRules handles GET /cards/{id}/rules.
func (h *Handler) ListCardRules(w http.ResponseWriter, r *http.Request) {
	cardID := chi.URLParam(r, "id")

	cardRules, err := h.config.RulesForCard(r.Context(), cardID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"card_id": cardID,
		"rules":   nonNil(cardRules),
		"count":   len(cardRules),
	})
}

// CreateCardRule handles POST /cards/{id}/rules. Saving an existing rule_id
// replaces it.
func (h *Handler) CreateCardRule(w http.ResponseWriter, r *http.Request) {
	cardID := chi.URLParam(r, "id")

	var rule domain.RewardRule
	if !decodeJSON(w, r, &rule) {
		return
	}
	if rule.CardID == "" {
		rule.CardID = cardID
	}
	if rule.CardID != cardID {
		writeError(w, r, fmt.Errorf("%w: card_id %s does not match path", domain.ErrInvalidInput, rule.CardID))
		return
	}

	if err := h.service.SaveRule(r.Context(), &rule); err != nil {
		writeError(w, r, err)
		return
	}

	slog.Info("rule saved", "rule_id", rule.ID, "card_id", rule.CardID)
	writeJSON(w, http.StatusCreated, &rule)
}

// ListMerchants handles GET /merchants.
func (h *Handler) ListMerchants(w http.ResponseWriter, r *http.Request) {
	merchants, err := h.repo.ListMerchants(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"merchants": nonNil(merchants),
	})
}

// ListMerchantCategories handles GET /merchants/{id}/categories.
func (h *Handler) ListMerchantCategories(w http.ResponseWriter, r *http.Request) {
	merchantID := chi.URLParam(r, "id")

	categories, err := h.repo.CategoriesForMerchant(r.Context(), merchantID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"merchant_id": merchantID,
		"categories":  nonNil(categories),
	})
}

// ImportCatalog handles POST /catalog/import.
func (h *Handler) ImportCatalog(w http.ResponseWriter, r *http.Request) {
	var catalog domain.Catalog
	if !decodeJSON(w, r, &catalog) {
		return
	}

	if err := h.service.ImportCatalog(r.Context(), &catalog); err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]int{
		"banks":      len(catalog.Banks),
		"cards":      len(catalog.Cards),
		"merchants":  len(catalog.Merchants),
		"categories": len(catalog.Categories),
		"products":   len(catalog.Products),
		"rules":      len(catalog.Rules),
	})
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}
	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}
	if h.bus != nil {
		if err := h.bus.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"ready": "false",
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Error:   "invalid_input",
			Message: "invalid JSON request body",
		})
		return false
	}
	return true
}

// writeError maps domain errors to status codes. Internal failures are
// logged and answered with a generic message.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := http.StatusInternalServerError, "internal"
	switch {
	case errors.Is(err, domain.ErrInvalidInput):
		status, code = http.StatusBadRequest, "invalid_input"
	case errors.Is(err, domain.ErrNoCardsConfigured):
		status, code = http.StatusBadRequest, "no_cards_configured"
	case errors.Is(err, domain.ErrNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, domain.ErrNoRewardsFound):
		status, code = http.StatusNotFound, "no_rewards_found"
	case errors.Is(err, domain.ErrRuleComputation):
		code = "rule_computation"
	case errors.Is(err, domain.ErrRepository):
		code = "repository"
	}

	message := err.Error()
	if status == http.StatusInternalServerError {
		slog.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"trace_id", GetTraceID(r.Context()),
			"error", err,
		)
		message = "internal server error"
	}

	writeJSON(w, status, errorResponse{Error: code, Message: message})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// parseDate accepts a calendar date or an RFC 3339 timestamp. Timestamps
// keep their offset so the purchase lands on the caller's calendar day.
func parseDate(s string) (time.Time, error) {
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: date must be YYYY-MM-DD or RFC 3339", domain.ErrInvalidInput)
	}
	return t, nil
}

func intParam(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %q is not a non-negative integer", domain.ErrInvalidInput, s)
	}
	return n, nil
}

// periodParams turns year and optional month into a half-open date range.
func periodParams(year, month string) (from, to time.Time, err error) {
	if year == "" {
		if month != "" {
			return from, to, fmt.Errorf("%w: month requires year", domain.ErrInvalidInput)
		}
		return from, to, nil
	}

	y, err := strconv.Atoi(year)
	if err != nil || y < 1 {
		return from, to, fmt.Errorf("%w: invalid year %q", domain.ErrInvalidInput, year)
	}
	if month == "" {
		from = time.Date(y, time.January, 1, 0, 0, 0, 0, time.UTC)
		return from, from.AddDate(1, 0, 0), nil
	}

	m, err := strconv.Atoi(month)
	if err != nil || m < 1 || m > 12 {
		return from, to, fmt.Errorf("%w: invalid month %q", domain.ErrInvalidInput, month)
	}
	from = time.Date(y, time.Month(m), 1, 0, 0, 0, 0, time.UTC)
	return from, from.AddDate(0, 1, 0), nil
}

// nonNil keeps empty lists encoded as [] rather than null.
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
