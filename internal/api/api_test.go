package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/opensource-finance/cardwise/internal/cache"
	"github.com/opensource-finance/cardwise/internal/compare"
	"github.com/opensource-finance/cardwise/internal/domain"
	"github.com/opensource-finance/cardwise/internal/repository"
	"github.com/opensource-finance/cardwise/internal/rules"
	"github.com/shopspring/decimal"
)

const testCatalog = `{
	"banks": [{"bank_id": "b1", "name": "First Bank"}],
	"cards": [
		{"card_id": "card-1", "bank_id": "b1", "card_name": "Everyday"},
		{"card_id": "card-2", "bank_id": "b1", "card_name": "Grocer Points"}
	],
	"merchants": [{"merchant_id": "m-1", "name": "Corner Mart"}],
	"categories": [{"category_id": "cat-1", "merchant_id": "m-1", "name": "Groceries", "mcc_type": "grocery"}],
	"products": [{"product_id": "p-1", "category_id": "cat-1", "name": "Basket", "price": "10"}],
	"rules": [
		{"rule_id": "r-1", "card_id": "card-1", "percentage": "1", "reward_unit": "cash", "valuation_rate": "1"},
		{"rule_id": "r-2", "card_id": "card-2", "percentage": "10", "reward_unit": "points",
		 "target_category_id": "cat-1", "valuation_rate": "0.5",
		 "max_reward_cap": "150", "cap_period": "monthly"}
	]
}`

// createTestServer wires a server over a temp SQLite store.
func createTestServer(t *testing.T, secret string) *Server {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "api-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	t.Cleanup(func() {
		os.Remove(tmpPath)
		os.Remove(tmpPath + "-wal")
		os.Remove(tmpPath + "-shm")
	})

	repo, err := repository.New(domain.RepositoryConfig{Driver: "sqlite", SQLitePath: tmpPath})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	engine, err := rules.NewEngine()
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}

	store := cache.NewLRUCache(100)
	catalog := cache.NewCatalog(repo, store, time.Minute)
	svc := compare.NewService(repo, catalog, engine, nil, 2)

	cfg := domain.ServerConfig{
		Host:         "localhost",
		Port:         8080,
		ReadTimeout:  30,
		WriteTimeout: 30,
	}
	return NewServer(cfg, repo, store, nil, svc, Options{
		Config:     catalog,
		JWTSecret:  secret,
		SummaryTTL: time.Minute,
		Version:    "test-v1",
	})
}

func do(t *testing.T, s *Server, method, path, user, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
	}
	if user != "" {
		req.Header.Set(UserIDHeader, user)
	}
	rr := httptest.NewRecorder()
	s.Router().ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder, dst interface{}) {
	t.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), dst); err != nil {
		t.Fatalf("failed to parse response %q: %v", rr.Body.String(), err)
	}
}

func seed(t *testing.T, s *Server, user string) {
	t.Helper()
	if rr := do(t, s, http.MethodPost, "/catalog/import", user, testCatalog); rr.Code != http.StatusOK {
		t.Fatalf("import failed: %d %s", rr.Code, rr.Body.String())
	}
	if rr := do(t, s, http.MethodPut, "/me/cards", user, `{"card_ids": ["card-1", "card-2"]}`); rr.Code != http.StatusOK {
		t.Fatalf("select cards failed: %d %s", rr.Code, rr.Body.String())
	}
}

func TestRewardFlow(t *testing.T) {
	server := createTestServer(t, "")
	seed(t, server, "u1")

	purchase := `{"merchant_id": "m-1", "category_id": "cat-1", "amount": 1000, "date": "2024-05-20"}`

	t.Run("Simulate", func(t *testing.T) {
		rr := do(t, server, http.MethodPost, "/simulate", "u1", purchase)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var resp domain.Comparison
		decode(t, rr, &resp)
		if resp.BestCardID != "card-2" {
			t.Errorf("expected card-2 best, got %s", resp.BestCardID)
		}
		if len(resp.PerCard) != 2 || resp.PerCard[0].CardID != "card-1" {
			t.Fatalf("expected outcomes in wallet order, got %+v", resp.PerCard)
		}
		if !resp.PerCard[1].RewardAmount.Equal(decimal.NewFromInt(100)) || !resp.PerCard[1].EstimatedValue.Equal(decimal.NewFromInt(50)) {
			t.Errorf("unexpected card-2 outcome: %+v", resp.PerCard[1])
		}
		if resp.PerCard[0].BankName != "First Bank" {
			t.Errorf("expected bank name, got %q", resp.PerCard[0].BankName)
		}
	})

	t.Run("SummaryCachedThenInvalidated", func(t *testing.T) {
		rr := do(t, server, http.MethodGet, "/summary?month=2024-05", "u1", "")
		if rr.Code != http.StatusOK || rr.Header().Get("X-Cache") != "MISS" {
			t.Fatalf("expected uncached summary, got %d %q", rr.Code, rr.Header().Get("X-Cache"))
		}
		rr = do(t, server, http.MethodGet, "/summary?month=2024-05", "u1", "")
		if rr.Header().Get("X-Cache") != "HIT" {
			t.Errorf("expected cached summary, got %q", rr.Header().Get("X-Cache"))
		}
	})

	t.Run("Commit", func(t *testing.T) {
		body := `{"merchant_id": "m-1", "category_id": "cat-1", "amount": 1000, "card_id": "card-2", "date": "2024-05-20"}`
		rr := do(t, server, http.MethodPost, "/transactions", "u1", body)
		if rr.Code != http.StatusCreated {
			t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
		}

		if raw := rr.Body.String(); !strings.Contains(raw, `"reward_amount":100`) || strings.Contains(raw, `"reward_amount":"`) {
			t.Errorf("expected reward_amount as a JSON number, got %s", raw)
		}

		var receipt domain.Receipt
		decode(t, rr, &receipt)
		if receipt.TransactionID == "" || receipt.Date != "2024-05-20" {
			t.Errorf("unexpected receipt: %+v", receipt)
		}
		if receipt.CardName != "Grocer Points" || !receipt.RewardAmount.Equal(decimal.NewFromInt(100)) {
			t.Errorf("unexpected receipt: %+v", receipt)
		}
	})

	t.Run("AccrualVisibleToSimulate", func(t *testing.T) {
		rr := do(t, server, http.MethodPost, "/simulate", "u1", purchase)
		var resp domain.Comparison
		decode(t, rr, &resp)

		// 100 of the 150 cap is used, so card-2 earns 50 points worth 25.
		got := resp.PerCard[1]
		if !got.RewardAmount.Equal(decimal.NewFromInt(50)) || !got.HitCap {
			t.Errorf("expected capped 50, got %+v", got)
		}
		if !got.EstimatedValue.Equal(decimal.NewFromInt(25)) {
			t.Errorf("expected estimated 25, got %s", got.EstimatedValue)
		}
		if resp.BestCardID != "card-2" {
			t.Errorf("expected card-2 still best, got %s", resp.BestCardID)
		}
	})

	t.Run("SummaryReflectsCommit", func(t *testing.T) {
		rr := do(t, server, http.MethodGet, "/summary?month=2024-05", "u1", "")
		if rr.Header().Get("X-Cache") != "MISS" {
			t.Errorf("expected commit to invalidate summary, got %q", rr.Header().Get("X-Cache"))
		}

		var summary domain.MonthlySummary
		decode(t, rr, &summary)
		if summary.TxCount != 1 || !summary.TotalSpend.Equal(decimal.NewFromInt(1000)) {
			t.Errorf("unexpected summary: %+v", summary)
		}
	})

	t.Run("History", func(t *testing.T) {
		rr := do(t, server, http.MethodGet, "/transactions?year=2024&month=5&limit=10", "u1", "")
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var page domain.TransactionPage
		decode(t, rr, &page)
		if page.Total != 1 || len(page.Transactions) != 1 || page.Limit != 10 {
			t.Fatalf("unexpected page: %+v", page)
		}
		if page.Transactions[0].MerchantName != "Corner Mart" || page.Transactions[0].CardID != "card-2" {
			t.Errorf("unexpected row: %+v", page.Transactions[0])
		}

		rr = do(t, server, http.MethodGet, "/transactions?year=2024&month=6", "u1", "")
		decode(t, rr, &page)
		if page.Total != 0 {
			t.Errorf("expected empty June, got %d", page.Total)
		}
	})

	t.Run("SelectedCards", func(t *testing.T) {
		rr := do(t, server, http.MethodGet, "/me/cards", "u1", "")
		var resp struct {
			Cards []domain.Card `json:"cards"`
		}
		decode(t, rr, &resp)
		if len(resp.Cards) != 2 || resp.Cards[0].ID != "card-1" {
			t.Errorf("unexpected cards: %+v", resp.Cards)
		}

		rr = do(t, server, http.MethodPut, "/me/cards", "u1", `{"card_ids": ["a", "b", "c", "d"]}`)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected 400 for four cards, got %d", rr.Code)
		}
		rr = do(t, server, http.MethodPut, "/me/cards", "u1", `{"card_ids": ["ghost"]}`)
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected 404 for unknown card, got %d", rr.Code)
		}
	})
}

func TestCatalogEndpoints(t *testing.T) {
	server := createTestServer(t, "")
	seed(t, server, "u1")

	t.Run("ListCards", func(t *testing.T) {
		rr := do(t, server, http.MethodGet, "/cards", "", "")
		var resp struct {
			Cards []domain.Card `json:"cards"`
			Count int           `json:"count"`
		}
		decode(t, rr, &resp)
		if resp.Count != 2 || resp.Cards[0].BankName != "First Bank" {
			t.Errorf("unexpected cards: %+v", resp)
		}
	})

	t.Run("ListCardRules", func(t *testing.T) {
		rr := do(t, server, http.MethodGet, "/cards/card-2/rules", "", "")
		var resp struct {
			Rules []domain.RewardRule `json:"rules"`
		}
		decode(t, rr, &resp)
		if len(resp.Rules) != 1 || resp.Rules[0].CapPeriod != domain.CapPeriodMonthly {
			t.Errorf("unexpected rules: %+v", resp.Rules)
		}

		rr = do(t, server, http.MethodGet, "/cards/ghost/rules", "", "")
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected 404, got %d", rr.Code)
		}
	})

	t.Run("CreateCardRuleInvalidatesCache", func(t *testing.T) {
		body := `{"rule_id": "r-3", "fixed_amount": "7", "reward_unit": "cash", "valuation_rate": "1", "description": "flat bonus"}`
		rr := do(t, server, http.MethodPost, "/cards/card-1/rules", "u1", body)
		if rr.Code != http.StatusCreated {
			t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
		}

		rr = do(t, server, http.MethodGet, "/cards/card-1/rules", "", "")
		var resp struct {
			Rules []domain.RewardRule `json:"rules"`
		}
		decode(t, rr, &resp)
		if len(resp.Rules) != 2 {
			t.Errorf("expected new rule to be visible, got %d rules", len(resp.Rules))
		}
	})

	t.Run("CreateCardRuleRejectsMismatch", func(t *testing.T) {
		body := `{"rule_id": "r-4", "card_id": "card-2", "percentage": "1", "reward_unit": "cash", "valuation_rate": "1"}`
		rr := do(t, server, http.MethodPost, "/cards/card-1/rules", "u1", body)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rr.Code)
		}
	})

	t.Run("CreateCardRuleRejectsBadCondition", func(t *testing.T) {
		body := `{"rule_id": "r-5", "percentage": "1", "reward_unit": "cash", "valuation_rate": "1", "condition": "amount >"}`
		rr := do(t, server, http.MethodPost, "/cards/card-1/rules", "u1", body)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rr.Code)
		}
	})

	t.Run("Merchants", func(t *testing.T) {
		rr := do(t, server, http.MethodGet, "/merchants", "", "")
		var merchants struct {
			Merchants []domain.Merchant `json:"merchants"`
		}
		decode(t, rr, &merchants)
		if len(merchants.Merchants) != 1 {
			t.Errorf("expected 1 merchant, got %d", len(merchants.Merchants))
		}

		rr = do(t, server, http.MethodGet, "/merchants/m-1/categories", "", "")
		var categories struct {
			Categories []domain.Category `json:"categories"`
		}
		decode(t, rr, &categories)
		if len(categories.Categories) != 1 || categories.Categories[0].MCCType != "grocery" {
			t.Errorf("unexpected categories: %+v", categories.Categories)
		}
	})

	t.Run("WritesRequireIdentity", func(t *testing.T) {
		body := `{"rule_id": "r-6", "percentage": "100", "reward_unit": "cash", "valuation_rate": "1"}`
		if rr := do(t, server, http.MethodPost, "/cards/card-1/rules", "", body); rr.Code != http.StatusUnauthorized {
			t.Errorf("expected 401 for anonymous rule write, got %d", rr.Code)
		}
		if rr := do(t, server, http.MethodPost, "/catalog/import", "", testCatalog); rr.Code != http.StatusUnauthorized {
			t.Errorf("expected 401 for anonymous import, got %d", rr.Code)
		}
	})

	t.Run("ImportRejectsInvalidRule", func(t *testing.T) {
		body := `{"rules": [{"rule_id": "bad", "card_id": "card-1", "percentage": "150", "reward_unit": "cash", "valuation_rate": "1"}]}`
		rr := do(t, server, http.MethodPost, "/catalog/import", "u1", body)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rr.Code)
		}
	})
}

func TestCommitKeepsDateOffset(t *testing.T) {
	server := createTestServer(t, "")
	seed(t, server, "u1")

	body := `{"merchant_id": "m-1", "category_id": "cat-1", "amount": 1000, "card_id": "card-1", "date": "2024-06-01T00:30:00+08:00"}`
	rr := do(t, server, http.MethodPost, "/transactions", "u1", body)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
	}
	var receipt domain.Receipt
	decode(t, rr, &receipt)
	if receipt.Date != "2024-06-01" {
		t.Errorf("expected the caller's calendar day 2024-06-01, got %s", receipt.Date)
	}

	rr = do(t, server, http.MethodGet, "/transactions?year=2024&month=6", "u1", "")
	var page domain.TransactionPage
	decode(t, rr, &page)
	if page.Total != 1 {
		t.Errorf("expected the purchase in June, got %d rows", page.Total)
	}
}

func TestErrorMapping(t *testing.T) {
	server := createTestServer(t, "")
	seed(t, server, "u1")

	tests := []struct {
		name   string
		method string
		path   string
		user   string
		body   string
		status int
		code   string
	}{
		{"InvalidJSON", http.MethodPost, "/simulate", "u1", "not-json", http.StatusBadRequest, "invalid_input"},
		{"MissingAmount", http.MethodPost, "/simulate", "u1", `{"merchant_id": "m-1", "category_id": "cat-1"}`, http.StatusBadRequest, "invalid_input"},
		{"BadDate", http.MethodPost, "/simulate", "u1", `{"merchant_id": "m-1", "category_id": "cat-1", "amount": 5, "date": "20/05/2024"}`, http.StatusBadRequest, "invalid_input"},
		{"NoCards", http.MethodPost, "/simulate", "stranger", `{"merchant_id": "m-1", "category_id": "cat-1", "amount": 5}`, http.StatusBadRequest, "no_cards_configured"},
		{"UnknownCategory", http.MethodPost, "/simulate", "u1", `{"merchant_id": "m-1", "category_id": "nope", "amount": 5}`, http.StatusNotFound, "not_found"},
		{"CommitUnselectedCard", http.MethodPost, "/transactions", "u1", `{"merchant_id": "m-1", "category_id": "cat-1", "amount": 5, "card_id": "card-9"}`, http.StatusBadRequest, "invalid_input"},
		{"BadMonth", http.MethodGet, "/transactions?year=2024&month=13", "u1", "", http.StatusBadRequest, "invalid_input"},
		{"MonthWithoutYear", http.MethodGet, "/transactions?month=5", "u1", "", http.StatusBadRequest, "invalid_input"},
		{"BadLimit", http.MethodGet, "/transactions?limit=abc", "u1", "", http.StatusBadRequest, "invalid_input"},
		{"NegativePage", http.MethodGet, "/transactions?page=-1", "u1", "", http.StatusBadRequest, "invalid_input"},
		{"HugePage", http.MethodGet, "/transactions?page=9223372036854775807", "u1", "", http.StatusBadRequest, "invalid_input"},
		{"BadSummaryMonth", http.MethodGet, "/summary?month=May", "u1", "", http.StatusBadRequest, "invalid_input"},
		{"MissingIdentity", http.MethodPost, "/simulate", "", `{}`, http.StatusUnauthorized, "unauthorized"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := do(t, server, tt.method, tt.path, tt.user, tt.body)
			if rr.Code != tt.status {
				t.Fatalf("expected status %d, got %d: %s", tt.status, rr.Code, rr.Body.String())
			}
			var resp errorResponse
			decode(t, rr, &resp)
			if resp.Error != tt.code {
				t.Errorf("expected error code %q, got %q", tt.code, resp.Error)
			}
			if resp.Message == "" {
				t.Error("expected error message")
			}
		})
	}
}

func TestHealthEndpoint(t *testing.T) {
	server := createTestServer(t, "")

	t.Run("HealthCheck", func(t *testing.T) {
		rr := do(t, server, http.MethodGet, "/health", "", "")
		if rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rr.Code)
		}

		var resp map[string]string
		decode(t, rr, &resp)
		if resp["status"] != "healthy" {
			t.Errorf("expected status 'healthy', got '%s'", resp["status"])
		}
		if resp["version"] != "test-v1" {
			t.Errorf("expected version 'test-v1', got '%s'", resp["version"])
		}
	})

	t.Run("ReadyCheck", func(t *testing.T) {
		rr := do(t, server, http.MethodGet, "/ready", "", "")
		if rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rr.Code)
		}
	})

	t.Run("ResponseHeaders", func(t *testing.T) {
		rr := do(t, server, http.MethodGet, "/health", "", "")
		if rr.Header().Get("X-Request-ID") == "" {
			t.Error("expected X-Request-ID header in response")
		}
		if rr.Header().Get("X-Trace-ID") == "" {
			t.Error("expected X-Trace-ID header in response")
		}
		if rr.Header().Get("Content-Type") != "application/json" {
			t.Error("expected Content-Type: application/json")
		}
	})
}

func signToken(t *testing.T, secret, subject string, expires time.Time) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(expires),
		IssuedAt:  jwt.NewNumericDate(time.Now()),
	})
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func TestUserMiddleware(t *testing.T) {
	const secret = "test-secret"

	var captured string
	handler := UserMiddleware([]byte(secret))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = GetUserID(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	serve := func(auth, userHeader string) int {
		captured = ""
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if auth != "" {
			req.Header.Set("Authorization", auth)
		}
		if userHeader != "" {
			req.Header.Set(UserIDHeader, userHeader)
		}
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		return rr.Code
	}

	t.Run("ValidToken", func(t *testing.T) {
		token := signToken(t, secret, "user-42", time.Now().Add(time.Hour))
		if code := serve("Bearer "+token, "spoofed"); code != http.StatusOK {
			t.Fatalf("expected 200, got %d", code)
		}
		if captured != "user-42" {
			t.Errorf("expected token subject, got %q", captured)
		}
	})

	t.Run("WrongSecret", func(t *testing.T) {
		token := signToken(t, "other-secret", "user-42", time.Now().Add(time.Hour))
		if code := serve("Bearer "+token, ""); code != http.StatusUnauthorized {
			t.Errorf("expected 401, got %d", code)
		}
	})

	t.Run("ExpiredToken", func(t *testing.T) {
		token := signToken(t, secret, "user-42", time.Now().Add(-time.Hour))
		if code := serve("Bearer "+token, ""); code != http.StatusUnauthorized {
			t.Errorf("expected 401, got %d", code)
		}
	})

	t.Run("MissingSubject", func(t *testing.T) {
		token := signToken(t, secret, "", time.Now().Add(time.Hour))
		if code := serve("Bearer "+token, ""); code != http.StatusUnauthorized {
			t.Errorf("expected 401, got %d", code)
		}
	})

	t.Run("BadScheme", func(t *testing.T) {
		if code := serve("Basic abc", ""); code != http.StatusUnauthorized {
			t.Errorf("expected 401, got %d", code)
		}
	})

	t.Run("HeaderIgnoredWithSecret", func(t *testing.T) {
		if code := serve("", "user-7"); code != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", code)
		}
		if captured != "" {
			t.Errorf("expected no user, got %q", captured)
		}
	})

	t.Run("HeaderWithoutSecret", func(t *testing.T) {
		open := UserMiddleware(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			captured = GetUserID(r.Context())
		}))
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(UserIDHeader, "user-7")
		rr := httptest.NewRecorder()
		open.ServeHTTP(rr, req)
		if rr.Code != http.StatusOK || captured != "user-7" {
			t.Errorf("expected header user, got %d %q", rr.Code, captured)
		}
	})

	t.Run("NoSecretIgnoresToken", func(t *testing.T) {
		open := UserMiddleware(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			captured = GetUserID(r.Context())
		}))
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer whatever")
		req.Header.Set(UserIDHeader, "user-8")
		open.ServeHTTP(httptest.NewRecorder(), req)
		if captured != "user-8" {
			t.Errorf("expected header user, got %q", captured)
		}
	})
}

func TestJWTServer(t *testing.T) {
	const secret = "server-secret"
	server := createTestServer(t, secret)
	token := signToken(t, secret, "u1", time.Now().Add(time.Hour))

	send := func(method, path, auth, user, body string) *httptest.ResponseRecorder {
		var req *http.Request
		if body == "" {
			req = httptest.NewRequest(method, path, nil)
		} else {
			req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
			req.Header.Set("Content-Type", "application/json")
		}
		if auth != "" {
			req.Header.Set("Authorization", auth)
		}
		if user != "" {
			req.Header.Set(UserIDHeader, user)
		}
		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)
		return rr
	}

	if rr := send(http.MethodPost, "/catalog/import", "Bearer "+token, "", testCatalog); rr.Code != http.StatusOK {
		t.Fatalf("import failed: %d %s", rr.Code, rr.Body.String())
	}
	if rr := send(http.MethodPut, "/me/cards", "Bearer "+token, "", `{"card_ids": ["card-1", "card-2"]}`); rr.Code != http.StatusOK {
		t.Fatalf("select cards failed: %d %s", rr.Code, rr.Body.String())
	}

	t.Run("TokenIdentity", func(t *testing.T) {
		rr := send(http.MethodGet, "/me/cards", "Bearer "+token, "", "")
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
		}
		var resp struct {
			Cards []domain.Card `json:"cards"`
		}
		decode(t, rr, &resp)
		if len(resp.Cards) != 2 {
			t.Errorf("expected u1's two cards, got %d", len(resp.Cards))
		}
	})

	t.Run("HeaderOnlyCommitRejected", func(t *testing.T) {
		body := `{"merchant_id": "m-1", "category_id": "cat-1", "amount": 1000, "date": "2024-05-20"}`
		rr := send(http.MethodPost, "/transactions", "", "victim", body)
		if rr.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d: %s", rr.Code, rr.Body.String())
		}
		var resp errorResponse
		decode(t, rr, &resp)
		if resp.Error != "unauthorized" {
			t.Errorf("expected unauthorized, got %q", resp.Error)
		}
	})

	t.Run("UnauthenticatedWritesRejected", func(t *testing.T) {
		rule := `{"rule_id": "r-9", "percentage": "100", "reward_unit": "cash", "valuation_rate": "1"}`
		if rr := send(http.MethodPost, "/cards/card-1/rules", "", "", rule); rr.Code != http.StatusUnauthorized {
			t.Errorf("expected 401 for rule write, got %d", rr.Code)
		}
		if rr := send(http.MethodPost, "/cards/card-1/rules", "", "admin", rule); rr.Code != http.StatusUnauthorized {
			t.Errorf("expected 401 for header-only rule write, got %d", rr.Code)
		}
		if rr := send(http.MethodPost, "/catalog/import", "", "", testCatalog); rr.Code != http.StatusUnauthorized {
			t.Errorf("expected 401 for import, got %d", rr.Code)
		}

		rr := send(http.MethodGet, "/cards/card-1/rules", "", "", "")
		var resp struct {
			Rules []domain.RewardRule `json:"rules"`
		}
		decode(t, rr, &resp)
		if len(resp.Rules) != 1 {
			t.Errorf("expected the rejected rule to be absent, got %d rules", len(resp.Rules))
		}
	})

	t.Run("CatalogReadsOpen", func(t *testing.T) {
		if rr := send(http.MethodGet, "/cards", "", "", ""); rr.Code != http.StatusOK {
			t.Errorf("expected 200, got %d", rr.Code)
		}
	})
}

func TestMiddleware(t *testing.T) {
	t.Run("TracingMiddlewareSetsRequestID", func(t *testing.T) {
		var capturedRequestID string

		handler := TracingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if v, ok := r.Context().Value(RequestIDKey).(string); ok {
				capturedRequestID = v
			}
			w.WriteHeader(http.StatusOK)
		}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(RequestIDHeader, "req-123")
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		if capturedRequestID != "req-123" {
			t.Errorf("expected request ID to propagate, got %q", capturedRequestID)
		}
		if rr.Header().Get("X-Request-ID") != "req-123" {
			t.Error("expected X-Request-ID response header")
		}
	})

	t.Run("RecoverMiddlewareHandlesPanic", func(t *testing.T) {
		handler := RecoverMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			panic("test panic")
		}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		if rr.Code != http.StatusInternalServerError {
			t.Errorf("expected status 500, got %d", rr.Code)
		}
	})
}
