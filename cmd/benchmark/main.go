// Benchmark tool for replaying card purchases against Cardwise.
//
// Usage:
//
//	go run cmd/benchmark/main.go -csv /path/to/purchases.csv -url http://localhost:8080
//
// This tool:
//  1. Reads purchases from CSV (user_id, merchant_id, category_id, amount, date
//     and an optional expected_card_id column)
//  2. Sends each purchase to /simulate, and with -commit records it on the
//     recommended card through /transactions
//  3. Compares the recommended card with expected_card_id when present
//  4. Reports latency, throughput, card wins and total reward value
package main

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
)

// Purchase represents a row from the purchases CSV.
type Purchase struct {
	UserID         string
	MerchantID     string
	CategoryID     string
	Amount         decimal.Decimal
	Date           string
	ExpectedCardID string
}

// PurchaseRequest is the Cardwise request body for /simulate and /transactions.
type PurchaseRequest struct {
	MerchantID string          `json:"merchant_id"`
	CategoryID string          `json:"category_id"`
	Amount     decimal.Decimal `json:"amount"`
	CardID     string          `json:"card_id,omitempty"`
	Date       string          `json:"date,omitempty"`
}

// CardOutcome is one entry of a simulation response.
type CardOutcome struct {
	CardID         string          `json:"card_id"`
	RewardUnit     string          `json:"reward_unit"`
	RewardAmount   decimal.Decimal `json:"reward_amount"`
	EstimatedValue decimal.Decimal `json:"estimated_value"`
	HitCap         bool            `json:"hit_cap"`
}

// SimulateResponse is the Cardwise /simulate response.
type SimulateResponse struct {
	BestCardID string        `json:"best_card_id"`
	PerCard    []CardOutcome `json:"per_card"`
}

// Receipt is the Cardwise /transactions response.
type Receipt struct {
	TransactionID string          `json:"transaction_id"`
	RewardAmount  decimal.Decimal `json:"reward_amount"`
	HitCap        bool            `json:"hit_cap"`
}

// Metrics tracks benchmark results
type Metrics struct {
	TotalProcessed int64
	TotalErrors    int64
	NoCards        int64

	Labeled   int64 // rows with expected_card_id
	Agreement int64 // recommended card matched the label

	Committed int64
	CapHits   int64

	ProcessingTimeMs int64

	mu         sync.Mutex
	wins       map[string]int64
	totalValue decimal.Decimal
	latencies  []time.Duration
}

func (m *Metrics) record(best *CardOutcome, elapsed time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latencies = append(m.latencies, elapsed)
	if best == nil {
		return
	}
	m.wins[best.CardID]++
	m.totalValue = m.totalValue.Add(best.EstimatedValue)
}

func main() {
	// Parse flags
	csvPath := flag.String("csv", "", "Path to purchases CSV file")
	baseURL := flag.String("url", "http://localhost:8080", "Cardwise base URL")
	token := flag.String("token", "", "Bearer token (when the server requires JWT)")
	limit := flag.Int("limit", 10000, "Maximum purchases to process (0 = all)")
	workers := flag.Int("workers", 10, "Number of concurrent workers")
	commit := flag.Bool("commit", false, "Record each purchase on the recommended card")
	verbose := flag.Bool("verbose", false, "Print each purchase result")
	flag.Parse()

	if *csvPath == "" {
		fmt.Println("Usage: benchmark -csv /path/to/purchases.csv [-url http://localhost:8080]")
		fmt.Println("\nFlags:")
		flag.PrintDefaults()
		os.Exit(1)
	}

	fmt.Println("╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║            CARDWISE BENCHMARK - Purchase Replay               ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")
	fmt.Printf("\nCSV File:     %s\n", *csvPath)
	fmt.Printf("Cardwise URL: %s\n", *baseURL)
	fmt.Printf("Workers:      %d\n", *workers)
	fmt.Printf("Limit:        %d\n", *limit)
	fmt.Printf("Commit:       %v\n", *commit)
	fmt.Println()

	// Check Cardwise is running
	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: Cardwise not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure Cardwise is running:")
		fmt.Println("  go run cmd/cardwise/main.go")
		os.Exit(1)
	}
	fmt.Println("✓ Cardwise is healthy")

	fmt.Printf("\nReading purchases from %s...\n", *csvPath)
	purchases, err := readPurchasesCSV(*csvPath, *limit)
	if err != nil {
		fmt.Printf("ERROR: Failed to read CSV: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("✓ Loaded %d purchases\n", len(purchases))

	client := &apiClient{
		http:    &http.Client{Timeout: 10 * time.Second},
		baseURL: *baseURL,
		token:   *token,
	}

	fmt.Printf("\nRunning benchmark with %d workers...\n", *workers)
	startTime := time.Now()
	metrics := runBenchmark(client, purchases, *workers, *commit, *verbose)
	duration := time.Since(startTime)

	printResults(metrics, duration)
}

func checkHealth(baseURL string) error {
	resp, err := http.Get(baseURL + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

func readPurchasesCSV(path string, limit int) ([]Purchase, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	colIndex := make(map[string]int)
	for i, col := range header {
		colIndex[strings.ToLower(strings.TrimSpace(col))] = i
	}
	for _, required := range []string{"user_id", "merchant_id", "category_id", "amount"} {
		if _, ok := colIndex[required]; !ok {
			return nil, fmt.Errorf("missing column %q", required)
		}
	}

	field := func(record []string, name string) string {
		i, ok := colIndex[name]
		if !ok || i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}

	var purchases []Purchase
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			continue // Skip malformed rows
		}

		amount, err := decimal.NewFromString(field(record, "amount"))
		if err != nil {
			continue
		}

		purchases = append(purchases, Purchase{
			UserID:         field(record, "user_id"),
			MerchantID:     field(record, "merchant_id"),
			CategoryID:     field(record, "category_id"),
			Amount:         amount,
			Date:           field(record, "date"),
			ExpectedCardID: field(record, "expected_card_id"),
		})

		if limit > 0 && len(purchases) >= limit {
			break
		}
	}

	return purchases, nil
}

func runBenchmark(client *apiClient, purchases []Purchase, numWorkers int, commit, verbose bool) *Metrics {
	metrics := &Metrics{wins: make(map[string]int64)}

	work := make(chan Purchase, 100)
	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			for p := range work {
				start := time.Now()
				result, err := client.simulate(p)
				elapsed := time.Since(start)

				atomic.AddInt64(&metrics.ProcessingTimeMs, elapsed.Milliseconds())
				atomic.AddInt64(&metrics.TotalProcessed, 1)

				if err != nil {
					if errors.Is(err, errNoCards) {
						atomic.AddInt64(&metrics.NoCards, 1)
					} else {
						atomic.AddInt64(&metrics.TotalErrors, 1)
					}
					if verbose {
						fmt.Printf("ERROR: %s -> %v\n", p.UserID, err)
					}
					continue
				}

				var best *CardOutcome
				for i := range result.PerCard {
					if result.PerCard[i].CardID == result.BestCardID {
						best = &result.PerCard[i]
					}
				}
				metrics.record(best, elapsed)

				if p.ExpectedCardID != "" {
					atomic.AddInt64(&metrics.Labeled, 1)
					if p.ExpectedCardID == result.BestCardID {
						atomic.AddInt64(&metrics.Agreement, 1)
					}
				}

				if commit {
					receipt, err := client.commit(p, result.BestCardID)
					if err != nil {
						atomic.AddInt64(&metrics.TotalErrors, 1)
						if verbose {
							fmt.Printf("ERROR: commit %s -> %v\n", p.UserID, err)
						}
						continue
					}
					atomic.AddInt64(&metrics.Committed, 1)
					if receipt.HitCap {
						atomic.AddInt64(&metrics.CapHits, 1)
					}
				}

				if verbose {
					status := "✓"
					if p.ExpectedCardID != "" && p.ExpectedCardID != result.BestCardID {
						status = "✗"
					}
					value := "-"
					if best != nil {
						value = best.EstimatedValue.String()
					}
					fmt.Printf("%s %-10s | Category: %-10s | Amount: %12s | Best: %-10s | Value: %s\n",
						status,
						p.UserID,
						p.CategoryID,
						p.Amount.StringFixed(2),
						result.BestCardID,
						value,
					)
				}
			}
		}()
	}

	for _, p := range purchases {
		work <- p
	}
	close(work)

	wg.Wait()

	return metrics
}

var errNoCards = errors.New("no cards configured")

type apiClient struct {
	http    *http.Client
	baseURL string
	token   string
}

func (c *apiClient) simulate(p Purchase) (*SimulateResponse, error) {
	var result SimulateResponse
	if err := c.post("/simulate", p.UserID, request(p, ""), http.StatusOK, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *apiClient) commit(p Purchase, cardID string) (*Receipt, error) {
	var receipt Receipt
	if err := c.post("/transactions", p.UserID, request(p, cardID), http.StatusCreated, &receipt); err != nil {
		return nil, err
	}
	return &receipt, nil
}

func request(p Purchase, cardID string) PurchaseRequest {
	return PurchaseRequest{
		MerchantID: p.MerchantID,
		CategoryID: p.CategoryID,
		Amount:     p.Amount,
		CardID:     cardID,
		Date:       p.Date,
	}
}

func (c *apiClient) post(path, userID string, body any, want int, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequest(http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	} else {
		req.Header.Set("X-User-ID", userID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		var apiErr struct {
			Code    string `json:"error"`
			Message string `json:"message"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		if apiErr.Code == "no_cards_configured" {
			return errNoCards
		}
		return fmt.Errorf("status %d: %s", resp.StatusCode, apiErr.Message)
	}

	return json.NewDecoder(resp.Body).Decode(out)
}

func printResults(m *Metrics, duration time.Duration) {
	fmt.Println("\n╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║                      BENCHMARK RESULTS                        ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")

	fmt.Printf("\n📊 DATASET STATISTICS\n")
	fmt.Printf("   Total Processed:  %d\n", m.TotalProcessed)
	fmt.Printf("   No Cards:         %d\n", m.NoCards)
	fmt.Printf("   Errors:           %d\n", m.TotalErrors)
	if m.Committed > 0 {
		fmt.Printf("   Committed:        %d\n", m.Committed)
		fmt.Printf("   Cap Hits:         %d\n", m.CapHits)
	}

	fmt.Printf("\n💳 CARD WINS\n")
	ids := make([]string, 0, len(m.wins))
	for id := range m.wins {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if m.wins[ids[i]] != m.wins[ids[j]] {
			return m.wins[ids[i]] > m.wins[ids[j]]
		}
		return ids[i] < ids[j]
	})
	for _, id := range ids {
		fmt.Printf("   %-20s %d\n", id, m.wins[id])
	}
	fmt.Printf("   Total Value:      %s\n", m.totalValue.String())

	if m.Labeled > 0 {
		fmt.Printf("\n🎯 RECOMMENDATION AGREEMENT\n")
		fmt.Printf("   Matched Label:    %d / %d (%.2f%%)\n",
			m.Agreement, m.Labeled, 100*float64(m.Agreement)/float64(m.Labeled))
	}

	fmt.Printf("\n⏱️  PERFORMANCE\n")
	fmt.Printf("   Total Duration:   %v\n", duration.Round(time.Millisecond))
	if m.TotalProcessed > 0 {
		avgMs := float64(m.ProcessingTimeMs) / float64(m.TotalProcessed)
		tps := float64(m.TotalProcessed) / duration.Seconds()
		fmt.Printf("   Avg Latency:      %.2f ms\n", avgMs)
		fmt.Printf("   Throughput:       %.2f req/sec\n", tps)
	}
	if len(m.latencies) > 0 {
		sort.Slice(m.latencies, func(i, j int) bool { return m.latencies[i] < m.latencies[j] })
		p := func(q float64) time.Duration {
			return m.latencies[int(q*float64(len(m.latencies)-1))]
		}
		fmt.Printf("   p50 / p95 / p99:  %v / %v / %v\n",
			p(0.50).Round(time.Microsecond), p(0.95).Round(time.Microsecond), p(0.99).Round(time.Microsecond))
	}

	fmt.Println()
}
