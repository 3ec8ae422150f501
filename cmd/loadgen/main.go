// Load generator for exercising a running Kestrel instance.
//
// Usage:
//   go run cmd/loadgen/main.go -url http://localhost:8080 -count 10000
//
// Generates synthetic transactions with a configurable share of
// high-value outliers, sends them for evaluation, and reports the
// step-up rate and latency distribution.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

type evaluateRequest struct {
	SubjectID  string  `json:"subjectId"`
	MerchantID string  `json:"merchantId"`
	Amount     float64 `json:"amount"`
	Currency   string  `json:"currency"`
	Timestamp  string  `json:"timestamp"`
	Email      string  `json:"email"`
}

type evaluateResponse struct {
	Score          int  `json:"score"`
	RequiresStepUp bool `json:"requiresStepUp"`
}

type stats struct {
	total     int64
	stepUps   int64
	errors    int64
	latencies []time.Duration
	mu        sync.Mutex
}

func (s *stats) record(d time.Duration) {
	s.mu.Lock()
	s.latencies = append(s.latencies, d)
	s.mu.Unlock()
}

func (s *stats) percentile(p float64) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.latencies) == 0 {
		return 0
	}
	sort.Slice(s.latencies, func(i, j int) bool { return s.latencies[i] < s.latencies[j] })
	idx := int(float64(len(s.latencies)-1) * p)
	return s.latencies[idx]
}

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "Kestrel base URL")
	tenantID := flag.String("tenant", "loadgen", "Tenant ID for requests")
	count := flag.Int("count", 1000, "Number of transactions to send")
	workers := flag.Int("workers", 10, "Number of concurrent workers")
	subjects := flag.Int("subjects", 50, "Number of distinct subjects")
	highShare := flag.Float64("high", 0.05, "Share of high-value transactions (0.0-1.0)")
	flag.Parse()

	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: Kestrel not reachable at %s: %v\n", *baseURL, err)
		os.Exit(1)
	}

	fmt.Printf("Target:    %s\n", *baseURL)
	fmt.Printf("Tenant:    %s\n", *tenantID)
	fmt.Printf("Count:     %d\n", *count)
	fmt.Printf("Workers:   %d\n", *workers)
	fmt.Println()

	client := &http.Client{Timeout: 10 * time.Second}
	jobs := make(chan int, *count)
	for i := 0; i < *count; i++ {
		jobs <- i
	}
	close(jobs)

	s := &stats{}
	start := time.Now()

	var wg sync.WaitGroup
	for w := 0; w < *workers; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for i := range jobs {
				sendOne(client, *baseURL, *tenantID, rng, i, *subjects, *highShare, s)
			}
		}(int64(w) + time.Now().UnixNano())
	}
	wg.Wait()

	elapsed := time.Since(start)
	total := atomic.LoadInt64(&s.total)

	fmt.Printf("Sent:        %d in %s (%.0f tx/s)\n", total, elapsed.Round(time.Millisecond), float64(total)/elapsed.Seconds())
	fmt.Printf("Step-ups:    %d (%.1f%%)\n", s.stepUps, 100*float64(s.stepUps)/float64(max64(total, 1)))
	fmt.Printf("Errors:      %d\n", s.errors)
	fmt.Printf("Latency p50: %s\n", s.percentile(0.50).Round(time.Microsecond))
	fmt.Printf("Latency p95: %s\n", s.percentile(0.95).Round(time.Microsecond))
	fmt.Printf("Latency p99: %s\n", s.percentile(0.99).Round(time.Microsecond))
}

func sendOne(client *http.Client, baseURL, tenantID string, rng *rand.Rand, i, subjects int, highShare float64, s *stats) {
	amount := 5 + rng.Float64()*200
	if rng.Float64() < highShare {
		amount = 500 + rng.Float64()*2000
	}

	subject := fmt.Sprintf("subject-%03d", rng.Intn(subjects))
	req := evaluateRequest{
		SubjectID:  subject,
		MerchantID: fmt.Sprintf("merchant_%d", rng.Intn(5)+1),
		Amount:     amount,
		Currency:   "EUR",
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		Email:      subject + "@example.com",
	}

	body, err := json.Marshal(req)
	if err != nil {
		atomic.AddInt64(&s.errors, 1)
		return
	}

	httpReq, err := http.NewRequest(http.MethodPost, baseURL+"/transactions/evaluate", bytes.NewReader(body))
	if err != nil {
		atomic.AddInt64(&s.errors, 1)
		return
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Tenant-ID", tenantID)

	reqStart := time.Now()
	resp, err := client.Do(httpReq)
	if err != nil {
		atomic.AddInt64(&s.errors, 1)
		return
	}
	defer resp.Body.Close()
	s.record(time.Since(reqStart))
	atomic.AddInt64(&s.total, 1)

	if resp.StatusCode != http.StatusOK {
		atomic.AddInt64(&s.errors, 1)
		return
	}

	var result evaluateResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		atomic.AddInt64(&s.errors, 1)
		return
	}
	if result.RequiresStepUp {
		atomic.AddInt64(&s.stepUps, 1)
	}
}

func checkHealth(baseURL string) error {
	resp, err := http.Get(baseURL + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health returned %d", resp.StatusCode)
	}
	return nil
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
