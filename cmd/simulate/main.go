// Simulate backtests a running Kestrel server against labelled synthetic payments.
//
// Usage:
//
//	go run ./cmd/simulate -url http://localhost:8080 -days 90 -resolve -recalibrate
//
// This tool:
//  1. Generates business-day payments with labelled anomalies
//  2. Sends each payment to POST /payments, preserving per-account order
//  3. Compares the decision with the label and builds a confusion matrix
//  4. Optionally resolves raised alerts using the labels and runs a recalibration
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"hash/fnv"
	"io"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opensource-finance/kestrel/internal/api"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/simulate"
)

// scored pairs a generated payment with the server's verdict.
type scored struct {
	payment simulate.Payment
	resp    *api.ScoreResponse
}

// Metrics tracks backtest results.
type Metrics struct {
	simulate.Confusion

	Decisions map[domain.Decision]int64
	Reasons   map[simulate.Reason]simulate.Confusion
	Errors    int64
	Degraded  int64

	ProcessingTimeMs int64
}

type client struct {
	http    *http.Client
	baseURL string
	analyst string
}

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "Kestrel base URL")
	days := flag.Int("days", 90, "Calendar days of payments to generate")
	daily := flag.Int("daily", 50, "Mean payments per business day")
	rate := flag.Float64("anomaly-rate", 0.02, "Share of payments drawn as anomalies")
	suppliers := flag.Int("suppliers", 200, "Size of the known supplier pool")
	accounts := flag.Int("accounts", 5, "Number of originating accounts")
	seed := flag.Uint64("seed", 42, "Generator seed")
	workers := flag.Int("workers", 5, "Number of concurrent senders")
	resolve := flag.Bool("resolve", false, "Resolve raised alerts using the labels")
	recalibrate := flag.Bool("recalibrate", false, "Run a recalibration after resolving")
	activate := flag.Bool("activate", false, "Activate the staged proposal")
	analyst := flag.String("analyst", "backtest", "Analyst ID used to resolve alerts")
	verbose := flag.Bool("verbose", false, "Print each payment result")
	flag.Parse()

	cfg := simulate.Config{
		Days:        *days,
		DailyCount:  *daily,
		AnomalyRate: *rate,
		Suppliers:   *suppliers,
		Accounts:    *accounts,
		Seed:        *seed,
	}

	fmt.Println("KESTREL BACKTEST - synthetic payments")
	fmt.Printf("\nKestrel URL:  %s\n", *baseURL)
	fmt.Printf("Days:         %d\n", cfg.Days)
	fmt.Printf("Daily count:  %d\n", cfg.DailyCount)
	fmt.Printf("Anomaly rate: %.3f\n", cfg.AnomalyRate)
	fmt.Printf("Seed:         %d\n", cfg.Seed)
	fmt.Printf("Workers:      %d\n", *workers)
	fmt.Println()

	c := &client{
		http:    &http.Client{Timeout: 10 * time.Second},
		baseURL: *baseURL,
		analyst: *analyst,
	}
	if err := c.checkHealth(); err != nil {
		fmt.Printf("ERROR: Kestrel not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure Kestrel is running:")
		fmt.Println("  go run ./cmd/kestrel")
		os.Exit(1)
	}
	fmt.Println("Kestrel is healthy")

	payments := simulate.NewGenerator(cfg).Generate()
	anomalous := 0
	for _, p := range payments {
		if p.Anomalous {
			anomalous++
		}
	}
	fmt.Printf("\nGenerated %d payments\n", len(payments))
	if len(payments) > 0 {
		fmt.Printf("  - Anomalous: %d (%.2f%%)\n", anomalous, 100*float64(anomalous)/float64(len(payments)))
		fmt.Printf("  - Normal:    %d\n", len(payments)-anomalous)
	}

	fmt.Printf("\nScoring with %d workers...\n", *workers)
	start := time.Now()
	metrics, results := run(c, payments, *workers, *verbose)
	printResults(metrics, time.Since(start))

	if !*resolve {
		return
	}
	resolved, failed := resolveAlerts(c, results)
	fmt.Printf("Resolved %d alerts (%d failed)\n", resolved, failed)

	if !*recalibrate {
		return
	}
	prop, staged, err := c.recalibrate()
	if err != nil {
		fmt.Printf("ERROR: recalibration failed: %v\n", err)
		os.Exit(1)
	}
	printProposal(prop, staged)

	if *activate && staged {
		policy, err := c.activate(prop.ID)
		if err != nil {
			fmt.Printf("ERROR: activation failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Activated policy version %d (%s)\n\n", policy.Version, policy.Source)
	}
}

// run scores payments with one sender per account shard, so each account's
// payments arrive in timestamp order and profiles evolve as they would live.
func run(c *client, payments []simulate.Payment, numWorkers int, verbose bool) (*Metrics, []scored) {
	if numWorkers < 1 {
		numWorkers = 1
	}
	metrics := &Metrics{
		Decisions: make(map[domain.Decision]int64),
		Reasons:   make(map[simulate.Reason]simulate.Confusion),
	}

	var (
		mu      sync.Mutex
		results []scored
		wg      sync.WaitGroup
	)
	queues := make([]chan simulate.Payment, numWorkers)
	for i := range queues {
		queues[i] = make(chan simulate.Payment, 100)
		wg.Add(1)
		go func(work <-chan simulate.Payment) {
			defer wg.Done()
			for p := range work {
				begin := time.Now()
				resp, err := c.submit(p.Event)
				atomic.AddInt64(&metrics.ProcessingTimeMs, time.Since(begin).Milliseconds())

				if err != nil {
					atomic.AddInt64(&metrics.Errors, 1)
					if verbose {
						fmt.Printf("ERROR: %s -> %v\n", p.Event.ID, err)
					}
					continue
				}

				mu.Lock()
				metrics.Add(p.Anomalous, resp.Decision)
				metrics.Decisions[resp.Decision]++
				if resp.Degraded {
					metrics.Degraded++
				}
				for _, r := range p.Reasons {
					rc := metrics.Reasons[r]
					rc.Add(true, resp.Decision)
					metrics.Reasons[r] = rc
				}
				results = append(results, scored{payment: p, resp: resp})
				mu.Unlock()

				if verbose {
					mark := "ok "
					if p.Anomalous != resp.Decision.RequiresReview() {
						mark = "XX "
					}
					fmt.Printf("%s %-14s | %-8s | %12.2f | anomalous: %-5v | %-16s (%.1f) %v\n",
						mark,
						p.Event.ID,
						p.Event.AccountID,
						p.Event.Amount,
						p.Anomalous,
						resp.Decision,
						resp.RiskScore,
						resp.TriggeredRules,
					)
				}
			}
		}(queues[i])
	}

	for _, p := range payments {
		h := fnv.New32a()
		h.Write([]byte(p.Event.AccountID))
		queues[h.Sum32()%uint32(numWorkers)] <- p
	}
	for _, q := range queues {
		close(q)
	}
	wg.Wait()

	return metrics, results
}

// resolveAlerts claims and resolves every raised alert, labelling it with the
// payment's ground truth.
func resolveAlerts(c *client, results []scored) (resolved, failed int) {
	for _, r := range results {
		if r.resp.AlertID == "" || r.resp.Duplicate {
			continue
		}
		if err := c.resolve(r.resp.AlertID, simulate.Disposition(r.payment.Anomalous)); err != nil {
			failed++
			continue
		}
		resolved++
	}
	return resolved, failed
}

func (c *client) checkHealth() error {
	resp, err := c.http.Get(c.baseURL + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

func (c *client) submit(ev *domain.PaymentEvent) (*api.ScoreResponse, error) {
	var out api.ScoreResponse
	if err := c.post("/payments", ev, http.StatusOK, &out); err != nil {
		return nil, err
	}
	if out.ScoreResult == nil {
		return nil, fmt.Errorf("empty score result")
	}
	return &out, nil
}

func (c *client) resolve(alertID string, d domain.Disposition) error {
	if err := c.post("/alerts/"+alertID+"/claim", nil, http.StatusOK, nil); err != nil {
		return fmt.Errorf("claim %s: %w", alertID, err)
	}
	body := api.ResolveRequest{Disposition: d, Notes: "backtest label"}
	if err := c.post("/alerts/"+alertID+"/resolve", body, http.StatusOK, nil); err != nil {
		return fmt.Errorf("resolve %s: %w", alertID, err)
	}
	return nil
}

func (c *client) recalibrate() (*domain.Proposal, bool, error) {
	var out struct {
		Proposal *domain.Proposal `json:"proposal"`
		Staged   bool             `json:"staged"`
	}
	if err := c.post("/policy/recalibrate", nil, http.StatusOK, &out); err != nil {
		return nil, false, err
	}
	return out.Proposal, out.Staged, nil
}

func (c *client) activate(proposalID string) (*domain.PolicyConfig, error) {
	var out domain.PolicyConfig
	if err := c.post("/policy/activate", api.ActivateRequest{ProposalID: proposalID}, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *client) post(path string, body any, want int, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}

	req, err := http.NewRequest(http.MethodPost, c.baseURL+path, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(api.AnalystIDHeader, c.analyst)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func printResults(m *Metrics, duration time.Duration) {
	fmt.Println("\nBACKTEST RESULTS")

	fmt.Printf("\nDATASET STATISTICS\n")
	fmt.Printf("   Total Scored:   %d\n", m.Total())
	fmt.Printf("   Errors:         %d\n", m.Errors)
	fmt.Printf("   Degraded:       %d\n", m.Degraded)

	fmt.Printf("\nDECISIONS\n")
	for _, d := range []domain.Decision{
		domain.DecisionAutoApprove,
		domain.DecisionQueueReview,
		domain.DecisionImmediateReview,
		domain.DecisionBlockEscalate,
	} {
		fmt.Printf("   %-18s %d\n", d, m.Decisions[d])
	}

	fmt.Printf("\nCONFUSION MATRIX (flagged = decision requires review)\n")
	fmt.Println("                     Predicted")
	fmt.Println("                 flagged   approved")
	fmt.Printf("   Actual  A   %9d  %9d   (TP, FN)\n", m.TruePositives, m.FalseNegatives)
	fmt.Printf("           N   %9d  %9d   (FP, TN)\n", m.FalsePositives, m.TrueNegatives)

	fmt.Printf("\nDETECTION METRICS\n")
	fmt.Printf("   Precision:  %.4f  (of alerts, how many were anomalous)\n", m.Precision())
	fmt.Printf("   Recall:     %.4f  (of anomalies, how many were flagged)\n", m.Recall())
	fmt.Printf("   F1-Score:   %.4f\n", m.F1())
	fmt.Printf("   FPR:        %.4f  (of normal payments, how many were flagged)\n", m.FalsePositiveRate())
	fmt.Printf("   Accuracy:   %.4f\n", m.Accuracy())

	fmt.Printf("\nRECALL BY ANOMALY REASON\n")
	for _, r := range []simulate.Reason{
		simulate.ReasonNewBeneficiary,
		simulate.ReasonUnusualAmount,
		simulate.ReasonRoundAmount,
		simulate.ReasonHighRiskCountry,
		simulate.ReasonUnusualTime,
	} {
		rc := m.Reasons[r]
		fmt.Printf("   %-18s %5d / %-5d (%.2f)\n", r, rc.TruePositives, rc.Total(), rc.Recall())
	}

	fmt.Printf("\nPERFORMANCE\n")
	fmt.Printf("   Total Duration:   %v\n", duration.Round(time.Millisecond))
	if n := m.Total() + m.Errors; n > 0 {
		fmt.Printf("   Avg Latency:      %.2f ms\n", float64(m.ProcessingTimeMs)/float64(n))
		fmt.Printf("   Throughput:       %.2f payments/sec\n", float64(n)/duration.Seconds())
	}
	fmt.Println()
}

func printProposal(p *domain.Proposal, staged bool) {
	fmt.Printf("\nRECALIBRATION\n")
	fmt.Printf("   Proposal:       %s (base version %d)\n", p.ID, p.BaseVersion)
	fmt.Printf("   Samples:        %d\n", p.Samples)
	fmt.Printf("   FPR:            %.4f\n", p.FalsePositiveRate)
	fmt.Printf("   FN proxy:       %.4f\n", p.FalseNegativeProxy)
	fmt.Printf("   Weights:        rule %.3f / anomaly %.3f\n", p.Weights.Rule, p.Weights.Anomaly)
	fmt.Printf("   Thresholds:     %.1f / %.1f / %.1f\n",
		p.Thresholds.QueueReview, p.Thresholds.ImmediateReview, p.Thresholds.BlockEscalate)
	for _, r := range p.Reasons {
		fmt.Printf("   - %s\n", r)
	}
	if staged {
		fmt.Println("   Staged for activation")
	} else {
		fmt.Println("   Not staged")
	}
	fmt.Println()
}
