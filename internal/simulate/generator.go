// Package simulate generates labelled synthetic payments for backtesting the
// scoring engine.
package simulate

import (
	"fmt"
	"math"
	"math/rand/v2"
	"slices"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Reason labels why a generated payment is anomalous.
type Reason string

const (
	ReasonNewBeneficiary  Reason = "NEW_BENEFICIARY"
	ReasonUnusualAmount   Reason = "UNUSUAL_AMOUNT"
	ReasonRoundAmount     Reason = "ROUND_AMOUNT"
	ReasonHighRiskCountry Reason = "HIGH_RISK_COUNTRY"
	ReasonUnusualTime     Reason = "UNUSUAL_TIME"
)

// HighRiskCountries are the jurisdictions the generator treats as anomalous.
var HighRiskCountries = []string{"RU", "IR", "KP", "SY", "VE"}

var (
	supplierCountries  = []string{"TR", "US", "DE", "GB", "NL"}
	newVendorCountries = append(append([]string(nil), HighRiskCountries...), "TR", "US")
	unusualHours       = []int{2, 3, 4, 22, 23}
	channels           = []domain.Channel{domain.ChannelWire, domain.ChannelACH, domain.ChannelMessage}
	paymentTypes       = []string{"SUPPLIER", "SALARY", "TAX", "TRANSFER"}
	roundUnit          = decimal.NewFromInt(10000)
)

// Config shapes a generated data set.
type Config struct {
	Days        int
	DailyCount  int     // mean payments per business day
	AnomalyRate float64 // share of payments drawn as anomalies
	Suppliers   int
	Accounts    int
	Start       time.Time // first day; zero means Days before today
	Seed        uint64
}

// DefaultConfig returns 90 business-calendar days of about 50 payments a day.
func DefaultConfig() Config {
	return Config{
		Days:        90,
		DailyCount:  50,
		AnomalyRate: 0.02,
		Suppliers:   200,
		Accounts:    5,
		Seed:        42,
	}
}

// Payment is a generated event with its ground-truth label.
type Payment struct {
	Event     *domain.PaymentEvent
	Anomalous bool
	Reasons   []Reason
}

// HasReason reports whether r is among the payment's labels.
func (p Payment) HasReason(r Reason) bool {
	return slices.Contains(p.Reasons, r)
}

type supplier struct {
	id        string
	country   string
	avgAmount float64
}

// Generator produces deterministic payment streams for a seed.
type Generator struct {
	cfg       Config
	rng       *rand.Rand
	suppliers []supplier
	accounts  []string
}

// NewGenerator builds the supplier pool for cfg. Zero fields take defaults.
func NewGenerator(cfg Config) *Generator {
	def := DefaultConfig()
	if cfg.Days <= 0 {
		cfg.Days = def.Days
	}
	if cfg.DailyCount <= 0 {
		cfg.DailyCount = def.DailyCount
	}
	if cfg.AnomalyRate < 0 {
		cfg.AnomalyRate = 0
	}
	if cfg.Suppliers <= 0 {
		cfg.Suppliers = def.Suppliers
	}
	if cfg.Accounts <= 0 {
		cfg.Accounts = def.Accounts
	}
	if cfg.Start.IsZero() {
		cfg.Start = time.Now().UTC().Truncate(24*time.Hour).AddDate(0, 0, -cfg.Days)
	}

	g := &Generator{
		cfg: cfg,
		rng: rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)),
	}
	for i := 0; i < cfg.Suppliers; i++ {
		g.suppliers = append(g.suppliers, supplier{
			id:        fmt.Sprintf("SUPPLIER_%03d", i),
			country:   pick(g.rng, supplierCountries),
			avgAmount: g.lognormal(10, 1),
		})
	}
	for i := 0; i < cfg.Accounts; i++ {
		g.accounts = append(g.accounts, fmt.Sprintf("ACC_%03d", i))
	}
	return g
}

// Generate returns every payment in timestamp order. Weekends are skipped.
func (g *Generator) Generate() []Payment {
	var out []Payment
	for day := 0; day < g.cfg.Days; day++ {
		date := g.cfg.Start.AddDate(0, 0, day)
		if wd := date.Weekday(); wd == time.Saturday || wd == time.Sunday {
			continue
		}
		n := g.poisson(float64(g.cfg.DailyCount))
		for i := 0; i < n; i++ {
			out = append(out, g.payment(date, day, i))
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Event.Timestamp.Before(out[j].Event.Timestamp)
	})
	return out
}

func (g *Generator) payment(date time.Time, day, seq int) Payment {
	anomalous := g.rng.Float64() < g.cfg.AnomalyRate
	var reasons []Reason

	bene := g.suppliers[g.rng.IntN(len(g.suppliers))]
	if anomalous && g.rng.Float64() < 0.3 {
		bene = supplier{
			id:        "NEW_VENDOR_" + g.letters(5),
			country:   pick(g.rng, newVendorCountries),
			avgAmount: 50000,
		}
		reasons = append(reasons, ReasonNewBeneficiary)
	}

	var amount decimal.Decimal
	if anomalous && g.rng.Float64() < 0.4 {
		amount = decimal.NewFromFloat(bene.avgAmount * (5 + 15*g.rng.Float64()))
		reasons = append(reasons, ReasonUnusualAmount)
	} else {
		amount = decimal.NewFromFloat(bene.avgAmount * g.lognormal(0, 0.5))
	}

	if anomalous && g.rng.Float64() < 0.3 {
		amount = amount.Div(roundUnit).Round(0).Mul(roundUnit)
		if amount.IsZero() {
			amount = roundUnit
		}
		if !slices.Contains(reasons, ReasonUnusualAmount) {
			reasons = append(reasons, ReasonRoundAmount)
		}
	}
	amount = amount.Round(2)
	if !amount.IsPositive() {
		amount = decimal.New(1, -2)
	}

	if slices.Contains(HighRiskCountries, bene.country) {
		reasons = append(reasons, ReasonHighRiskCountry)
		anomalous = true
	}

	var hour int
	if anomalous && g.rng.Float64() < 0.2 {
		hour = pick(g.rng, unusualHours)
		reasons = append(reasons, ReasonUnusualTime)
	} else {
		hour = 9 + g.rng.IntN(9)
	}
	ts := time.Date(date.Year(), date.Month(), date.Day(), hour, g.rng.IntN(60), 0, 0, time.UTC)

	ev := &domain.PaymentEvent{
		ID:                 fmt.Sprintf("PAY_%03d_%04d", day, seq),
		Timestamp:          ts,
		Amount:             amount.InexactFloat64(),
		Currency:           g.currency(),
		Channel:            pick(g.rng, channels),
		AccountID:          g.accounts[g.rng.IntN(len(g.accounts))],
		BeneficiaryID:      bene.id,
		BeneficiaryCountry: bene.country,
		Memo:               pick(g.rng, paymentTypes),
	}
	return Payment{Event: ev, Anomalous: anomalous, Reasons: reasons}
}

func (g *Generator) currency() string {
	switch r := g.rng.Float64(); {
	case r < 0.5:
		return "USD"
	case r < 0.8:
		return "EUR"
	default:
		return "TRY"
	}
}

func (g *Generator) lognormal(mu, sigma float64) float64 {
	return math.Exp(mu + sigma*g.rng.NormFloat64())
}

// poisson draws with Knuth's method, in chunks so large means do not underflow.
func (g *Generator) poisson(lambda float64) int {
	n := 0
	for lambda > 0 {
		step := math.Min(lambda, 30)
		lambda -= step
		limit := math.Exp(-step)
		p := g.rng.Float64()
		for p > limit {
			n++
			p *= g.rng.Float64()
		}
	}
	return n
}

func (g *Generator) letters(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte('A' + g.rng.IntN(26))
	}
	return string(b)
}

func pick[T any](rng *rand.Rand, items []T) T {
	return items[rng.IntN(len(items))]
}
