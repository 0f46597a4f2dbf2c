// Package pricing decides the credit cost of a generation before the order
// state machine ever sees it. Strategies form a closed set selected once at
// configuration load; Credits is pure so the same inputs always price the
// same.
package pricing

import (
	"fmt"
	"strings"

	"genorder/internal/domain"
)

// Strategy selects how the base cost is adjusted per user.
type Strategy int

const (
	// StrategyFixed charges the per-kind base cost for everyone.
	StrategyFixed Strategy = iota
	// StrategyGeo discounts users resolved to a reduced-tier country.
	StrategyGeo
	// StrategyABTest discounts the experiment group, bucketed by the last
	// character of the user id.
	StrategyABTest
)

var strategyNames = map[Strategy]string{
	StrategyFixed:  "fixed",
	StrategyGeo:    "geo",
	StrategyABTest: "abtest",
}

func (s Strategy) String() string {
	if name, ok := strategyNames[s]; ok {
		return name
	}
	return fmt.Sprintf("strategy(%d)", int(s))
}

// ParseStrategy maps a configuration string onto the closed strategy set.
func ParseStrategy(name string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "fixed":
		return StrategyFixed, nil
	case "geo", "geolocation":
		return StrategyGeo, nil
	case "abtest", "ab_test":
		return StrategyABTest, nil
	}
	return StrategyFixed, fmt.Errorf("unknown credit strategy %q", name)
}

// Config holds the per-kind base costs and the discount tables.
type Config struct {
	ImageCredits int
	VideoCredits int
	TextCredits  int

	// ReducedCountries lists ISO country codes charged ReducedPercent of
	// the base cost under the geo strategy.
	ReducedCountries map[string]bool
	ReducedPercent   int

	// ABTestPercent is the price charged to the experiment group under the
	// abtest strategy.
	ABTestPercent int
}

// DefaultConfig mirrors the historical per-kind costs.
func DefaultConfig() Config {
	return Config{
		ImageCredits:   10,
		VideoCredits:   50,
		TextCredits:    5,
		ReducedPercent: 50,
		ABTestPercent:  50,
	}
}

// Pricer prices generations under one strategy.
type Pricer struct {
	strategy Strategy
	cfg      Config
}

// New constructs a pricer. Percentages outside (0,100] fall back to 100.
func New(strategy Strategy, cfg Config) *Pricer {
	if cfg.ReducedPercent <= 0 || cfg.ReducedPercent > 100 {
		cfg.ReducedPercent = 100
	}
	if cfg.ABTestPercent <= 0 || cfg.ABTestPercent > 100 {
		cfg.ABTestPercent = 100
	}
	return &Pricer{strategy: strategy, cfg: cfg}
}

// Credits returns the cost in credits for one generation of the given kind.
// countryCode may be empty when geo resolution failed; unknown countries
// pay full price.
func (p *Pricer) Credits(kind domain.OrderKind, countryCode, userID string) int {
	base := p.base(kind)
	if base <= 0 {
		return 0
	}
	switch p.strategy {
	case StrategyGeo:
		if p.cfg.ReducedCountries[strings.ToUpper(countryCode)] {
			return scale(base, p.cfg.ReducedPercent)
		}
	case StrategyABTest:
		if experimentGroup(userID) {
			return scale(base, p.cfg.ABTestPercent)
		}
	}
	return base
}

func (p *Pricer) base(kind domain.OrderKind) int {
	switch kind {
	case domain.OrderKindImage:
		return p.cfg.ImageCredits
	case domain.OrderKindVideo:
		return p.cfg.VideoCredits
	case domain.OrderKindText:
		return p.cfg.TextCredits
	}
	return 0
}

// scale applies a percentage, rounding up so no paid kind becomes free.
func scale(base, percent int) int {
	scaled := (base*percent + 99) / 100
	if scaled < 1 {
		return 1
	}
	return scaled
}

// experimentGroup buckets users by the last character of their id, matching
// the historical 50/50 split.
func experimentGroup(userID string) bool {
	if userID == "" {
		return false
	}
	last := userID[len(userID)-1]
	return last >= '5' && last <= '9'
}
