package telemetry

import (
	"fmt"
	"math"
	"strings"
)

type SignRule int

const (
	// SignRandom flips a fair coin for the sign of every step.
	SignRandom SignRule = iota
	// SignParity makes even hundredths steps negative and odd ones positive.
	SignParity
)

func (r SignRule) String() string {
	switch r {
	case SignParity:
		return "parity"
	default:
		return "random"
	}
}

func ParseSignRule(s string) (SignRule, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "random":
		return SignRandom, nil
	case "parity":
		return SignParity, nil
	default:
		return SignRandom, fmt.Errorf("unknown sign rule %q", s)
	}
}

// RandomSource is satisfied by *rand.Rand from math/rand/v2.
type RandomSource interface {
	Float64() float64
}

// Step moves previous by at most ±1.00 on the hundredths grid. The result is
// always a whole number of hundredths so repeated steps do not drift.
func Step(previous float64, rng RandomSource, rule SignRule) float64 {
	hundredths := int64(math.Round(rng.Float64() * 100))

	negative := false
	switch rule {
	case SignParity:
		negative = hundredths%2 == 0
	default:
		negative = rng.Float64() < 0.5
	}
	if negative {
		hundredths = -hundredths
	}

	base := int64(math.Round(previous * 100))
	return float64(base+hundredths) / 100
}

// Generator binds a random source and sign rule. It is not safe for
// concurrent use; the publisher calls it inside DeviceState.Advance.
type Generator struct {
	rng  RandomSource
	rule SignRule
}

func NewGenerator(rng RandomSource, rule SignRule) *Generator {
	return &Generator{rng: rng, rule: rule}
}

func (g *Generator) Next(previous float64) float64 {
	return Step(previous, g.rng, g.rule)
}

func (g *Generator) Rule() SignRule { return g.rule }
