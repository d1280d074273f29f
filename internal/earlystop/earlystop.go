// Package earlystop decides, from a partial token stream, whether a
// generation is worth continuing.
//
// The signal is an exponential moving average of per-token log-probability.
// A stream stuck in low-confidence territory (repetition loops, incoherent
// sampling) drags the average below a threshold, at which point the monitor
// votes to cancel. The decision is advisory; the collector owns cancellation.
package earlystop

import "fmt"

// Defaults observed to cancel degenerate streams without false positives.
const (
	DefaultAlpha     = 0.992
	DefaultThreshold = -3.0
	DefaultMinTokens = 64
)

// Params configures a Monitor.
type Params struct {
	// Alpha is the EMA smoothing factor in (0, 1). Values near 1 weight
	// history heavily and react slowly.
	Alpha float64

	// Threshold is the (negative) EMA log-probability below which the
	// monitor votes to stop.
	Threshold float64

	// MinTokens is the floor before any stop vote; early tokens are noisy.
	MinTokens int
}

// Validate checks the parameter ranges.
func (p Params) Validate() error {
	if p.Alpha <= 0 || p.Alpha >= 1 {
		return fmt.Errorf("earlystop alpha must be in (0, 1), got %g", p.Alpha)
	}
	if p.Threshold >= 0 {
		return fmt.Errorf("earlystop threshold must be negative, got %g", p.Threshold)
	}
	if p.MinTokens < 1 {
		return fmt.Errorf("earlystop min tokens must be at least 1, got %d", p.MinTokens)
	}
	return nil
}

// DefaultParams returns the observed defaults.
func DefaultParams() Params {
	return Params{Alpha: DefaultAlpha, Threshold: DefaultThreshold, MinTokens: DefaultMinTokens}
}

// Monitor tracks one stream. The zero value is not usable; create with New.
// Observe is synchronous and never blocks.
type Monitor struct {
	params Params
	ema    float64
	tokens int
}

// New creates a Monitor for a single stream.
func New(params Params) *Monitor {
	return &Monitor{params: params}
}

// Observe folds one token's log-probability into the moving average and
// reports whether the stream should be stopped. The first token seeds the
// average directly.
func (m *Monitor) Observe(logprob float64) bool {
	m.tokens++
	if m.tokens == 1 {
		m.ema = logprob
	} else {
		m.ema = m.params.Alpha*m.ema + (1-m.params.Alpha)*logprob
	}
	return m.tokens >= m.params.MinTokens && m.ema < m.params.Threshold
}

// EMA returns the current moving average. Meaningful only after at least
// one Observe call.
func (m *Monitor) EMA() float64 { return m.ema }

// Tokens returns the number of observed tokens.
func (m *Monitor) Tokens() int { return m.tokens }
