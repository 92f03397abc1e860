package failure

import (
	"crypto/sha256"
	"encoding/binary"
	"math"
	"time"
)

// BackoffConfig controls retry pacing for verification attempts and other
// retryable stages. Zero values fall back to the defaults below.
type BackoffConfig struct {
	InitialDelayMS int     `json:"initial_delay_ms" yaml:"initial_delay_ms"`
	BackoffFactor  float64 `json:"backoff_factor" yaml:"backoff_factor"`
	MaxDelayMS     int     `json:"max_delay_ms" yaml:"max_delay_ms"`
	Jitter         bool    `json:"jitter" yaml:"jitter"`
}

const (
	defaultInitialDelayMS = 200
	defaultBackoffFactor  = 2.0
	defaultMaxDelayMS     = 60_000
)

func (c BackoffConfig) withDefaults() BackoffConfig {
	if c.InitialDelayMS <= 0 {
		c.InitialDelayMS = defaultInitialDelayMS
	}
	if c.BackoffFactor <= 0 {
		c.BackoffFactor = defaultBackoffFactor
	}
	if c.MaxDelayMS <= 0 {
		c.MaxDelayMS = defaultMaxDelayMS
	}
	return c
}

// DelayForAttempt returns the pause before retry attempt n (1-indexed).
// The exponential curve is capped at MaxDelayMS before jitter is applied,
// and jitter is seeded so a given seed+attempt pair always produces the
// same delay.
func (c BackoffConfig) DelayForAttempt(attempt int, seed string) time.Duration {
	cfg := c.withDefaults()
	if attempt < 1 {
		attempt = 1
	}
	base := float64(cfg.InitialDelayMS) * math.Pow(cfg.BackoffFactor, float64(attempt-1))
	if max := float64(cfg.MaxDelayMS); base > max {
		base = max
	}
	if cfg.Jitter {
		base *= 0.5 + jitterUnit(seed, attempt)
	}
	return time.Duration(base) * time.Millisecond
}

// jitterUnit maps seed+attempt to [0,1) deterministically.
func jitterUnit(seed string, attempt int) float64 {
	h := sha256.New()
	h.Write([]byte(seed))
	var a [8]byte
	binary.BigEndian.PutUint64(a[:], uint64(attempt))
	h.Write(a[:])
	sum := h.Sum(nil)
	u := binary.BigEndian.Uint64(sum[:8])
	return float64(u) / float64(math.MaxUint64)
}
