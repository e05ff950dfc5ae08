package api

import "time"

// RetryPolicy controls how a node retries contexts whose execution failed.
// MaxRetries counts retries only, not the first attempt:
//
//	MaxRetries = 0 => no retries (just the initial attempt)
//	MaxRetries = 2 => initial attempt + up to 2 retries
//
// InitialBackoff is the delay before the first retry. It grows by
// BackoffMultiplier for every further retry and is capped by MaxBackoff
// when that is positive. If InitialBackoff is zero, retries happen
// immediately.
type RetryPolicy struct {
	MaxRetries        int           `yaml:"max_retries" json:"max_retries"`
	InitialBackoff    time.Duration `yaml:"initial_backoff,omitempty" json:"initial_backoff,omitempty"`
	MaxBackoff        time.Duration `yaml:"max_backoff,omitempty" json:"max_backoff,omitempty"`
	BackoffMultiplier float64       `yaml:"multiplier,omitempty" json:"multiplier,omitempty"`
}

// Delay returns the backoff to apply before the given retry (1-based).
func (p RetryPolicy) Delay(retry int) time.Duration {
	if p.InitialBackoff <= 0 || retry <= 0 {
		return 0
	}

	multiplier := p.BackoffMultiplier
	if multiplier <= 0 {
		multiplier = 2.0
	}

	delay := p.InitialBackoff
	for i := 1; i < retry; i++ {
		delay = time.Duration(float64(delay) * multiplier)
		if p.MaxBackoff > 0 && delay > p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	if p.MaxBackoff > 0 && delay > p.MaxBackoff {
		return p.MaxBackoff
	}
	return delay
}
