package stream

import (
	"errors"
	"fmt"
	"time"
)

// Policy controls retry, backoff and timeout behaviour of a Source.
type Policy struct {
	RetryDelay           time.Duration `yaml:"retry_delay"`            // Pause after a failed open
	EscalationDelay      time.Duration `yaml:"escalation_delay"`       // Pause once MaxRetries opens failed in a row
	MaxRetries           int           `yaml:"max_retries"`            // Failed opens before escalating
	ReadFailureThreshold int           `yaml:"read_failure_threshold"` // Consecutive read failures before reconnecting
	ReadFailureDelay     time.Duration `yaml:"read_failure_delay"`     // Pause after a failed read
	OpenTimeout          time.Duration `yaml:"open_timeout"`
	ReadTimeout          time.Duration `yaml:"read_timeout"`
}

// DefaultPolicy returns the standard policy.
func DefaultPolicy() Policy {
	return Policy{
		RetryDelay:           2 * time.Second,
		EscalationDelay:      5 * time.Second,
		MaxRetries:           10,
		ReadFailureThreshold: 3,
		ReadFailureDelay:     100 * time.Millisecond,
		OpenTimeout:          10 * time.Second,
		ReadTimeout:          5 * time.Second,
	}
}

// ConservativePolicy tolerates longer bursts of read failures before reconnecting.
func ConservativePolicy() Policy {
	p := DefaultPolicy()
	p.ReadFailureThreshold = 10
	return p
}

// Validate checks that the policy can be used by a Source.
func (p Policy) Validate() error {
	var errs []error
	if p.RetryDelay < 0 || p.EscalationDelay < 0 || p.ReadFailureDelay < 0 {
		errs = append(errs, errors.New("delays must not be negative"))
	}
	if p.MaxRetries < 1 {
		errs = append(errs, fmt.Errorf("max_retries must be >= 1, got %d", p.MaxRetries))
	}
	if p.ReadFailureThreshold < 1 {
		errs = append(errs, fmt.Errorf("read_failure_threshold must be >= 1, got %d", p.ReadFailureThreshold))
	}
	if p.OpenTimeout <= 0 || p.ReadTimeout <= 0 {
		errs = append(errs, errors.New("open and read timeouts must be positive"))
	}
	return errors.Join(errs...)
}
