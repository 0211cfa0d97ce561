package health

import (
	"context"
	"time"
)

// CheckType represents the type of probe
type CheckType string

const (
	CheckTypeTCP    CheckType = "tcp"
	CheckTypeRemote CheckType = "remote"
)

// Result represents the outcome of a probe
type Result struct {
	Healthy   bool
	Message   string
	CheckedAt time.Time
	Duration  time.Duration
}

// Checker is implemented by every node probe
type Checker interface {
	Check(ctx context.Context) Result
	Type() CheckType
}

// Config tunes node probing
type Config struct {
	// Timeout bounds a single probe
	Timeout time.Duration

	// Retries is the number of consecutive failures before a node counts as
	// unreachable
	Retries int
}

// DefaultConfig returns the probe defaults
func DefaultConfig() Config {
	return Config{
		Timeout: 5 * time.Second,
		Retries: 1,
	}
}

// Status tracks consecutive probe results for one node
type Status struct {
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	LastCheck            time.Time
	LastResult           Result

	// Reachable stays true until Retries consecutive failures
	Reachable bool
}

// NewStatus creates a Status that assumes the node is reachable
func NewStatus() *Status {
	return &Status{Reachable: true}
}

// Update folds a new probe result into the status
func (s *Status) Update(result Result, config Config) {
	s.LastCheck = result.CheckedAt
	s.LastResult = result

	if result.Healthy {
		s.ConsecutiveSuccesses++
		s.ConsecutiveFailures = 0
		s.Reachable = true
		return
	}

	s.ConsecutiveFailures++
	s.ConsecutiveSuccesses = 0
	if s.ConsecutiveFailures >= config.Retries {
		s.Reachable = false
	}
}
