// internal/poller/types.go
package poller

import (
	"context"
	"time"
)

// Step is one unit of work inside a poll cycle.
// Steps run in declaration order, never concurrently.
type Step struct {
	Name string
	Run  func(ctx context.Context) error
}

// StepResult is the outcome of a single step.
type StepResult struct {
	Name string
	Took time.Duration
	Err  error
}

// PollResult is a snapshot produced by one poll cycle.
type PollResult struct {
	Device string
	At     time.Time
	Tick   uint64

	Steps []StepResult
	Err   error // non-nil means the poll cycle was cut short
}
