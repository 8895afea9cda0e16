// Package retry makes the pipeline's failure handling first-class: a state
// machine per unit of work, an error taxonomy splitting transient from
// terminal failures, capped exponential backoff, and a run-level circuit
// breaker that stops a run from hammering a systemically broken dependency.
package retry

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"time"

	"github.com/lib/pq"
)

// State is the lifecycle of one unit of work (a pending batch or a commit
// chunk). Persisted for batches as pending_batches.state.
type State string

const (
	StatePending    State = "pending"
	StateProcessing State = "processing"
	StateCommitted  State = "committed"
	StateRetrying   State = "retrying"
	StateFailed     State = "failed"
)

// Category classifies an error for retry purposes.
type Category int

const (
	// CategoryRetryable indicates a transient infrastructure failure:
	// timeouts, unavailability, read-after-write lag. Retry with backoff.
	CategoryRetryable Category = iota

	// CategoryTerminal indicates retry won't help: permission or
	// invalid-input failures. The unit goes straight to StateFailed.
	CategoryTerminal
)

func (c Category) String() string {
	switch c {
	case CategoryRetryable:
		return "retryable"
	case CategoryTerminal:
		return "terminal"
	default:
		return "unknown"
	}
}

// ErrTerminal marks an error as not worth retrying regardless of cause.
var ErrTerminal = errors.New("terminal")

// Classify maps an error to its retry category.
//
// Postgres error classes 08 (connection), 40 (serialization/deadlock),
// 53 (resources) and 57 (operator intervention) are transient; 28
// (authorization) and 42 (access/syntax, incl. 42501 permission) are not.
// Unrecognized errors default to retryable: the retry budget bounds a
// wrong guess, while misclassifying a transient error as terminal loses
// data.
func Classify(err error) Category {
	if err == nil {
		return CategoryRetryable
	}
	if errors.Is(err, ErrTerminal) {
		return CategoryTerminal
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return CategoryRetryable
	}
	if errors.Is(err, sql.ErrNoRows) || errors.Is(err, driver.ErrBadConn) {
		return CategoryRetryable
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "08", "40", "53", "57":
			return CategoryRetryable
		case "28", "42":
			return CategoryTerminal
		}
	}
	return CategoryRetryable
}

// Policy holds the backoff shape and retry budget for a unit of work.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultPolicy returns the production retry settings.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 5,
		BaseDelay:   200 * time.Millisecond,
		MaxDelay:    30 * time.Second,
	}
}

func (p Policy) normalized() Policy {
	n := p
	if n.MaxAttempts <= 0 {
		n.MaxAttempts = 5
	}
	if n.BaseDelay <= 0 {
		n.BaseDelay = 200 * time.Millisecond
	}
	if n.MaxDelay < n.BaseDelay {
		n.MaxDelay = n.BaseDelay
	}
	return n
}

// Delay returns the backoff before retry attempt n (1-based):
// min(base * 2^(n-1), cap). Monotone non-decreasing up to the cap.
func (p Policy) Delay(attempt int) time.Duration {
	p = p.normalized()
	if attempt <= 1 {
		return p.BaseDelay
	}
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.MaxDelay || d <= 0 {
			return p.MaxDelay
		}
	}
	return d
}

// Exhausted reports whether a unit with the given retry count is out of
// budget and must be classified failed.
func (p Policy) Exhausted(retryCount int) bool {
	return retryCount >= p.normalized().MaxAttempts
}

// Do runs fn with the policy's backoff until it succeeds, returns a
// terminal error, exhausts the attempt budget, or the context ends.
// Sleeps honor ctx so a cancelled run does not sit in backoff.
func Do(ctx context.Context, p Policy, fn func(context.Context) error) error {
	p = p.normalized()
	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if Classify(lastErr) == CategoryTerminal {
			return lastErr
		}
		if attempt == p.MaxAttempts {
			break
		}
		select {
		case <-time.After(p.Delay(attempt)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return lastErr
}

// Breaker counts consecutive unit failures within one run and trips open
// at the configured threshold. Not safe for concurrent use: the aggregator
// commits chunks sequentially, which is the only caller.
type Breaker struct {
	threshold   int
	consecutive int
}

// NewBreaker creates a breaker tripping after threshold consecutive
// failures. Non-positive thresholds fall back to 5.
func NewBreaker(threshold int) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	return &Breaker{threshold: threshold}
}

// Record folds one unit outcome into the breaker. A success resets the
// consecutive-failure count.
func (b *Breaker) Record(err error) {
	if err == nil {
		b.consecutive = 0
		return
	}
	b.consecutive++
}

// Open reports whether the run should abort.
func (b *Breaker) Open() bool {
	return b.consecutive >= b.threshold
}

// Consecutive returns the current consecutive-failure count.
func (b *Breaker) Consecutive() int {
	return b.consecutive
}
