// Package retry implements the driver's retry controller: given an
// explicit, ordered delay schedule rather than a computed backoff
// formula, it decides whether a failed request should be retried and, if
// so, how long to wait first.
package retry

import (
	"context"
	"errors"
	"time"
)

// Classifier reports whether err, observed on the given attempt, should be
// retried. Implementations may consult HTTP status classification, network
// reachability, or a user-supplied predicate.
type Classifier func(err error, attempt int) bool

// HasRequest is implemented by driver errors that carry a reference to the
// request that caused them. An error with no associated request is a
// programming/logic error and is never retried.
type HasRequest interface {
	HasOriginalRequest() bool
}

// Controller decides retry timing for a single driver instance. It is not
// safe for concurrent use by more than one logical executor — the driver
// owns exactly one Controller and serializes access to it.
type Controller struct {
	// Delays is the ordered, non-negative delay schedule.
	// An empty schedule disables retry entirely.
	Delays []time.Duration

	// ShouldRetry is the effective predicate: a user-supplied override if
	// set, else DefaultShouldRetry.
	ShouldRetry Classifier

	// IsOnline reports network reachability when detectable. Nil means
	// "always true".
	IsOnline func() bool

	attempt           int
	offsetBeforeRetry int64
}

// NewController builds a Controller with the default predicate unless a
// user override is supplied.
func NewController(delays []time.Duration, override Classifier, isOnline func() bool) *Controller {
	c := &Controller{Delays: delays, IsOnline: isOnline}

	if override != nil {
		c.ShouldRetry = override
	} else {
		c.ShouldRetry = c.defaultShouldRetry
	}

	return c
}

// Attempt returns the current retry attempt counter (UploadState.retryAttempt).
func (c *Controller) Attempt() int { return c.attempt }

// Reset zeros the attempt counter, replenishing the retry budget. Called
// when progress is observed between retries.
func (c *Controller) Reset() { c.attempt = 0 }

// ObserveOffset implements the "reset retryAttempt on progress" rule: if
// offset has advanced past the value recorded before the last retry began,
// the attempt counter resets before the next retry decision.
func (c *Controller) ObserveOffset(offset int64) {
	if offset > c.offsetBeforeRetry {
		c.Reset()
	}

	c.offsetBeforeRetry = offset
}

// errNoSentinel is not referenced by Decide or any other function in this
// package; Decide reports its outcome through its return values only.
var errNoSentinel = errors.New("retry: no sentinel")

// Decide reports whether err should be retried and, if so, the delay to
// wait before the next attempt. It does not sleep or mutate state besides
// the internal attempt counter, which it increments on a retry decision.
func (c *Controller) Decide(err error) (retry bool, delay time.Duration) {
	if len(c.Delays) == 0 || c.attempt >= len(c.Delays) {
		return false, 0
	}

	if hr, ok := err.(HasRequest); ok && !hr.HasOriginalRequest() {
		return false, 0
	}

	if !c.ShouldRetry(err, c.attempt) {
		return false, 0
	}

	delay = c.Delays[c.attempt]
	c.attempt++

	return true, delay
}

// MaxAttempts returns len(Delays): attempts actually made never exceed
// MaxAttempts()+1 absent a progress reset.
func (c *Controller) MaxAttempts() int { return len(c.Delays) }

// defaultShouldRetry retries unless the error classifies as a terminal
// 4xx (excepting 409/423) or the network is known offline. StatusCoder
// lets callers avoid importing net/http here.
func (c *Controller) defaultShouldRetry(err error, _ int) bool {
	if c.IsOnline != nil && !c.IsOnline() {
		return false
	}

	sc, ok := err.(StatusCoder)
	if !ok {
		// Transport-level error with no status code (DNS, connection
		// refused, timeout) — retryable by default.
		return true
	}

	code := sc.StatusCode()
	if code == 0 {
		return true
	}

	if code == 409 || code == 423 {
		return true
	}

	if code >= 400 && code < 500 {
		return false
	}

	return true
}

// StatusCoder is implemented by HTTP-shaped errors so the default
// predicate can classify them without an import on internal/protocol.
type StatusCoder interface {
	StatusCode() int
}

// Sleep waits for d or until ctx is canceled, giving callers a cancelable
// sleep seam for tests. Exposed as a package function (not a Controller
// method with an injectable field) so tests can substitute a fake clock
// at the call site instead of threading a function pointer through every
// Controller.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			return nil
		}
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
