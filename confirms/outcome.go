package confirms

import (
	"context"
	"sync"
)

// Outcome is the single-resolution future returned by PublishWithConfirmation.
// It resolves exactly once: nil for a broker-acknowledged publish, a NackError
// for a rejected one, or a ConfirmTimeoutError when no confirmation arrived in
// time. All resolution attempts after the first are no-ops.
type Outcome struct {
	done     chan struct{}
	mu       sync.Mutex
	resolved bool
	err      error
}

func newOutcome() *Outcome {
	return &Outcome{
		done: make(chan struct{}),
	}
}

// successOutcome returns an already-resolved successful outcome, used when
// confirm mode is disabled and there is nothing to track.
func successOutcome() *Outcome {
	o := newOutcome()
	o.resolve(nil)
	return o
}

// Done returns a channel that is closed once the outcome is resolved
func (o *Outcome) Done() <-chan struct{} {
	return o.done
}

// Err returns the resolution error, or nil if the publish succeeded.
// It is only meaningful after Done is closed.
func (o *Outcome) Err() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.err
}

// Resolved returns true once the outcome has been resolved
func (o *Outcome) Resolved() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.resolved
}

// Wait blocks until the outcome resolves or ctx is done. A context error does
// not resolve the outcome; the publish remains in flight.
func (o *Outcome) Wait(ctx context.Context) error {
	select {
	case <-o.done:
		return o.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// resolve completes the outcome with err. Only the first call has effect;
// it reports whether this call was the one that resolved the outcome.
func (o *Outcome) resolve(err error) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.resolved {
		return false
	}

	o.resolved = true
	o.err = err
	close(o.done)
	return true
}
