package confirms

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// confirmBufferSize is the buffer of the per-binding confirmation stream
const confirmBufferSize = 16

type entryState int

const (
	stateCreated entryState = iota
	stateAcknowledged
	stateRejected
	stateTimedOut
	stateCancelled
)

// pendingConfirm is one outstanding publish awaiting a broker response.
// Its state transitions exactly once out of stateCreated; the per-entry
// mutex makes the ack/nack/timeout race safe without a table-wide lock.
type pendingConfirm struct {
	seq     uint64
	publish PublishFunc
	outcome *Outcome

	mu    sync.Mutex
	state entryState
	timer *time.Timer
}

// transition moves the entry from stateCreated to a terminal state and stops
// its timer. It reports whether this call performed the transition; once an
// entry has left stateCreated all later transitions are no-ops.
func (e *pendingConfirm) transition(to entryState) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != stateCreated {
		return false
	}

	e.state = to
	if e.timer != nil {
		e.timer.Stop()
	}
	return true
}

// binding pairs one channel with the pending table scoped to it. A stale
// dispatch loop or late timer only ever touches its own binding's table, so
// confirmations can never cross over to entries created for a replacement
// channel that happens to reuse the same sequence numbers.
type binding struct {
	channel Channel
	unbind  chan struct{}

	mu      sync.Mutex
	pending map[uint64]*pendingConfirm
}

func newBinding(ch Channel) *binding {
	return &binding{
		channel: ch,
		unbind:  make(chan struct{}),
		pending: make(map[uint64]*pendingConfirm),
	}
}

func (b *binding) insert(e *pendingConfirm) {
	b.mu.Lock()
	b.pending[e.seq] = e
	b.mu.Unlock()
}

// take removes and returns the entry for seq, or nil if absent
func (b *binding) take(seq uint64) *pendingConfirm {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.pending[seq]
	if !ok {
		return nil
	}
	delete(b.pending, seq)
	return e
}

// remove deletes the entry for seq only if it is still e
func (b *binding) remove(seq uint64, e *pendingConfirm) {
	b.mu.Lock()
	if b.pending[seq] == e {
		delete(b.pending, seq)
	}
	b.mu.Unlock()
}

// snapshot removes and returns all pending entries
func (b *binding) snapshot() []*pendingConfirm {
	b.mu.Lock()
	defer b.mu.Unlock()

	entries := make([]*pendingConfirm, 0, len(b.pending))
	for _, e := range b.pending {
		entries = append(entries, e)
	}
	b.pending = make(map[uint64]*pendingConfirm)
	return entries
}

func (b *binding) size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Tracker correlates publishes with broker confirmations and resolves each
// publish's Outcome exactly once
type Tracker struct {
	enabled bool
	timeout time.Duration
	logger  *slog.Logger

	mu      sync.Mutex // serializes registration, rebinding, and replacement
	current *binding
	closed  bool

	done chan struct{}
	wg   sync.WaitGroup
}

// TrackerOption configures the tracker
type TrackerOption func(*Tracker)

// WithConfirmMode enables or disables confirmation tracking. When disabled,
// publishes are issued immediately and reported as successful without being
// tracked.
func WithConfirmMode(enabled bool) TrackerOption {
	return func(t *Tracker) {
		t.enabled = enabled
	}
}

// WithConfirmTimeout sets the per-publish confirmation timeout
func WithConfirmTimeout(timeout time.Duration) TrackerOption {
	return func(t *Tracker) {
		t.timeout = timeout
	}
}

// WithTrackerLogger sets the logger
func WithTrackerLogger(logger *slog.Logger) TrackerOption {
	return func(t *Tracker) {
		t.logger = logger
	}
}

// NewTracker creates a tracker that consumes channel-replacement notifications
// from replacements for its entire lifetime. Each value received rebinds the
// tracker to the new channel and reissues every outstanding publish on it,
// reusing the original outcomes.
func NewTracker(replacements <-chan Channel, opts ...TrackerOption) (*Tracker, error) {
	if replacements == nil {
		return nil, fmt.Errorf("%w: replacement source is nil", ErrInvalidConfiguration)
	}

	t := &Tracker{
		enabled: true,
		timeout: 5 * time.Second,
		logger:  slog.Default(),
		done:    make(chan struct{}),
	}

	for _, opt := range opts {
		opt(t)
	}

	if t.timeout <= 0 {
		return nil, fmt.Errorf("%w: confirm timeout must be positive", ErrInvalidConfiguration)
	}
	if t.logger == nil {
		return nil, fmt.Errorf("%w: logger is nil", ErrInvalidConfiguration)
	}

	t.wg.Add(1)
	go t.watchReplacements(replacements)

	return t, nil
}

// PublishWithConfirmation registers a pending confirmation for the next
// sequence number on ch, arms its timeout, invokes publish against ch, and
// returns the outcome the broker's response will resolve.
//
// It is not safe for concurrent invocation; callers serialize access. Channel
// handles are compared by identity: calling with a channel different from the
// currently bound one detaches the old channel and abandons its outstanding
// publishes without resolving them. Carrying outstanding publishes over to a
// new channel is the job of the replacement notifications passed to
// NewTracker.
func (t *Tracker) PublishWithConfirmation(ch Channel, publish PublishFunc) (*Outcome, error) {
	if ch == nil {
		return nil, ErrNilChannel
	}
	if publish == nil {
		return nil, fmt.Errorf("%w: publish action is nil", ErrInvalidConfiguration)
	}

	if !t.enabled {
		if err := publish(ch); err != nil {
			return nil, err
		}
		return successOutcome(), nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, ErrTrackerClosed
	}

	return t.track(ch, publish, newOutcome())
}

// Pending returns the number of publishes awaiting confirmation
func (t *Tracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.current == nil {
		return 0
	}
	return t.current.size()
}

// Close stops the replacement watcher and resolves every still-pending
// outcome with ErrTrackerClosed
func (t *Tracker) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	b := t.current
	t.current = nil
	t.mu.Unlock()

	close(t.done)

	if b != nil {
		close(b.unbind)
		for _, e := range b.snapshot() {
			if e.transition(stateCancelled) {
				e.outcome.resolve(ErrTrackerClosed)
			}
		}
	}

	t.wg.Wait()
	return nil
}

// track registers a pending confirmation bound to outcome and issues the
// publish. Caller holds t.mu.
func (t *Tracker) track(ch Channel, publish PublishFunc, outcome *Outcome) (*Outcome, error) {
	if err := t.bind(ch); err != nil {
		return nil, err
	}

	b := t.current
	seq := ch.NextSequenceNumber()

	e := &pendingConfirm{
		seq:     seq,
		publish: publish,
		outcome: outcome,
	}
	b.insert(e)

	// armed only after insertion: a fire must always find the entry in the
	// table so it can remove it
	e.mu.Lock()
	if e.state == stateCreated {
		e.timer = time.AfterFunc(t.timeout, func() { t.onTimeout(b, e) })
	}
	e.mu.Unlock()

	if err := publish(ch); err != nil {
		e.transition(stateCancelled)
		b.remove(seq, e)
		return nil, &PublishError{SequenceNumber: seq, Err: err}
	}

	t.logger.Debug("registered pending confirmation", "sequenceNumber", seq)
	return outcome, nil
}

// bind makes ch the active channel. Rebinding to a different channel stops the
// old dispatch loop and clears its table, disposing timers without resolving
// outcomes. Caller holds t.mu.
func (t *Tracker) bind(ch Channel) error {
	if t.current != nil && t.current.channel == ch {
		return nil
	}

	if t.current != nil {
		t.detach(t.current)
	}

	if err := ch.EnableConfirmMode(); err != nil {
		return fmt.Errorf("confirms: failed to enable confirm mode: %w", err)
	}

	b := newBinding(ch)
	t.current = b

	stream := ch.NotifyConfirm(make(chan Confirmation, confirmBufferSize))
	t.wg.Add(1)
	go t.dispatch(b, stream)

	t.logger.Debug("bound to channel")
	return nil
}

// detach stops b's dispatch loop and discards its pending entries
func (t *Tracker) detach(b *binding) {
	close(b.unbind)

	dropped := 0
	for _, e := range b.snapshot() {
		e.transition(stateCancelled)
		dropped++
	}
	if dropped > 0 {
		t.logger.Debug("cleared pending confirmations on rebind", "count", dropped)
	}
}

// dispatch consumes b's confirmation stream until the channel is torn down or
// the binding is replaced. It runs on its own goroutine, concurrent with
// registration and with timer expiry.
func (t *Tracker) dispatch(b *binding, stream <-chan Confirmation) {
	defer t.wg.Done()

	for {
		select {
		case c, ok := <-stream:
			if !ok {
				return
			}
			t.handleConfirmation(b, c)
		case <-b.unbind:
			// the transport keeps forwarding until the channel itself is
			// closed; drain the backlog so the forwarder is never blocked
			// on a detached stream
			go func() {
				for range stream {
				}
			}()
			return
		}
	}
}

func (t *Tracker) handleConfirmation(b *binding, c Confirmation) {
	e := b.take(c.SequenceNumber)
	if e == nil {
		// already timed out, or a response from a stale channel
		t.logger.Debug("ignoring confirmation for unknown sequence number",
			"sequenceNumber", c.SequenceNumber, "ack", c.Ack)
		return
	}

	if c.Ack {
		if e.transition(stateAcknowledged) {
			e.outcome.resolve(nil)
			t.logger.Debug("publish confirmed", "sequenceNumber", e.seq)
		}
		return
	}

	if e.transition(stateRejected) {
		e.outcome.resolve(&NackError{SequenceNumber: e.seq})
		t.logger.Warn("publish rejected by broker", "sequenceNumber", e.seq)
	}
}

// onTimeout fires when an entry's timer expires before any confirmation.
// The entry guard tolerates a timer that fires despite a concurrent Stop.
func (t *Tracker) onTimeout(b *binding, e *pendingConfirm) {
	if !e.transition(stateTimedOut) {
		return
	}

	b.remove(e.seq, e)
	e.outcome.resolve(&ConfirmTimeoutError{SequenceNumber: e.seq, Timeout: t.timeout})
	t.logger.Warn("publish confirmation timed out",
		"sequenceNumber", e.seq, "timeout", t.timeout)
}

func (t *Tracker) watchReplacements(replacements <-chan Channel) {
	defer t.wg.Done()

	for {
		select {
		case ch, ok := <-replacements:
			if !ok {
				return
			}
			if ch == nil {
				t.logger.Error("channel replacement notification carried a nil channel")
				continue
			}
			t.handleReplacement(ch)
		case <-t.done:
			return
		}
	}
}

// handleReplacement rebinds to newCh and reissues every outstanding publish on
// it, reusing each entry's original outcome so callers observe the eventual
// result against the new channel's fresh sequence number. From the moment an
// entry is snapshotted here, reissue has exclusive control of it: a timer or
// confirmation racing this window finds the table empty and is a no-op.
func (t *Tracker) handleReplacement(newCh Channel) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return
	}

	var outstanding []*pendingConfirm
	if t.current != nil {
		for _, e := range t.current.snapshot() {
			if e.transition(stateCancelled) {
				outstanding = append(outstanding, e)
			}
		}
	}

	if err := t.bind(newCh); err != nil {
		// callers must not be stranded: fail their outcomes with the bind error
		t.logger.Error("failed to bind replacement channel", "error", err)
		for _, e := range outstanding {
			e.outcome.resolve(err)
		}
		return
	}

	for _, e := range outstanding {
		if _, err := t.track(newCh, e.publish, e.outcome); err != nil {
			t.logger.Error("failed to reissue publish on replacement channel",
				"sequenceNumber", e.seq, "error", err)
			e.outcome.resolve(err)
		}
	}

	if len(outstanding) > 0 {
		t.logger.Info("reissued outstanding publishes on replacement channel",
			"count", len(outstanding))
	}
}
