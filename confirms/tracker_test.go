package confirms

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// mockChannel asserts how the tracker drives the channel binding protocol
type mockChannel struct {
	mock.Mock
}

func (m *mockChannel) EnableConfirmMode() error {
	args := m.Called()
	return args.Error(0)
}

func (m *mockChannel) NextSequenceNumber() uint64 {
	args := m.Called()
	return args.Get(0).(uint64)
}

func (m *mockChannel) NotifyConfirm(receiver chan Confirmation) chan Confirmation {
	args := m.Called(receiver)
	return args.Get(0).(chan Confirmation)
}

// fakeChannel simulates a broker channel: sequence numbers start at 1 and
// advance per publish, confirmations are delivered by the test through the
// registered stream.
type fakeChannel struct {
	mu               sync.Mutex
	nextSeq          uint64
	confirmModeCalls int
	receiver         chan Confirmation
	published        []uint64
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{nextSeq: 1}
}

func (f *fakeChannel) EnableConfirmMode() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.confirmModeCalls++
	return nil
}

func (f *fakeChannel) NextSequenceNumber() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nextSeq
}

func (f *fakeChannel) NotifyConfirm(receiver chan Confirmation) chan Confirmation {
	f.mu.Lock()
	f.receiver = receiver
	f.mu.Unlock()
	return receiver
}

// publish records the publish the way a broker would, consuming a sequence number
func (f *fakeChannel) publish() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, f.nextSeq)
	f.nextSeq++
	return nil
}

func (f *fakeChannel) deliver(seq uint64, ack bool) {
	f.mu.Lock()
	receiver := f.receiver
	f.mu.Unlock()
	receiver <- Confirmation{SequenceNumber: seq, Ack: ack}
}

func (f *fakeChannel) publishedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published)
}

func (f *fakeChannel) enableCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.confirmModeCalls
}

// publishOn issues the publish against whichever channel the tracker hands
// the action, which is how reissue lands on a replacement channel
func publishOn(ch Channel) error {
	return ch.(*fakeChannel).publish()
}

func newTestTracker(t *testing.T, replacements <-chan Channel, opts ...TrackerOption) *Tracker {
	t.Helper()
	tracker, err := NewTracker(replacements, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { tracker.Close() })
	return tracker
}

func waitOutcome(t *testing.T, o *Outcome) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := o.Wait(ctx)
	require.False(t, errors.Is(err, context.DeadlineExceeded), "outcome did not resolve in time")
	return err
}

func TestNewTracker(t *testing.T) {
	t.Run("requires a replacement source", func(t *testing.T) {
		_, err := NewTracker(nil)
		assert.ErrorIs(t, err, ErrInvalidConfiguration)
	})

	t.Run("rejects non-positive timeout", func(t *testing.T) {
		_, err := NewTracker(make(chan Channel), WithConfirmTimeout(0))
		assert.ErrorIs(t, err, ErrInvalidConfiguration)
	})

	t.Run("rejects nil logger", func(t *testing.T) {
		_, err := NewTracker(make(chan Channel), WithTrackerLogger(nil))
		assert.ErrorIs(t, err, ErrInvalidConfiguration)
	})
}

func TestPublishWithConfirmation(t *testing.T) {
	t.Run("rejects nil channel and nil publish action", func(t *testing.T) {
		tracker := newTestTracker(t, make(chan Channel))

		_, err := tracker.PublishWithConfirmation(nil, publishOn)
		assert.ErrorIs(t, err, ErrNilChannel)

		_, err = tracker.PublishWithConfirmation(newFakeChannel(), nil)
		assert.ErrorIs(t, err, ErrInvalidConfiguration)
	})

	t.Run("disabled confirm mode publishes untracked and succeeds immediately", func(t *testing.T) {
		tracker := newTestTracker(t, make(chan Channel), WithConfirmMode(false))
		ch := newFakeChannel()

		outcome, err := tracker.PublishWithConfirmation(ch, publishOn)

		require.NoError(t, err)
		assert.True(t, outcome.Resolved())
		assert.NoError(t, outcome.Err())
		assert.Equal(t, 1, ch.publishedCount())
		assert.Equal(t, 0, ch.enableCalls())
		assert.Equal(t, 0, tracker.Pending())
	})

	t.Run("disabled confirm mode surfaces publish errors directly", func(t *testing.T) {
		tracker := newTestTracker(t, make(chan Channel), WithConfirmMode(false))
		boom := errors.New("channel closed")

		_, err := tracker.PublishWithConfirmation(newFakeChannel(), func(Channel) error { return boom })

		assert.ErrorIs(t, err, boom)
	})

	t.Run("acknowledgment resolves success and disarms the timer", func(t *testing.T) {
		tracker := newTestTracker(t, make(chan Channel), WithConfirmTimeout(150*time.Millisecond))
		ch := newFakeChannel()

		outcome, err := tracker.PublishWithConfirmation(ch, publishOn)
		require.NoError(t, err)
		assert.Equal(t, 1, tracker.Pending())

		ch.deliver(1, true)

		assert.NoError(t, waitOutcome(t, outcome))
		assert.Equal(t, 0, tracker.Pending())

		// well past the confirm timeout: the timer must not flip the result
		time.Sleep(250 * time.Millisecond)
		assert.NoError(t, outcome.Err())
	})

	t.Run("negative acknowledgment resolves broker rejection", func(t *testing.T) {
		tracker := newTestTracker(t, make(chan Channel))
		ch := newFakeChannel()

		outcome, err := tracker.PublishWithConfirmation(ch, publishOn)
		require.NoError(t, err)

		ch.deliver(1, false)

		err = waitOutcome(t, outcome)
		assert.ErrorIs(t, err, ErrPublishNacked)

		var nackErr *NackError
		require.ErrorAs(t, err, &nackErr)
		assert.Equal(t, uint64(1), nackErr.SequenceNumber)
		assert.Equal(t, 0, tracker.Pending())
	})

	t.Run("timeout resolves when no confirmation arrives and a late ack is ignored", func(t *testing.T) {
		tracker := newTestTracker(t, make(chan Channel), WithConfirmTimeout(50*time.Millisecond))
		ch := newFakeChannel()

		outcome, err := tracker.PublishWithConfirmation(ch, publishOn)
		require.NoError(t, err)

		err = waitOutcome(t, outcome)
		assert.ErrorIs(t, err, ErrConfirmTimeout)

		var timeoutErr *ConfirmTimeoutError
		require.ErrorAs(t, err, &timeoutErr)
		assert.Equal(t, uint64(1), timeoutErr.SequenceNumber)
		assert.Equal(t, 50*time.Millisecond, timeoutErr.Timeout)
		assert.Equal(t, 0, tracker.Pending())

		// the entry is gone, so the stale ack has nothing to resolve
		ch.deliver(1, true)
		time.Sleep(50 * time.Millisecond)
		assert.ErrorIs(t, outcome.Err(), ErrConfirmTimeout)
	})

	t.Run("immediate timeout leaves no entry parked in the table", func(t *testing.T) {
		tracker := newTestTracker(t, make(chan Channel), WithConfirmTimeout(time.Nanosecond))
		ch := newFakeChannel()

		outcome, err := tracker.PublishWithConfirmation(ch, publishOn)
		require.NoError(t, err)

		assert.ErrorIs(t, waitOutcome(t, outcome), ErrConfirmTimeout)
		require.Eventually(t, func() bool {
			return tracker.Pending() == 0
		}, time.Second, time.Millisecond, "timed-out entry was not removed from the pending table")
	})

	t.Run("publish action failure removes the entry and returns the error", func(t *testing.T) {
		tracker := newTestTracker(t, make(chan Channel))
		ch := newFakeChannel()
		boom := errors.New("connection reset")

		_, err := tracker.PublishWithConfirmation(ch, func(Channel) error { return boom })

		assert.ErrorIs(t, err, boom)
		var pubErr *PublishError
		require.ErrorAs(t, err, &pubErr)
		assert.Equal(t, uint64(1), pubErr.SequenceNumber)
		assert.Equal(t, 0, tracker.Pending())
	})

	t.Run("confirm mode failure is returned and nothing is tracked", func(t *testing.T) {
		tracker := newTestTracker(t, make(chan Channel))
		ch := &mockChannel{}
		ch.On("EnableConfirmMode").Return(errors.New("not supported"))

		_, err := tracker.PublishWithConfirmation(ch, func(Channel) error { return nil })

		assert.ErrorContains(t, err, "failed to enable confirm mode")
		assert.Equal(t, 0, tracker.Pending())
		ch.AssertExpectations(t)
		ch.AssertNotCalled(t, "NotifyConfirm", mock.Anything)
	})

	t.Run("confirm mode is enabled once per channel", func(t *testing.T) {
		tracker := newTestTracker(t, make(chan Channel))
		ch := newFakeChannel()

		_, err := tracker.PublishWithConfirmation(ch, publishOn)
		require.NoError(t, err)
		_, err = tracker.PublishWithConfirmation(ch, publishOn)
		require.NoError(t, err)

		assert.Equal(t, 1, ch.enableCalls())
		assert.Equal(t, 2, tracker.Pending())
	})

	t.Run("unrelated publishes resolve independently", func(t *testing.T) {
		tracker := newTestTracker(t, make(chan Channel))
		ch := newFakeChannel()

		first, err := tracker.PublishWithConfirmation(ch, publishOn)
		require.NoError(t, err)
		second, err := tracker.PublishWithConfirmation(ch, publishOn)
		require.NoError(t, err)

		ch.deliver(2, false)

		assert.ErrorIs(t, waitOutcome(t, second), ErrPublishNacked)
		assert.False(t, first.Resolved())

		ch.deliver(1, true)
		assert.NoError(t, waitOutcome(t, first))
	})
}

func TestChannelRebinding(t *testing.T) {
	t.Run("switching channels clears the pending table without resolving", func(t *testing.T) {
		tracker := newTestTracker(t, make(chan Channel), WithConfirmTimeout(100*time.Millisecond))
		chA := newFakeChannel()
		chB := newFakeChannel()

		stale, err := tracker.PublishWithConfirmation(chA, publishOn)
		require.NoError(t, err)

		fresh, err := tracker.PublishWithConfirmation(chB, publishOn)
		require.NoError(t, err)
		assert.Equal(t, 1, tracker.Pending())

		// an ack delivered against the detached channel must not leak through
		chA.deliver(1, true)

		// past the confirm timeout: the cleared entry's timer was disposed
		time.Sleep(200 * time.Millisecond)
		assert.False(t, stale.Resolved())
		assert.True(t, fresh.Resolved()) // timed out, proving it stayed tracked

		chB.deliver(1, true)
		time.Sleep(50 * time.Millisecond)
		assert.False(t, stale.Resolved())
	})

	t.Run("a detached channel's confirmation backlog keeps draining", func(t *testing.T) {
		tracker := newTestTracker(t, make(chan Channel), WithConfirmTimeout(2*time.Second))
		chA := newFakeChannel()
		chB := newFakeChannel()

		_, err := tracker.PublishWithConfirmation(chA, publishOn)
		require.NoError(t, err)
		_, err = tracker.PublishWithConfirmation(chB, publishOn)
		require.NoError(t, err)

		// far more confirmations than the stream buffer holds: every send
		// must complete even though chA's dispatch loop is gone
		delivered := make(chan struct{})
		go func() {
			defer close(delivered)
			for seq := uint64(1); seq <= 3*confirmBufferSize; seq++ {
				chA.deliver(seq, true)
			}
		}()

		select {
		case <-delivered:
		case <-time.After(2 * time.Second):
			t.Fatal("confirmation stream of the detached channel blocked")
		}
	})
}

func TestChannelReplacement(t *testing.T) {
	t.Run("outstanding publishes are reissued and original outcomes resolve", func(t *testing.T) {
		replacements := make(chan Channel, 1)
		tracker := newTestTracker(t, replacements, WithConfirmTimeout(2*time.Second))
		chA := newFakeChannel()
		chB := newFakeChannel()

		first, err := tracker.PublishWithConfirmation(chA, publishOn)
		require.NoError(t, err)
		second, err := tracker.PublishWithConfirmation(chA, publishOn)
		require.NoError(t, err)

		replacements <- chB

		require.Eventually(t, func() bool {
			return chB.publishedCount() == 2
		}, time.Second, 10*time.Millisecond, "publishes were not reissued on the new channel")

		assert.False(t, first.Resolved())
		assert.False(t, second.Resolved())
		assert.Equal(t, 2, tracker.Pending())

		// the new channel assigned fresh sequence numbers starting at 1
		chB.deliver(1, true)
		chB.deliver(2, true)

		assert.NoError(t, waitOutcome(t, first))
		assert.NoError(t, waitOutcome(t, second))
		assert.Equal(t, 0, tracker.Pending())
	})

	t.Run("confirmations from the replaced channel are ignored", func(t *testing.T) {
		replacements := make(chan Channel, 1)
		tracker := newTestTracker(t, replacements, WithConfirmTimeout(2*time.Second))
		chA := newFakeChannel()
		chB := newFakeChannel()

		outcome, err := tracker.PublishWithConfirmation(chA, publishOn)
		require.NoError(t, err)

		replacements <- chB
		require.Eventually(t, func() bool {
			return chB.publishedCount() == 1
		}, time.Second, 10*time.Millisecond)

		// a nack from the old channel for the same sequence number
		chA.deliver(1, false)
		time.Sleep(50 * time.Millisecond)
		assert.False(t, outcome.Resolved())

		chB.deliver(1, true)
		assert.NoError(t, waitOutcome(t, outcome))
	})

	t.Run("reissue failure resolves the original outcome with the error", func(t *testing.T) {
		replacements := make(chan Channel, 1)
		tracker := newTestTracker(t, replacements, WithConfirmTimeout(2*time.Second))
		chA := newFakeChannel()
		chB := newFakeChannel()
		boom := errors.New("channel closed")

		failing := func(ch Channel) error {
			if ch == Channel(chB) {
				return boom
			}
			return ch.(*fakeChannel).publish()
		}

		outcome, err := tracker.PublishWithConfirmation(chA, failing)
		require.NoError(t, err)

		replacements <- chB

		assert.ErrorIs(t, waitOutcome(t, outcome), boom)
		assert.Equal(t, 0, tracker.Pending())
	})

	t.Run("replacement with no outstanding publishes just rebinds", func(t *testing.T) {
		replacements := make(chan Channel, 1)
		tracker := newTestTracker(t, replacements)
		chB := newFakeChannel()

		replacements <- chB

		require.Eventually(t, func() bool {
			return chB.enableCalls() == 1
		}, time.Second, 10*time.Millisecond)
		assert.Equal(t, 0, tracker.Pending())
	})
}

func TestTrackerClose(t *testing.T) {
	t.Run("resolves outstanding outcomes and rejects further publishes", func(t *testing.T) {
		tracker, err := NewTracker(make(chan Channel))
		require.NoError(t, err)
		ch := newFakeChannel()

		outcome, err := tracker.PublishWithConfirmation(ch, publishOn)
		require.NoError(t, err)

		require.NoError(t, tracker.Close())

		assert.ErrorIs(t, outcome.Err(), ErrTrackerClosed)

		_, err = tracker.PublishWithConfirmation(ch, publishOn)
		assert.ErrorIs(t, err, ErrTrackerClosed)

		// idempotent
		assert.NoError(t, tracker.Close())
	})
}
