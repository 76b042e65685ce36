package confirms

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutcome(t *testing.T) {
	t.Run("resolve completes the outcome once", func(t *testing.T) {
		o := newOutcome()
		assert.False(t, o.Resolved())

		assert.True(t, o.resolve(nil))
		assert.True(t, o.Resolved())
		assert.NoError(t, o.Err())

		select {
		case <-o.Done():
		default:
			t.Fatal("Done channel should be closed after resolution")
		}
	})

	t.Run("later resolutions are no-ops", func(t *testing.T) {
		o := newOutcome()

		assert.True(t, o.resolve(nil))
		assert.False(t, o.resolve(errors.New("too late")))
		assert.NoError(t, o.Err())
	})

	t.Run("resolve with error is observable through Err and Wait", func(t *testing.T) {
		o := newOutcome()
		cause := &NackError{SequenceNumber: 7}

		require.True(t, o.resolve(cause))

		assert.Equal(t, cause, o.Err())
		assert.ErrorIs(t, o.Wait(context.Background()), ErrPublishNacked)
	})

	t.Run("Wait honours context cancellation without resolving", func(t *testing.T) {
		o := newOutcome()

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		err := o.Wait(ctx)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.False(t, o.Resolved())
	})

	t.Run("successOutcome is already resolved", func(t *testing.T) {
		o := successOutcome()

		assert.True(t, o.Resolved())
		assert.NoError(t, o.Err())
		assert.NoError(t, o.Wait(context.Background()))
	})
}
