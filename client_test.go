package pubconfirm

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClientOptions(t *testing.T) {
	t.Run("options override defaults", func(t *testing.T) {
		logger := slog.Default()
		cfg := &clientConfig{
			exchange:       "pubconfirm.messages",
			confirmMode:    true,
			confirmTimeout: 5 * time.Second,
		}

		WithClientLogger(logger)(cfg)
		WithExchange("orders")(cfg)
		WithConfirmMode(false)(cfg)
		WithConfirmTimeout(10 * time.Second)(cfg)
		WithReconnectDelay(time.Second)(cfg)
		WithMaxReconnectRetries(3)(cfg)

		assert.Equal(t, logger, cfg.logger)
		assert.Equal(t, "orders", cfg.exchange)
		assert.False(t, cfg.confirmMode)
		assert.Equal(t, 10*time.Second, cfg.confirmTimeout)
		assert.Equal(t, time.Second, cfg.reconnectDelay)
		assert.Equal(t, 3, cfg.maxRetries)
	})
}

func TestNewClient(t *testing.T) {
	t.Run("fails with an unreachable broker", func(t *testing.T) {
		_, err := NewClient("invalid://url")
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "failed to connect")
	})
}
