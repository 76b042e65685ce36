package rabbitmq

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/pubconfirm-go/confirms"
)

// ConfirmChannel adapts an AMQP channel to the confirms.Channel interface
type ConfirmChannel struct {
	ch   *amqp.Channel
	id   string
	done chan struct{}

	mu          sync.Mutex
	confirmMode bool
	closed      bool
}

func newConfirmChannel(ch *amqp.Channel) *ConfirmChannel {
	return &ConfirmChannel{
		ch:   ch,
		id:   uuid.New().String(),
		done: make(chan struct{}),
	}
}

// ID returns the channel identifier used in logs
func (c *ConfirmChannel) ID() string {
	return c.id
}

// EnableConfirmMode puts the channel into confirm mode. Redundant calls are no-ops.
func (c *ConfirmChannel) EnableConfirmMode() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.confirmMode {
		return nil
	}

	if err := c.ch.Confirm(false); err != nil {
		return &ChannelError{
			Op:        "enable confirm mode",
			ChannelID: c.id,
			Err:       err,
			Timestamp: time.Now(),
		}
	}

	c.confirmMode = true
	return nil
}

// NextSequenceNumber returns the sequence number the broker will assign to
// the next publish on this channel
func (c *ConfirmChannel) NextSequenceNumber() uint64 {
	return c.ch.GetNextPublishSeqNo()
}

// NotifyConfirm registers receiver for broker confirmations. The underlying
// AMQP stream is translated on a dedicated goroutine; receiver is closed when
// the channel is torn down. The goroutine must never outlive the channel: the
// consumer may stop reading before the backlog drains, so every send also
// watches for Close.
func (c *ConfirmChannel) NotifyConfirm(receiver chan confirms.Confirmation) chan confirms.Confirmation {
	inner := c.ch.NotifyPublish(make(chan amqp.Confirmation, cap(receiver)))

	go func() {
		defer close(receiver)
		for confirmation := range inner {
			select {
			case receiver <- confirms.Confirmation{
				SequenceNumber: confirmation.DeliveryTag,
				Ack:            confirmation.Ack,
			}:
			case <-c.done:
				return
			}
		}
	}()

	return receiver
}

// Publish sends a message on this channel
func (c *ConfirmChannel) Publish(ctx context.Context, exchange, routingKey string, mandatory bool, msg amqp.Publishing) error {
	return c.ch.PublishWithContext(ctx, exchange, routingKey, mandatory, false, msg)
}

// exchangeDeclare declares an exchange on this channel
func (c *ConfirmChannel) exchangeDeclare(d ExchangeDeclaration) error {
	return c.ch.ExchangeDeclare(
		d.Name,
		d.Type,
		d.Durable,
		d.AutoDelete,
		false, // internal
		false, // no-wait
		d.Arguments,
	)
}

// Close releases the confirmation forwarder and closes the underlying AMQP
// channel. Safe to call more than once.
func (c *ConfirmChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	c.mu.Unlock()

	if c.ch == nil {
		return nil
	}
	return c.ch.Close()
}

// ChannelSource maintains the single active publish channel. It opens a fresh
// channel after every (re)connect and delivers the replacement to every
// registered receiver, which is how the confirmation tracker learns its
// outstanding publishes must move.
type ChannelSource struct {
	manager *ConnectionManager
	logger  *slog.Logger

	mu        sync.RWMutex
	current   *ConfirmChannel
	receivers []chan confirms.Channel
	closed    bool
}

// ChannelSourceOption configures the channel source
type ChannelSourceOption func(*ChannelSource)

// WithChannelSourceLogger sets the logger
func WithChannelSourceLogger(logger *slog.Logger) ChannelSourceOption {
	return func(s *ChannelSource) {
		s.logger = logger
	}
}

// NewChannelSource opens the initial channel on an already-connected manager
// and registers for connection state changes to replace it on reconnect
func NewChannelSource(manager *ConnectionManager, options ...ChannelSourceOption) (*ChannelSource, error) {
	if manager == nil {
		return nil, ErrInvalidConfiguration
	}

	s := &ChannelSource{
		manager: manager,
		logger:  slog.Default(),
	}

	for _, opt := range options {
		opt(s)
	}

	ch, err := s.openChannel()
	if err != nil {
		return nil, err
	}
	s.current = ch

	manager.AddStateListener(s)
	return s, nil
}

// Channel returns the currently active channel
func (s *ChannelSource) Channel() (*ConfirmChannel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrChannelSourceClosed
	}
	if s.current == nil {
		return nil, ErrChannelClosed
	}
	return s.current, nil
}

// NotifyChannelReplaced registers receiver for channel replacements. Each
// reconnect delivers the new active channel; the receiver must consume
// promptly. The channel is closed when the source shuts down.
func (s *ChannelSource) NotifyChannelReplaced(receiver chan confirms.Channel) chan confirms.Channel {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		close(receiver)
		return receiver
	}

	s.receivers = append(s.receivers, receiver)
	return receiver
}

// OnConnected implements ConnectionStateListener. It runs on the manager's
// notification goroutine after every successful (re)connect.
func (s *ChannelSource) OnConnected() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}

	ch, err := s.openChannel()
	if err != nil {
		s.mu.Unlock()
		s.logger.Error("failed to open channel after reconnect", "error", err)
		return
	}

	old := s.current
	s.current = ch

	if old != nil {
		old.Close()
	}

	s.logger.Info("publish channel replaced", "channelId", ch.ID())

	// deliver under the lock so Close cannot tear a receiver down mid-send;
	// receivers are owned by the tracker, which consumes promptly
	for _, receiver := range s.receivers {
		receiver <- ch
	}
	s.mu.Unlock()
}

// OnDisconnected implements ConnectionStateListener
func (s *ChannelSource) OnDisconnected(err error) {
	s.logger.Warn("connection lost, publish channel is stale", "error", err)
}

// OnReconnecting implements ConnectionStateListener
func (s *ChannelSource) OnReconnecting(attempt int) {
	s.logger.Debug("reconnecting", "attempt", attempt)
}

// Close shuts down the source and its replacement streams
func (s *ChannelSource) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	current := s.current
	s.current = nil
	receivers := s.receivers
	s.receivers = nil
	s.mu.Unlock()

	s.manager.RemoveStateListener(s)

	for _, receiver := range receivers {
		close(receiver)
	}

	if current != nil {
		return current.Close()
	}
	return nil
}

func (s *ChannelSource) openChannel() (*ConfirmChannel, error) {
	conn, err := s.manager.GetConnection()
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, &ChannelError{
			Op:        "open channel",
			ChannelID: "new",
			Err:       ErrChannelCreationFailed,
			Timestamp: time.Now(),
		}
	}

	return newConfirmChannel(ch), nil
}
