// Copyright 2024 Pubconfirm Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package pubconfirm

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/pubconfirm-go/confirms"
	"github.com/glimte/pubconfirm-go/internal/rabbitmq"
)

// Client provides the main entry point for pubconfirm-go
type Client struct {
	manager  *rabbitmq.ConnectionManager
	source   *rabbitmq.ChannelSource
	tracker  *confirms.Tracker
	exchange string
	logger   *slog.Logger

	// tracker registration is not safe for concurrent invocation
	publishMu sync.Mutex
}

type clientConfig struct {
	logger         *slog.Logger
	exchange       string
	confirmMode    bool
	confirmTimeout time.Duration
	reconnectDelay time.Duration
	maxRetries     int
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

// WithClientLogger sets the logger
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = logger
	}
}

// WithExchange sets the default exchange publishes are routed through.
// The exchange is declared durable on startup.
func WithExchange(exchange string) ClientOption {
	return func(cfg *clientConfig) {
		cfg.exchange = exchange
	}
}

// WithConfirmMode enables or disables publisher confirms
func WithConfirmMode(enabled bool) ClientOption {
	return func(cfg *clientConfig) {
		cfg.confirmMode = enabled
	}
}

// WithConfirmTimeout sets the per-publish confirmation timeout
func WithConfirmTimeout(timeout time.Duration) ClientOption {
	return func(cfg *clientConfig) {
		cfg.confirmTimeout = timeout
	}
}

// WithReconnectDelay sets the base delay between reconnection attempts
func WithReconnectDelay(delay time.Duration) ClientOption {
	return func(cfg *clientConfig) {
		cfg.reconnectDelay = delay
	}
}

// WithMaxReconnectRetries sets the maximum number of reconnection attempts
func WithMaxReconnectRetries(retries int) ClientOption {
	return func(cfg *clientConfig) {
		cfg.maxRetries = retries
	}
}

// NewClient connects to RabbitMQ and wires the confirmation tracker to the
// connection's channel-replacement notifications
func NewClient(connectionString string, options ...ClientOption) (*Client, error) {
	cfg := &clientConfig{
		logger:         slog.Default(),
		exchange:       "pubconfirm.messages",
		confirmMode:    true,
		confirmTimeout: 5 * time.Second,
		reconnectDelay: 5 * time.Second,
		maxRetries:     -1,
	}

	for _, opt := range options {
		opt(cfg)
	}

	manager := rabbitmq.NewConnectionManager(connectionString,
		rabbitmq.WithLogger(cfg.logger),
		rabbitmq.WithReconnectDelay(cfg.reconnectDelay),
		rabbitmq.WithMaxRetries(cfg.maxRetries),
	)

	if err := manager.Connect(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	source, err := rabbitmq.NewChannelSource(manager,
		rabbitmq.WithChannelSourceLogger(cfg.logger),
	)
	if err != nil {
		manager.Close()
		return nil, fmt.Errorf("failed to create channel source: %w", err)
	}

	replacements := source.NotifyChannelReplaced(make(chan confirms.Channel, 1))

	tracker, err := confirms.NewTracker(replacements,
		confirms.WithConfirmMode(cfg.confirmMode),
		confirms.WithConfirmTimeout(cfg.confirmTimeout),
		confirms.WithTrackerLogger(cfg.logger),
	)
	if err != nil {
		source.Close()
		manager.Close()
		return nil, fmt.Errorf("failed to create confirmation tracker: %w", err)
	}

	if cfg.exchange != "" {
		topology := rabbitmq.NewTopologyManager(source)
		err := topology.DeclareExchange(rabbitmq.ExchangeDeclaration{
			Name:    cfg.exchange,
			Type:    "topic",
			Durable: true,
		})
		if err != nil {
			tracker.Close()
			source.Close()
			manager.Close()
			return nil, fmt.Errorf("failed to declare exchange: %w", err)
		}
	}

	return &Client{
		manager:  manager,
		source:   source,
		tracker:  tracker,
		exchange: cfg.exchange,
		logger:   cfg.logger,
	}, nil
}

// Publish sends body as a persistent JSON message to the default exchange and
// returns the outcome the broker's confirmation will resolve
func (c *Client) Publish(ctx context.Context, routingKey string, body []byte) (*confirms.Outcome, error) {
	msg := amqp.Publishing{
		MessageId:    uuid.New().String(),
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Body:         body,
	}
	return c.PublishMessage(ctx, c.exchange, routingKey, msg)
}

// PublishMessage sends a prepared message to exchange with routingKey. The
// publish is registered with the confirmation tracker; if the channel is
// replaced before the broker responds, the same message is reissued on the
// new channel and the returned outcome still resolves exactly once.
func (c *Client) PublishMessage(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) (*confirms.Outcome, error) {
	ch, err := c.source.Channel()
	if err != nil {
		return nil, err
	}

	c.publishMu.Lock()
	defer c.publishMu.Unlock()

	return c.tracker.PublishWithConfirmation(ch, func(target confirms.Channel) error {
		ac, ok := target.(*rabbitmq.ConfirmChannel)
		if !ok {
			return fmt.Errorf("unexpected channel type %T", target)
		}
		return ac.Publish(ctx, exchange, routingKey, false, msg)
	})
}

// PendingConfirmations returns the number of publishes awaiting confirmation
func (c *Client) PendingConfirmations() int {
	return c.tracker.Pending()
}

// IsConnected returns the broker connection status
func (c *Client) IsConnected() bool {
	return c.manager.IsConnected()
}

// Close shuts down the tracker, the channel source, and the connection
func (c *Client) Close() error {
	c.tracker.Close()
	c.source.Close()
	return c.manager.Close()
}
