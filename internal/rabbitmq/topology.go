package rabbitmq

import (
	amqp "github.com/rabbitmq/amqp091-go"
)

// ExchangeDeclaration defines an exchange to be declared
type ExchangeDeclaration struct {
	Name       string
	Type       string
	Durable    bool
	AutoDelete bool
	Arguments  amqp.Table
}

// TopologyManager declares the exchanges publishes are routed through
type TopologyManager struct {
	source *ChannelSource
}

// NewTopologyManager creates a new topology manager
func NewTopologyManager(source *ChannelSource) *TopologyManager {
	return &TopologyManager{
		source: source,
	}
}

// DeclareExchange declares a single exchange on the active channel
func (tm *TopologyManager) DeclareExchange(exchange ExchangeDeclaration) error {
	ch, err := tm.source.Channel()
	if err != nil {
		return &TopologyError{
			Component: "exchange",
			Name:      exchange.Name,
			Err:       err,
		}
	}

	if err := ch.exchangeDeclare(exchange); err != nil {
		return &TopologyError{
			Component: "exchange",
			Name:      exchange.Name,
			Err:       err,
		}
	}

	return nil
}
