package confirms

// Confirmation is a broker response for a single publish, delivered on the
// stream registered through Channel.NotifyConfirm. Ack reports whether the
// broker accepted the publish.
type Confirmation struct {
	SequenceNumber uint64
	Ack            bool
}

// Channel is the narrow view of a broker channel the tracker needs. It is
// implemented for AMQP by internal/rabbitmq; sequence numbers are unique and
// monotonically increasing per channel and restart when the channel is
// replaced.
type Channel interface {
	// EnableConfirmMode puts the channel into confirm-acknowledgment mode.
	// Calling it on a channel already in confirm mode is a no-op.
	EnableConfirmMode() error

	// NextSequenceNumber returns the sequence number the broker will assign
	// to the next publish on this channel.
	NextSequenceNumber() uint64

	// NotifyConfirm registers receiver for ack/nack confirmations. The
	// transport closes receiver when the channel is torn down.
	NotifyConfirm(receiver chan Confirmation) chan Confirmation
}

// PublishFunc performs the actual publish against a channel. The tracker
// invokes it once on registration and again, with the replacement channel,
// whenever an outstanding publish is reissued.
type PublishFunc func(ch Channel) error
