// Package confirms tracks broker publisher confirmations and resolves each
// publish to exactly one outcome.
//
// The Tracker registers every confirmed publish in a pending table keyed by
// the broker-assigned sequence number and races three resolution paths for
// each entry:
//   - an acknowledgment from the broker resolves the outcome as success
//   - a negative acknowledgment resolves it as rejected
//   - a per-publish timer resolves it as timed out
//
// Whichever path arrives first wins; the other two become no-ops. When the
// underlying channel is replaced (for example after a reconnect), outstanding
// publishes are reissued on the new channel and their original outcomes are
// carried over, so callers always observe a single eventual result.
//
// The package is transport-agnostic: it consumes the narrow Channel interface,
// which internal/rabbitmq implements over an AMQP channel.
package confirms
