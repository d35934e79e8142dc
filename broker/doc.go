// Package broker owns the connection to an AMQP 0-9-1 broker for retrymq.
//
// This package includes:
//   - Link: one connection with an optional reconnection policy
//   - Channel: the narrow channel contract the retry layer drives
//   - ChannelPool: leased channels in confirm mode for concurrent publishers
//   - Event stream: connection and channel faults published to subscribers
//
// The link does not recover channels. When a channel or the connection
// closes, every holder of that channel sees it closed and the owner decides
// whether to open a new one once the link is connected again.
package broker
