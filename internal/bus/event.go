package bus

import "time"

// Event kinds published across the daemon.
const (
	KindChannelStatus = "channel.status_changed"
	KindSessionStatus = "session.status_changed"
	KindAuthChanged   = "auth.state_changed"
	KindCacheUpdated  = "cache.updated"
	KindMsgSending    = "message.sending"
	KindMsgSent       = "message.sent"
	KindMsgSendFailed = "message.send_failed"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
