package bus

import "time"

// Event kinds published by the inbox components. Subscribers usually filter
// on the namespace prefix ("thread.", "message.", ...).
const (
	KindThreadsChanged  = "thread.changed"
	KindThreadSelected  = "thread.selected"
	KindMessageUpserted = "message.upserted"
	KindMessagesSeeded  = "message.seeded"
	KindSendAck         = "message.send_ack"
	KindSendFailed      = "message.send_failed"
	KindTypingChanged   = "typing.changed"
	KindPresenceChanged = "presence.changed"
	KindTransportStatus = "transport.status_changed"
	KindNoticeError     = "notice.error"
	KindNoticeAuth      = "notice.auth"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
