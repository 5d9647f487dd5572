package bus

import (
	"slices"
	"time"
)

// Kind names an event. The set is closed: producers only publish the
// constants below.
type Kind string

// Events streamed to clients.
const (
	MessageReceived      Kind = "message.received"
	MessageStatusChanged Kind = "message.status_changed"
	MessageRevoked       Kind = "message.revoked"
	MessageDeleted       Kind = "message.deleted"
	ReceiptReceived      Kind = "receipt.received"
	TeamReceiptReceived  Kind = "receipt.team"
	SessionUpdated       Kind = "session.updated"
	SessionDeleted       Kind = "session.deleted"
	PinAdded             Kind = "pin.added"
	PinRemoved           Kind = "pin.removed"
	PinUpdated           Kind = "pin.updated"
	StickyAdded          Kind = "sticky.added"
	StickyRemoved        Kind = "sticky.removed"
	StickyUpdated        Kind = "sticky.updated"
	StickySynced         Kind = "sticky.synced"
	LinkStatusChanged    Kind = "link.status_changed"
)

// Pushes from the transport, consumed by the ingestion engine only.
const (
	RemoteMessage     Kind = "remote.message"
	RemoteReceipt     Kind = "remote.receipt"
	RemoteTeamReceipt Kind = "remote.team_receipt"
	RemoteRevoke      Kind = "remote.revoke"
	RemotePin         Kind = "remote.pin"
	RemoteSticky      Kind = "remote.sticky"
)

// RemoteNamespace prefixes every transport push kind.
const RemoteNamespace = "remote."

var kinds = []Kind{
	MessageReceived, MessageStatusChanged, MessageRevoked, MessageDeleted,
	ReceiptReceived, TeamReceiptReceived, SessionUpdated, SessionDeleted,
	PinAdded, PinRemoved, PinUpdated,
	StickyAdded, StickyRemoved, StickyUpdated, StickySynced,
	LinkStatusChanged,
	RemoteMessage, RemoteReceipt, RemoteTeamReceipt, RemoteRevoke, RemotePin, RemoteSticky,
}

// Valid reports whether k is one of the declared kinds.
func (k Kind) Valid() bool {
	return slices.Contains(kinds, k)
}

// Public reports whether k may be streamed outside the process.
func (k Kind) Public() bool {
	return k.Valid() && !k.hasPrefix(RemoteNamespace)
}

func (k Kind) hasPrefix(ns string) bool {
	return len(k) >= len(ns) && string(k[:len(ns)]) == ns
}

// Event represents a domain event published on the bus.
type Event struct {
	Kind      Kind
	Timestamp time.Time
	Payload   any
}
