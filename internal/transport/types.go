package transport

import "github.com/matheus3301/imcore/internal/store"

// Ack carries the fields the server assigns to a delivered message.
type Ack struct {
	ServerID string `json:"serverId"`
	Time     int64  `json:"time"`
}

// RevokeOptions are operator overrides sent with a revoke.
type RevokeOptions struct {
	CustomApnsText      string         `json:"customApnsText,omitempty"`
	PushPayload         map[string]any `json:"pushPayload,omitempty"`
	ShouldNotifyBeCount bool           `json:"shouldNotifyBeCount"`
	Postscript          string         `json:"postscript,omitempty"`
	Attach              string         `json:"attach,omitempty"`
}

// HistoryQuery asks the server for a page of a session's history.
type HistoryQuery struct {
	Session   store.SessionKey     `json:"session"`
	FromTime  int64                `json:"fromTime"`
	ToTime    int64                `json:"toTime"`
	Limit     int                  `json:"limit"`
	Direction store.QueryDirection `json:"direction"`
	Types     []store.MsgType      `json:"types,omitempty"`
}

// PinSync is the answer to a pin sync: every change newer than the requested
// checkpoint and the server time the answer is valid at.
type PinSync struct {
	Time    int64             `json:"time"`
	Changes []store.PinChange `json:"changes"`
}

// TeamAckInfo is the server's view of who read a team message.
type TeamAckInfo struct {
	TeamID           string   `json:"teamId"`
	MsgUUID          string   `json:"msgUuid"`
	MsgServerID      string   `json:"msgServerId"`
	NewReaderAccount string   `json:"newReaderAccount,omitempty"`
	AckCount         int      `json:"ackCount"`
	UnackCount       int      `json:"unackCount"`
	AckAccounts      []string `json:"ackAccounts,omitempty"`
	UnackAccounts    []string `json:"unackAccounts,omitempty"`
}

// ReceiptPush tells us the peer has read our messages up to Time.
type ReceiptPush struct {
	Session store.SessionKey `json:"session"`
	Time    int64            `json:"time"`
}

// RevokePush reports a message revoked on another device or by the peer.
type RevokePush struct {
	UUID       string           `json:"uuid"`
	Session    store.SessionKey `json:"session"`
	Operator   string           `json:"operator"`
	Postscript string           `json:"postscript,omitempty"`
}

// Change operations carried by pin and sticky pushes.
const (
	OpAdded   = "added"
	OpUpdated = "updated"
	OpRemoved = "removed"
	OpSynced  = "synced"
)

// PinPush reports a pin changed elsewhere.
type PinPush struct {
	Op  string    `json:"op"`
	Pin store.Pin `json:"pin"`
}

// StickyPush reports a sticky session change. Op "synced" carries the whole set in All.
type StickyPush struct {
	Op     string         `json:"op"`
	Sticky store.Sticky   `json:"sticky"`
	All    []store.Sticky `json:"all,omitempty"`
}
