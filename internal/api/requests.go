package api

import (
	"strings"

	"github.com/matheus3301/imcore/internal/bus"
	"github.com/matheus3301/imcore/internal/errs"
	"github.com/matheus3301/imcore/internal/recent"
	"github.com/matheus3301/imcore/internal/store"
	"github.com/matheus3301/imcore/internal/transport"
)

const maxBatch = 200

func requireUUID(op, uuid string) error {
	if strings.TrimSpace(uuid) == "" {
		return errs.Invalid(op, "uuid is required")
	}
	return nil
}

func requireUUIDs(op string, uuids []string) error {
	if len(uuids) == 0 {
		return errs.Invalid(op, "at least one uuid is required")
	}
	if len(uuids) > maxBatch {
		return errs.Invalid(op, "at most %d uuids per call", maxBatch)
	}
	for _, u := range uuids {
		if err := requireUUID(op, u); err != nil {
			return err
		}
	}
	return nil
}

func msgTypes(op string, in []string) ([]store.MsgType, error) {
	out := make([]store.MsgType, 0, len(in))
	for _, s := range in {
		t := store.MsgType(s)
		if !t.Valid() {
			return nil, errs.Invalid(op, "unknown message type %q", s)
		}
		out = append(out, t)
	}
	return out, nil
}

// SessionRequest addresses one session.
type SessionRequest struct {
	Session store.SessionKey `json:"session"`
}

func (r *SessionRequest) Validate() error { return r.Session.Validate("api.Session") }

// UUIDRequest addresses one message.
type UUIDRequest struct {
	UUID string `json:"uuid"`
}

func (r *UUIDRequest) Validate() error { return requireUUID("api.UUID", r.UUID) }

// Empty takes no arguments.
type Empty struct{}

func (*Empty) Validate() error { return nil }

// SendRequest carries a new outbound message.
type SendRequest struct {
	Session     store.SessionKey     `json:"session"`
	UUID        string               `json:"uuid"`
	Type        string               `json:"type"`
	Content     string               `json:"content"`
	Attachment  *store.Attachment    `json:"attachment"`
	RemoteExt   map[string]any       `json:"remoteExt"`
	PushContent string               `json:"pushContent"`
	PushPayload map[string]any       `json:"pushPayload"`
	Config      *store.MessageConfig `json:"config"`
	ReplyTo     string               `json:"replyTo"`
}

func (r *SendRequest) Validate() error {
	const op = "api.Send"
	if r.ReplyTo == "" || r.Session != (store.SessionKey{}) {
		if err := r.Session.Validate(op); err != nil {
			return err
		}
	}
	if r.Type == "" {
		r.Type = string(store.Text)
	}
	if !store.MsgType(r.Type).Valid() {
		return errs.Invalid(op, "unknown message type %q", r.Type)
	}
	if r.Content == "" && r.Attachment == nil {
		return errs.Invalid(op, "content is required when there is no attachment")
	}
	return nil
}

// Message builds the message to send.
func (r *SendRequest) Message() *store.Message {
	return &store.Message{
		UUID:        r.UUID,
		Session:     r.Session,
		Type:        store.MsgType(r.Type),
		Content:     r.Content,
		Attachment:  r.Attachment,
		RemoteExt:   r.RemoteExt,
		PushContent: r.PushContent,
		PushPayload: r.PushPayload,
		Config:      r.Config,
	}
}

// RevokeRequest withdraws a delivered message.
type RevokeRequest struct {
	UUID    string                  `json:"uuid"`
	Options transport.RevokeOptions `json:"options"`
}

func (r *RevokeRequest) Validate() error { return requireUUID("api.Revoke", r.UUID) }

// ForwardRequest copies a message into another session.
type ForwardRequest struct {
	UUID   string           `json:"uuid"`
	Target store.SessionKey `json:"target"`
}

func (r *ForwardRequest) Validate() error {
	if err := requireUUID("api.Forward", r.UUID); err != nil {
		return err
	}
	return r.Target.Validate("api.Forward")
}

// QueryRequest reads a page of local history.
type QueryRequest struct {
	Session    store.SessionKey `json:"session"`
	Anchor     int64            `json:"anchor"`
	AnchorUUID string           `json:"anchorUuid"`
	Direction  string           `json:"direction"`
	Limit      int              `json:"limit"`
	Types      []string         `json:"types"`

	parsedTypes []store.MsgType
}

func (r *QueryRequest) Validate() error {
	const op = "api.Query"
	if err := r.Session.Validate(op); err != nil {
		return err
	}
	switch store.QueryDirection(r.Direction) {
	case "", store.Older, store.Newer:
	default:
		return errs.Invalid(op, "direction must be %q or %q", store.Older, store.Newer)
	}
	if r.Limit < 0 {
		return errs.Invalid(op, "limit must not be negative")
	}
	var err error
	r.parsedTypes, err = msgTypes(op, r.Types)
	return err
}

// Query converts the request into a store query.
func (r *QueryRequest) Query() store.MessageQuery {
	return store.MessageQuery{
		Session:    r.Session,
		Anchor:     r.Anchor,
		AnchorUUID: r.AnchorUUID,
		Direction:  store.QueryDirection(r.Direction),
		Limit:      r.Limit,
		Types:      r.parsedTypes,
	}
}

// UUIDsRequest addresses several messages.
type UUIDsRequest struct {
	UUIDs []string `json:"uuids"`
}

func (r *UUIDsRequest) Validate() error { return requireUUIDs("api.UUIDs", r.UUIDs) }

// DeleteRequest removes messages, optionally from the server too.
type DeleteRequest struct {
	UUIDs         []string `json:"uuids"`
	CascadeRemote bool     `json:"cascadeRemote"`
}

func (r *DeleteRequest) Validate() error { return requireUUIDs("api.Delete", r.UUIDs) }

// ClearRequest empties a session's history.
type ClearRequest struct {
	Session    store.SessionKey `json:"session"`
	AlsoRemote bool             `json:"alsoRemote"`
}

func (r *ClearRequest) Validate() error { return r.Session.Validate("api.Clear") }

// SearchRequest finds messages by keyword. A missing session searches all.
type SearchRequest struct {
	Keyword string            `json:"keyword"`
	Session *store.SessionKey `json:"session"`
	Limit   int               `json:"limit"`
}

func (r *SearchRequest) Validate() error {
	const op = "api.Search"
	if strings.TrimSpace(r.Keyword) == "" {
		return errs.Invalid(op, "keyword is required")
	}
	if r.Session != nil {
		return r.Session.Validate(op)
	}
	return nil
}

// PullHistoryRequest fetches remote history.
type PullHistoryRequest struct {
	Session   store.SessionKey `json:"session"`
	FromTime  int64            `json:"fromTime"`
	ToTime    int64            `json:"toTime"`
	Limit     int              `json:"limit"`
	Direction string           `json:"direction"`
	Types     []string         `json:"types"`
	Persist   bool             `json:"persist"`

	parsedTypes []store.MsgType
}

func (r *PullHistoryRequest) Validate() error {
	const op = "api.PullHistory"
	if err := r.Session.Validate(op); err != nil {
		return err
	}
	if r.ToTime > 0 && r.FromTime > r.ToTime {
		return errs.Invalid(op, "fromTime is after toTime")
	}
	switch store.QueryDirection(r.Direction) {
	case "", store.Older, store.Newer:
	default:
		return errs.Invalid(op, "direction must be %q or %q", store.Older, store.Newer)
	}
	var err error
	r.parsedTypes, err = msgTypes(op, r.Types)
	return err
}

// Query converts the request into a transport query.
func (r *PullHistoryRequest) Query() transport.HistoryQuery {
	return transport.HistoryQuery{
		Session:   r.Session,
		FromTime:  r.FromTime,
		ToTime:    r.ToTime,
		Limit:     r.Limit,
		Direction: store.QueryDirection(r.Direction),
		Types:     r.parsedTypes,
	}
}

// SaveLocalRequest stores a message without sending it.
type SaveLocalRequest struct {
	Session     store.SessionKey  `json:"session"`
	UUID        string            `json:"uuid"`
	FromAccount string            `json:"fromAccount"`
	Type        string            `json:"type"`
	Content     string            `json:"content"`
	Attachment  *store.Attachment `json:"attachment"`
	Time        int64             `json:"time"`
	LocalExt    map[string]any    `json:"localExt"`
	Notify      bool              `json:"notify"`
}

func (r *SaveLocalRequest) Validate() error {
	const op = "api.SaveLocal"
	if err := r.Session.Validate(op); err != nil {
		return err
	}
	if r.FromAccount == "" {
		return errs.Invalid(op, "fromAccount is required")
	}
	if r.Type != "" && !store.MsgType(r.Type).Valid() {
		return errs.Invalid(op, "unknown message type %q", r.Type)
	}
	return nil
}

// Message builds the message to store.
func (r *SaveLocalRequest) Message() *store.Message {
	return &store.Message{
		UUID:        r.UUID,
		Session:     r.Session,
		FromAccount: r.FromAccount,
		Type:        store.MsgType(r.Type),
		Content:     r.Content,
		Attachment:  r.Attachment,
		Time:        r.Time,
		LocalExt:    r.LocalExt,
	}
}

// LocalExtRequest replaces a message's local extension.
type LocalExtRequest struct {
	UUID     string         `json:"uuid"`
	LocalExt map[string]any `json:"localExt"`
}

func (r *LocalExtRequest) Validate() error { return requireUUID("api.UpdateLocalExtension", r.UUID) }

// ThreadRequest reads a reply thread.
type ThreadRequest struct {
	UUID  string `json:"uuid"`
	Limit int    `json:"limit"`
}

func (r *ThreadRequest) Validate() error { return requireUUID("api.Thread", r.UUID) }

// CreateEmptyRequest creates a session with no history.
type CreateEmptyRequest struct {
	Session           store.SessionKey `json:"session"`
	Tag               int64            `json:"tag"`
	Time              int64            `json:"time"`
	LinkToLastMessage bool             `json:"linkToLastMessage"`
}

func (r *CreateEmptyRequest) Validate() error { return r.Session.Validate("api.CreateEmpty") }

// ListSessionsRequest lists recent sessions.
type ListSessionsRequest struct {
	Limit        int      `json:"limit"`
	ExcludeTypes []string `json:"excludeTypes"`
	WithSticky   bool     `json:"withSticky"`

	parsedExclude []store.MsgType
}

func (r *ListSessionsRequest) Validate() error {
	var err error
	r.parsedExclude, err = msgTypes("api.ListSessions", r.ExcludeTypes)
	return err
}

// UpdateSessionRequest replaces tag and extension.
type UpdateSessionRequest struct {
	Session   store.SessionKey `json:"session"`
	Tag       int64            `json:"tag"`
	Extension string           `json:"extension"`
	Notify    bool             `json:"notify"`
}

func (r *UpdateSessionRequest) Validate() error { return r.Session.Validate("api.UpdateSession") }

// DeleteSessionRequest deletes a session locally, remotely or both.
type DeleteSessionRequest struct {
	Session store.SessionKey `json:"session"`
	Mode    string           `json:"mode"`
	SendAck bool             `json:"sendAck"`
}

func (r *DeleteSessionRequest) Validate() error {
	const op = "api.DeleteSession"
	if err := r.Session.Validate(op); err != nil {
		return err
	}
	switch recent.DeleteMode(r.Mode) {
	case "":
		r.Mode = string(recent.DeleteLocal)
	case recent.DeleteLocal, recent.DeleteRemote, recent.DeleteBoth:
	default:
		return errs.Invalid(op, "mode must be local, remote or both")
	}
	return nil
}

// ClearUnreadRequest resets unread for a batch of sessions.
type ClearUnreadRequest struct {
	Sessions []store.SessionKey `json:"sessions"`
}

func (r *ClearUnreadRequest) Validate() error {
	if len(r.Sessions) == 0 {
		return errs.Invalid("api.ClearUnread", "at least one session is required")
	}
	if len(r.Sessions) > maxBatch {
		return errs.Invalid("api.ClearUnread", "at most %d sessions per call", maxBatch)
	}
	return nil
}

// TotalUnreadRequest selects which sessions count.
type TotalUnreadRequest struct {
	Filter string `json:"filter"`

	parsedFilter store.UnreadFilter
}

func (r *TotalUnreadRequest) Validate() error {
	switch r.Filter {
	case "", "all":
		r.parsedFilter = store.UnreadAll
	case "notifyOnly":
		r.parsedFilter = store.UnreadNotifyOnly
	case "muted":
		r.parsedFilter = store.UnreadMutedOnly
	default:
		return errs.Invalid("api.TotalUnread", "filter must be all, notifyOnly or muted")
	}
	return nil
}

// StickyRequest adds or updates a sticky session.
type StickyRequest struct {
	Session store.SessionKey `json:"session"`
	Ext     string           `json:"ext"`
}

func (r *StickyRequest) Validate() error { return r.Session.Validate("api.Sticky") }

// PinRequest pins, updates or unpins a message.
type PinRequest struct {
	UUID string `json:"uuid"`
	Ext  string `json:"ext"`
}

func (r *PinRequest) Validate() error { return requireUUID("api.Pin", r.UUID) }

// ReceiptRequest marks a p2p session read up to a message.
type ReceiptRequest struct {
	Session store.SessionKey `json:"session"`
	UUID    string           `json:"uuid"`
}

func (r *ReceiptRequest) Validate() error {
	const op = "api.SendReceipt"
	if err := r.Session.Validate(op); err != nil {
		return err
	}
	if r.Session.Type != store.P2P {
		return errs.Invalid(op, "read receipts apply to p2p sessions")
	}
	return requireUUID(op, r.UUID)
}

// TeamReceiptDetailRequest asks who read a team message.
type TeamReceiptDetailRequest struct {
	UUID     string   `json:"uuid"`
	Accounts []string `json:"accounts"`
}

func (r *TeamReceiptDetailRequest) Validate() error {
	return requireUUID("api.FetchTeamReceiptDetail", r.UUID)
}

// WatchRequest selects the events to stream by kind prefix.
type WatchRequest struct {
	Namespace string `json:"namespace"`
}

func (r *WatchRequest) Validate() error {
	if strings.HasPrefix(r.Namespace, bus.RemoteNamespace) {
		return errs.Invalid("api.Watch", "namespace %q is internal", r.Namespace)
	}
	return nil
}
