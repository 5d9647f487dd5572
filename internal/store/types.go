package store

import (
	"slices"

	"github.com/matheus3301/imcore/internal/errs"
)

// SessionType identifies the kind of conversation a session represents.
type SessionType string

const (
	P2P       SessionType = "p2p"
	Team      SessionType = "team"
	SuperTeam SessionType = "superTeam"
	ChatRoom  SessionType = "chatRoom"
	System    SessionType = "system"
)

var sessionTypes = []SessionType{P2P, Team, SuperTeam, ChatRoom, System}

// Valid reports whether t is a recognized session type.
func (t SessionType) Valid() bool {
	return slices.Contains(sessionTypes, t)
}

// IsGroup reports whether receipts for t are tracked per account.
func (t SessionType) IsGroup() bool {
	return t == Team || t == SuperTeam
}

// SessionKey identifies a conversation.
type SessionKey struct {
	ID   string      `json:"sessionId"`
	Type SessionType `json:"sessionType"`
}

// String renders the key as "type|id".
func (k SessionKey) String() string {
	return string(k.Type) + "|" + k.ID
}

// Validate rejects keys with an empty id or unrecognized type.
func (k SessionKey) Validate(op string) error {
	if k.ID == "" {
		return errs.Invalid(op, "session id is required")
	}
	if !k.Type.Valid() {
		return errs.Invalid(op, "unknown session type %q", k.Type)
	}
	return nil
}

// MsgType is the payload kind of a message.
type MsgType string

const (
	Text         MsgType = "text"
	Image        MsgType = "image"
	Audio        MsgType = "audio"
	Video        MsgType = "video"
	File         MsgType = "file"
	Location     MsgType = "location"
	Custom       MsgType = "custom"
	Notification MsgType = "notification"
	Tip          MsgType = "tip"
	Robot        MsgType = "robot"
)

var msgTypes = []MsgType{Text, Image, Audio, Video, File, Location, Custom, Notification, Tip, Robot}

func (t MsgType) Valid() bool {
	return slices.Contains(msgTypes, t)
}

// Status is the stored delivery/read status of a message.
type Status string

const (
	StatusSending Status = "sending"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
	StatusRead    Status = "read"
	StatusUnread  Status = "unread"
)

// Direction tells whether a message was sent or received by this account.
type Direction string

const (
	Out Direction = "out"
	In  Direction = "in"
)

// Attachment describes a non-text payload.
type Attachment struct {
	Name     string  `json:"name,omitempty"`
	Path     string  `json:"path,omitempty"`
	URL      string  `json:"url,omitempty"`
	MD5      string  `json:"md5,omitempty"`
	Ext      string  `json:"ext,omitempty"`
	Size     int64   `json:"size,omitempty"`
	Width    int     `json:"width,omitempty"`
	Height   int     `json:"height,omitempty"`
	Duration int64   `json:"duration,omitempty"`
	Lat      float64 `json:"lat,omitempty"`
	Lng      float64 `json:"lng,omitempty"`
	Title    string  `json:"title,omitempty"`
	Data     string  `json:"data,omitempty"`
}

// MessageConfig carries per-message delivery switches.
type MessageConfig struct {
	EnableHistory     bool `json:"enableHistory"`
	EnableRoaming     bool `json:"enableRoaming"`
	EnableSelfSync    bool `json:"enableSelfSync"`
	EnablePush        bool `json:"enablePush"`
	EnableUnreadCount bool `json:"enableUnreadCount"`
	EnablePersist     bool `json:"enablePersist"`
}

// DefaultMessageConfig enables everything.
func DefaultMessageConfig() *MessageConfig {
	return &MessageConfig{
		EnableHistory:     true,
		EnableRoaming:     true,
		EnableSelfSync:    true,
		EnablePush:        true,
		EnableUnreadCount: true,
		EnablePersist:     true,
	}
}

// Message is a stored chat message.
type Message struct {
	ID          int64          `json:"-"`
	UUID        string         `json:"uuid"`
	ServerID    string         `json:"serverId,omitempty"`
	Session     SessionKey     `json:"session"`
	FromAccount string         `json:"fromAccount"`
	FromNick    string         `json:"fromNick,omitempty"`
	Type        MsgType        `json:"type"`
	Status      Status         `json:"status"`
	Direction   Direction      `json:"direction"`
	Content     string         `json:"content,omitempty"`
	Attachment  *Attachment    `json:"attachment,omitempty"`
	Time        int64          `json:"time"`
	AckCount    int            `json:"ackCount"`
	UnackCount  int            `json:"unackCount"`
	Revoked     bool           `json:"revoked,omitempty"`
	ReplyUUID   string         `json:"replyUuid,omitempty"`
	ThreadUUID  string         `json:"threadUuid,omitempty"`
	RemoteExt   map[string]any `json:"remoteExt,omitempty"`
	LocalExt    map[string]any `json:"localExt,omitempty"`
	PushContent string         `json:"pushContent,omitempty"`
	PushPayload map[string]any `json:"pushPayload,omitempty"`
	Config      *MessageConfig `json:"config,omitempty"`
}

// CountsUnread reports whether an inbound copy of m should bump unread.
func (m *Message) CountsUnread() bool {
	return m.Config == nil || m.Config.EnableUnreadCount
}

// Session is a recent-contact row, one per conversation.
type Session struct {
	Key             SessionKey `json:"session"`
	LastMsgUUID     string     `json:"lastMsgUuid,omitempty"`
	LastMsgServerID string     `json:"lastMsgServerId,omitempty"`
	LastMsgType     MsgType    `json:"lastMsgType,omitempty"`
	LastMsgStatus   Status     `json:"lastMsgStatus,omitempty"`
	LastContent     string     `json:"lastContent,omitempty"`
	LastFrom        string     `json:"lastFrom,omitempty"`
	LastMsgTime     int64      `json:"lastMsgTime"`
	Unread          int        `json:"unread"`
	Tag             int64      `json:"tag"`
	Extension       string     `json:"extension,omitempty"`
	UpdateTime      int64      `json:"updateTime"`
}

// TagMuted marks a session whose unread count is excluded from notify totals.
const TagMuted int64 = 1

// UnreadFilter selects which sessions contribute to a total unread count.
type UnreadFilter int

const (
	UnreadAll UnreadFilter = iota
	UnreadNotifyOnly
	UnreadMutedOnly
)

// Pin is a message pinned in a session.
type Pin struct {
	Session     SessionKey `json:"session"`
	MsgUUID     string     `json:"msgUuid"`
	MsgServerID string     `json:"msgServerId,omitempty"`
	MsgFrom     string     `json:"msgFrom,omitempty"`
	MsgTo       string     `json:"msgTo,omitempty"`
	MsgTime     int64      `json:"msgTime"`
	Operator    string     `json:"operator"`
	Ext         string     `json:"ext,omitempty"`
	CreateTime  int64      `json:"createTime"`
	UpdateTime  int64      `json:"updateTime"`
}

// PinChange is one delta of a pin sync.
type PinChange struct {
	Pin     Pin  `json:"pin"`
	Removed bool `json:"removed,omitempty"`
}

// PinView is a pin joined with display fields of the pinned message.
type PinView struct {
	Pin
	Found      bool    `json:"found"`
	SenderNick string  `json:"senderNick,omitempty"`
	Content    string  `json:"content,omitempty"`
	MsgType    MsgType `json:"msgType,omitempty"`
}

// Sticky marks a session pinned to the top of the session list.
type Sticky struct {
	Session    SessionKey `json:"session"`
	Ext        string     `json:"ext,omitempty"`
	CreateTime int64      `json:"createTime"`
	UpdateTime int64      `json:"updateTime"`
}

// Receipt holds read markers for a session.
type Receipt struct {
	Session      SessionKey `json:"session"`
	ReadTime     int64      `json:"readTime"`
	PeerReadTime int64      `json:"peerReadTime"`
}

// SearchResult holds a message matching a keyword search.
type SearchResult struct {
	Message Message `json:"message"`
	Snippet string  `json:"snippet"`
}
