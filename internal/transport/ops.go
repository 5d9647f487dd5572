package transport

import (
	"context"

	"github.com/matheus3301/imcore/internal/store"
)

// SendMessage delivers m and returns the server-assigned fields.
func (c *Client) SendMessage(ctx context.Context, m *store.Message) (Ack, error) {
	var ack Ack
	err := c.call(ctx, "msg.send", m, &ack)
	return ack, err
}

// RevokeMessage revokes a delivered message.
func (c *Client) RevokeMessage(ctx context.Context, m *store.Message, opts RevokeOptions) error {
	return c.call(ctx, "msg.revoke", struct {
		Message *store.Message `json:"message"`
		RevokeOptions
	}{m, opts}, nil)
}

// DeleteRemote removes this account's server copy of m.
func (c *Client) DeleteRemote(ctx context.Context, m *store.Message) error {
	return c.call(ctx, "msg.delete", struct {
		UUID     string           `json:"uuid"`
		ServerID string           `json:"serverId"`
		Session  store.SessionKey `json:"session"`
	}{m.UUID, m.ServerID, m.Session}, nil)
}

// ClearRemote clears the server-side history of a session for this account.
func (c *Client) ClearRemote(ctx context.Context, key store.SessionKey) error {
	return c.call(ctx, "msg.clear", key, nil)
}

// PullHistory reads a page of server-side history.
func (c *Client) PullHistory(ctx context.Context, q HistoryQuery) ([]store.Message, error) {
	var msgs []store.Message
	err := c.call(ctx, "msg.history", q, &msgs)
	return msgs, err
}

// SendReceipt acknowledges a peer-to-peer session as read up to m.
func (c *Client) SendReceipt(ctx context.Context, key store.SessionKey, m *store.Message) error {
	return c.call(ctx, "receipt.p2p", struct {
		Session  store.SessionKey `json:"session"`
		UUID     string           `json:"uuid"`
		ServerID string           `json:"serverId"`
		Time     int64            `json:"time"`
	}{key, m.UUID, m.ServerID, m.Time}, nil)
}

// SendTeamReceipt acknowledges a single team message as read.
func (c *Client) SendTeamReceipt(ctx context.Context, m *store.Message) error {
	return c.call(ctx, "receipt.team", struct {
		Session  store.SessionKey `json:"session"`
		UUID     string           `json:"uuid"`
		ServerID string           `json:"serverId"`
	}{m.Session, m.UUID, m.ServerID}, nil)
}

// FetchTeamReceiptDetail asks who has and has not read a team message.
// A non-empty accounts list restricts the answer to those members.
func (c *Client) FetchTeamReceiptDetail(ctx context.Context, m *store.Message, accounts []string) (TeamAckInfo, error) {
	var info TeamAckInfo
	err := c.call(ctx, "receipt.team_detail", struct {
		Session  store.SessionKey `json:"session"`
		UUID     string           `json:"uuid"`
		ServerID string           `json:"serverId"`
		Accounts []string         `json:"accounts,omitempty"`
	}{m.Session, m.UUID, m.ServerID, accounts}, &info)
	return info, err
}

type pinRequest struct {
	Session  store.SessionKey `json:"session"`
	UUID     string           `json:"uuid"`
	ServerID string           `json:"serverId"`
	From     string           `json:"from"`
	Time     int64            `json:"time"`
	Ext      string           `json:"ext,omitempty"`
}

type timeReply struct {
	Time int64 `json:"time"`
}

func (c *Client) pinCall(ctx context.Context, op string, m *store.Message, ext string) (int64, error) {
	var r timeReply
	err := c.call(ctx, op, pinRequest{m.Session, m.UUID, m.ServerID, m.FromAccount, m.Time, ext}, &r)
	return r.Time, err
}

// AddPin pins m and returns the server time of the change.
func (c *Client) AddPin(ctx context.Context, m *store.Message, ext string) (int64, error) {
	return c.pinCall(ctx, "pin.add", m, ext)
}

// UpdatePin changes the extension of an existing pin.
func (c *Client) UpdatePin(ctx context.Context, m *store.Message, ext string) (int64, error) {
	return c.pinCall(ctx, "pin.update", m, ext)
}

// RemovePin unpins m.
func (c *Client) RemovePin(ctx context.Context, m *store.Message, ext string) (int64, error) {
	return c.pinCall(ctx, "pin.remove", m, ext)
}

// SyncPins returns every pin change of a session newer than since.
func (c *Client) SyncPins(ctx context.Context, key store.SessionKey, since int64) (PinSync, error) {
	var out PinSync
	err := c.call(ctx, "pin.sync", struct {
		Session store.SessionKey `json:"session"`
		Since   int64            `json:"since"`
	}{key, since}, &out)
	return out, err
}

// DeleteSession removes the server-side session entry.
func (c *Client) DeleteSession(ctx context.Context, key store.SessionKey, sendAck bool) error {
	return c.call(ctx, "session.delete", struct {
		Session store.SessionKey `json:"session"`
		SendAck bool             `json:"sendAck"`
	}{key, sendAck}, nil)
}

// AckSession tells the server the session was read up to t on this device.
func (c *Client) AckSession(ctx context.Context, key store.SessionKey, t int64) error {
	return c.call(ctx, "session.ack", struct {
		Session store.SessionKey `json:"session"`
		Time    int64            `json:"time"`
	}{key, t}, nil)
}

type stickyRequest struct {
	Session store.SessionKey `json:"session"`
	Ext     string           `json:"ext,omitempty"`
}

// AddSticky marks a session sticky on the server.
func (c *Client) AddSticky(ctx context.Context, key store.SessionKey, ext string) (store.Sticky, error) {
	var s store.Sticky
	err := c.call(ctx, "sticky.add", stickyRequest{key, ext}, &s)
	s.Session = key
	return s, err
}

// UpdateSticky changes the extension of a sticky session.
func (c *Client) UpdateSticky(ctx context.Context, key store.SessionKey, ext string) (store.Sticky, error) {
	var s store.Sticky
	err := c.call(ctx, "sticky.update", stickyRequest{key, ext}, &s)
	s.Session = key
	return s, err
}

// RemoveSticky unmarks a sticky session and returns the server time.
func (c *Client) RemoveSticky(ctx context.Context, key store.SessionKey) (int64, error) {
	var r timeReply
	err := c.call(ctx, "sticky.remove", stickyRequest{Session: key}, &r)
	return r.Time, err
}
