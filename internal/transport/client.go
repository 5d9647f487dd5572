package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/matheus3301/imcore/internal/bus"
	"github.com/matheus3301/imcore/internal/errs"
	"github.com/matheus3301/imcore/internal/metrics"
	"github.com/matheus3301/imcore/internal/status"
	"github.com/matheus3301/imcore/internal/store"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// CodeOK is the reply code of a successful remote call.
const CodeOK = 200

// Config configures the NATS connection to the messaging backend.
type Config struct {
	URL            string
	Name           string
	SubjectPrefix  string
	Account        string
	RequestTimeout time.Duration
	ReconnectWait  time.Duration
}

// Sink accepts decoded backend pushes. Push may block to apply backpressure.
type Sink interface {
	Push(ctx context.Context, kind bus.Kind, payload any) error
}

// Client talks to the messaging backend over NATS request/reply and hands
// backend pushes to a Sink.
type Client struct {
	cfg     Config
	nc      *nats.Conn
	sub     *nats.Subscription
	machine *status.Machine
	logger  *zap.Logger
}

type request struct {
	Account string `json:"account"`
	Data    any    `json:"data,omitempty"`
}

type reply struct {
	Code    int             `json:"code"`
	Message string          `json:"message,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Dial connects to the backend. The connection retries in the background, so
// Dial succeeds while the backend is unreachable; link state is reported on machine.
func Dial(cfg Config, machine *status.Machine, logger *zap.Logger) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("transport url missing")
	}
	if cfg.Account == "" {
		return nil, fmt.Errorf("transport account missing")
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = "im"
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 5 * time.Second
	}
	if cfg.ReconnectWait == 0 {
		cfg.ReconnectWait = 500 * time.Millisecond
	}

	c := &Client{cfg: cfg, machine: machine, logger: logger}
	c.transition(status.Connecting)

	nc, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.Timeout(cfg.RequestTimeout),
		nats.RetryOnFailedConnect(true),
		nats.ConnectHandler(func(*nats.Conn) {
			logger.Info("transport connected")
			c.transition(status.Ready)
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("transport disconnected", zap.Error(err))
			c.transition(status.Reconnecting)
		}),
		nats.ReconnectHandler(func(*nats.Conn) {
			logger.Info("transport reconnected")
			c.transition(status.Ready)
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			c.transition(status.Error)
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			if errors.Is(err, nats.ErrSlowConsumer) {
				metrics.RecordPushDrop("slow_consumer")
			}
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			logger.Error("transport async error", zap.String("subject", subject), zap.Error(err))
		}),
	)
	if err != nil {
		c.transition(status.Error)
		return nil, fmt.Errorf("connect transport: %w", err)
	}
	c.nc = nc
	if nc.IsConnected() {
		c.transition(status.Ready)
	}
	return c, nil
}

func (c *Client) transition(to status.State) {
	if c.machine == nil || c.machine.Current() == to {
		return
	}
	if err := c.machine.Transition(to); err != nil {
		c.logger.Debug("link transition skipped", zap.Error(err))
	}
}

// Listen subscribes to this account's push subject and hands every decoded
// push to sink on the subscription goroutine, one at a time.
func (c *Client) Listen(sink Sink) error {
	sub, err := c.nc.Subscribe(c.subject("push", c.cfg.Account), func(msg *nats.Msg) {
		c.deliver(sink, msg.Data)
	})
	if err != nil {
		return fmt.Errorf("subscribe push: %w", err)
	}
	c.sub = sub
	return nil
}

func (c *Client) deliver(sink Sink, data []byte) {
	kind, payload, err := DecodePush(data)
	if err != nil {
		metrics.RecordPushDrop("malformed")
		c.logger.Warn("dropping malformed push", zap.Error(err))
		return
	}
	if err := sink.Push(context.Background(), kind, payload); err != nil {
		metrics.RecordPushDrop("rejected")
		c.logger.Error("push not accepted", zap.String("kind", string(kind)), zap.Error(err))
	}
}

// Close unsubscribes and closes the connection.
func (c *Client) Close() {
	if c.sub != nil {
		_ = c.sub.Unsubscribe()
	}
	if c.nc != nil {
		c.nc.Close()
	}
}

func (c *Client) subject(kind, name string) string {
	return c.cfg.SubjectPrefix + "." + kind + "." + name
}

func (c *Client) call(ctx context.Context, op string, data any, out any) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.RequestTimeout)
		defer cancel()
	}
	body, err := json.Marshal(request{Account: c.cfg.Account, Data: data})
	if err != nil {
		return fmt.Errorf("%s: encode request: %w", op, err)
	}

	start := time.Now()
	msg, err := c.nc.RequestWithContext(ctx, c.subject("rpc", op), body)
	if err != nil {
		metrics.RecordTransport(op, "exception", time.Since(start).Seconds())
		return errs.Exception(op, err)
	}
	err = decodeReply(op, msg.Data, out)
	result := "ok"
	if err != nil {
		result = errs.KindOf(err).String()
	}
	metrics.RecordTransport(op, result, time.Since(start).Seconds())
	return err
}

func decodeReply(op string, data []byte, out any) error {
	var r reply
	if err := json.Unmarshal(data, &r); err != nil {
		return errs.Exception(op, fmt.Errorf("decode reply: %w", err))
	}
	if r.Code != CodeOK {
		return errs.Failure(op, r.Code, r.Message)
	}
	if out == nil || len(r.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Data, out); err != nil {
		return errs.Exception(op, fmt.Errorf("decode reply data: %w", err))
	}
	return nil
}

type push struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// DecodePush maps a backend push onto its bus kind and typed payload.
func DecodePush(data []byte) (bus.Kind, any, error) {
	var p push
	if err := json.Unmarshal(data, &p); err != nil {
		return "", nil, fmt.Errorf("decode push: %w", err)
	}

	var (
		kind    bus.Kind
		payload any
	)
	switch p.Kind {
	case "message":
		kind, payload = bus.RemoteMessage, &store.Message{}
	case "receipt":
		kind, payload = bus.RemoteReceipt, &ReceiptPush{}
	case "team_receipt":
		kind, payload = bus.RemoteTeamReceipt, &TeamAckInfo{}
	case "revoke":
		kind, payload = bus.RemoteRevoke, &RevokePush{}
	case "pin":
		kind, payload = bus.RemotePin, &PinPush{}
	case "sticky":
		kind, payload = bus.RemoteSticky, &StickyPush{}
	default:
		return "", nil, fmt.Errorf("unknown push kind %q", p.Kind)
	}
	if err := json.Unmarshal(p.Data, payload); err != nil {
		return "", nil, fmt.Errorf("decode %s push: %w", p.Kind, err)
	}
	return kind, payload, nil
}
