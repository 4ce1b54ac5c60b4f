// Package natsbus delivers artifacts by publishing them to NATS subjects.
package natsbus

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/phillus33/shotrelay/internal/delivery"
)

// DefaultFlushTimeout bounds the wait for the server to acknowledge a
// publish.
const DefaultFlushTimeout = 5 * time.Second

// Header keys set on every published artifact.
const (
	HeaderName = "Shotrelay-Name"
	HeaderSeq  = "Shotrelay-Seq"
	HeaderID   = "Shotrelay-Id"
)

// Conn is the part of *nats.Conn the client needs.
type Conn interface {
	PublishMsg(m *nats.Msg) error
	FlushWithContext(ctx context.Context) error
}

// Config configures the NATS client.
type Config struct {
	Conn Conn
	// Subjects maps destinations to subjects.
	Subjects     map[delivery.Destination]string
	FlushTimeout time.Duration
}

type Client struct {
	conn         Conn
	subjects     map[delivery.Destination]string
	flushTimeout time.Duration
}

func New(cfg Config) (*Client, error) {
	if cfg.Conn == nil {
		return nil, errors.New("natsbus client requires a connection")
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = DefaultFlushTimeout
	}
	return &Client{conn: cfg.Conn, subjects: cfg.Subjects, flushTimeout: cfg.FlushTimeout}, nil
}

// Send publishes payload and flushes, so a nil error means the server has
// the message rather than just the client's reconnect buffer.
func (c *Client) Send(ctx context.Context, dest delivery.Destination, a delivery.Artifact, payload []byte) delivery.Outcome {
	subject, ok := c.subjects[dest]
	if !ok {
		return delivery.PermanentFailure(fmt.Errorf("natsbus: no subject configured for destination %q", dest))
	}

	msg := nats.NewMsg(subject)
	msg.Data = payload
	msg.Header.Set(HeaderName, a.Name)
	msg.Header.Set(HeaderID, a.ID)
	msg.Header.Set(HeaderSeq, strconv.FormatInt(a.Seq, 10))

	if err := c.conn.PublishMsg(msg); err != nil {
		return Classify(fmt.Errorf("natsbus: publish: %w", err))
	}

	flushCtx, cancel := context.WithTimeout(ctx, c.flushTimeout)
	defer cancel()
	if err := c.conn.FlushWithContext(flushCtx); err != nil {
		return Classify(fmt.Errorf("natsbus: flush: %w", err))
	}
	return delivery.Delivered()
}

// permanentErrors are rejected by the client or server no matter how often
// they are retried.
var permanentErrors = []error{
	nats.ErrMaxPayload,
	nats.ErrBadSubject,
	nats.ErrInvalidMsg,
	nats.ErrHeadersNotSupported,
	nats.ErrAuthorization,
	nats.ErrPermissionViolation,
}

// Classify maps publish errors onto outcomes. Connection loss, timeouts and
// slow consumers are transient, as is anything not listed above.
func Classify(err error) delivery.Outcome {
	if err == nil {
		return delivery.Delivered()
	}
	for _, perm := range permanentErrors {
		if errors.Is(err, perm) {
			return delivery.PermanentFailure(err)
		}
	}
	return delivery.OutcomeFromError(err)
}

var _ delivery.Client = (*Client)(nil)
