package notify

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/phillus33/shotrelay/internal/delivery"
)

// DefaultNATSSubject is the subject prefix status events are published
// under. The event kind is appended, e.g. shotrelay.status.delivered.
const DefaultNATSSubject = "shotrelay.status"

// NATS publishes events as JSON to a NATS subject per event kind.
type NATS struct {
	conn    *nats.Conn
	subject string
	log     *zap.Logger
}

func NewNATS(conn *nats.Conn, subject string, logger *zap.Logger) (*NATS, error) {
	if conn == nil {
		return nil, errors.New("nats notifier requires a connection")
	}
	if subject == "" {
		subject = DefaultNATSSubject
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NATS{conn: conn, subject: subject, log: logger}, nil
}

// Subject returns the subject an event of kind k is published on.
func (n *NATS) Subject(k delivery.EventKind) string {
	return n.subject + "." + string(k)
}

func (n *NATS) Notify(_ context.Context, e delivery.Event) {
	body, err := json.Marshal(e)
	if err != nil {
		n.log.Error("nats notifier: marshal event", zap.Error(err))
		return
	}
	if err := n.conn.Publish(n.Subject(e.Kind), body); err != nil {
		n.log.Warn("nats notifier: publish failed", zap.String("event", string(e.Kind)), zap.Error(err))
	}
}

var _ delivery.Observer = (*NATS)(nil)
