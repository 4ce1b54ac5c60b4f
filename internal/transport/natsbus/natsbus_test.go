package natsbus

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/phillus33/shotrelay/internal/delivery"
)

type fakeConn struct {
	published  []*nats.Msg
	publishErr error
	flushErr   error
}

func (f *fakeConn) PublishMsg(m *nats.Msg) error {
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published = append(f.published, m)
	return nil
}

func (f *fakeConn) FlushWithContext(ctx context.Context) error {
	if _, ok := ctx.Deadline(); !ok {
		return errors.New("flush needs a deadline")
	}
	return f.flushErr
}

func testArtifact() delivery.Artifact {
	return delivery.Artifact{ID: "00000000000007", Seq: 7, Name: "screenshot_00000000000007.png"}
}

func TestSend_PublishesWithHeaders(t *testing.T) {
	conn := &fakeConn{}
	c, err := New(Config{Conn: conn, Subjects: map[delivery.Destination]string{"ops": "captures.ops"}})
	if err != nil {
		t.Fatal(err)
	}

	out := c.Send(context.Background(), "ops", testArtifact(), []byte("data"))
	if out.Kind != delivery.OutcomeDelivered {
		t.Fatalf("Expected delivered, got %v: %v", out.Kind, out.Err)
	}
	if len(conn.published) != 1 {
		t.Fatalf("Expected 1 publish, got %d", len(conn.published))
	}
	m := conn.published[0]
	if m.Subject != "captures.ops" || string(m.Data) != "data" {
		t.Errorf("Unexpected message %s %q", m.Subject, m.Data)
	}
	if m.Header.Get(HeaderSeq) != "7" || m.Header.Get(HeaderName) != "screenshot_00000000000007.png" {
		t.Errorf("Unexpected headers %v", m.Header)
	}
}

func TestSend_Classification(t *testing.T) {
	tests := []struct {
		name     string
		conn     *fakeConn
		dest     delivery.Destination
		expected delivery.OutcomeKind
	}{
		{"max payload", &fakeConn{publishErr: nats.ErrMaxPayload}, "ops", delivery.OutcomePermanent},
		{"bad subject", &fakeConn{publishErr: nats.ErrBadSubject}, "ops", delivery.OutcomePermanent},
		{"connection closed", &fakeConn{publishErr: nats.ErrConnectionClosed}, "ops", delivery.OutcomeTransient},
		{"flush timeout", &fakeConn{flushErr: nats.ErrTimeout}, "ops", delivery.OutcomeTransient},
		{"flush wrapped permission", &fakeConn{flushErr: fmt.Errorf("x: %w", nats.ErrPermissionViolation)}, "ops", delivery.OutcomePermanent},
		{"unknown destination", &fakeConn{}, "nope", delivery.OutcomePermanent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := New(Config{Conn: tt.conn, Subjects: map[delivery.Destination]string{"ops": "captures.ops"}})
			out := c.Send(context.Background(), tt.dest, testArtifact(), []byte("x"))
			if out.Kind != tt.expected {
				t.Errorf("Expected %v, got %v (%v)", tt.expected, out.Kind, out.Err)
			}
		})
	}
}

func TestSend_LiveServer(t *testing.T) {
	nc, err := nats.Connect(nats.DefaultURL)
	if err != nil {
		t.Skipf("Skipping test, NATS not available: %v", err)
		return
	}
	defer nc.Close()

	sub, err := nc.SubscribeSync("test.captures")
	if err != nil {
		t.Fatalf("Failed to subscribe: %v", err)
	}
	c, _ := New(Config{Conn: nc, Subjects: map[delivery.Destination]string{"ops": "test.captures"}})
	if out := c.Send(context.Background(), "ops", testArtifact(), []byte("live")); out.Kind != delivery.OutcomeDelivered {
		t.Fatalf("Expected delivered, got %v: %v", out.Kind, out.Err)
	}
	msg, err := sub.NextMsg(2 * time.Second)
	if err != nil {
		t.Fatalf("Timeout waiting for message: %v", err)
	}
	if string(msg.Data) != "live" {
		t.Errorf("Unexpected payload %q", msg.Data)
	}
}
