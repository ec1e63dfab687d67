package outbox

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/trace"

	"github.com/example/bloodlink/internal/donation/domain"
)

type msgPublisher interface {
	PublishMsg(msg *nats.Msg) error
}

// Publisher sends alert records straight to a NATS subject. It is used when
// no database outbox is configured.
type Publisher struct {
	conn    msgPublisher
	subject string
}

// NewPublisher returns a Publisher; a nil conn makes Publish a no-op.
func NewPublisher(conn *nats.Conn, subject string) *Publisher {
	p := &Publisher{subject: subject}
	if conn != nil {
		p.conn = conn
	}
	return p
}

// Publish satisfies domain.EventPublisher.
func (p *Publisher) Publish(ctx context.Context, rec domain.AlertRecord) error {
	if p == nil || p.conn == nil {
		return nil
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	msg := nats.NewMsg(p.subject)
	msg.Data = payload
	msg.Header.Set("x-alert-kind", string(rec.Kind))
	if id := traceID(ctx); id != "" {
		msg.Header.Set("x-trace-id", id)
	}
	if err := p.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish alert %s: %w", rec.ID, err)
	}
	return nil
}

func traceID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return ""
	}
	return sc.TraceID().String()
}
