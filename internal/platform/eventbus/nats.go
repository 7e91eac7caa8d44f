package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// MsgPublisher is the part of *nats.Conn used for publishing.
type MsgPublisher interface {
	PublishMsg(m *nats.Msg) error
}

// NATSPublisher publishes each event on <prefix>.<type>, for example
// careflow.case_assigned.
type NATSPublisher struct {
	conn   MsgPublisher
	prefix string
}

func NewNATSPublisher(conn MsgPublisher, prefix string) *NATSPublisher {
	return &NATSPublisher{conn: conn, prefix: strings.TrimSuffix(prefix, ".")}
}

// ConnectNATS dials url with reconnect settings suited to a long-lived server.
func ConnectNATS(url, name string) (*nats.Conn, error) {
	conn, err := nats.Connect(url,
		nats.Name(name),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.Timeout(5*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return conn, nil
}

func (p *NATSPublisher) Subject(eventType string) string {
	if p.prefix == "" {
		return eventType
	}
	return p.prefix + "." + eventType
}

func (p *NATSPublisher) Publish(_ context.Context, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	msg := nats.NewMsg(p.Subject(event.Type))
	msg.Data = body
	msg.Header.Set("Event-Id", event.ID)
	if event.CaseID != "" {
		msg.Header.Set("Case-Id", event.CaseID)
	}
	if err := p.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish %s: %w", msg.Subject, err)
	}
	return nil
}
