// Package eventbus carries domain events to the transports that fan them out:
// the websocket hub, responder pager, Redis stream and NATS.
package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Event is a transport-neutral notification.
type Event struct {
	ID         string            `json:"id"`
	Type       string            `json:"type"`
	CaseID     string            `json:"caseId,omitempty"`
	Topics     []string          `json:"topics,omitempty"`
	Broadcast  bool              `json:"broadcast,omitempty"`
	Recipient  string            `json:"recipient,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Payload    json.RawMessage   `json:"payload,omitempty"`
	OccurredAt time.Time         `json:"occurredAt"`
}

// Publisher delivers an event to one transport.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, event Event) error

func (f PublisherFunc) Publish(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// Fanout publishes to every member. One failing transport does not stop the
// others; all failures are joined into the returned error.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, event Event) error {
	var errs []error
	for _, p := range f {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("%T: %w", p, err))
		}
	}
	return errors.Join(errs...)
}
