package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// StreamPublisher appends events to a capped Redis stream.
type StreamPublisher struct {
	client redis.Cmdable
	stream string
	maxLen int64
}

func NewStreamPublisher(client redis.Cmdable, stream string, maxLen int64) *StreamPublisher {
	return &StreamPublisher{client: client, stream: stream, maxLen: maxLen}
}

func (p *StreamPublisher) Publish(ctx context.Context, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: p.stream,
		MaxLen: p.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"type":        event.Type,
			"case_id":     event.CaseID,
			"occurred_at": event.OccurredAt.UTC().Format(time.RFC3339Nano),
			"event":       string(body),
		},
	}
	if err := p.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", p.stream, err)
	}
	return nil
}

// ReadStream decodes up to count of the most recent events, newest first.
func ReadStream(ctx context.Context, client redis.Cmdable, stream string, count int64) ([]Event, error) {
	msgs, err := client.XRevRangeN(ctx, stream, "+", "-", count).Result()
	if err != nil {
		return nil, fmt.Errorf("xrevrange %s: %w", stream, err)
	}
	out := make([]Event, 0, len(msgs))
	for _, m := range msgs {
		raw, _ := m.Values["event"].(string)
		var ev Event
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			return nil, fmt.Errorf("decode stream entry %s: %w", m.ID, err)
		}
		out = append(out, ev)
	}
	return out, nil
}
