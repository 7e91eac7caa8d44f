package eventbus

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestStreamPublisher_AppendsEvent(t *testing.T) {
	ctx := context.Background()
	client := newTestRedis(t)
	p := NewStreamPublisher(client, "careflow:events", 100)

	ev := Event{
		ID:         "evt-1",
		Type:       "case_assigned",
		CaseID:     "case-1",
		Recipient:  "dr-a",
		Attributes: map[string]string{"esi": "2"},
		OccurredAt: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}
	require.NoError(t, p.Publish(ctx, ev))

	msgs, err := client.XRange(ctx, "careflow:events", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "case_assigned", msgs[0].Values["type"])
	assert.Equal(t, "case-1", msgs[0].Values["case_id"])

	events, err := ReadStream(ctx, client, "careflow:events", 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "dr-a", events[0].Recipient)
	assert.Equal(t, "2", events[0].Attributes["esi"])
	assert.True(t, ev.OccurredAt.Equal(events[0].OccurredAt))
}

func TestStreamPublisher_TrimsToMaxLen(t *testing.T) {
	ctx := context.Background()
	client := newTestRedis(t)
	p := NewStreamPublisher(client, "careflow:events", 3)

	for i := 0; i < 5; i++ {
		require.NoError(t, p.Publish(ctx, Event{ID: fmt.Sprintf("evt-%d", i), Type: "escalation"}))
	}

	n, err := client.XLen(ctx, "careflow:events").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	events, err := ReadStream(ctx, client, "careflow:events", 1)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "evt-4", events[0].ID, "newest entry first")
}

func TestStreamPublisher_ServerDown(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	mr.Close()

	err := NewStreamPublisher(client, "careflow:events", 10).Publish(context.Background(), Event{Type: "escalation"})
	assert.Error(t, err)
}
