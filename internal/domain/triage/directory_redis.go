package triage

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisDirectory keeps responder presence in Redis sets, one per role and
// one per role and zone, so lookups stay off the primary database.
type RedisDirectory struct {
	client redis.Cmdable
	prefix string
}

func NewRedisDirectory(client redis.Cmdable, prefix string) *RedisDirectory {
	if prefix == "" {
		prefix = "responders"
	}
	return &RedisDirectory{client: client, prefix: prefix}
}

func (d *RedisDirectory) roleKey(role Role) string {
	return fmt.Sprintf("%s:%s", d.prefix, role)
}

func (d *RedisDirectory) zoneKey(role Role, zone string) string {
	return fmt.Sprintf("%s:%s:%s", d.prefix, role, zone)
}

// FindAvailable picks a random available responder.
func (d *RedisDirectory) FindAvailable(ctx context.Context, role Role, zone string) (string, bool, error) {
	key := d.roleKey(role)
	if zone != "" {
		key = d.zoneKey(role, zone)
	}
	id, err := d.client.SRandMember(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("srandmember %s: %w", key, err)
	}
	return id, true, nil
}

func (d *RedisDirectory) keys(r *Responder) []string {
	keys := []string{d.roleKey(r.Role)}
	if r.Zone != "" {
		keys = append(keys, d.zoneKey(r.Role, r.Zone))
	}
	return keys
}

// SetAvailability adds or removes r from its presence sets atomically.
func (d *RedisDirectory) SetAvailability(ctx context.Context, r *Responder) error {
	return d.Move(ctx, nil, r)
}

// Move is SetAvailability for a responder whose role or zone may have
// changed: prev's sets are cleared in the same transaction. prev may be nil.
func (d *RedisDirectory) Move(ctx context.Context, prev, r *Responder) error {
	if err := r.Validate(); err != nil {
		return err
	}
	_, err := d.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		if prev != nil && prev.Role.Valid() {
			for _, k := range d.keys(prev) {
				p.SRem(ctx, k, r.ID)
			}
		}
		for _, k := range d.keys(r) {
			if r.Available {
				p.SAdd(ctx, k, r.ID)
			} else {
				p.SRem(ctx, k, r.ID)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("update presence for %s: %w", r.ID, err)
	}
	return nil
}

// Sync rebuilds every presence set from a full responder list.
func (d *RedisDirectory) Sync(ctx context.Context, responders []*Responder) error {
	keys, err := d.client.Keys(ctx, d.prefix+":*").Result()
	if err != nil {
		return fmt.Errorf("list presence keys: %w", err)
	}
	_, err = d.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		if len(keys) > 0 {
			p.Del(ctx, keys...)
		}
		for _, r := range responders {
			if !r.Available || !r.Role.Valid() {
				continue
			}
			p.SAdd(ctx, d.roleKey(r.Role), r.ID)
			if r.Zone != "" {
				p.SAdd(ctx, d.zoneKey(r.Role, r.Zone), r.ID)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("sync presence: %w", err)
	}
	return nil
}
