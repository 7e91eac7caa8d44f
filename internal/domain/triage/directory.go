package triage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/amirtishiva/care-flow-navigator-sub000/internal/platform/db"
)

// ResponderDirectory finds available staff. An empty zone matches any zone.
// ok is false when nobody is available.
type ResponderDirectory interface {
	FindAvailable(ctx context.Context, role Role, zone string) (id string, ok bool, err error)
}

// resolveResponder looks in the case zone first and then anywhere.
func resolveResponder(ctx context.Context, dir ResponderDirectory, role Role, zone string) (string, bool, error) {
	if zone != "" {
		id, ok, err := dir.FindAvailable(ctx, role, zone)
		if err != nil {
			return "", false, fmt.Errorf("find %s in zone %s: %w", role, zone, err)
		}
		if ok {
			return id, true, nil
		}
	}
	id, ok, err := dir.FindAvailable(ctx, role, "")
	if err != nil {
		return "", false, fmt.Errorf("find %s in any zone: %w", role, err)
	}
	return id, ok, nil
}

// PGDirectory reads the responder table.
type PGDirectory struct {
	pool *pgxpool.Pool
}

func NewPGDirectory(pool *pgxpool.Pool) *PGDirectory {
	return &PGDirectory{pool: pool}
}

// FindAvailable picks the available responder whose state changed longest ago.
func (d *PGDirectory) FindAvailable(ctx context.Context, role Role, zone string) (string, bool, error) {
	var id string
	err := db.Conn(ctx, d.pool).QueryRow(ctx, `
		SELECT id FROM responder
		WHERE available AND role = $1 AND ($2 = '' OR zone = $2)
		ORDER BY updated_at
		LIMIT 1`, role, zone).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return id, true, nil
}

func (d *PGDirectory) Upsert(ctx context.Context, r *Responder) error {
	_, err := d.Replace(ctx, r)
	return err
}

// Replace upserts r and returns the row it overwrote, or nil for a new
// responder.
func (d *PGDirectory) Replace(ctx context.Context, r *Responder) (*Responder, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	var prevRole, prevZone *string
	err := db.Conn(ctx, d.pool).QueryRow(ctx, `
		WITH prev AS (
			SELECT role, zone FROM responder WHERE id = $1 FOR UPDATE
		)
		INSERT INTO responder (id, display_name, role, zone, available, updated_at)
		VALUES ($1,$2,$3,$4,$5,NOW())
		ON CONFLICT (id) DO UPDATE SET
			display_name = EXCLUDED.display_name, role = EXCLUDED.role,
			zone = EXCLUDED.zone, available = EXCLUDED.available, updated_at = NOW()
		RETURNING updated_at, (SELECT role FROM prev), (SELECT zone FROM prev)`,
		r.ID, r.DisplayName, r.Role, r.Zone, r.Available,
	).Scan(&r.UpdatedAt, &prevRole, &prevZone)
	if err != nil {
		return nil, err
	}
	if prevRole == nil {
		return nil, nil
	}
	prev := &Responder{ID: r.ID, Role: Role(*prevRole)}
	if prevZone != nil {
		prev.Zone = *prevZone
	}
	return prev, nil
}

func (d *PGDirectory) SetAvailability(ctx context.Context, id string, available bool) (*Responder, error) {
	var r Responder
	err := db.Conn(ctx, d.pool).QueryRow(ctx, `
		UPDATE responder SET available = $2, updated_at = NOW()
		WHERE id = $1
		RETURNING id, display_name, role, zone, available, updated_at`, id, available,
	).Scan(&r.ID, &r.DisplayName, &r.Role, &r.Zone, &r.Available, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrResponderNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (d *PGDirectory) List(ctx context.Context) ([]*Responder, error) {
	rows, err := db.Conn(ctx, d.pool).Query(ctx, `
		SELECT id, display_name, role, zone, available, updated_at
		FROM responder ORDER BY role, zone, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Responder
	for rows.Next() {
		var r Responder
		if err := rows.Scan(&r.ID, &r.DisplayName, &r.Role, &r.Zone, &r.Available, &r.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

// Roster changes responder availability.
type Roster interface {
	SetAvailability(ctx context.Context, id string, available bool) (*Responder, error)
	List(ctx context.Context) ([]*Responder, error)
}

// PresenceRoster writes availability to PostgreSQL and mirrors it into the
// Redis presence sets read by RedisDirectory.
type PresenceRoster struct {
	*PGDirectory
	presence *RedisDirectory
}

func NewPresenceRoster(pg *PGDirectory, presence *RedisDirectory) *PresenceRoster {
	return &PresenceRoster{PGDirectory: pg, presence: presence}
}

func (r *PresenceRoster) SetAvailability(ctx context.Context, id string, available bool) (*Responder, error) {
	resp, err := r.PGDirectory.SetAvailability(ctx, id, available)
	if err != nil {
		return nil, err
	}
	if err := r.presence.SetAvailability(ctx, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (r *PresenceRoster) Upsert(ctx context.Context, resp *Responder) error {
	prev, err := r.PGDirectory.Replace(ctx, resp)
	if err != nil {
		return err
	}
	return r.presence.Move(ctx, prev, resp)
}

// Resync rebuilds the presence sets from the responder table.
func (r *PresenceRoster) Resync(ctx context.Context) error {
	all, err := r.PGDirectory.List(ctx)
	if err != nil {
		return fmt.Errorf("list responders: %w", err)
	}
	return r.presence.Sync(ctx, all)
}
