package outbox

import (
	"context"
	"database/sql"
	"time"

	"github.com/teocoin/settlement/internal/errs"
)

// PostgresStore implements Store on the outbox table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed outbox store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const eventColumns = `id, type, aggregate_id, COALESCE(recipient, ''), payload, created_at,
	published_at, attempts, COALESCE(last_error, '')`

func scanEvent(row interface{ Scan(...any) error }) (*Event, error) {
	e := &Event{}
	var published sql.NullTime
	var payload []byte
	if err := row.Scan(&e.ID, &e.Type, &e.AggregateID, &e.Recipient, &payload, &e.CreatedAt,
		&published, &e.Attempts, &e.LastError); err != nil {
		return nil, err
	}
	e.Payload = payload
	if published.Valid {
		t := published.Time
		e.PublishedAt = &t
	}
	return e, nil
}

func (p *PostgresStore) Enqueue(ctx context.Context, e *Event) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO outbox (id, type, aggregate_id, recipient, payload, created_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6)
		ON CONFLICT (id) DO NOTHING
	`, e.ID, e.Type, e.AggregateID, e.Recipient, []byte(e.Payload), e.CreatedAt)
	return errs.FromDB(err, "enqueue outbox event")
}

// Claim leases a batch with FOR UPDATE SKIP LOCKED so parallel relays
// split the backlog instead of blocking on each other.
func (p *PostgresStore) Claim(ctx context.Context, limit int, until time.Time) ([]*Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `
		UPDATE outbox SET claim_until = $2
		WHERE id IN (
			SELECT id FROM outbox
			WHERE published_at IS NULL AND attempts < $3
			  AND (claim_until IS NULL OR claim_until < NOW())
			ORDER BY created_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+eventColumns, limit, until, MaxAttempts)
	if err != nil {
		return nil, errs.FromDB(err, "claim outbox events")
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, errs.FromDB(err, "scan outbox event")
		}
		out = append(out, e)
	}
	return out, errs.FromDB(rows.Err(), "claim outbox events")
}

func (p *PostgresStore) MarkPublished(ctx context.Context, id string, at time.Time) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE outbox SET published_at = $2, claim_until = NULL WHERE id = $1
	`, id, at)
	if err != nil {
		return errs.FromDB(err, "mark outbox published")
	}
	return requireRow(res, id)
}

func (p *PostgresStore) MarkFailed(ctx context.Context, id, reason string) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE outbox SET attempts = attempts + 1, last_error = $2, claim_until = NULL WHERE id = $1
	`, id, reason)
	if err != nil {
		return errs.FromDB(err, "mark outbox failed")
	}
	return requireRow(res, id)
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Event, error) {
	e, err := scanEvent(p.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM outbox WHERE id = $1`, id))
	if err != nil {
		return nil, errs.FromDB(err, "get outbox event")
	}
	return e, nil
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return errs.FromDB(err, "rows affected")
	}
	if n == 0 {
		return notFound(id)
	}
	return nil
}
