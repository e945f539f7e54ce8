package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/teocoin/settlement/internal/errs"
)

// PostgresStore implements Store with PostgreSQL. Balance rows are locked
// with SELECT ... FOR UPDATE in user order, so a cross-user batch (capture
// crediting the treasury) cannot deadlock against another.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) GetBalance(ctx context.Context, userRef string) (*Balance, error) {
	b := &Balance{UserRef: userRef}
	err := p.db.QueryRowContext(ctx, `
		SELECT available, staked, held, updated_at
		FROM token_balances WHERE user_ref = $1
	`, userRef).Scan(&b.Available, &b.Staked, &b.Held, &b.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return &Balance{UserRef: userRef, UpdatedAt: time.Now()}, nil
	}
	if err != nil {
		return nil, errs.FromDB(err, "get balance")
	}
	return b, nil
}

func (p *PostgresStore) Append(ctx context.Context, entries []*Entry) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return errs.FromDB(err, "begin append")
	}
	defer tx.Rollback() //nolint:errcheck

	if err := appendTx(ctx, tx, entries); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return errs.FromDB(err, "commit append")
	}
	return nil
}

// appendTx locks every touched balance row, applies the batch in Go, and
// writes entries plus new balances. Constraint violations map to typed errors.
func appendTx(ctx context.Context, tx *sql.Tx, entries []*Entry) error {
	users := make([]string, 0, len(entries))
	seen := make(map[string]bool)
	for _, e := range entries {
		if !seen[e.UserRef] {
			seen[e.UserRef] = true
			users = append(users, e.UserRef)
		}
	}
	sort.Strings(users)

	balances := make(map[string]*Balance, len(users))
	for _, u := range users {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO token_balances (user_ref) VALUES ($1)
			ON CONFLICT (user_ref) DO NOTHING
		`, u); err != nil {
			return errs.FromDB(err, "ensure balance row")
		}
		b := &Balance{UserRef: u}
		if err := tx.QueryRowContext(ctx, `
			SELECT available, staked, held FROM token_balances
			WHERE user_ref = $1 FOR UPDATE
		`, u).Scan(&b.Available, &b.Staked, &b.Held); err != nil {
			return errs.FromDB(err, "lock balance")
		}
		balances[u] = b
	}

	for _, e := range entries {
		b := balances[e.UserRef]
		b.apply(EffectOf(e.Kind, e.Amount))
		if b.negative() {
			return fmt.Errorf("user %s: %w", e.UserRef, errs.ErrInsufficientFunds)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO ledger_entries
				(id, user_ref, kind, amount, idempotency_tag, ref_snapshot, ref_decision, ref_hold, created_at)
			VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''), NULLIF($8, ''), $9)
		`, e.ID, e.UserRef, string(e.Kind), e.Amount, e.IdempotencyTag,
			e.RefSnapshot, e.RefDecision, e.RefHold, e.CreatedAt); err != nil {
			return errs.FromDB(err, "insert ledger entry")
		}
	}

	for _, u := range users {
		b := balances[u]
		if _, err := tx.ExecContext(ctx, `
			UPDATE token_balances
			SET available = $2, staked = $3, held = $4, updated_at = NOW()
			WHERE user_ref = $1
		`, u, b.Available, b.Staked, b.Held); err != nil {
			return errs.FromDB(err, "update balance")
		}
	}
	return nil
}

func (p *PostgresStore) CreateHold(ctx context.Context, h *Hold, place *Entry) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return errs.FromDB(err, "begin create hold")
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO holds (id, user_ref, amount, state, reason, idempotency_tag, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, h.ID, h.UserRef, h.Amount, string(h.State), h.Reason, h.IdempotencyTag, h.CreatedAt); err != nil {
		return errs.FromDB(err, "insert hold")
	}
	if err := appendTx(ctx, tx, []*Entry{place}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return errs.FromDB(err, "commit create hold")
	}
	return nil
}

func (p *PostgresStore) ResolveHold(ctx context.Context, holdID string, to HoldState, post func(h *Hold) []*Entry) (*Hold, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errs.FromDB(err, "begin resolve hold")
	}
	defer tx.Rollback() //nolint:errcheck

	h, err := scanHold(tx.QueryRowContext(ctx, `SELECT `+holdColumns+` FROM holds WHERE id = $1 FOR UPDATE`, holdID))
	if err != nil {
		return nil, err
	}
	if h.State != HoldActive {
		return h, errs.ErrHoldAlreadyResolved
	}

	h.State = to
	if err := appendTx(ctx, tx, post(h)); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE holds SET state = $2, beneficiary = NULLIF($3, ''), capture_tag = NULLIF($4, ''), resolved_at = $5
		WHERE id = $1 AND state = 'active'
	`, h.ID, string(h.State), h.Beneficiary, h.CaptureTag, h.ResolvedAt); err != nil {
		return nil, errs.FromDB(err, "update hold")
	}
	if err := tx.Commit(); err != nil {
		return nil, errs.FromDB(err, "commit resolve hold")
	}
	return h, nil
}

const holdColumns = `id, user_ref, amount, state, reason, idempotency_tag,
	COALESCE(beneficiary, ''), COALESCE(capture_tag, ''), created_at, resolved_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanHold(row rowScanner) (*Hold, error) {
	h := &Hold{}
	var state string
	var resolved sql.NullTime
	err := row.Scan(&h.ID, &h.UserRef, &h.Amount, &state, &h.Reason, &h.IdempotencyTag,
		&h.Beneficiary, &h.CaptureTag, &h.CreatedAt, &resolved)
	if err != nil {
		return nil, errs.FromDB(err, "scan hold")
	}
	h.State = HoldState(state)
	if resolved.Valid {
		t := resolved.Time
		h.ResolvedAt = &t
	}
	return h, nil
}

func (p *PostgresStore) GetHold(ctx context.Context, holdID string) (*Hold, error) {
	return scanHold(p.db.QueryRowContext(ctx, `SELECT `+holdColumns+` FROM holds WHERE id = $1`, holdID))
}

func (p *PostgresStore) GetHoldByTag(ctx context.Context, userRef, tag string) (*Hold, error) {
	return scanHold(p.db.QueryRowContext(ctx,
		`SELECT `+holdColumns+` FROM holds WHERE user_ref = $1 AND idempotency_tag = $2`, userRef, tag))
}

func (p *PostgresStore) ActiveHolds(ctx context.Context, userRef string) ([]*Hold, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+holdColumns+` FROM holds WHERE user_ref = $1 AND state = 'active' ORDER BY created_at`, userRef)
	if err != nil {
		return nil, errs.FromDB(err, "list active holds")
	}
	defer rows.Close()

	var out []*Hold
	for rows.Next() {
		h, err := scanHold(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Entries(ctx context.Context, userRef string, limit int) ([]*Entry, error) {
	query := `
		SELECT id, user_ref, kind, amount, idempotency_tag,
			COALESCE(ref_snapshot, ''), COALESCE(ref_decision, ''), COALESCE(ref_hold, ''), created_at
		FROM ledger_entries WHERE user_ref = $1
		ORDER BY seq DESC`
	args := []any{userRef}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errs.FromDB(err, "list entries")
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		e := &Entry{}
		var kind string
		var amount decimal.Decimal
		if err := rows.Scan(&e.ID, &e.UserRef, &kind, &amount, &e.IdempotencyTag,
			&e.RefSnapshot, &e.RefDecision, &e.RefHold, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		e.Kind = Kind(kind)
		e.Amount = amount
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *PostgresStore) CountEntries(ctx context.Context, userRef string, kind Kind, tag string) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM ledger_entries
		WHERE user_ref = $1 AND kind = $2 AND ($3 = '' OR idempotency_tag = $3)
	`, userRef, string(kind), tag).Scan(&n)
	if err != nil {
		return 0, errs.FromDB(err, "count entries")
	}
	return n, nil
}

func (p *PostgresStore) Users(ctx context.Context) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT user_ref FROM token_balances ORDER BY user_ref`)
	if err != nil {
		return nil, errs.FromDB(err, "list users")
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}
