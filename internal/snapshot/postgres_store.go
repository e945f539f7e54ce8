package snapshot

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/teocoin/settlement/internal/errs"
)

// PostgresStore persists snapshots in PostgreSQL. Uniqueness is enforced by
// the partial unique indexes created in the migrations.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed snapshot store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const snapshotColumns = `id,
	COALESCE(idempotency_key, ''), COALESCE(checkout_session_id, ''), COALESCE(external_txn_id, ''),
	COALESCE(order_id, ''), COALESCE(payment_intent_id, ''),
	student_ref, teacher_ref, course_ref,
	price_gross, discount_percent, discount_amount, discount_teo,
	tier_name, tier_teacher_split_pct, tier_platform_split_pct, tier_max_accept_ratio, tier_bonus_multiplier,
	accept_teo, accept_ratio,
	student_pays, teacher_eur, platform_eur, teacher_teo, platform_teo, offered_teo,
	teacher_accepted_teo, final_teacher_teo,
	COALESCE(hold_id, ''), COALESCE(capture_id, ''), COALESCE(decision_ref, ''),
	state, created_at, updated_at, applied_at, confirmed_at, failed_at, expired_at, closed_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(row scanner) (*Snapshot, error) {
	s := &Snapshot{}
	var state string
	var applied, confirmed, failed, expired, closed sql.NullTime
	err := row.Scan(&s.ID,
		&s.IdempotencyKey, &s.CheckoutSessionID, &s.ExternalTxnID,
		&s.OrderID, &s.PaymentIntentID,
		&s.StudentRef, &s.TeacherRef, &s.CourseRef,
		&s.PriceGross, &s.DiscountPercent, &s.DiscountAmount, &s.DiscountTeo,
		&s.Tier.Name, &s.Tier.TeacherSplitPct, &s.Tier.PlatformSplitPct, &s.Tier.MaxAcceptDiscountRatio, &s.Tier.TeoBonusMultiplier,
		&s.AcceptTeo, &s.AcceptRatio,
		&s.StudentPays, &s.TeacherEur, &s.PlatformEur, &s.TeacherTeo, &s.PlatformTeo, &s.OfferedTeo,
		&s.TeacherAcceptedTeo, &s.FinalTeacherTeo,
		&s.HoldID, &s.CaptureID, &s.DecisionRef,
		&state, &s.CreatedAt, &s.UpdatedAt, &applied, &confirmed, &failed, &expired, &closed)
	if err != nil {
		return nil, errs.FromDB(err, "scan snapshot")
	}
	s.State = State(state)
	s.AppliedAt = nullTime(applied)
	s.ConfirmedAt = nullTime(confirmed)
	s.FailedAt = nullTime(failed)
	s.ExpiredAt = nullTime(expired)
	s.ClosedAt = nullTime(closed)
	return s, nil
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func (p *PostgresStore) Create(ctx context.Context, s *Snapshot, supersede []string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return errs.FromDB(err, "begin create snapshot")
	}
	defer tx.Rollback() //nolint:errcheck

	for _, id := range supersede {
		if _, err := tx.ExecContext(ctx, `
			UPDATE discount_snapshots SET state = 'superseded', updated_at = $2
			WHERE id = $1 AND state IN ('draft', 'applied')
		`, id, s.CreatedAt); err != nil {
			return errs.FromDB(err, "supersede snapshot")
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO discount_snapshots (
			id, idempotency_key, checkout_session_id, external_txn_id, order_id, payment_intent_id,
			student_ref, teacher_ref, course_ref,
			price_gross, discount_percent, discount_amount, discount_teo,
			tier_name, tier_teacher_split_pct, tier_platform_split_pct, tier_max_accept_ratio, tier_bonus_multiplier,
			accept_teo, accept_ratio,
			student_pays, teacher_eur, platform_eur, teacher_teo, platform_teo, offered_teo,
			hold_id, decision_ref, state, created_at, updated_at
		) VALUES (
			$1, NULLIF($2, ''), NULLIF($3, ''), NULLIF($4, ''), NULLIF($5, ''), NULLIF($6, ''),
			$7, $8, $9,
			$10, $11, $12, $13,
			$14, $15, $16, $17, $18,
			$19, $20,
			$21, $22, $23, $24, $25, $26,
			NULLIF($27, ''), NULLIF($28, ''), $29, $30, $31
		)`,
		s.ID, s.IdempotencyKey, s.CheckoutSessionID, s.ExternalTxnID, s.OrderID, s.PaymentIntentID,
		s.StudentRef, s.TeacherRef, s.CourseRef,
		s.PriceGross, s.DiscountPercent, s.DiscountAmount, s.DiscountTeo,
		s.Tier.Name, s.Tier.TeacherSplitPct, s.Tier.PlatformSplitPct, s.Tier.MaxAcceptDiscountRatio, s.Tier.TeoBonusMultiplier,
		s.AcceptTeo, s.AcceptRatio,
		s.StudentPays, s.TeacherEur, s.PlatformEur, s.TeacherTeo, s.PlatformTeo, s.OfferedTeo,
		s.HoldID, s.DecisionRef, string(s.State), s.CreatedAt, s.UpdatedAt)
	if err != nil {
		return errs.FromDB(err, "insert snapshot")
	}
	if err := tx.Commit(); err != nil {
		return errs.FromDB(err, "commit create snapshot")
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Snapshot, error) {
	s, err := scanSnapshot(p.db.QueryRowContext(ctx, `SELECT `+snapshotColumns+` FROM discount_snapshots WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("snapshot %s: %w", id, err)
	}
	return s, nil
}

// keyColumn maps a correlation key to its column. Keys are a closed set so
// the column name is never caller-controlled.
func keyColumn(k Key) (string, error) {
	for _, known := range UniqueKeys {
		if k == known {
			return string(k), nil
		}
	}
	return "", fmt.Errorf("unknown snapshot key %q: %w", k, errs.ErrInvalidRequest)
}

func (p *PostgresStore) FindBy(ctx context.Context, k Key, value string) (*Snapshot, error) {
	col, err := keyColumn(k)
	if err != nil {
		return nil, err
	}
	s, err := scanSnapshot(p.db.QueryRowContext(ctx, `
		SELECT `+snapshotColumns+` FROM discount_snapshots
		WHERE `+col+` = $1
		ORDER BY (state IN ('failed', 'expired', 'superseded')), created_at DESC
		LIMIT 1
	`, value))
	if err != nil {
		return nil, fmt.Errorf("snapshot %s=%s: %w", k, value, err)
	}
	return s, nil
}

func (p *PostgresStore) query(ctx context.Context, q string, args ...any) ([]*Snapshot, error) {
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, errs.FromDB(err, "query snapshots")
	}
	defer rows.Close()

	var out []*Snapshot
	for rows.Next() {
		s, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *PostgresStore) FindOpen(ctx context.Context, student, course, session string) ([]*Snapshot, error) {
	return p.query(ctx, `
		SELECT `+snapshotColumns+` FROM discount_snapshots
		WHERE student_ref = $1 AND course_ref = $2 AND COALESCE(checkout_session_id, '') = $3
		  AND state IN ('draft', 'applied')
		ORDER BY created_at DESC
	`, student, course, session)
}

func (p *PostgresStore) Update(ctx context.Context, id string, fn func(*Snapshot) error) (*Snapshot, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errs.FromDB(err, "begin update snapshot")
	}
	defer tx.Rollback() //nolint:errcheck

	s, err := scanSnapshot(tx.QueryRowContext(ctx,
		`SELECT `+snapshotColumns+` FROM discount_snapshots WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, fmt.Errorf("snapshot %s: %w", id, err)
	}
	if err := fn(s); err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE discount_snapshots SET
			external_txn_id = NULLIF($2, ''), payment_intent_id = NULLIF($3, ''),
			checkout_session_id = NULLIF($4, ''),
			teacher_accepted_teo = $5, final_teacher_teo = $6,
			hold_id = NULLIF($7, ''), capture_id = NULLIF($8, ''), decision_ref = NULLIF($9, ''),
			state = $10, updated_at = $11,
			applied_at = $12, confirmed_at = $13, failed_at = $14, expired_at = $15, closed_at = $16
		WHERE id = $1`,
		s.ID, s.ExternalTxnID, s.PaymentIntentID, s.CheckoutSessionID,
		s.TeacherAcceptedTeo, s.FinalTeacherTeo,
		s.HoldID, s.CaptureID, s.DecisionRef,
		string(s.State), s.UpdatedAt,
		s.AppliedAt, s.ConfirmedAt, s.FailedAt, s.ExpiredAt, s.ClosedAt)
	if err != nil {
		return nil, errs.FromDB(err, "update snapshot")
	}
	if err := tx.Commit(); err != nil {
		return nil, errs.FromDB(err, "commit update snapshot")
	}
	return s, nil
}

func (p *PostgresStore) ListAppliedBefore(ctx context.Context, cutoff time.Time, limit int) ([]*Snapshot, error) {
	if limit <= 0 {
		limit = 100
	}
	return p.query(ctx, `
		SELECT `+snapshotColumns+` FROM discount_snapshots
		WHERE state = 'applied' AND applied_at < $1
		ORDER BY applied_at
		LIMIT $2
	`, cutoff, limit)
}

func (p *PostgresStore) ListByUser(ctx context.Context, user string, limit int) ([]*Snapshot, error) {
	return p.query(ctx, `
		SELECT `+snapshotColumns+` FROM discount_snapshots
		WHERE student_ref = $1 OR teacher_ref = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, user, limit)
}
