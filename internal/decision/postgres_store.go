package decision

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/teocoin/settlement/internal/errs"
)

// PostgresStore implements Store and AbsorptionStore with PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed decision store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const decisionColumns = `id, COALESCE(snapshot_ref, ''), teacher_ref, student_ref, course_ref, price_gross,
	discount_percent, teo_cost_atomic::text, teacher_bonus_atomic::text, commission_rate, tier_name,
	state, created_at, decided_at, expires_at, payment_completed`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDecision(row rowScanner) (*Decision, error) {
	d := &Decision{}
	var cost, bonus string
	var decided sql.NullTime
	if err := row.Scan(&d.ID, &d.SnapshotRef, &d.TeacherRef, &d.StudentRef, &d.CourseRef, &d.PriceGross,
		&d.DiscountPercent, &cost, &bonus, &d.CommissionRate, &d.TierName,
		&d.State, &d.CreatedAt, &decided, &d.ExpiresAt, &d.PaymentCompleted); err != nil {
		return nil, err
	}
	var ok bool
	if d.TeoCostAtomic, ok = new(big.Int).SetString(cost, 10); !ok {
		return nil, fmt.Errorf("decision %s teo cost %q: %w", d.ID, cost, errs.ErrInvariantViolation)
	}
	if d.TeacherBonusAtomic, ok = new(big.Int).SetString(bonus, 10); !ok {
		return nil, fmt.Errorf("decision %s bonus %q: %w", d.ID, bonus, errs.ErrInvariantViolation)
	}
	if decided.Valid {
		t := decided.Time
		d.DecidedAt = &t
	}
	return d, nil
}

func atomicText(n *big.Int) string {
	if n == nil {
		return "0"
	}
	return n.String()
}

// CreateLinked inserts the decision and links the snapshot in one
// transaction. The snapshot row is only linked while it is still draft or
// applied, or when it already points at the same decision.
func (p *PostgresStore) CreateLinked(ctx context.Context, d *Decision) (*Decision, bool, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, errs.FromDB(err, "begin create decision")
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx, `
		INSERT INTO decisions (id, snapshot_ref, teacher_ref, student_ref, course_ref, price_gross,
			discount_percent, teo_cost_atomic, teacher_bonus_atomic, commission_rate, tier_name,
			state, created_at, expires_at, payment_completed)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::numeric, $9::numeric, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (snapshot_ref) DO NOTHING
	`, d.ID, d.SnapshotRef, d.TeacherRef, d.StudentRef, d.CourseRef, d.PriceGross,
		d.DiscountPercent, atomicText(d.TeoCostAtomic), atomicText(d.TeacherBonusAtomic), d.CommissionRate, d.TierName,
		d.State, d.CreatedAt, d.ExpiresAt, d.PaymentCompleted)
	if err != nil {
		return nil, false, errs.FromDB(err, "insert decision")
	}

	out, err := scanDecision(tx.QueryRowContext(ctx,
		`SELECT `+decisionColumns+` FROM decisions WHERE snapshot_ref = $1`, d.SnapshotRef))
	if err != nil {
		return nil, false, errs.FromDB(err, "read decision")
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE discount_snapshots SET decision_ref = $1, updated_at = NOW()
		WHERE id = $2
		  AND (decision_ref = $1 OR (decision_ref IS NULL AND state IN ('draft', 'applied')))
	`, out.ID, d.SnapshotRef)
	if err != nil {
		return nil, false, errs.FromDB(err, "link snapshot")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, false, fmt.Errorf("snapshot %s cannot be linked to decision %s: %w", d.SnapshotRef, out.ID, errs.ErrInvariantViolation)
	}

	if err := tx.Commit(); err != nil {
		return nil, false, errs.FromDB(err, "commit create decision")
	}
	return out, out.ID == d.ID, nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Decision, error) {
	d, err := scanDecision(p.db.QueryRowContext(ctx, `SELECT `+decisionColumns+` FROM decisions WHERE id = $1`, id))
	if err != nil {
		return nil, errs.FromDB(err, "get decision "+id)
	}
	return d, nil
}

func (p *PostgresStore) GetBySnapshot(ctx context.Context, snapshotID string) (*Decision, error) {
	d, err := scanDecision(p.db.QueryRowContext(ctx, `SELECT `+decisionColumns+` FROM decisions WHERE snapshot_ref = $1`, snapshotID))
	if err != nil {
		return nil, errs.FromDB(err, "get decision for snapshot "+snapshotID)
	}
	return d, nil
}

// Transition only matches pending rows, so two racing writers cannot both
// move the same decision.
func (p *PostgresStore) Transition(ctx context.Context, id string, to State, at time.Time) (*Decision, error) {
	d, err := scanDecision(p.db.QueryRowContext(ctx, `
		UPDATE decisions SET state = $2, decided_at = $3
		WHERE id = $1 AND state = 'pending'
		RETURNING `+decisionColumns, id, to, at))
	if err == nil {
		return d, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, errs.FromDB(err, "transition decision")
	}
	cur, gerr := p.Get(ctx, id)
	if gerr != nil {
		return nil, gerr
	}
	return cur, fmt.Errorf("decision %s is %s: %w", id, cur.State, errs.ErrDecisionAlreadyProcessed)
}

func (p *PostgresStore) MarkPaymentCompleted(ctx context.Context, id string) (*Decision, error) {
	d, err := scanDecision(p.db.QueryRowContext(ctx, `
		UPDATE decisions SET payment_completed = TRUE WHERE id = $1
		RETURNING `+decisionColumns, id))
	if err != nil {
		return nil, errs.FromDB(err, "mark decision paid")
	}
	return d, nil
}

func (p *PostgresStore) query(ctx context.Context, q string, args ...any) ([]*Decision, error) {
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, errs.FromDB(err, "list decisions")
	}
	defer rows.Close()

	var out []*Decision
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, errs.FromDB(err, "scan decision")
		}
		out = append(out, d)
	}
	return out, errs.FromDB(rows.Err(), "list decisions")
}

func (p *PostgresStore) ListPending(ctx context.Context, teacherRef string, limit int) ([]*Decision, error) {
	if limit <= 0 {
		limit = 100
	}
	return p.query(ctx, `
		SELECT `+decisionColumns+` FROM decisions
		WHERE state = 'pending' AND ($1 = '' OR teacher_ref = $1)
		ORDER BY created_at, id
		LIMIT $2
	`, teacherRef, limit)
}

func (p *PostgresStore) ListDue(ctx context.Context, now time.Time, limit int) ([]*Decision, error) {
	if limit <= 0 {
		limit = 100
	}
	return p.query(ctx, `
		SELECT `+decisionColumns+` FROM decisions
		WHERE state = 'pending' AND expires_at <= $1
		ORDER BY expires_at
		LIMIT $2
	`, now, limit)
}

// PostgresAbsorptionStore implements AbsorptionStore.
type PostgresAbsorptionStore struct {
	db *sql.DB
}

// NewPostgresAbsorptionStore creates a new PostgreSQL-backed absorption store
func NewPostgresAbsorptionStore(db *sql.DB) *PostgresAbsorptionStore {
	return &PostgresAbsorptionStore{db: db}
}

const absorptionColumns = `id, teacher_ref, course_ref, student_ref, discount_amount, teo_used,
	teacher_teo, COALESCE(decision_ref, ''), outcome, created_at, updated_at`

func scanAbsorption(row rowScanner) (*Absorption, error) {
	a := &Absorption{}
	err := row.Scan(&a.ID, &a.TeacherRef, &a.CourseRef, &a.StudentRef, &a.DiscountAmount, &a.TeoUsed,
		&a.TeacherTeo, &a.DecisionRef, &a.Outcome, &a.CreatedAt, &a.UpdatedAt)
	return a, err
}

func (p *PostgresAbsorptionStore) Upsert(ctx context.Context, a *Absorption) (*Absorption, error) {
	out, err := scanAbsorption(p.db.QueryRowContext(ctx, `
		INSERT INTO absorptions (id, teacher_ref, course_ref, student_ref, discount_amount, teo_used,
			teacher_teo, decision_ref, outcome, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), $9, $10, $11)
		ON CONFLICT (teacher_ref, course_ref, student_ref, discount_amount, teo_used) DO UPDATE
		SET teacher_teo = EXCLUDED.teacher_teo, decision_ref = EXCLUDED.decision_ref,
			outcome = EXCLUDED.outcome, updated_at = EXCLUDED.updated_at
		RETURNING `+absorptionColumns,
		a.ID, a.TeacherRef, a.CourseRef, a.StudentRef, a.DiscountAmount, a.TeoUsed,
		a.TeacherTeo, a.DecisionRef, a.Outcome, a.CreatedAt, a.UpdatedAt))
	if err != nil {
		return nil, errs.FromDB(err, "upsert absorption")
	}
	return out, nil
}

func (p *PostgresAbsorptionStore) ListByTeacher(ctx context.Context, teacherRef string, limit int) ([]*Absorption, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+absorptionColumns+` FROM absorptions
		WHERE teacher_ref = $1 ORDER BY created_at DESC LIMIT $2
	`, teacherRef, limit)
	if err != nil {
		return nil, errs.FromDB(err, "list absorptions")
	}
	defer rows.Close()

	var out []*Absorption
	for rows.Next() {
		a, err := scanAbsorption(rows)
		if err != nil {
			return nil, errs.FromDB(err, "scan absorption")
		}
		out = append(out, a)
	}
	return out, errs.FromDB(rows.Err(), "list absorptions")
}
