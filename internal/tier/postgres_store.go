package tier

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/teocoin/settlement/internal/errs"
)

// PostgresStore reads the tiers table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed tier store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const tierColumns = `name, min_stake, teacher_split_pct, platform_split_pct,
	max_accept_discount_ratio, teo_bonus_multiplier, active`

func (p *PostgresStore) List(ctx context.Context) ([]Tier, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+tierColumns+` FROM tiers ORDER BY min_stake ASC`)
	if err != nil {
		return nil, errs.FromDB(err, "list tiers")
	}
	defer rows.Close()

	var out []Tier
	for rows.Next() {
		var t Tier
		if err := rows.Scan(&t.Name, &t.MinStake, &t.TeacherSplitPct, &t.PlatformSplitPct,
			&t.MaxAcceptDiscountRatio, &t.TeoBonusMultiplier, &t.Active); err != nil {
			return nil, fmt.Errorf("scan tier: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Get(ctx context.Context, name string) (*Tier, error) {
	var t Tier
	err := p.db.QueryRowContext(ctx, `SELECT `+tierColumns+` FROM tiers WHERE name = $1`, name).
		Scan(&t.Name, &t.MinStake, &t.TeacherSplitPct, &t.PlatformSplitPct,
			&t.MaxAcceptDiscountRatio, &t.TeoBonusMultiplier, &t.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.ErrUnknownTier
	}
	if err != nil {
		return nil, errs.FromDB(err, "get tier")
	}
	return &t, nil
}

func (p *PostgresStore) Upsert(ctx context.Context, t Tier) error {
	if err := t.Validate(); err != nil {
		return err
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO tiers (`+tierColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (name) DO UPDATE SET
			min_stake                 = EXCLUDED.min_stake,
			teacher_split_pct         = EXCLUDED.teacher_split_pct,
			platform_split_pct        = EXCLUDED.platform_split_pct,
			max_accept_discount_ratio = EXCLUDED.max_accept_discount_ratio,
			teo_bonus_multiplier      = EXCLUDED.teo_bonus_multiplier,
			active                    = EXCLUDED.active
	`, t.Name, t.MinStake, t.TeacherSplitPct, t.PlatformSplitPct,
		t.MaxAcceptDiscountRatio, t.TeoBonusMultiplier, t.Active)
	if err != nil {
		return errs.FromDB(err, "upsert tier")
	}
	return nil
}
