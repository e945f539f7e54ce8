//go:build integration

package ledger

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teocoin/settlement/internal/errs"
	"github.com/teocoin/settlement/internal/testutil"
)

func TestPostgresLedger_CreditHoldCapture(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	l := New(NewPostgresStore(db))

	_, err := l.Credit(ctx, "student_pg", decimal.NewFromInt(100), KindCreditMint, "seed", Refs{})
	require.NoError(t, err)

	_, err = l.Credit(ctx, "student_pg", decimal.NewFromInt(100), KindCreditMint, "seed", Refs{})
	assert.ErrorIs(t, err, errs.ErrDuplicateEntry)

	h, err := l.PlaceHold(ctx, "student_pg", decimal.RequireFromString("12.5"), "discount", "snap_pg_1", Refs{})
	require.NoError(t, err)

	again, err := l.PlaceHold(ctx, "student_pg", decimal.RequireFromString("12.5"), "discount", "snap_pg_1", Refs{})
	require.NoError(t, err)
	assert.Equal(t, h.ID, again.ID)

	bal, err := l.GetBalance(ctx, "student_pg")
	require.NoError(t, err)
	assert.True(t, bal.Available.Equal(decimal.RequireFromString("87.5")))
	assert.True(t, bal.Held.Equal(decimal.RequireFromString("12.5")))

	captured, err := l.CaptureHold(ctx, h.ID, "pi_pg_1", "platform_treasury")
	require.NoError(t, err)
	assert.Equal(t, HoldCaptured, captured.State)

	_, err = l.ReleaseHold(ctx, h.ID)
	assert.ErrorIs(t, err, errs.ErrHoldAlreadyResolved)

	treasury, err := l.GetBalance(ctx, "platform_treasury")
	require.NoError(t, err)
	assert.True(t, treasury.Available.Equal(decimal.RequireFromString("12.5")))

	for _, user := range []string{"student_pg", "platform_treasury"} {
		report, err := l.Audit(ctx, user)
		require.NoError(t, err, user)
		assert.True(t, report.OK, user)
	}

	users, err := l.Store().Users(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"platform_treasury", "student_pg"}, users)
}

func TestPostgresLedger_InsufficientFunds(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	l := New(NewPostgresStore(db))

	_, err := l.Credit(ctx, "student_pg", decimal.NewFromInt(5), KindCreditMint, "seed", Refs{})
	require.NoError(t, err)

	_, err = l.PlaceHold(ctx, "student_pg", decimal.NewFromInt(6), "discount", "snap_pg_2", Refs{})
	assert.ErrorIs(t, err, errs.ErrInsufficientFunds)

	_, err = l.Stake(ctx, "student_pg", decimal.NewFromInt(5), "stake_1")
	require.NoError(t, err)
	staked, err := l.Staked(ctx, "student_pg")
	require.NoError(t, err)
	assert.True(t, staked.Equal(decimal.NewFromInt(5)))
}
