//go:build integration

package snapshot

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teocoin/settlement/internal/errs"
	"github.com/teocoin/settlement/internal/syncutil"
	"github.com/teocoin/settlement/internal/testutil"
)

func newPostgresService(t *testing.T) (*Service, func()) {
	t.Helper()
	db, cleanup := testutil.PGTest(t)
	return NewService(NewPostgresStore(db), syncutil.NewAdvisoryLocker(db, 5*time.Second)), cleanup
}

func TestPostgresSnapshot_UpsertAndFind(t *testing.T) {
	svc, cleanup := newPostgresService(t)
	defer cleanup()
	ctx := context.Background()

	first, err := svc.UpsertOnApply(ctx, applyReq(t))
	require.NoError(t, err)
	assert.True(t, first.Created)

	second, err := svc.UpsertOnApply(ctx, applyReq(t))
	require.NoError(t, err)
	assert.False(t, second.Created)
	assert.Equal(t, first.Snapshot.ID, second.Snapshot.ID)

	got, err := svc.Get(ctx, first.Snapshot.ID)
	require.NoError(t, err)
	assert.True(t, got.StudentPays.Equal(first.Snapshot.StudentPays))
	assert.True(t, got.OfferedTeo.Equal(first.Snapshot.OfferedTeo))
	assert.Equal(t, "Bronze", got.Tier.Name)
	assert.False(t, got.TeacherAcceptedTeo.Valid)

	found, err := svc.FindBy(ctx, KeyCheckoutSession, "cs_1")
	require.NoError(t, err)
	assert.Equal(t, first.Snapshot.ID, found.ID)

	_, err = svc.Get(ctx, "snap_missing")
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestPostgresSnapshot_SupersedeFreesSession(t *testing.T) {
	svc, cleanup := newPostgresService(t)
	defer cleanup()
	ctx := context.Background()

	req := applyReq(t)
	req.IdempotencyKey = ""
	old, err := svc.UpsertOnApply(ctx, req)
	require.NoError(t, err)
	apply(t, svc, old.Snapshot.ID, "hold_old")

	req.Breakdown = breakdown(t, "100.00", 20, false)
	next, err := svc.UpsertOnApply(ctx, req)
	require.NoError(t, err)
	require.Len(t, next.Superseded, 1)

	got, err := svc.Get(ctx, old.Snapshot.ID)
	require.NoError(t, err)
	assert.Equal(t, StateSuperseded, got.State)

	found, err := svc.FindBy(ctx, KeyCheckoutSession, "cs_1")
	require.NoError(t, err)
	assert.Equal(t, next.Snapshot.ID, found.ID)
}

func TestPostgresSnapshot_LinkDecisionUnique(t *testing.T) {
	svc, cleanup := newPostgresService(t)
	defer cleanup()
	ctx := context.Background()

	r, err := svc.UpsertOnApply(ctx, applyReq(t))
	require.NoError(t, err)

	_, err = svc.LinkDecision(ctx, r.Snapshot.ID, "dec_pg_1")
	require.NoError(t, err)
	_, err = svc.LinkDecision(ctx, r.Snapshot.ID, "dec_pg_2")
	assert.ErrorIs(t, err, errs.ErrInvariantViolation)

	found, err := svc.ByDecision(ctx, "dec_pg_1")
	require.NoError(t, err)
	assert.Equal(t, r.Snapshot.ID, found.ID)
}
