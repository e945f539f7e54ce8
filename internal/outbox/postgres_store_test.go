//go:build integration

package outbox

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teocoin/settlement/internal/testutil"
)

func TestPostgresOutbox_ClaimPublish(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	store := NewPostgresStore(db)
	em := NewEmitter(store)

	em.Emit(ctx, TypeDecisionCreated, "dec_pg_1", "teacher_1", map[string]string{"decisionId": "dec_pg_1"})
	em.Emit(ctx, TypeDecisionCreated, "dec_pg_1", "teacher_1", map[string]string{"decisionId": "dec_pg_1"})

	claimed, err := store.Claim(ctx, 10, time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, "teacher_1", claimed[0].Recipient)

	// A leased event is not handed out twice.
	again, err := store.Claim(ctx, 10, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Empty(t, again)

	require.NoError(t, store.MarkFailed(ctx, claimed[0].ID, "endpoint down"))
	e, err := store.Get(ctx, claimed[0].ID)
	require.NoError(t, err)
	assert.Equal(t, 1, e.Attempts)
	assert.Equal(t, "endpoint down", e.LastError)

	retry, err := store.Claim(ctx, 10, time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, retry, 1)

	require.NoError(t, store.MarkPublished(ctx, retry[0].ID, time.Now()))
	e, err = store.Get(ctx, retry[0].ID)
	require.NoError(t, err)
	assert.NotNil(t, e.PublishedAt)
}
