package chainmirror

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppend_IsIdempotentPerDecision(t *testing.T) {
	rec := NewRecorder(NewMemoryStore())
	ctx := context.Background()

	first, err := rec.Append(ctx, "dec_1", "teacher_1", decimal.RequireFromString("12.5"))
	require.NoError(t, err)
	assert.Equal(t, "12500000000000000000", first.AtomicAmount.String())
	assert.True(t, Verify(first))

	again, err := rec.Append(ctx, "dec_1", "teacher_1", decimal.RequireFromString("12.5"))
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, first.Hash, again.Hash)
}

func TestAddressFor_Stable(t *testing.T) {
	a := AddressFor("Teacher_1")
	assert.Equal(t, a, AddressFor("teacher_1"))
	assert.NotEqual(t, a, AddressFor("teacher_2"))
}

func TestVerify_DetectsTampering(t *testing.T) {
	rec := NewRecorder(NewMemoryStore())
	r, err := rec.Append(context.Background(), "dec_2", "teacher_1", decimal.NewFromInt(3))
	require.NoError(t, err)

	r.AtomicAmount.SetInt64(1)
	assert.False(t, Verify(r))
}

func TestAppend_RequiresIDs(t *testing.T) {
	rec := NewRecorder(NewMemoryStore())
	_, err := rec.Append(context.Background(), "", "teacher_1", decimal.NewFromInt(1))
	assert.Error(t, err)
}
