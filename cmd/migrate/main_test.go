//go:build integration

package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teocoin/settlement/internal/testutil"
)

func TestMissingTables_AfterMigrations(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	missing, err := missingTables(context.Background(), db)
	require.NoError(t, err)
	assert.Empty(t, missing)
}
