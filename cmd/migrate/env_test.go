package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEnvOr(t *testing.T) {
	t.Setenv("MIGRATIONS_DIR", "")
	assert.Equal(t, "migrations", envOr("MIGRATIONS_DIR", "migrations"))

	t.Setenv("MIGRATIONS_DIR", "/srv/schema")
	assert.Equal(t, "/srv/schema", envOr("MIGRATIONS_DIR", "migrations"))
}
