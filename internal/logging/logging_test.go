package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warn"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("info"))
	assert.Equal(t, slog.LevelInfo, ParseLevel(""))
}

func TestNew_LevelGating(t *testing.T) {
	assert.True(t, New("debug", "text").Enabled(context.Background(), slog.LevelDebug))
	assert.False(t, New("error", "json").Enabled(context.Background(), slog.LevelInfo))
}

func TestRequestID(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, RequestID(ctx))
	ctx = WithRequestID(ctx, "req-123")
	assert.Equal(t, "req-123", RequestID(ctx))
}

func TestFromContext_DefaultsToSlogDefault(t *testing.T) {
	assert.Same(t, slog.Default(), FromContext(context.Background()))
	custom := New("debug", "json")
	assert.Same(t, custom, FromContext(WithLogger(context.Background(), custom)))
}

func TestL_CarriesRequestAndFlowAttributes(t *testing.T) {
	var buf bytes.Buffer
	ctx := WithLogger(context.Background(), NewWithWriter(&buf, "info", "json"))
	ctx = WithRequestID(ctx, "req-9")
	ctx = With(ctx, "snapshot_id", "snap_1")
	ctx = With(ctx, "decision_id", "dec_1")

	L(ctx).Info("decision accepted")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "decision accepted", line["msg"])
	assert.Equal(t, "req-9", line["request_id"])
	assert.Equal(t, "snap_1", line["snapshot_id"])
	assert.Equal(t, "dec_1", line["decision_id"])
}

func TestWith_DoesNotMutateParent(t *testing.T) {
	var buf bytes.Buffer
	parent := WithLogger(context.Background(), NewWithWriter(&buf, "info", "json"))
	parent = With(parent, "a", 1)
	_ = With(parent, "b", 2)

	L(parent).Info("x")
	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	_, hasB := line["b"]
	assert.False(t, hasB)
}
