package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONHandlerOutput(t *testing.T) {
	buf := &bytes.Buffer{}
	l := New(WithWriter(buf), WithHandler(JSONHandler), WithLevel(LevelDebug))

	l.With("execution_id", "abc").Info("step completed", "step_index", 3)

	out := map[string]any{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &out))
	assert.Equal(t, "step completed", out["msg"])
	assert.Equal(t, "abc", out["execution_id"])
	assert.Equal(t, float64(3), out["step_index"])
}

func TestLevelFiltering(t *testing.T) {
	buf := &bytes.Buffer{}
	l := New(WithWriter(buf), WithHandler(JSONHandler), WithLevel(LevelWarn))

	l.Info("invisible")
	assert.Zero(t, buf.Len())

	l.Error("visible")
	assert.NotZero(t, buf.Len())
}

func TestContextRoundtrip(t *testing.T) {
	l := Void()
	ctx := With(context.Background(), l)
	assert.Equal(t, l, From(ctx))
}

func TestLevelNames(t *testing.T) {
	assert.Equal(t, LevelTrace, Level("trace"))
	assert.Equal(t, LevelDebug, Level("debug"))
	assert.Equal(t, DefaultLevel, Level(""))
	assert.Equal(t, DefaultLevel, Level("bogus"))
}
