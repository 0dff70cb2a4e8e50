package log

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorWritesFieldsAsJSON(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	SetJSON(true)
	SetLevel(LevelInfo)

	Error("sweep failed", errors.New("boom"), "job_id", "j1", "dangling")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "sweep failed", entry["msg"])
	assert.Equal(t, "boom", entry["err"])
	assert.Equal(t, "j1", entry["job_id"])
	assert.Equal(t, "error", entry["level"])
}

func TestDebugSuppressedAtInfo(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	SetLevel(LevelInfo)

	Debug("noisy", "k", 1)
	assert.Zero(t, buf.Len())

	SetLevel(LevelDebug)
	Debug("noisy", "k", 1)
	assert.NotZero(t, buf.Len())
	SetLevel(LevelInfo)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, LevelDebug, ParseLevel("debug"))
	assert.Equal(t, LevelWarn, ParseLevel(" warning "))
	assert.Equal(t, LevelError, ParseLevel("ERROR"))
	assert.Equal(t, LevelInfo, ParseLevel("verbose"))
}
