package fiber

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/joeycumines/logiface"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&buf, logiface.LevelNotice)
	l.Info().Log("dropped")
	l.Warning().
		Str("category", "x").
		Err(errors.New("some error")).
		Log("kept")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)
	var got map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &got))
	assert.Equal(t, "kept", got["msg"])
	assert.Equal(t, "x", got["category"])
	assert.Equal(t, "some error", got["err"])
	assert.Contains(t, got, "ts")
}

func TestLogger_RateLimited(t *testing.T) {
	l, log := newTestLogger(logiface.LevelDebug)
	x := newLogger(l)
	for i := range 20 {
		if b := x.warning(logCatStackFallback); b != nil {
			b.Int("i", i).Log("fallback")
		}
		if b := x.err(logCatRunQueueFull); b != nil {
			b.Log("full")
		}
	}
	fallbacks := log.find("fallback")
	require.Len(t, fallbacks, 5)
	for i, e := range fallbacks {
		assert.Equal(t, logCatStackFallback, e.fields["category"])
		assert.Equal(t, i, e.fields["i"])
		assert.Equal(t, logiface.LevelWarning, e.level)
	}
	// categories are limited independently
	assert.Len(t, log.find("full"), 5)
}

func TestLogger_Disabled(t *testing.T) {
	x := newLogger(nil)
	assert.Nil(t, x.warning(logCatPollerError))
	assert.Nil(t, x.err(logCatFiberPanic))

	l, log := newTestLogger(logiface.LevelError)
	x = newLogger(l)
	assert.Nil(t, x.warning(logCatStackFallback))
	b := x.err(logCatStackFallback)
	require.NotNil(t, b)
	b.Log("allowed")
	assert.Len(t, log.find("allowed"), 1)
}
