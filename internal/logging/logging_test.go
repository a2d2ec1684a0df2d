package logging

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  zerolog.Level
	}{
		{name: "empty defaults to info", input: "", want: zerolog.InfoLevel},
		{name: "debug", input: "debug", want: zerolog.DebugLevel},
		{name: "warn", input: "warn", want: zerolog.WarnLevel},
		{name: "warning alias", input: "warning", want: zerolog.WarnLevel},
		{name: "error", input: "error", want: zerolog.ErrorLevel},
		{name: "mixed case with spaces", input: "  DeBuG ", want: zerolog.DebugLevel},
		{name: "unknown falls back to info", input: "verbose", want: zerolog.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, parseLevel(tt.input))
		})
	}
}

func TestWithRequestIDGenerates(t *testing.T) {
	ctx, id := WithRequestID(context.Background(), "")
	require.NotEmpty(t, id)
	assert.Equal(t, id, RequestIDFrom(ctx))
}

func TestWithRequestIDPreservesExplicit(t *testing.T) {
	ctx, id := WithRequestID(context.Background(), " req-42 ")
	assert.Equal(t, "req-42", id)
	assert.Equal(t, "req-42", RequestIDFrom(ctx))
}

func TestRequestIDFromMissing(t *testing.T) {
	assert.Empty(t, RequestIDFrom(context.Background()))
}

func TestRollingWriterRotates(t *testing.T) {
	dir := t.TempDir()
	w, err := newRollingFileWriter(Config{FilePath: dir + "/breeze.log", MaxSizeMB: 1})
	require.NoError(t, err)
	rw, ok := w.(*rollingFileWriter)
	require.True(t, ok)

	// Force the rotation threshold low so a second write trips it.
	rw.maxBytes = 16
	_, err = rw.Write([]byte("0123456789abcdef"))
	require.NoError(t, err)
	_, err = rw.Write([]byte("next line"))
	require.NoError(t, err)
	require.NoError(t, rw.Close())
}
