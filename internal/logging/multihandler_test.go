package logging

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errHandler = errors.New("handler failed")

type failingHandler struct {
	slog.Handler
}

func (failingHandler) Handle(context.Context, slog.Record) error { return errHandler }

func TestMultiHandler_FansOut(t *testing.T) {
	var text, json bytes.Buffer
	h := NewMultiHandler(
		slog.NewTextHandler(&text, &slog.HandlerOptions{Level: slog.LevelInfo}),
		slog.NewJSONHandler(&json, &slog.HandlerOptions{Level: slog.LevelDebug}),
	)
	logger := slog.New(h).With("request_id", "abc").WithGroup("call")

	logger.Debug("debug only")
	logger.Info("both", "op", "shutdown")

	assert.NotContains(t, text.String(), "debug only")
	assert.Contains(t, text.String(), "both")
	assert.Contains(t, text.String(), "request_id=abc")
	assert.Contains(t, text.String(), "call.op=shutdown")
	assert.Contains(t, json.String(), "debug only")
	assert.Contains(t, json.String(), `"call":{"op":"shutdown"}`)
}

func TestMultiHandler_Enabled(t *testing.T) {
	var buf bytes.Buffer
	h := NewMultiHandler(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}))
	assert.False(t, h.Enabled(context.Background(), slog.LevelInfo))
	assert.True(t, h.Enabled(context.Background(), slog.LevelError))

	assert.False(t, NewMultiHandler().Enabled(context.Background(), slog.LevelError))
}

func TestMultiHandler_JoinsErrors(t *testing.T) {
	var buf bytes.Buffer
	ok := slog.NewTextHandler(&buf, nil)
	h := NewMultiHandler(failingHandler{ok}, ok)

	err := h.Handle(context.Background(), slog.NewRecord(timeZero, slog.LevelInfo, "msg", 0))
	require.Error(t, err)
	assert.ErrorIs(t, err, errHandler)
	assert.Contains(t, buf.String(), "msg", "later handlers still run")
}
