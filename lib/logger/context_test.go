package logger

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFromContext_FallsBackToDefault(t *testing.T) {
	assert.Same(t, slog.Default(), FromContext(context.Background()))
}

func TestWith_ExtendsContextLogger(t *testing.T) {
	var buf bytes.Buffer
	ctx := AddToContext(context.Background(), New(&buf, "debug"))
	ctx = With(ctx, "capture_id", "abc")

	FromContext(ctx).Debug("hello")

	assert.Contains(t, buf.String(), "capture_id=abc")
	assert.Contains(t, buf.String(), "msg=hello")
}

func TestNew_Levels(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, "WARN")
	l.Info("dropped")
	l.Warn("kept")
	assert.NotContains(t, buf.String(), "dropped")
	assert.Contains(t, buf.String(), "kept")

	buf.Reset()
	New(&buf, "bogus").Info("info is the default")
	assert.Contains(t, buf.String(), "info is the default")
}
