package logger

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func captureOutput() (*bytes.Buffer, func()) {
	buf := new(bytes.Buffer)

	mu.Lock()
	originalOutput := output
	originalColor := useColor
	output = buf
	useColor = false
	mu.Unlock()
	reconfigure()

	return buf, func() {
		mu.Lock()
		output = originalOutput
		useColor = originalColor
		mu.Unlock()
		reconfigure()
	}
}

func TestLevelFiltering(t *testing.T) {
	buf, cleanup := captureOutput()
	defer cleanup()

	SetLevel("WARN")
	Info("should be filtered")
	Warn("should appear")

	out := buf.String()
	assert.NotContains(t, out, "should be filtered")
	assert.Contains(t, out, "should appear")
}

func TestContextFieldsInjected(t *testing.T) {
	buf, cleanup := captureOutput()
	defer cleanup()

	SetLevel("DEBUG")
	ctx := WithContext(context.Background(), &LogContext{Command: "Check", Xid: 42, Epoch: 3})
	InfoCtx(ctx, "handled upcall")

	out := buf.String()
	require.Contains(t, out, "handled upcall")
	assert.Contains(t, out, "command=Check")
	assert.Contains(t, out, "xid=42")
	assert.Contains(t, out, "epoch=3")
}

func TestSetFormatJSON(t *testing.T) {
	buf, cleanup := captureOutput()
	defer cleanup()

	SetFormat("json")
	SetLevel("INFO")
	Info("json message", "key", "value")

	assert.Contains(t, buf.String(), `"key":"value"`)
}
