package cmd

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadEnv(t *testing.T) {
	file := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(file, []byte("STORYFLOW_TEST_LOADED=yes\nSTORYFLOW_TEST_KEPT=file\n"), 0o600))

	t.Setenv("STORYFLOW_TEST_KEPT", "env")
	t.Setenv("STORYFLOW_TEST_LOADED", "")
	require.NoError(t, os.Unsetenv("STORYFLOW_TEST_LOADED"))

	LoadEnv(slog.Default(), file, filepath.Join(t.TempDir(), "missing.env"))

	assert.Equal(t, "yes", os.Getenv("STORYFLOW_TEST_LOADED"))
	assert.Equal(t, "env", os.Getenv("STORYFLOW_TEST_KEPT"))
}

func TestNewTracer_Disabled(t *testing.T) {
	tracer, shutdown := NewTracer(context.Background(), slog.Default(), false, "storyflow-test")
	require.NotNil(t, tracer)

	_, span := tracer.Start(context.Background(), "noop")
	span.End()

	assert.False(t, span.SpanContext().IsValid())
	assert.NoError(t, shutdown(context.Background()))
}
