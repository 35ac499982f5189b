package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vehicles.ledger/vtrack/internal/docs"
	"vehicles.ledger/vtrack/internal/logger"
)

func TestGenerate(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "setup.adoc"), []byte("= Setup\n\nRun *enroll* first.\n"), 0o644))
	out := filepath.Join(t.TempDir(), "site")

	n, err := generate(context.Background(), docs.NewService(logger.Discard(), src), out)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	page, err := os.ReadFile(filepath.Join(out, "setup.html"))
	require.NoError(t, err)
	assert.Contains(t, string(page), "<strong>enroll</strong>")

	index, err := os.ReadFile(filepath.Join(out, "index.html"))
	require.NoError(t, err)
	assert.Contains(t, string(index), `href="setup.html"`)
}
