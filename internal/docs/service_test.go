package docs

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vehicles.ledger/vtrack/internal/logger"
)

func writeDoc(t *testing.T, dir, name, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
}

func TestGetRendersAndCaches(t *testing.T) {
	dir := t.TempDir()
	writeDoc(t, dir, "setup.adoc", "= Setup\n\nEnroll the *admin* user first.\n")
	s := NewService(logger.Discard(), dir)

	html, err := s.Get(context.Background(), "setup")
	require.NoError(t, err)
	assert.Contains(t, html, "<strong>admin</strong>")

	// cached copy survives the source going away
	require.NoError(t, os.Remove(filepath.Join(dir, "setup.adoc")))
	again, err := s.Get(context.Background(), "setup.adoc")
	require.NoError(t, err)
	assert.Equal(t, html, again)
}

func TestGetRejectsTraversal(t *testing.T) {
	dir := t.TempDir()
	s := NewService(logger.Discard(), filepath.Join(dir, "docs"))

	for _, name := range []string{"", "../secret", "..", ".hidden", "a/b"} {
		_, err := s.Get(context.Background(), name)
		assert.ErrorIs(t, err, ErrNotFound, name)
	}
}

func TestGetMissing(t *testing.T) {
	s := NewService(logger.Discard(), t.TempDir())
	_, err := s.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestList(t *testing.T) {
	dir := t.TempDir()
	writeDoc(t, dir, "zeta.adoc", "= Z\n")
	writeDoc(t, dir, "alpha.adoc", "= A\n")
	writeDoc(t, dir, "notes.txt", "skip")
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub.adoc"), 0o755))

	list, err := NewService(logger.Discard(), dir).List()
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "zeta"}, list)
}
