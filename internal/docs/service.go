// Package docs renders the operator help pages from AsciiDoc sources.
package docs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/bytesparadise/libasciidoc"
	"github.com/bytesparadise/libasciidoc/pkg/configuration"
)

// ErrNotFound is returned for a page that does not exist.
var ErrNotFound = errors.New("doc not found")

const ext = ".adoc"

type Service struct {
	log     *slog.Logger
	docsDir string
	cache   map[string]string // page name -> html content
	mu      sync.RWMutex
}

func NewService(log *slog.Logger, docsDir string) *Service {
	return &Service{
		log:     log,
		docsDir: docsDir,
		cache:   make(map[string]string),
	}
}

// Get returns the rendered HTML of page name, with or without the .adoc
// suffix. Names that try to leave the docs directory are not found.
func (s *Service) Get(ctx context.Context, name string) (string, error) {
	name = strings.TrimSuffix(name, ext)
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return "", ErrNotFound
	}

	s.mu.RLock()
	content, ok := s.cache[name]
	s.mu.RUnlock()
	if ok {
		return content, nil
	}

	data, err := os.ReadFile(filepath.Join(s.docsDir, name+ext))
	if errors.Is(err, os.ErrNotExist) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to read doc file: %w", err)
	}

	output := bytes.NewBuffer(nil)
	config := configuration.NewConfiguration(
		configuration.WithHeaderFooter(false), // embedded in the help layout
		configuration.WithAttribute("toc", "left"),
	)
	if _, err := libasciidoc.Convert(bytes.NewReader(data), output, config); err != nil {
		return "", fmt.Errorf("failed to convert asciidoc: %w", err)
	}
	html := output.String()

	s.mu.Lock()
	s.cache[name] = html
	s.mu.Unlock()
	s.log.Debug("rendered help page", "doc", name, "bytes", len(html))

	return html, nil
}

// List returns the available page names, sorted, without suffix.
func (s *Service) List() ([]string, error) {
	entries, err := os.ReadDir(s.docsDir)
	if err != nil {
		return nil, err
	}

	var docs []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ext) {
			docs = append(docs, strings.TrimSuffix(entry.Name(), ext))
		}
	}
	sort.Strings(docs)
	return docs, nil
}
