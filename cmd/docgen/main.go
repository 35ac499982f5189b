// Command docgen renders the AsciiDoc help pages to static HTML files, one
// per page plus an index, for hosting next to the UI.
package main

import (
	"context"
	"flag"
	"fmt"
	"html/template"
	"log"
	"os"
	"path/filepath"

	"vehicles.ledger/vtrack/internal/docs"
	"vehicles.ledger/vtrack/internal/logger"
)

var indexPage = template.Must(template.New("index").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>vtrack help</title></head>
<body>
<ul>
{{range .}}<li><a href="{{.}}.html">{{.}}</a></li>
{{end}}</ul>
</body>
</html>
`))

func main() {
	docsDir := flag.String("docs-dir", "docs", "directory with the AsciiDoc sources")
	outDir := flag.String("out", "site", "output directory")
	flag.Parse()

	n, err := generate(context.Background(), docs.NewService(logger.Discard(), *docsDir), *outDir)
	if err != nil {
		log.Fatalf("docgen: %v", err)
	}
	fmt.Printf("Generated %d page(s) in %s\n", n, *outDir)
}

func generate(ctx context.Context, svc *docs.Service, outDir string) (int, error) {
	names, err := svc.List()
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return 0, err
	}

	for _, name := range names {
		html, err := svc.Get(ctx, name)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", name, err)
		}
		if err := os.WriteFile(filepath.Join(outDir, name+".html"), []byte(html), 0o644); err != nil {
			return 0, err
		}
	}

	f, err := os.Create(filepath.Join(outDir, "index.html"))
	if err != nil {
		return 0, err
	}
	defer f.Close()
	if err := indexPage.Execute(f, names); err != nil {
		return 0, err
	}
	return len(names), nil
}
