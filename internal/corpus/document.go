package corpus

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/kalambet/memprobe/internal/experience"
)

// titleLimit caps how much of a document's first line becomes the record's
// query text, in runes.
const titleLimit = 120

// IngestDir converts every supported document directly under dir into a
// benign experience record with the given category. Supported extensions are
// .txt, .md and .pdf; other files are skipped. A document that fails to parse
// fails the whole call: silently dropping a file would leave a gap nobody
// notices.
func IngestDir(dir, category string) ([]experience.Record, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading corpus dir: %w", err)
	}

	var records []experience.Record
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".txt", ".md":
			rec, err := recordFromText(path, category)
			if err != nil {
				return nil, err
			}
			records = append(records, rec)
		case ".pdf":
			rec, err := recordFromPDF(path, category)
			if err != nil {
				return nil, err
			}
			records = append(records, rec)
		default:
			slog.Debug("skipping unsupported corpus file", "path", path)
		}
	}
	return records, nil
}

func recordFromText(path, category string) (experience.Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return experience.Record{}, fmt.Errorf("reading %s: %w", path, err)
	}
	return documentRecord(path, category, string(data))
}

func recordFromPDF(path, category string) (experience.Record, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return experience.Record{}, fmt.Errorf("opening pdf %s: %w", path, err)
	}
	defer f.Close()

	reader, err := r.GetPlainText()
	if err != nil {
		return experience.Record{}, fmt.Errorf("extracting text from %s: %w", path, err)
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(reader); err != nil {
		return experience.Record{}, fmt.Errorf("reading text from %s: %w", path, err)
	}
	return documentRecord(path, category, buf.String())
}

func documentRecord(path, category, text string) (experience.Record, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return experience.Record{}, fmt.Errorf("document %s has no extractable text", path)
	}

	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	rec := experience.Record{
		ID:           "doc-" + stem,
		QueryText:    documentTitle(text, stem),
		ResponseText: text,
		Category:     category,
		Tags:         []string{"document"},
		Provenance:   experience.ProvenanceBenign,
	}
	if err := rec.Validate(); err != nil {
		return experience.Record{}, fmt.Errorf("document %s: %w", path, err)
	}
	return rec, nil
}

// documentTitle takes the first non-blank line as the record's query text,
// falling back to the file stem.
func documentTitle(text, fallback string) string {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(strings.TrimLeft(line, "# "))
		if line == "" {
			continue
		}
		runes := []rune(line)
		if len(runes) > titleLimit {
			return string(runes[:titleLimit])
		}
		return line
	}
	return fallback
}
