// Package extract turns a downloaded report payload (a CSV file, or a zip
// archive holding one) into a Table.
package extract

import (
	"archive/zip"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strconv"
	"strings"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"github.com/egorkaBurkenya/reportflow"
)

var zipSignature = []byte("PK\x03\x04")

// Row maps column name to value.
type Row map[string]any

// Table is an ordered set of uniquely named columns plus rows.
type Table struct {
	Columns []string
	Rows    []Row
}

// Len returns the number of rows.
func (t *Table) Len() int { return len(t.Rows) }

// Filter returns a table with the rows for which keep returns true. The
// columns are shared with t.
func (t *Table) Filter(keep func(Row) bool) *Table {
	out := &Table{Columns: t.Columns}
	for _, r := range t.Rows {
		if keep(r) {
			out.Rows = append(out.Rows, r)
		}
	}
	return out
}

// Extractor decodes payloads. The zero value is not usable; call New.
type Extractor struct {
	logger *slog.Logger
}

// New creates an Extractor. A nil logger uses the default.
func New(logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default().With("component", "extract")
	}
	return &Extractor{logger: logger}
}

// Extract decodes payload. report is used only for error context.
func (e *Extractor) Extract(report string, payload []byte) (*Table, error) {
	data := payload
	if bytes.HasPrefix(payload, zipSignature) {
		member, err := e.firstCSV(payload)
		if err != nil {
			return nil, extractionError(report, err)
		}
		data = member
	}

	text, _, err := transform.Bytes(unicode.BOMOverride(unicode.UTF8.NewDecoder()), data)
	if err != nil {
		return nil, extractionError(report, fmt.Errorf("decode text: %w", err))
	}

	t, err := e.parseCSV(text)
	if err != nil {
		return nil, extractionError(report, err)
	}
	return t, nil
}

func (e *Extractor) firstCSV(payload []byte) ([]byte, error) {
	zr, err := zip.NewReader(bytes.NewReader(payload), int64(len(payload)))
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	for _, f := range zr.File {
		if f.FileInfo().IsDir() || !strings.EqualFold(path.Ext(f.Name), ".csv") {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", f.Name, err)
		}
		defer func() { _ = rc.Close() }()
		data, err := io.ReadAll(rc)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", f.Name, err)
		}
		e.logger.Debug("extracted archive member", "name", f.Name, "bytes", len(data))
		return data, nil
	}
	return nil, errors.New("no CSV file found in archive")
}

func (e *Extractor) parseCSV(text []byte) (*Table, error) {
	r := csv.NewReader(bytes.NewReader(text))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return nil, errors.New("no columns found")
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	if len(header) == 0 || (len(header) == 1 && strings.TrimSpace(header[0]) == "") {
		return nil, errors.New("no columns found")
	}

	cols, renamed := uniqueColumns(header)
	if len(renamed) > 0 {
		e.logger.Warn("duplicate columns renamed", "columns", renamed)
	}

	t := &Table{Columns: cols}
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read row %d: %w", len(t.Rows)+1, err)
		}
		row := make(Row, len(cols))
		for i, c := range cols {
			if i < len(rec) {
				row[c] = rec[i]
			} else {
				row[c] = ""
			}
		}
		t.Rows = append(t.Rows, row)
	}
	if len(t.Rows) == 0 {
		return nil, errors.New("no data rows found")
	}
	return t, nil
}

// uniqueColumns suffixes repeated names with .1, .2, ... and returns the
// original names that repeated.
func uniqueColumns(header []string) ([]string, []string) {
	out := make([]string, len(header))
	taken := make(map[string]bool, len(header))
	seen := make(map[string]int, len(header))
	var renamed []string
	for _, h := range header {
		taken[h] = true
	}
	for i, h := range header {
		n := seen[h]
		seen[h] = n + 1
		if n == 0 {
			out[i] = h
			continue
		}
		if n == 1 {
			renamed = append(renamed, h)
		}
		name := h + "." + strconv.Itoa(n)
		for taken[name] {
			n++
			name = h + "." + strconv.Itoa(n)
		}
		taken[name] = true
		out[i] = name
	}
	return out, renamed
}

func extractionError(report string, err error) error {
	return &reportflow.Error{Kind: reportflow.KindExtraction, Report: report, Err: err}
}
