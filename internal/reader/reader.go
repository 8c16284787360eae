package reader

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"seismic-pipeline/internal/models"
)

// RecordIterator is a lazy, finite, non-restartable sequence of untyped
// source records. Next returns io.EOF after the last record.
type RecordIterator interface {
	Next() (map[string]string, error)
	Close() error
}

// Feed produces one RecordIterator per batch invocation.
type Feed interface {
	Open(ctx context.Context) (RecordIterator, error)
}

// NewBatchID returns a fresh batch identifier: a monotonic UTC timestamp
// prefix plus a short random suffix for uniqueness within the same second.
func NewBatchID() string {
	return time.Now().UTC().Format("20060102T150405") + "-" + uuid.NewString()[:8]
}

// columnAliases maps normalized source headers whose spelling drifted from
// the warehouse schema.
var columnAliases = map[string]string{
	"referencia_de_localizacion": "referencia_localizacion",
}

// NormalizeColumnName converts a source header to its schema column name:
// accents stripped, lowercased, spaces to underscores, everything else
// non-alphanumeric dropped.
func NormalizeColumnName(name string) string {
	stripped := models.StripAccents(strings.TrimSpace(name))
	stripped = strings.ToLower(stripped)
	stripped = strings.ReplaceAll(stripped, " ", "_")

	var b strings.Builder
	b.Grow(len(stripped))
	for _, r := range stripped {
		if r == '_' || (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}

	normalized := b.String()
	if alias, ok := columnAliases[normalized]; ok {
		return alias
	}
	return normalized
}

// CSVFeed reads delimited text records from a file path.
type CSVFeed struct {
	Path string
}

// NewCSVFeed creates a feed for the given source file.
func NewCSVFeed(path string) *CSVFeed {
	return &CSVFeed{Path: path}
}

// Open opens the source file and prepares a record iterator. An unopenable
// or header-less feed is a SourceUnreadableError; a header missing required
// columns is a SchemaViolationError.
func (f *CSVFeed) Open(ctx context.Context) (RecordIterator, error) {
	file, err := os.Open(f.Path)
	if err != nil {
		return nil, &SourceUnreadableError{Path: f.Path, Err: err}
	}

	it, err := NewIterator(file)
	if err != nil {
		file.Close()
		if _, ok := err.(*SchemaViolationError); ok {
			return nil, err
		}
		return nil, &SourceUnreadableError{Path: f.Path, Err: err}
	}

	it.closer = file
	return it, nil
}

// Iterator implements RecordIterator over a CSV stream.
type Iterator struct {
	csv    *csv.Reader
	header []string
	closer io.Closer
}

// NewIterator wraps a CSV stream, reading and normalizing the header row.
// A zero-record feed is not an error; the first Next returns io.EOF.
func NewIterator(r io.Reader) (*Iterator, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	rawHeader, err := cr.Read()
	if err == io.EOF {
		return nil, fmt.Errorf("source feed has no header row")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	header := make([]string, len(rawHeader))
	seen := make(map[string]bool, len(rawHeader))
	for i, col := range rawHeader {
		header[i] = NormalizeColumnName(col)
		seen[header[i]] = true
	}

	for _, required := range models.SourceColumns {
		if !seen[required] {
			return nil, &SchemaViolationError{Column: required}
		}
	}

	return &Iterator{csv: cr, header: header}, nil
}

// Next returns the next record keyed by normalized column name, or io.EOF.
func (it *Iterator) Next() (map[string]string, error) {
	row, err := it.csv.Read()
	if err == io.EOF {
		return nil, io.EOF
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read record: %w", err)
	}

	rec := make(map[string]string, len(it.header))
	for i, col := range it.header {
		if i < len(row) {
			rec[col] = row[i]
		} else {
			rec[col] = ""
		}
	}

	return rec, nil
}

// Close releases the underlying source, if any.
func (it *Iterator) Close() error {
	if it.closer != nil {
		return it.closer.Close()
	}
	return nil
}

// SourceUnreadableError means the feed itself could not be opened or read.
type SourceUnreadableError struct {
	Path string
	Err  error
}

func (e *SourceUnreadableError) Error() string {
	return fmt.Sprintf("source feed unreadable: %s: %v", e.Path, e.Err)
}

func (e *SourceUnreadableError) Unwrap() error {
	return e.Err
}

// IsTransient returns false: a missing or broken feed needs operator action.
func (e *SourceUnreadableError) IsTransient() bool {
	return false
}

// SchemaViolationError means the feed's column set does not match the
// declared source schema.
type SchemaViolationError struct {
	Column string
}

func (e *SchemaViolationError) Error() string {
	return fmt.Sprintf("source feed missing required column %q", e.Column)
}

// IsTransient returns false: a malformed column set never heals on retry.
func (e *SchemaViolationError) IsTransient() bool {
	return false
}
