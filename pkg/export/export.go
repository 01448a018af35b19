package export

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"github.com/nicktill/fpcollect/pkg/aggregate"
	"github.com/nicktill/fpcollect/pkg/document"
)

// FormatVersion is written into every JSON export
const FormatVersion = "1.0"

// Querier compiles a table for a filter
type Querier interface {
	Query(ctx context.Context, filter document.Node) (aggregate.Table, aggregate.Report, error)
}

// Exporter handles exporting compiled tables to various formats
type Exporter struct {
	querier Querier
}

// NewExporter creates a new exporter
func NewExporter(q Querier) *Exporter {
	return &Exporter{querier: q}
}

// ExportOptions configures the export operation
type ExportOptions struct {
	// Filter selects the fingerprints to compile (null = all)
	Filter document.Node

	// Format: "json" or "csv"
	Format string
}

// ExportResult contains stats about the export
type ExportResult struct {
	Paths      int       `json:"paths"`
	Rows       int       `json:"rows"`
	Matched    int64     `json:"matched"`
	Format     string    `json:"format"`
	ExportedAt time.Time `json:"exported_at"`
}

// Metadata heads a JSON export
type Metadata struct {
	ExportedAt time.Time     `json:"exported_at"`
	Filter     document.Node `json:"filter"`
	Matched    int64         `json:"matched"`
	Skipped    int64         `json:"skipped"`
	Paths      int           `json:"paths"`
	Format     string        `json:"format"`
	Version    string        `json:"version"`
}

// Envelope is the JSON export document
type Envelope struct {
	Metadata Metadata        `json:"metadata"`
	Table    aggregate.Table `json:"table"`
}

// ExportToJSON compiles opts.Filter and writes the table with metadata
func (e *Exporter) ExportToJSON(ctx context.Context, w io.Writer, opts ExportOptions) (*ExportResult, error) {
	table, report, err := e.querier.Query(ctx, opts.Filter)
	if err != nil {
		return nil, fmt.Errorf("failed to compile: %w", err)
	}

	env := Envelope{
		Metadata: Metadata{
			ExportedAt: time.Now().UTC(),
			Filter:     opts.Filter,
			Matched:    report.Matched,
			Skipped:    report.Skipped,
			Paths:      len(table),
			Format:     "json",
			Version:    FormatVersion,
		},
		Table: table,
	}

	data, err := document.JSON().MarshalIndent(env, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode JSON: %w", err)
	}
	if _, err := w.Write(append(data, '\n')); err != nil {
		return nil, fmt.Errorf("failed to write export: %w", err)
	}

	return &ExportResult{
		Paths:      len(table),
		Rows:       countRows(table),
		Matched:    report.Matched,
		Format:     "json",
		ExportedAt: env.Metadata.ExportedAt,
	}, nil
}

// ExportToCSV compiles opts.Filter and writes one row per (path, value)
func (e *Exporter) ExportToCSV(ctx context.Context, w io.Writer, opts ExportOptions) (*ExportResult, error) {
	table, report, err := e.querier.Query(ctx, opts.Filter)
	if err != nil {
		return nil, fmt.Errorf("failed to compile: %w", err)
	}

	rows, err := WriteCSV(w, table)
	if err != nil {
		return nil, err
	}

	return &ExportResult{
		Paths:      len(table),
		Rows:       rows,
		Matched:    report.Matched,
		Format:     "csv",
		ExportedAt: time.Now().UTC(),
	}, nil
}

// WriteCSV writes table as path,value,count rows. List lengths appear as
// value "l:<n>". Rows follow path order, then value order.
func WriteCSV(w io.Writer, table aggregate.Table) (int, error) {
	writer := csv.NewWriter(w)

	if err := writer.Write([]string{"path", "value", "count"}); err != nil {
		return 0, fmt.Errorf("failed to write CSV header: %w", err)
	}

	rows := 0
	for _, path := range table.Paths() {
		d := table[path]

		for _, v := range sortedKeys(d.Values) {
			if err := writer.Write([]string{path, v, strconv.FormatInt(d.Values[v], 10)}); err != nil {
				return rows, fmt.Errorf("failed to write CSV row: %w", err)
			}
			rows++
		}

		lengths := make([]int, 0, len(d.Lengths))
		for n := range d.Lengths {
			lengths = append(lengths, n)
		}
		sort.Ints(lengths)
		for _, n := range lengths {
			value := aggregate.LengthKey + ":" + strconv.Itoa(n)
			if err := writer.Write([]string{path, value, strconv.FormatInt(d.Lengths[n], 10)}); err != nil {
				return rows, fmt.Errorf("failed to write CSV row: %w", err)
			}
			rows++
		}
	}

	writer.Flush()
	return rows, writer.Error()
}

func sortedKeys(m map[string]int64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func countRows(table aggregate.Table) int {
	n := 0
	for _, d := range table {
		n += len(d.Values) + len(d.Lengths)
	}
	return n
}
