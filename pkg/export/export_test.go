package export

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/nicktill/fpcollect/pkg/aggregate"
	"github.com/nicktill/fpcollect/pkg/document"
)

type stubQuerier struct {
	table  aggregate.Table
	report aggregate.Report
	err    error
	got    document.Node
}

func (s *stubQuerier) Query(_ context.Context, filter document.Node) (aggregate.Table, aggregate.Report, error) {
	s.got = filter
	return s.table, s.report, s.err
}

func sampleTable(t *testing.T) aggregate.Table {
	t.Helper()
	var table aggregate.Table
	raw := `{
		"[\"category\"]": {"\"windows\"": 3},
		"[\"fonts\"]": {"\"Arial\"": 3, "\"Calibri\"": 1, "l": {"1": 2, "2": 1}},
		"[\"screen\",\"width\"]": {"1920": 2, "1280": 1}
	}`
	if err := table.UnmarshalJSON([]byte(raw)); err != nil {
		t.Fatalf("bad fixture: %v", err)
	}
	return table
}

func TestExportToJSON(t *testing.T) {
	q := &stubQuerier{table: sampleTable(t), report: aggregate.Report{Matched: 3}}
	exporter := NewExporter(q)

	filter := document.MapNode(map[string]document.Node{"category": document.StringNode("windows")})
	buf := &bytes.Buffer{}
	result, err := exporter.ExportToJSON(context.Background(), buf, ExportOptions{Filter: filter, Format: "json"})
	if err != nil {
		t.Fatalf("Export failed: %v", err)
	}

	if result.Paths != 3 {
		t.Errorf("Expected 3 paths, got %d", result.Paths)
	}
	if result.Rows != 7 {
		t.Errorf("Expected 7 rows, got %d", result.Rows)
	}
	if !document.Equal(q.got, filter) {
		t.Errorf("filter not passed through: %s", q.got)
	}

	env, err := ReadJSON(buf)
	if err != nil {
		t.Fatalf("Failed to read export back: %v", err)
	}
	if env.Metadata.Matched != 3 || env.Metadata.Version != FormatVersion {
		t.Errorf("Unexpected metadata: %+v", env.Metadata)
	}
	if got := env.Table[`["fonts"]`].Lengths[1]; got != 2 {
		t.Errorf("Expected fonts length 1 counted twice, got %d", got)
	}
	if !document.Equal(env.Metadata.Filter, filter) {
		t.Errorf("Filter not round-tripped: %s", env.Metadata.Filter)
	}
}

func TestExportToCSV(t *testing.T) {
	exporter := NewExporter(&stubQuerier{table: sampleTable(t), report: aggregate.Report{Matched: 3}})

	buf := &bytes.Buffer{}
	result, err := exporter.ExportToCSV(context.Background(), buf, ExportOptions{Format: "csv"})
	if err != nil {
		t.Fatalf("Export failed: %v", err)
	}

	records, err := csv.NewReader(buf).ReadAll()
	if err != nil {
		t.Fatalf("Failed to parse CSV: %v", err)
	}

	want := [][]string{
		{"path", "value", "count"},
		{`["category"]`, `"windows"`, "3"},
		{`["fonts"]`, `"Arial"`, "3"},
		{`["fonts"]`, `"Calibri"`, "1"},
		{`["fonts"]`, "l:1", "2"},
		{`["fonts"]`, "l:2", "1"},
		{`["screen","width"]`, "1280", "1"},
		{`["screen","width"]`, "1920", "2"},
	}
	if len(records) != len(want) {
		t.Fatalf("Expected %d records, got %d: %v", len(want), len(records), records)
	}
	for i := range want {
		if strings.Join(records[i], "|") != strings.Join(want[i], "|") {
			t.Errorf("row %d: want %v, got %v", i, want[i], records[i])
		}
	}
	if result.Rows != len(want)-1 {
		t.Errorf("Expected %d rows, got %d", len(want)-1, result.Rows)
	}
}

func TestExport_QueryError(t *testing.T) {
	exporter := NewExporter(&stubQuerier{err: errors.New("boom")})
	if _, err := exporter.ExportToCSV(context.Background(), &bytes.Buffer{}, ExportOptions{}); err == nil {
		t.Fatal("Expected error")
	}
}

func TestReadJSON_Invalid(t *testing.T) {
	for name, input := range map[string]string{
		"garbage":     `{"metadata":`,
		"old version": `{"metadata":{"version":"0.1"},"table":{}}`,
	} {
		if _, err := ReadJSON(strings.NewReader(input)); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestHandleExport(t *testing.T) {
	q := &stubQuerier{table: sampleTable(t)}
	h := NewHandler(q, nil)

	params := url.Values{"format": {"csv"}, "q": {`{"category":"windows"}`}}
	req := httptest.NewRequest(http.MethodGet, "/api/v1/export?"+params.Encode(), nil)
	rr := httptest.NewRecorder()
	h.HandleExport(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if ct := rr.Header().Get("Content-Type"); ct != "text/csv" {
		t.Errorf("Expected text/csv, got %s", ct)
	}
	if cat, _ := q.got.Get("category"); cat.String() != `"windows"` {
		t.Errorf("filter not parsed: %s", q.got)
	}

	for _, target := range []string{
		"/api/v1/export?format=xml",
		"/api/v1/export?q=%5B1%5D",
		"/api/v1/export?q=%7B",
	} {
		rr = httptest.NewRecorder()
		h.HandleExport(rr, httptest.NewRequest(http.MethodGet, target, nil))
		if rr.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", target, rr.Code)
		}
	}
}
