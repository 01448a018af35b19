package ingest

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/nicktill/fpcollect/pkg/classify"
)

// Counters are process-lifetime totals for the ingest surfaces
type Counters struct {
	Submissions atomic.Uint64
	Stored      atomic.Uint64
	Duplicates  atomic.Uint64
	Unhealthy   atomic.Uint64
	Malformed   atomic.Uint64
	RateLimited atomic.Uint64
	TooLarge    atomic.Uint64
	Queries     atomic.Uint64
	QueryErrors atomic.Uint64
	Throttled   atomic.Uint64 // compile queries refused by the query limiter

	byCategory map[classify.Category]*atomic.Uint64
}

// NewCounters creates zeroed counters with one slot per category
func NewCounters() *Counters {
	c := &Counters{byCategory: make(map[classify.Category]*atomic.Uint64, len(classify.Categories))}
	for _, cat := range classify.Categories {
		c.byCategory[cat] = new(atomic.Uint64)
	}
	return c
}

func (c *Counters) stored(cat classify.Category) {
	c.Stored.Add(1)
	if n, ok := c.byCategory[cat]; ok {
		n.Add(1)
	}
}

// StoredBy returns how many fingerprints of cat were stored
func (c *Counters) StoredBy(cat classify.Category) uint64 {
	if n, ok := c.byCategory[cat]; ok {
		return n.Load()
	}
	return 0
}

// StoredByCategory returns a snapshot of the per-category stored counts
func (c *Counters) StoredByCategory() map[string]uint64 {
	out := make(map[string]uint64, len(c.byCategory))
	for cat, n := range c.byCategory {
		out[string(cat)] = n.Load()
	}
	return out
}

type sample struct {
	labels map[string]string
	value  uint64
}

type family struct {
	name    string
	help    string
	samples []sample
}

func (c *Counters) families() []family {
	single := func(name, help string, v *atomic.Uint64) family {
		return family{name: name, help: help, samples: []sample{{value: v.Load()}}}
	}

	stored := family{name: "fpcollect_fingerprints_stored_total", help: "Fingerprints stored, by category"}
	for _, cat := range classify.Categories {
		stored.samples = append(stored.samples, sample{
			labels: map[string]string{"category": string(cat)},
			value:  c.StoredBy(cat),
		})
	}

	rejected := family{name: "fpcollect_submissions_rejected_total", help: "Submissions not accepted, by reason"}
	for _, r := range []struct {
		reason Reason
		v      *atomic.Uint64
	}{
		{RateLimited, &c.RateLimited},
		{TooLarge, &c.TooLarge},
		{DuplicateSession, &c.Duplicates},
		{MalformedBody, &c.Malformed},
	} {
		rejected.samples = append(rejected.samples, sample{
			labels: map[string]string{"reason": r.reason.String()},
			value:  r.v.Load(),
		})
	}

	return []family{
		single("fpcollect_submissions_total", "Submissions received", &c.Submissions),
		stored,
		rejected,
		single("fpcollect_submissions_unhealthy_total", "Submissions whose capture failed its self check", &c.Unhealthy),
		single("fpcollect_compile_queries_total", "Compile queries run", &c.Queries),
		single("fpcollect_compile_errors_total", "Compile queries that failed", &c.QueryErrors),
		single("fpcollect_compile_throttled_total", "Compile queries refused by the rate limiter", &c.Throttled),
	}
}

// WritePrometheus renders the counters in Prometheus text format
//
// Format: https://prometheus.io/docs/instrumenting/exposition_formats/
func (c *Counters) WritePrometheus(w io.Writer) {
	for _, f := range c.families() {
		fmt.Fprintf(w, "# HELP %s %s\n", f.name, f.help)
		fmt.Fprintf(w, "# TYPE %s counter\n", f.name)
		for _, s := range f.samples {
			fmt.Fprintf(w, "%s%s %d\n", f.name, formatPrometheusLabels(s.labels), s.value)
		}
		fmt.Fprintf(w, "\n")
	}
}

// HandlePrometheusMetrics exports the ingest counters for scraping
func (h *Handler) HandlePrometheusMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	h.svc.Counters().WritePrometheus(w)
}

// formatPrometheusLabels formats labels in Prometheus format: {key="value",key2="value2"}
func formatPrometheusLabels(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}

	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, fmt.Sprintf(`%s="%s"`, k, escapePrometheusValue(labels[k])))
	}
	return "{" + strings.Join(pairs, ",") + "}"
}

// escapePrometheusValue escapes backslash, double-quote, and line feed
func escapePrometheusValue(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	s = strings.ReplaceAll(s, "\n", `\n`)
	return s
}
