package ingest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/fpcollect/pkg/admission"
)

func TestHandlePrometheusMetrics(t *testing.T) {
	f := newFixture(t, admission.DefaultPolicy())
	ctx := context.Background()

	_, err := f.svc.Submit(ctx, "10.1.1.1", "a", []byte(linuxBody))
	require.NoError(t, err)
	_, err = f.svc.Submit(ctx, "10.1.1.1", "a", []byte(linuxBody))
	require.NoError(t, err)

	h := NewHandler(f.svc, HandlerConfig{}, nil)
	rr := httptest.NewRecorder()
	h.HandlePrometheusMetrics(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Header().Get("Content-Type"), "text/plain")

	body := rr.Body.String()
	assert.Contains(t, body, "# TYPE fpcollect_submissions_total counter\n")
	assert.Contains(t, body, "fpcollect_submissions_total 2\n")
	assert.Contains(t, body, `fpcollect_fingerprints_stored_total{category="linux"} 1`)
	assert.Contains(t, body, `fpcollect_fingerprints_stored_total{category="mac"} 0`)
	assert.Contains(t, body, `fpcollect_submissions_rejected_total{reason="duplicate_session"} 1`)
}

func TestFormatPrometheusLabels(t *testing.T) {
	tests := []struct {
		name   string
		labels map[string]string
		want   string
	}{
		{"empty", nil, ""},
		{"single", map[string]string{"a": "b"}, `{a="b"}`},
		{"sorted", map[string]string{"z": "1", "a": "2"}, `{a="2",z="1"}`},
		{"escaped", map[string]string{"k": "q\"\\\n"}, `{k="q\"\\\n"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, formatPrometheusLabels(tt.labels))
		})
	}
}

func TestWritePrometheus_Fresh(t *testing.T) {
	var sb strings.Builder
	NewCounters().WritePrometheus(&sb)
	assert.Contains(t, sb.String(), "fpcollect_compile_queries_total 0")
}
