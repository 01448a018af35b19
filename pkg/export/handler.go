package export

import (
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/nicktill/fpcollect/pkg/document"
	"github.com/nicktill/fpcollect/pkg/httpx"
)

// Handler serves GET /api/v1/export
type Handler struct {
	exporter *Exporter
	log      *zap.Logger
}

// NewHandler creates a new export handler
func NewHandler(q Querier, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{exporter: NewExporter(q), log: logger.Named("export")}
}

// HandleExport handles GET /api/v1/export
// Query params:
//   - format: "json" or "csv" (default: json)
//   - q: JSON filter document (default: everything)
func (h *Handler) HandleExport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httpx.RespondErrorString(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	query := r.URL.Query()

	format := query.Get("format")
	if format == "" {
		format = "json"
	}
	if format != "json" && format != "csv" {
		httpx.RespondErrorString(w, http.StatusBadRequest, "invalid format, must be 'json' or 'csv'")
		return
	}

	opts := ExportOptions{Filter: document.NullNode(), Format: format}
	if q := query.Get("q"); q != "" {
		filter, err := document.Parse([]byte(q))
		if err != nil {
			httpx.RespondError(w, http.StatusBadRequest, fmt.Errorf("filter: %w", err))
			return
		}
		if _, err := document.NewFilter(filter); err != nil {
			httpx.RespondError(w, http.StatusBadRequest, err)
			return
		}
		opts.Filter = filter
	}

	timestamp := time.Now().Format("20060102-150405")
	if format == "json" {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=fpcollect-export-%s.json", timestamp))
	} else {
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=fpcollect-export-%s.csv", timestamp))
	}

	var (
		result *ExportResult
		err    error
	)
	if format == "json" {
		result, err = h.exporter.ExportToJSON(r.Context(), w, opts)
	} else {
		result, err = h.exporter.ExportToCSV(r.Context(), w, opts)
	}
	if err != nil {
		h.log.Error("export failed", zap.Error(err))
		httpx.RespondErrorString(w, http.StatusInternalServerError, "export failed")
		return
	}

	h.log.Info("exported",
		zap.String("format", format),
		zap.Int("paths", result.Paths),
		zap.Int("rows", result.Rows),
		zap.Int64("matched", result.Matched))
}
