package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/nicktill/fpcollect/pkg/config"
	"github.com/nicktill/fpcollect/pkg/document"
	"github.com/nicktill/fpcollect/pkg/httpx"
)

// HandlerConfig tunes the HTTP surface
type HandlerConfig struct {
	// SessionCookie names the cookie carrying the client's session token
	SessionCookie string

	// QueryRate and QueryBurst bound compile queries across all callers
	QueryRate  float64
	QueryBurst int
}

// Handler adapts a Service to HTTP
type Handler struct {
	svc     *Service
	cookie  string
	limiter *rate.Limiter
	log     *zap.Logger
}

// SubmitResponse is returned for every submission that was not refused
type SubmitResponse struct {
	Status    string `json:"status"`
	Session   string `json:"session,omitempty"`
	Synthetic bool   `json:"synthetic,omitempty"`
	Outcome   string `json:"outcome,omitempty"`
	Category  string `json:"category,omitempty"`
}

// NewHandler creates an ingest handler
func NewHandler(svc *Service, cfg HandlerConfig, logger *zap.Logger) *Handler {
	if cfg.SessionCookie == "" {
		cfg.SessionCookie = config.DefaultSessionCookie
	}
	if cfg.QueryRate <= 0 {
		cfg.QueryRate = config.DefaultQueryRate
	}
	if cfg.QueryBurst <= 0 {
		cfg.QueryBurst = config.DefaultQueryBurst
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		svc:     svc,
		cookie:  cfg.SessionCookie,
		limiter: rate.NewLimiter(rate.Limit(cfg.QueryRate), cfg.QueryBurst),
		log:     logger.Named("http"),
	}
}

// HandleLogger handles POST /api/v1/logger
func (h *Handler) HandleLogger(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httpx.RespondErrorString(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	// One byte past the ceiling is enough to know the body is too large
	body, err := io.ReadAll(io.LimitReader(r.Body, h.svc.MaxBodyBytes()+1))
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, fmt.Errorf("read body: %w", err))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), config.IngestTimeout)
	defer cancel()

	rc, err := h.svc.Submit(ctx, clientIP(r), h.sessionToken(r), body)
	if err != nil {
		h.log.Error("submission failed", zap.Error(err))
		httpx.RespondErrorString(w, http.StatusInternalServerError, "submission failed")
		return
	}

	switch rc.Reason {
	case TooLarge:
		httpx.RespondError(w, http.StatusRequestEntityTooLarge,
			fmt.Errorf("%w (max %d bytes)", rc.Reason.Err(), h.svc.MaxBodyBytes()))
		return
	case RateLimited:
		httpx.RespondError(w, http.StatusTooManyRequests, rc.Reason.Err())
		return
	case MalformedBody:
		httpx.RespondError(w, http.StatusBadRequest, rc.Reason.Err())
		return
	}

	resp := SubmitResponse{
		Status:    "ok",
		Session:   rc.SessionToken,
		Synthetic: rc.Synthetic,
		Outcome:   rc.Outcome.String(),
		Category:  string(rc.Category),
	}
	httpx.RespondJSON(w, http.StatusOK, resp)
}

// HandleCompile handles GET /api/v1/compile?q=<json> and POST with a JSON body
func (h *Handler) HandleCompile(w http.ResponseWriter, r *http.Request) {
	if !h.limiter.Allow() {
		h.svc.Counters().Throttled.Add(1)
		httpx.RespondError(w, http.StatusTooManyRequests, ErrQueryRateLimited)
		return
	}

	raw, err := compileFilter(r, h.svc.MaxBodyBytes())
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}

	filter := document.NullNode()
	if len(strings.TrimSpace(string(raw))) > 0 {
		filter, err = document.Parse(raw)
		if err != nil {
			httpx.RespondError(w, http.StatusBadRequest, fmt.Errorf("filter: %w", err))
			return
		}
	}

	table, report, err := h.svc.Query(r.Context(), filter)
	if errors.Is(err, document.ErrInvalidFilter) {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}
	if err != nil {
		h.log.Error("compile failed", zap.Error(err))
		httpx.RespondErrorString(w, http.StatusInternalServerError, "compile failed")
		return
	}

	body, err := table.MarshalJSON()
	if err != nil {
		httpx.RespondError(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("X-Matched", fmt.Sprint(report.Matched))
	if report.Skipped > 0 {
		w.Header().Set("X-Skipped", fmt.Sprint(report.Skipped))
	}
	httpx.RespondRaw(w, http.StatusOK, body)
}

func compileFilter(r *http.Request, limit int64) ([]byte, error) {
	switch r.Method {
	case http.MethodGet:
		return []byte(r.URL.Query().Get("q")), nil
	case http.MethodPost:
		body, err := io.ReadAll(io.LimitReader(r.Body, limit))
		if err != nil {
			return nil, fmt.Errorf("read filter: %w", err)
		}
		return body, nil
	default:
		return nil, fmt.Errorf("method %s not allowed", r.Method)
	}
}

func (h *Handler) sessionToken(r *http.Request) string {
	c, err := r.Cookie(h.cookie)
	if err != nil {
		return ""
	}
	return c.Value
}

// clientIP is the submitter's address without the port
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
