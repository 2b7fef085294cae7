// Package httpapi exposes a usagemeter Registry over HTTP.
//
// The caller identity is taken from the URL as-is; authentication belongs to
// the gateway in front of this service.
package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ineyio/usagemeter"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 200
	maxBodyBytes        = 64 << 10
)

// Service is the set of operations the handler serves. *usagemeter.Registry
// implements it.
type Service interface {
	Initialize(ctx context.Context, userID string, plan usagemeter.PlanID) (usagemeter.Status, error)
	Ensure(ctx context.Context, userID string, plan usagemeter.PlanID) (usagemeter.Status, error)
	HasCredits(ctx context.Context, userID string) (usagemeter.CreditCheck, error)
	StartSession(ctx context.Context, userID string, sc usagemeter.SessionContext) (string, error)
	Heartbeat(ctx context.Context, userID, sessionID string) (usagemeter.HeartbeatResult, error)
	EndSession(ctx context.Context, userID, sessionID string, reason usagemeter.EndReason) (usagemeter.EndResult, error)
	UpgradePlan(ctx context.Context, userID string, plan usagemeter.PlanID, resetUsage bool) (usagemeter.Status, error)
	DowngradePlan(ctx context.Context, userID string, plan usagemeter.PlanID) (usagemeter.Status, error)
	Status(ctx context.Context, userID string) (usagemeter.Status, error)
}

var _ Service = (*usagemeter.Registry)(nil)

// Handler serves the usage API.
type Handler struct {
	svc      Service
	history  usagemeter.SessionLister
	gatherer prometheus.Gatherer
	logger   *slog.Logger
}

// Option configures a Handler.
type Option func(*Handler)

// WithHistory enables GET /v1/users/{userID}/sessions backed by l.
func WithHistory(l usagemeter.SessionLister) Option {
	return func(h *Handler) { h.history = l }
}

// WithMetrics serves g on GET /metrics.
func WithMetrics(g prometheus.Gatherer) Option {
	return func(h *Handler) { h.gatherer = g }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) { h.logger = l }
}

// NewHandler creates a Handler serving svc.
func NewHandler(svc Service, opts ...Option) *Handler {
	h := &Handler{svc: svc}
	for _, opt := range opts {
		opt(h)
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	return h
}

// Routes returns the router with all routes configured.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.handleHealth)
	if h.gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/v1/users/{userID}", func(r chi.Router) {
		r.Post("/init", h.handleInit)
		r.Get("/credits", h.handleCredits)
		r.Get("/status", h.handleStatus)
		r.Post("/plan", h.handlePlan)

		r.Route("/sessions", func(r chi.Router) {
			r.Post("/", h.handleStartSession)
			r.Get("/", h.handleListSessions)
			r.Post("/{sessionID}/heartbeat", h.handleHeartbeat)
			r.Post("/{sessionID}/end", h.handleEndSession)
		})
	})

	return r
}

type initRequest struct {
	Plan usagemeter.PlanID `json:"plan"`
	// Ensure keeps existing state instead of overwriting it.
	Ensure bool `json:"ensure"`
}

type planRequest struct {
	Plan       usagemeter.PlanID `json:"plan"`
	ResetUsage bool              `json:"reset_usage"`
}

type endRequest struct {
	Reason usagemeter.EndReason `json:"reason"`
}

type startResponse struct {
	SessionID string `json:"session_id"`
}

type sessionView struct {
	ID          string                    `json:"id"`
	StartedAt   string                    `json:"started_at"`
	EndedAt     string                    `json:"ended_at,omitempty"`
	MinutesUsed int64                     `json:"minutes_used"`
	EndReason   usagemeter.EndReason      `json:"end_reason,omitempty"`
	Context     usagemeter.SessionContext `json:"context"`
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleInit(w http.ResponseWriter, r *http.Request) {
	var req initRequest
	if !h.decode(w, r, &req) {
		return
	}
	userID := chi.URLParam(r, "userID")

	var (
		st  usagemeter.Status
		err error
	)
	if req.Ensure {
		st, err = h.svc.Ensure(r.Context(), userID, req.Plan)
	} else {
		st, err = h.svc.Initialize(r.Context(), userID, req.Plan)
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Handler) handleCredits(w http.ResponseWriter, r *http.Request) {
	check, err := h.svc.HasCredits(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, check)
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.svc.Status(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Handler) handlePlan(w http.ResponseWriter, r *http.Request) {
	var req planRequest
	if !h.decode(w, r, &req) {
		return
	}
	userID := chi.URLParam(r, "userID")

	var (
		st  usagemeter.Status
		err error
	)
	if req.ResetUsage {
		st, err = h.svc.UpgradePlan(r.Context(), userID, req.Plan, true)
	} else {
		st, err = h.svc.DowngradePlan(r.Context(), userID, req.Plan)
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Handler) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var sc usagemeter.SessionContext
	if r.ContentLength != 0 && !h.decode(w, r, &sc) {
		return
	}
	id, err := h.svc.StartSession(r.Context(), chi.URLParam(r, "userID"), sc)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, startResponse{SessionID: id})
}

func (h *Handler) handleListSessions(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		writeJSON(w, http.StatusNotImplemented, errorResponse{
			Error: "session history is not available with this store",
			Code:  "not_implemented",
		})
		return
	}

	limit := defaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "limit must be a positive integer", Code: "bad_request"})
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	recs, err := h.history.ListSessions(r.Context(), chi.URLParam(r, "userID"), limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := make([]sessionView, 0, len(recs))
	for _, rec := range recs {
		v := sessionView{
			ID:          rec.ID,
			StartedAt:   rec.StartedAt.UTC().Format(timeFormat),
			MinutesUsed: rec.MinutesUsed,
			EndReason:   rec.EndReason,
			Context:     rec.Context,
		}
		if rec.EndedAt != nil {
			v.EndedAt = rec.EndedAt.UTC().Format(timeFormat)
		}
		out = append(out, v)
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.Heartbeat(r.Context(), chi.URLParam(r, "userID"), chi.URLParam(r, "sessionID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) handleEndSession(w http.ResponseWriter, r *http.Request) {
	var req endRequest
	if r.ContentLength != 0 && !h.decode(w, r, &req) {
		return
	}
	if req.Reason != "" && !req.Reason.Valid() {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "unknown end reason " + strconv.Quote(string(req.Reason)), Code: "bad_request"})
		return
	}
	res, err := h.svc.EndSession(r.Context(), chi.URLParam(r, "userID"), chi.URLParam(r, "sessionID"), req.Reason)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
