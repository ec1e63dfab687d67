package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/example/bloodlink/internal/auth"
	"github.com/example/bloodlink/internal/donation/domain"
	"github.com/example/bloodlink/internal/donation/service"
	"github.com/example/bloodlink/internal/http/middleware"
)

// Alerts is what the HTTP surface needs from the broadcaster.
type Alerts interface {
	Match(ctx context.Context, requestID string) (service.MatchReport, error)
	SendReminder(ctx context.Context, requestID string) (domain.DeliverySummary, error)
	HandleRequestCreated(ctx context.Context, requestID string) (domain.DeliverySummary, error)
	RecentAlerts(ctx context.Context, limit int) ([]domain.AlertRecord, error)
}

// Registry stores donors and requests and lists them back.
type Registry interface {
	RegisterDonor(ctx context.Context, in service.DonorInput) (domain.Donor, error)
	ListDonors(ctx context.Context) ([]domain.Donor, error)
	GetDonor(ctx context.Context, id string) (domain.Donor, error)
	CreateRequest(ctx context.Context, in service.RequestInput) (service.CreatedRequest, error)
	ListRequests(ctx context.Context) ([]domain.BloodRequest, error)
	GetRequest(ctx context.Context, id string) (domain.BloodRequest, error)
}

type StatsSource interface {
	Snapshot(ctx context.Context) (service.Stats, error)
}

type Options struct {
	// JWTSecret enables bearer auth on alert-triggering routes when set.
	JWTSecret string
	Limiter   *middleware.RateLimiter
	Logger    *zap.Logger
}

// HTTP exposes the registration, match, alert and stats endpoints plus the
// websocket upgrade.
type HTTP struct {
	alerts   Alerts
	registry Registry
	stats    StatsSource
	ws     http.Handler
	opts   Options
	logger *zap.Logger
}

func NewHTTP(alerts Alerts, registry Registry, stats StatsSource, ws http.Handler, opts Options) *HTTP {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTP{alerts: alerts, registry: registry, stats: stats, ws: ws, opts: opts, logger: logger}
}

func (h *HTTP) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID, chimw.RealIP, h.accessLog, chimw.Recoverer)

	if h.ws != nil {
		r.Get("/ws", h.ws.ServeHTTP)
	}
	r.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(h.opts.Limiter.Limit("read"))
			r.Get("/", h.root)
			r.Get("/match-donors/{id}", h.matchDonors)
			r.Get("/stats", h.getStats)
			r.Get("/alerts/recent", h.recentAlerts)
			r.Get("/donors", h.listDonors)
			r.Get("/donors/{id}", h.getDonor)
			r.Get("/blood-requests", h.listRequests)
			r.Get("/blood-requests/{id}", h.getRequest)
		})
		// Donor sign-up is open but shares the write limit.
		r.With(h.opts.Limiter.Limit("alert")).Post("/donors", h.registerDonor)
		r.Group(func(r chi.Router) {
			r.Use(h.opts.Limiter.Limit("alert"))
			if h.opts.JWTSecret != "" {
				r.Use(auth.Middleware(h.opts.JWTSecret, auth.RoleHospital, auth.RoleAdmin))
			}
			r.Post("/blood-requests", h.createRequest)
			r.Post("/alerts/send-reminder/{id}", h.sendReminder)
			r.Post("/alerts/dispatch/{id}", h.dispatch)
		})
	})
	return r
}

func (h *HTTP) root(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": "Blood donor alert service"})
}

func (h *HTTP) matchDonors(w http.ResponseWriter, r *http.Request) {
	report, err := h.alerts.Match(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *HTTP) registerDonor(w http.ResponseWriter, r *http.Request) {
	var in service.DonorInput
	if !decodeBody(w, r, &in) {
		return
	}
	donor, err := h.registry.RegisterDonor(r.Context(), in)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, donor)
}

func (h *HTTP) listDonors(w http.ResponseWriter, r *http.Request) {
	donors, err := h.registry.ListDonors(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if donors == nil {
		donors = []domain.Donor{}
	}
	writeJSON(w, http.StatusOK, donors)
}

func (h *HTTP) getDonor(w http.ResponseWriter, r *http.Request) {
	donor, err := h.registry.GetDonor(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, donor)
}

func (h *HTTP) createRequest(w http.ResponseWriter, r *http.Request) {
	var in service.RequestInput
	if !decodeBody(w, r, &in) {
		return
	}
	created, err := h.registry.CreateRequest(r.Context(), in)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.auditAlert(r, "create", created.Dispatch)
	writeJSON(w, http.StatusCreated, created)
}

func (h *HTTP) listRequests(w http.ResponseWriter, r *http.Request) {
	reqs, err := h.registry.ListRequests(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if reqs == nil {
		reqs = []domain.BloodRequest{}
	}
	writeJSON(w, http.StatusOK, reqs)
}

func (h *HTTP) getRequest(w http.ResponseWriter, r *http.Request) {
	req, err := h.registry.GetRequest(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

type alertResponse struct {
	Message string `json:"message"`
	domain.DeliverySummary
}

func (h *HTTP) sendReminder(w http.ResponseWriter, r *http.Request) {
	summary, err := h.alerts.SendReminder(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.auditAlert(r, "reminder", summary)
	writeJSON(w, http.StatusOK, alertResponse{Message: "Reminder alert sent", DeliverySummary: summary})
}

func (h *HTTP) dispatch(w http.ResponseWriter, r *http.Request) {
	summary, err := h.alerts.HandleRequestCreated(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.auditAlert(r, "dispatch", summary)
	writeJSON(w, http.StatusOK, alertResponse{Message: "Emergency alert dispatched", DeliverySummary: summary})
}

func (h *HTTP) recentAlerts(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid limit"})
			return
		}
		limit = n
	}
	recs, err := h.alerts.RecentAlerts(r.Context(), limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (h *HTTP) getStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.stats.Snapshot(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *HTTP) auditAlert(r *http.Request, action string, summary domain.DeliverySummary) {
	fields := []zap.Field{
		zap.String("action", action),
		zap.String("request_id", summary.RequestID),
		zap.Int("delivered", summary.OnlineCount),
	}
	if claims, ok := auth.ClaimsFromContext(r.Context()); ok {
		fields = append(fields, zap.String("subject", claims.Subject), zap.String("role", claims.Role))
		if claims.HospitalID != "" {
			fields = append(fields, zap.String("hospital_id", claims.HospitalID))
		}
	}
	h.logger.Info("alert triggered", fields...)
}

type errorBody struct {
	Error string `json:"error"`
}

func (h *HTTP) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidBloodType), errors.Is(err, domain.ErrInvalidUrgency):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrDuplicateDonor):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
	}
	writeJSON(w, status, errorBody{Error: err.Error()})
}

func (h *HTTP) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", chimw.GetReqID(r.Context())))
	})
}

const maxBodyBytes = 1 << 16

// decodeBody reads a JSON body into v and answers 400 when it cannot.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body: " + err.Error()})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
