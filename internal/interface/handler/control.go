package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"interceptor/internal/domain"
	"interceptor/internal/usecase"
)

const maxControlBody = 16 << 20

// ControlHandler は制御APIのHTTPハンドラー
type ControlHandler struct {
	control *usecase.ControlUseCase
	replay  *usecase.ReplayUseCase
	metrics *MetricsHandler
	logger  domain.Logger
}

func NewControlHandler(
	control *usecase.ControlUseCase,
	replay *usecase.ReplayUseCase,
	metrics *MetricsHandler,
	logger domain.Logger,
) *ControlHandler {
	return &ControlHandler{
		control: control,
		replay:  replay,
		metrics: metrics,
		logger:  logger,
	}
}

// Routes は制御APIのルーターを返す
func (h *ControlHandler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(h.logRequests)

	r.Get("/health", h.metrics.HandleHealth)
	r.Get("/metrics", h.metrics.HandleMetrics)
	r.Get("/stats", h.metrics.HandleStats)

	r.Route("/api", func(r chi.Router) {
		r.Get("/intercept", h.getIntercept)
		r.Put("/intercept", h.putIntercept)
		r.Get("/intercept/pending", h.listPending)
		r.Post("/intercept/{id}/forward", h.forward)
		r.Post("/intercept/{id}/drop", h.drop)

		r.Get("/traffic", h.queryTraffic)
		r.Get("/traffic/{id}", h.getExchange)

		r.Get("/inspectors", h.listInspectors)
		r.Get("/ca.pem", h.caCertificate)

		r.Post("/repeater", h.repeat)
		r.Post("/fuzzer", h.fuzz)
	})
	return r
}

func (h *ControlHandler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.logger.Debug("Control request", map[string]interface{}{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   ww.Status(),
			"duration": time.Since(start).String(),
		})
	})
}

type interceptState struct {
	Enabled bool `json:"enabled"`
}

func (h *ControlHandler) getIntercept(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, interceptState{Enabled: h.control.InterceptEnabled()})
}

func (h *ControlHandler) putIntercept(w http.ResponseWriter, r *http.Request) {
	var req interceptState
	if err := json.NewDecoder(io.LimitReader(r.Body, maxControlBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	h.control.SetInterceptEnabled(req.Enabled)
	writeJSON(w, http.StatusOK, interceptState{Enabled: h.control.InterceptEnabled()})
}

func (h *ControlHandler) listPending(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.control.ListPendingIntercepted())
}

// forward はボディがあれば編集後のメッセージとして転送する
func (h *ControlHandler) forward(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxControlBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	action := domain.Action{}
	if len(body) > 0 {
		action.Edited = body
	}
	h.resolve(w, chi.URLParam(r, "id"), action)
}

func (h *ControlHandler) drop(w http.ResponseWriter, r *http.Request) {
	h.resolve(w, chi.URLParam(r, "id"), domain.Action{Drop: true})
}

func (h *ControlHandler) resolve(w http.ResponseWriter, id string, action domain.Action) {
	err := h.control.ResolveIntercepted(id, action)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, domain.ErrAlreadyResolved):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, domain.ErrMalformedMessage):
		writeError(w, http.StatusBadRequest, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

func (h *ControlHandler) queryTraffic(w http.ResponseWriter, r *http.Request) {
	f, err := parseTrafficFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, h.control.QueryTraffic(f))
}

func (h *ControlHandler) getExchange(w http.ResponseWriter, r *http.Request) {
	x, err := h.control.GetExchange(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, x)
}

func (h *ControlHandler) listInspectors(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.control.Inspectors())
}

func (h *ControlHandler) caCertificate(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/x-pem-file")
	w.Header().Set("Content-Disposition", `attachment; filename="interceptor-ca.pem"`)
	w.Write(h.control.CACertificatePEM())
}

type repeatRequest struct {
	Target usecase.ReplayTarget `json:"target"`
	Raw    string               `json:"raw"`
}

func (h *ControlHandler) repeat(w http.ResponseWriter, r *http.Request) {
	var req repeatRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxControlBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	x, err := h.replay.Repeat(r.Context(), req.Target, []byte(req.Raw))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, x)
}

func (h *ControlHandler) fuzz(w http.ResponseWriter, r *http.Request) {
	var req usecase.FuzzRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxControlBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	results, err := h.replay.Fuzz(r.Context(), req)
	if err != nil && results == nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, results)
}

// parseTrafficFilter はクエリパラメータから検索条件を作る
func parseTrafficFilter(r *http.Request) (domain.TrafficFilter, error) {
	q := r.URL.Query()
	f := domain.TrafficFilter{
		HostContains: q.Get("host"),
		Kind:         q.Get("kind"),
	}
	for _, m := range q["method"] {
		for _, part := range strings.Split(m, ",") {
			if part = strings.TrimSpace(part); part != "" {
				f.Methods = append(f.Methods, part)
			}
		}
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"status_min", &f.StatusMin},
		{"status_max", &f.StatusMax},
		{"limit", &f.Limit},
	}
	for _, p := range ints {
		if v := q.Get(p.key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return f, errors.New("invalid " + p.key)
			}
			*p.dst = n
		}
	}

	times := []struct {
		key string
		dst *time.Time
	}{
		{"since", &f.Since},
		{"until", &f.Until},
	}
	for _, p := range times {
		if v := q.Get(p.key); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return f, errors.New("invalid " + p.key)
			}
			*p.dst = t
		}
	}
	return f, nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
