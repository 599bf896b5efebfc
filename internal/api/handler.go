// Package api exposes items, popularity rankings and the recalculate action
// over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"magstats/internal/article"
	"magstats/internal/metrics"
	"magstats/internal/provider"
	"magstats/internal/ranking"
	"magstats/internal/reconcile"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const (
	defaultLimit = 10
	maxLimit     = 100
	maxBodySize  = 1 << 20
)

type ItemStore interface {
	UpsertByExternalID(ctx context.Context, it *article.Item) (bool, error)
	FindByExternalID(ctx context.Context, id int64) (article.Item, error)
	IncrementViews(ctx context.Context, id int64) (int64, error)
	Scope(sel article.Selector) article.Scope
}

type Ranker interface {
	Top(ctx context.Context, scope article.Scope, limit int, exclude ...int64) ([]ranking.Ranked, error)
}

type Recalculator interface {
	Recalculate(ctx context.Context, id int64) (reconcile.Report, error)
}

type Handler struct {
	items        ItemStore
	ranker       Ranker
	recalculator Recalculator
	logger       zerolog.Logger
}

func NewHandler(items ItemStore, ranker Ranker, recalculator Recalculator, logger zerolog.Logger) *Handler {
	return &Handler{
		items:        items,
		ranker:       ranker,
		recalculator: recalculator,
		logger:       logger.With().Str("component", "api").Logger(),
	}
}

func (h *Handler) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(h.requestLogger)

	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/items/{id:[0-9]+}", h.putItem).Methods(http.MethodPut)
	v1.HandleFunc("/items/{id:[0-9]+}", h.getItem).Methods(http.MethodGet)
	v1.HandleFunc("/items/{id:[0-9]+}/views", h.recordView).Methods(http.MethodPost)
	v1.HandleFunc("/items/{id:[0-9]+}/recalculate", h.recalculate).Methods(http.MethodPost)
	v1.HandleFunc("/popular", h.popular).Methods(http.MethodGet)

	return r
}

func (h *Handler) putItem(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	var it article.Item
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err := dec.Decode(&it); err != nil {
		writeError(w, http.StatusBadRequest, "invalid item body: "+err.Error())
		return
	}
	if it.ExternalID != 0 && it.ExternalID != id {
		writeError(w, http.StatusBadRequest, "body id does not match path id")
		return
	}
	it.ExternalID = id

	changed, err := h.items.UpsertByExternalID(r.Context(), &it)
	if errors.Is(err, article.ErrUnknownKind) {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if err != nil {
		h.internalError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"id": id, "changed": changed})
}

func (h *Handler) getItem(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	it, err := h.items.FindByExternalID(r.Context(), id)
	if errors.Is(err, article.ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		h.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, it)
}

func (h *Handler) recordView(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	views, err := h.items.IncrementViews(r.Context(), id)
	if errors.Is(err, article.ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		h.internalError(w, r, err)
		return
	}

	metrics.ViewEvents.Inc()
	writeJSON(w, http.StatusOK, map[string]int64{"id": id, "views": views})
}

func (h *Handler) recalculate(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	rep, err := h.recalculator.Recalculate(r.Context(), id)
	switch {
	case errors.Is(err, article.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
		return
	case provider.IsConfig(err):
		// the pass ran; a provider needs operator attention
		h.logger.Error().Err(err).Int64("item_id", id).Msg("recalculate hit a configuration error")
		writeJSON(w, http.StatusOK, recalculateResponse{Report: rep, Errors: []string{err.Error()}})
		return
	case err != nil:
		h.internalError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, recalculateResponse{Report: rep})
}

type recalculateResponse struct {
	Report reconcile.Report `json:"report"`
	Errors []string         `json:"errors,omitempty"`
}

type popularResponse struct {
	Scope string           `json:"scope"`
	Items []ranking.Ranked `json:"items"`
}

// popular serves /popular?scope=section&id=3&limit=5&exclude=10,11.
func (h *Handler) popular(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	kind := q.Get("scope")
	if kind == "" {
		kind = string(article.ScopeAll)
	}

	var id int64
	if v := q.Get("id"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid id")
			return
		}
		id = n
	}

	ids, err := parseIDList(q.Get("ids"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid ids: "+err.Error())
		return
	}
	exclude, err := parseIDList(q.Get("exclude"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid exclude: "+err.Error())
		return
	}

	limit := defaultLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < ranking.Unlimited || n > maxLimit {
			writeError(w, http.StatusBadRequest, "limit must be between -1 and 100")
			return
		}
		limit = n
	}

	sel, err := article.ParseSelector(kind, id, ids)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	metrics.RankRequests.WithLabelValues(string(sel.Kind)).Inc()

	ranked, err := h.ranker.Top(r.Context(), h.items.Scope(sel), limit, exclude...)
	if err != nil {
		h.logger.Warn().Err(err).Str("scope", kind).Msg("ranking failed")
		writeError(w, http.StatusServiceUnavailable, "scope unavailable")
		return
	}
	if ranked == nil {
		ranked = []ranking.Ranked{}
	}

	writeJSON(w, http.StatusOK, popularResponse{Scope: kind, Items: ranked})
}

func (h *Handler) internalError(w http.ResponseWriter, r *http.Request, err error) {
	h.logger.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	writeError(w, http.StatusInternalServerError, "internal error")
}

func (h *Handler) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)

		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		h.logger.Debug().
			Str("request_id", requestID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", sw.status).
			Dur("took", time.Since(start)).
			Msg("request")
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid id")
		return 0, false
	}
	return id, true
}

func parseIDList(raw string) ([]int64, error) {
	if raw == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	ids := make([]int64, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		id, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
