package rest

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/resilient_updater/internal/logctx"
	"github.com/italolelis/resilient_updater/internal/storage"
	"github.com/italolelis/resilient_updater/internal/update"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 500
)

// Updater is the update cycle driven by the API.
type Updater interface {
	Status() update.Status
	CheckForUpdate(ctx context.Context) (*update.Manifest, error)
	StartDownload(ctx context.Context, done func(*update.Result, error)) error
	Install(ctx context.Context) error
}

type CheckResponse struct {
	Available bool             `json:"available"`
	Manifest  *update.Manifest `json:"manifest,omitempty"`
}

type HistoryResponse struct {
	LastCheck *storage.CheckRecord  `json:"last_check,omitempty"`
	Cycles    []storage.CycleRecord `json:"cycles"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Hint  string `json:"hint,omitempty"`
}

type UpdateHandler struct {
	ctx     context.Context
	updater Updater
	history storage.HistoryReadRepository
	token   string
}

// NewUpdateHandler creates the local status and control API. Downloads started through the
// API run on ctx rather than on the request context. An empty token disables authentication.
func NewUpdateHandler(ctx context.Context, updater Updater, history storage.HistoryReadRepository, token string) *UpdateHandler {
	return &UpdateHandler{
		ctx:     ctx,
		updater: updater,
		history: history,
		token:   token,
	}
}

func (h *UpdateHandler) Routes() http.Handler {
	r := chi.NewRouter()

	if h.token != "" {
		r.Use(h.tokenAuthMiddleware)
	}

	r.Get("/status", h.HandleStatus)
	r.Post("/check", h.HandleCheck)
	r.Post("/download", h.HandleDownload)
	r.Post("/install", h.HandleInstall)
	r.Get("/history", h.HandleHistory)

	return r
}

func (h *UpdateHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(r.Context(), w, http.StatusOK, h.updater.Status())
}

// HandleCheck queries the release feed and reports whether an update is available.
func (h *UpdateHandler) HandleCheck(w http.ResponseWriter, r *http.Request) {
	m, err := h.updater.CheckForUpdate(r.Context())
	if err != nil {
		h.writeError(w, r, err)

		return
	}

	writeJSON(r.Context(), w, http.StatusOK, CheckResponse{Available: m != nil, Manifest: m})
}

// HandleDownload starts downloading the available update. Progress and the outcome are
// reported through /status.
func (h *UpdateHandler) HandleDownload(w http.ResponseWriter, r *http.Request) {
	ctx := logctx.WithLogger(h.ctx, logctx.LoggerFromContext(r.Context()))

	err := h.updater.StartDownload(ctx, func(_ *update.Result, err error) {
		if err != nil {
			logctx.LoggerFromContext(ctx).Error("update download started from the API failed", "err", err)
		}
	})
	if err != nil {
		h.writeError(w, r, err)

		return
	}

	writeJSON(r.Context(), w, http.StatusAccepted, h.updater.Status())
}

func (h *UpdateHandler) HandleInstall(w http.ResponseWriter, r *http.Request) {
	if err := h.updater.Install(r.Context()); err != nil {
		h.writeError(w, r, err)

		return
	}

	w.WriteHeader(http.StatusAccepted)
}

func (h *UpdateHandler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logctx.LoggerFromContext(ctx)

	limit := defaultHistoryLimit

	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeJSON(ctx, w, http.StatusBadRequest, ErrorResponse{Error: "limit must be a positive integer"})

			return
		}

		limit = min(n, maxHistoryLimit)
	}

	var resp HistoryResponse

	last, err := h.history.LastCheck(ctx)
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		logger.Error("failed to load last check", "err", err)
		writeJSON(ctx, w, http.StatusInternalServerError, ErrorResponse{Error: "failed to load history"})

		return
	default:
		resp.LastCheck = last
	}

	cycles, err := h.history.ListCycles(ctx, limit)
	if err != nil {
		logger.Error("failed to list update cycles", "err", err)
		writeJSON(ctx, w, http.StatusInternalServerError, ErrorResponse{Error: "failed to load history"})

		return
	}

	resp.Cycles = cycles
	if resp.Cycles == nil {
		resp.Cycles = []storage.CycleRecord{}
	}

	writeJSON(ctx, w, http.StatusOK, resp)
}

func (h *UpdateHandler) tokenAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok {
			http.Error(w, "invalid authorization format", http.StatusUnauthorized)

			return
		}

		if subtle.ConstantTimeCompare([]byte(token), []byte(h.token)) != 1 {
			http.Error(w, "invalid token", http.StatusUnauthorized)

			return
		}

		next.ServeHTTP(w, r)
	})
}

func (h *UpdateHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()
	resp := ErrorResponse{Error: err.Error()}

	var netErr *update.NetworkError

	status := http.StatusInternalServerError

	switch {
	case errors.Is(err, update.ErrInProgress):
		status = http.StatusConflict
	case errors.Is(err, update.ErrNoManifest), errors.Is(err, update.ErrNotDownloaded):
		status = http.StatusPreconditionFailed
	case errors.Is(err, update.ErrClosed):
		status = http.StatusServiceUnavailable
	case errors.As(err, &netErr):
		status = http.StatusBadGateway
		resp.Hint = netErr.Hint
	default:
		logctx.LoggerFromContext(ctx).Error("update request failed", "path", r.URL.Path, "err", err)
	}

	writeJSON(ctx, w, status, resp)
}

func writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		logctx.LoggerFromContext(ctx).Error("failed to encode response", "err", err)
	}
}
