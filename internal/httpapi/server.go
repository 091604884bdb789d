// Package httpapi exposes the thin HTTP adapters over the orchestrator
// core: query submission, the validation queue and decision endpoint, and
// the websocket feed for reviewer UIs.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/TedBerlin/MIRAGE-v2/internal/health"
	"github.com/TedBerlin/MIRAGE-v2/internal/humanloop"
	"github.com/TedBerlin/MIRAGE-v2/internal/models"
	"github.com/TedBerlin/MIRAGE-v2/internal/orchestrator"
)

// Handler bundles the HTTP surface.
type Handler struct {
	svc        *orchestrator.Service
	humanLoop  *humanloop.Manager
	health     *health.Manager
	logger     *zap.Logger
	adminToken string
}

// NewHandler creates the HTTP surface over the orchestrator service.
func NewHandler(svc *orchestrator.Service, hl *humanloop.Manager, hm *health.Manager, adminToken string, logger *zap.Logger) *Handler {
	return &Handler{
		svc:        svc,
		humanLoop:  hl,
		health:     hm,
		logger:     logger,
		adminToken: adminToken,
	}
}

// RegisterRoutes registers all routes on the provided mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /query", h.handleQuery)
	mux.HandleFunc("GET /validations", h.requireAuth(h.handleQueue))
	mux.HandleFunc("GET /validations/stats", h.requireAuth(h.handleStats))
	mux.HandleFunc("GET /validation/{id}", h.requireAuth(h.handleGetValidation))
	mux.HandleFunc("POST /validation/{id}", h.requireAuth(h.handleDecision))
	mux.HandleFunc("GET /validation/{id}/result", h.handleResult)
	mux.HandleFunc("GET /ws/validations", h.requireAuth(h.handleValidationFeed))
	mux.HandleFunc("GET /health", h.health.Handler())
	mux.HandleFunc("GET /healthz", h.health.LivenessHandler())
}

// Server assembles an http.Server with the teacher-standard timeouts.
func (h *Handler) Server(port int) *http.Server {
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	return &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 150 * time.Second, // must outlast the workflow timeout
		IdleTimeout:  60 * time.Second,
	}
}

// requireAuth enforces the static admin bearer token on reviewer endpoints.
// An empty configured token disables auth (development mode).
func (h *Handler) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.adminToken != "" {
			auth := r.Header.Get("Authorization")
			if !strings.HasPrefix(auth, "Bearer ") || strings.TrimPrefix(auth, "Bearer ") != h.adminToken {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
		}
		next(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeKindError maps the error taxonomy onto HTTP status codes.
func writeKindError(w http.ResponseWriter, err error) {
	var status int
	switch models.KindOf(err) {
	case models.KindInputInvalid:
		status = http.StatusBadRequest
	case models.KindNotFound:
		status = http.StatusNotFound
	case models.KindConflict:
		status = http.StatusConflict
	case models.KindTimeout:
		status = http.StatusGatewayTimeout
	default:
		status = http.StatusInternalServerError
	}

	msg := err.Error()
	var me *models.Error
	if errors.As(err, &me) && status == http.StatusInternalServerError {
		// Internal details stay in the logs.
		msg = string(me.Kind)
	}
	writeError(w, status, msg)
}
