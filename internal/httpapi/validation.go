package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/TedBerlin/MIRAGE-v2/internal/models"
)

// decisionRequest is the wire shape of POST /validation/{id}.
type decisionRequest struct {
	Decision     string `json:"decision"`
	ModifiedText string `json:"modified_text,omitempty"`
	Notes        string `json:"notes,omitempty"`
	ReviewedBy   string `json:"reviewed_by,omitempty"`
}

func (h *Handler) handleDecision(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "validation id required")
		return
	}

	var req decisionRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		h.logger.Warn("Decision decode error", zap.Error(err))
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	updated, err := h.svc.SubmitHumanDecision(id, models.Decision{
		Decision:     models.ValidationStatus(strings.ToUpper(req.Decision)),
		ModifiedText: req.ModifiedText,
		Notes:        req.Notes,
		ReviewedBy:   req.ReviewedBy,
	})
	if err != nil {
		writeKindError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (h *Handler) handleGetValidation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	req, err := h.humanLoop.Get(id)
	if err != nil {
		writeKindError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (h *Handler) handleQueue(w http.ResponseWriter, r *http.Request) {
	pending := h.svc.ValidationQueue()

	// Optional trigger-kind filter, e.g. ?trigger_kind=SAFETY_REVIEW.
	if kind := r.URL.Query().Get("trigger_kind"); kind != "" {
		filtered := pending[:0]
		for _, req := range pending {
			if string(req.TriggerKind) == strings.ToUpper(kind) {
				filtered = append(filtered, req)
			}
		}
		pending = filtered
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"pending": pending,
		"count":   len(pending),
	})
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.ValidationStatistics())
}
