package httpapi

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/TedBerlin/MIRAGE-v2/internal/models"
)

// queryRequest is the wire shape of POST /query.
type queryRequest struct {
	Query           string `json:"query"`
	TargetLanguage  string `json:"target_language,omitempty"`
	EnableHumanLoop *bool  `json:"enable_human_loop,omitempty"`
}

func (h *Handler) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		h.logger.Warn("Query decode error", zap.Error(err))
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	q := models.Query{
		Text:            req.Query,
		EnableHumanLoop: h.svc.HumanLoopDefault(),
	}
	if req.EnableHumanLoop != nil {
		q.EnableHumanLoop = *req.EnableHumanLoop
	}
	if req.TargetLanguage != "" {
		lang, err := models.ParseLanguage(req.TargetLanguage)
		if err != nil {
			writeKindError(w, err)
			return
		}
		q.TargetLanguage = lang
	}

	resp, err := h.svc.ProcessQuery(r.Context(), q)
	if err != nil {
		writeKindError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleResult(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "validation id required")
		return
	}

	resp, err := h.svc.FetchResolved(r.Context(), id)
	if err != nil {
		writeKindError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
