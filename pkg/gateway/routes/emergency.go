package routes

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/medrecnet/platform/pkg/common/models"
	"github.com/medrecnet/platform/pkg/federation"
)

type EmergencyHandler struct {
	orchestrator *federation.Orchestrator
}

func NewEmergencyHandler(orchestrator *federation.Orchestrator) *EmergencyHandler {
	return &EmergencyHandler{orchestrator: orchestrator}
}

func (h *EmergencyHandler) Register(r *mux.Router) {
	r.HandleFunc("/query/{icNumber}", h.handleQuery).Methods(http.MethodPost)
}

func (h *EmergencyHandler) handleQuery(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerOrReject(w, r)
	if !ok {
		return
	}
	// A malformed body counts as no reason. It still reaches the orchestrator
	// so the attempt is audited.
	var req models.EmergencyRequest
	if err := decodeJSON(r, &req); err != nil {
		req.Reason = ""
	}

	result, err := h.orchestrator.Emergency(r.Context(), mux.Vars(r)["icNumber"], caller, req.Reason)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}
