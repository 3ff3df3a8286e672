package routes

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/medrecnet/platform/pkg/audit"
	"github.com/medrecnet/platform/pkg/common/logger"
	"github.com/medrecnet/platform/pkg/common/models"
	"github.com/medrecnet/platform/pkg/consent"
	"github.com/medrecnet/platform/pkg/federation"
	"github.com/medrecnet/platform/pkg/index"
)

// CentralHandler serves the hub's patient-facing API. It expects to be
// mounted under /central behind middleware.Authenticate.
type CentralHandler struct {
	orchestrator *federation.Orchestrator
	audit        *audit.Service
	consent      *consent.Service
	index        *index.Service
}

func NewCentralHandler(orchestrator *federation.Orchestrator, auditService *audit.Service, consentService *consent.Service, indexService *index.Service) *CentralHandler {
	return &CentralHandler{
		orchestrator: orchestrator,
		audit:        auditService,
		consent:      consentService,
		index:        indexService,
	}
}

func (h *CentralHandler) Register(r *mux.Router) {
	r.HandleFunc("/query/{icNumber}", h.handleQuery).Methods(http.MethodGet)
	r.HandleFunc("/audit-logs", h.handleAuditLogs).Methods(http.MethodGet)
	r.HandleFunc("/audit-logs/verify", h.handleAuditVerify).Methods(http.MethodGet)
	r.HandleFunc("/privacy/{icNumber}", h.handlePrivacyList).Methods(http.MethodGet)
	r.HandleFunc("/privacy/{icNumber}/{hospitalId}", h.handlePrivacyUpdate).Methods(http.MethodPost)
	r.HandleFunc("/index/{icNumber}", h.handleIndex).Methods(http.MethodGet)
}

func (h *CentralHandler) handleQuery(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerOrReject(w, r)
	if !ok {
		return
	}
	opts := federation.QueryOptions{}
	if raw := r.URL.Query().Get("checkInteractions"); raw != "" {
		check, err := strconv.ParseBool(raw)
		if err != nil {
			http.Error(w, "checkInteractions must be a boolean", http.StatusBadRequest)
			return
		}
		opts.CheckInteractions = check
	}

	result, err := h.orchestrator.Query(r.Context(), mux.Vars(r)["icNumber"], caller, opts)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// scopeAuditFilter narrows a filter to what the caller may read. Admins see
// everything, patients see entries about themselves and everyone else sees
// their own actions.
func scopeAuditFilter(caller models.Caller, filter audit.Filter) (audit.Filter, bool) {
	switch caller.Role {
	case models.RoleCentralAdmin:
		return filter, true
	case models.RolePatient:
		if caller.ICNumber == "" || (filter.TargetICNumber != "" && filter.TargetICNumber != caller.ICNumber) {
			return filter, false
		}
		filter.TargetICNumber = caller.ICNumber
		return filter, true
	default:
		if filter.ActorID != "" && filter.ActorID != caller.ActorID {
			return filter, false
		}
		filter.ActorID = caller.ActorID
		return filter, true
	}
}

func (h *CentralHandler) handleAuditLogs(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerOrReject(w, r)
	if !ok {
		return
	}
	filter, err := audit.ParseFilter(r.URL.Query())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	filter, allowed := scopeAuditFilter(caller, filter)
	if !allowed {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	entries, err := h.audit.Query(r.Context(), filter)
	if err != nil {
		if audit.IsValidationError(err) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, entries)
}

func (h *CentralHandler) handleAuditVerify(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerOrReject(w, r)
	if !ok {
		return
	}
	if caller.Role != models.RoleCentralAdmin {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	if err := h.audit.Verify(r.Context()); err != nil {
		if errors.Is(err, audit.ErrChainBroken) {
			logger.Log.WithError(err).Error("audit chain verification failed")
			respondJSON(w, http.StatusConflict, map[string]interface{}{"intact": false, "error": err.Error()})
			return
		}
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"intact": true})
}

func (h *CentralHandler) handlePrivacyList(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerOrReject(w, r)
	if !ok {
		return
	}
	settings, err := h.consent.List(r.Context(), caller, mux.Vars(r)["icNumber"])
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	if settings == nil {
		settings = []models.PrivacySetting{}
	}
	respondJSON(w, http.StatusOK, settings)
}

func (h *CentralHandler) handlePrivacyUpdate(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerOrReject(w, r)
	if !ok {
		return
	}
	var req models.PrivacyUpdateRequest
	if err := decodeJSON(r, &req); err != nil || req.IsBlocked == nil {
		http.Error(w, "body must be {\"isBlocked\": true|false}", http.StatusBadRequest)
		return
	}

	vars := mux.Vars(r)
	setting, err := h.consent.Update(r.Context(), caller, vars["icNumber"], vars["hospitalId"], *req.IsBlocked)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, setting)
}

func (h *CentralHandler) handleIndex(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerOrReject(w, r)
	if !ok {
		return
	}
	if caller.Role != models.RoleCentralAdmin {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	entry, err := h.index.Lookup(r.Context(), mux.Vars(r)["icNumber"])
	if err != nil {
		if index.IsNotFound(err) {
			http.Error(w, "not indexed", http.StatusNotFound)
			return
		}
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, entry)
}
