package routes

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/medrecnet/platform/pkg/audit"
	"github.com/medrecnet/platform/pkg/common/logger"
	"github.com/medrecnet/platform/pkg/common/models"
	gatewayauth "github.com/medrecnet/platform/pkg/gateway/auth"
	"github.com/medrecnet/platform/pkg/gateway/middleware"
	"github.com/medrecnet/platform/pkg/identity"
)

type AuthHandler struct {
	service     *identity.Service
	tokenSigner *gatewayauth.JWTManager
	audit       *audit.Service
}

func NewAuthHandler(service *identity.Service, tokenSigner *gatewayauth.JWTManager, auditService *audit.Service) *AuthHandler {
	return &AuthHandler{service: service, tokenSigner: tokenSigner, audit: auditService}
}

func (h *AuthHandler) Register(r *mux.Router) {
	r.HandleFunc("/login", h.handleLogin).Methods(http.MethodPost)

	protected := r.NewRoute().Subrouter()
	protected.Use(middleware.Authenticate(h.tokenSigner))
	protected.HandleFunc("/logout", h.handleLogout).Methods(http.MethodPost)
	protected.HandleFunc("/me", h.handleMe).Methods(http.MethodGet)
	protected.HandleFunc("/register", h.handleRegister).Methods(http.MethodPost)
}

func (h *AuthHandler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req models.LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	ip := middleware.ClientIP(r)
	account, err := h.service.Authenticate(r.Context(), req.Email, req.Password, req.ActorType)
	if err != nil {
		if !errors.Is(err, identity.ErrInvalidCredentials) {
			logger.Log.WithError(err).Error("authentication lookup failed")
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		// login is low risk: the trail is written best-effort
		_ = h.audit.Record(r.Context(), models.AuditLogEntry{
			Action:    models.ActionLogin,
			ActorID:   req.Email,
			ActorType: req.ActorType,
			Details:   "login failed",
			IPAddress: ip,
		})
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}

	token, err := h.tokenSigner.IssueToken(account)
	if err != nil {
		logger.Log.WithError(err).Error("failed issuing token")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	_ = h.audit.Record(r.Context(), models.AuditLogEntry{
		Action:          models.ActionLogin,
		ActorID:         account.ID,
		ActorType:       account.ActorType,
		ActorHospitalID: account.HospitalID,
		Details:         "login",
		IPAddress:       ip,
		Success:         true,
	})

	respondJSON(w, http.StatusOK, models.AuthResponse{
		Token:   token,
		Account: account,
	})
}

func (h *AuthHandler) handleLogout(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.ClaimsFrom(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if err := h.tokenSigner.Revoke(r.Context(), claims); err != nil {
		logger.Log.WithError(err).Error("failed to revoke token")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	caller, _ := middleware.CallerFrom(r.Context())
	_ = h.audit.Record(r.Context(), models.AuditLogEntry{
		Action:          models.ActionLogout,
		ActorID:         caller.ActorID,
		ActorType:       caller.ActorType(),
		ActorHospitalID: caller.HomeHospitalID,
		Details:         "logout",
		IPAddress:       caller.IPAddress,
		Success:         true,
	})
	w.WriteHeader(http.StatusNoContent)
}

func (h *AuthHandler) handleMe(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerOrReject(w, r)
	if !ok {
		return
	}
	account, err := h.service.GetAccount(r.Context(), caller.ActorID)
	if err != nil {
		logger.Log.WithError(err).Warn("failed to fetch account in /me")
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	respondJSON(w, http.StatusOK, account)
}

// handleRegister lets a central admin create accounts.
func (h *AuthHandler) handleRegister(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerOrReject(w, r)
	if !ok {
		return
	}
	if caller.Role != models.RoleCentralAdmin {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	var req identity.RegisterRequest
	if err := decodeJSON(r, &req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	account, err := h.service.Register(r.Context(), req)
	switch {
	case identity.IsValidationError(err):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case errors.Is(err, identity.ErrEmailAlreadyExists):
		http.Error(w, err.Error(), http.StatusConflict)
		return
	case err != nil:
		logger.Log.WithError(err).Error("failed to register account")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	_ = h.audit.Record(r.Context(), models.AuditLogEntry{
		Action:          models.ActionCreate,
		ActorID:         caller.ActorID,
		ActorType:       caller.ActorType(),
		Details:         fmt.Sprintf("account %s created as %s", account.ID, account.Role),
		IPAddress:       caller.IPAddress,
		TargetICNumber:  account.ICNumber,
		ActorHospitalID: caller.HomeHospitalID,
		Success:         true,
	})
	respondJSON(w, http.StatusCreated, account)
}
