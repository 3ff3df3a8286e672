package hospital

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/medrecnet/platform/pkg/common/logger"
	"github.com/medrecnet/platform/pkg/common/models"
)

// Handler exposes one hospital's store to the hub (reads) and to the
// hospital's own staff tools (writes).
type Handler struct {
	store   Store
	writer  *Writer
	token   string
	maxBody int64
}

// NewHandler serves reads from store. writer may be nil for read-only
// deployments. An empty token disables bearer authentication.
func NewHandler(store Store, writer *Writer, token string, maxBody int64) *Handler {
	return &Handler{store: store, writer: writer, token: token, maxBody: maxBody}
}

func (h *Handler) Register(router *mux.Router) {
	sub := router.PathPrefix("/hospital").Subrouter()
	sub.Use(h.requireToken)
	sub.HandleFunc("/patients/{icNumber}", h.handlePatient).Methods(http.MethodGet)
	sub.HandleFunc("/patients/{icNumber}/records", h.handleRecords).Methods(http.MethodGet)
	sub.HandleFunc("/patients/{icNumber}/prescriptions/active", h.handleActivePrescriptions).Methods(http.MethodGet)
	if h.writer != nil {
		sub.HandleFunc("/patients", h.handleSavePatient).Methods(http.MethodPost)
		sub.HandleFunc("/patients/{icNumber}/records", h.handleSaveRecord).Methods(http.MethodPost)
	}
}

func (h *Handler) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.token == "" {
			next.ServeHTTP(w, r)
			return
		}
		got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(got), []byte(h.token)) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) handlePatient(w http.ResponseWriter, r *http.Request) {
	ic := mux.Vars(r)["icNumber"]
	patient, err := h.store.GetPatient(r.Context(), ic)
	if err != nil {
		if errors.Is(err, ErrPatientNotFound) {
			http.Error(w, "patient not found", http.StatusNotFound)
			return
		}
		logger.ForIC(ic).WithError(err).Error("failed to load patient")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, patient)
}

func (h *Handler) handleRecords(w http.ResponseWriter, r *http.Request) {
	ic := mux.Vars(r)["icNumber"]
	records, err := h.store.GetRecordsByPatient(r.Context(), ic)
	if err != nil {
		logger.ForIC(ic).WithError(err).Error("failed to load records")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (h *Handler) handleActivePrescriptions(w http.ResponseWriter, r *http.Request) {
	ic := mux.Vars(r)["icNumber"]
	prescriptions, err := h.store.GetActivePrescriptions(r.Context(), ic)
	if err != nil {
		logger.ForIC(ic).WithError(err).Error("failed to load active prescriptions")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, prescriptions)
}

func (h *Handler) handleSavePatient(w http.ResponseWriter, r *http.Request) {
	if h.maxBody > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)
	}
	var patient models.Patient
	if err := json.NewDecoder(r.Body).Decode(&patient); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := h.writer.SavePatient(r.Context(), patient); err != nil {
		h.writeSaveError(w, patient.ICNumber, err)
		return
	}
	writeJSON(w, http.StatusCreated, patient)
}

func (h *Handler) handleSaveRecord(w http.ResponseWriter, r *http.Request) {
	if h.maxBody > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)
	}
	var record models.MedicalRecord
	if err := json.NewDecoder(r.Body).Decode(&record); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	record.ICNumber = mux.Vars(r)["icNumber"]
	saved, err := h.writer.SaveRecord(r.Context(), record)
	if err != nil {
		h.writeSaveError(w, record.ICNumber, err)
		return
	}
	writeJSON(w, http.StatusCreated, saved)
}

func (h *Handler) writeSaveError(w http.ResponseWriter, ic string, err error) {
	if IsValidationError(err) {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	logger.ForIC(ic).WithError(err).Error("hospital write failed")
	http.Error(w, "internal error", http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Log.WithError(err).Error("failed to write response")
	}
}
