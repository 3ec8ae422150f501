package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kestrel-sec/kestrel/internal/domain"
	"github.com/kestrel-sec/kestrel/internal/risk"
	"github.com/kestrel-sec/kestrel/internal/stepup"
	"github.com/kestrel-sec/kestrel/internal/webauthn"
)

// Pinger is the health surface of a backing store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler holds dependencies for the API handlers.
type Handler struct {
	svc     *stepup.Service
	engine  *risk.Engine
	repo    domain.Repository
	store   Pinger
	version string
}

// NewHandler creates an API handler.
func NewHandler(svc *stepup.Service, engine *risk.Engine, repo domain.Repository, store Pinger, version string) *Handler {
	return &Handler{
		svc:     svc,
		engine:  engine,
		repo:    repo,
		store:   store,
		version: version,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// EvaluateRequest is the request body for POST /transactions/evaluate.
type EvaluateRequest struct {
	SubjectID  string  `json:"subjectId"`
	MerchantID string  `json:"merchantId"`
	Amount     float64 `json:"amount"`
	Currency   string  `json:"currency,omitempty"`
	Timestamp  string  `json:"timestamp"`
	DeviceID   string  `json:"deviceId,omitempty"`
	Country    string  `json:"country,omitempty"`
	Email      string  `json:"email,omitempty"`
}

// EvaluateTransaction handles POST /transactions/evaluate.
func (h *Handler) EvaluateTransaction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var req EvaluateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}

	ts, err := domain.ParseTimestamp(req.Timestamp)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	tx := &domain.Transaction{
		TenantID:   tenantID,
		SubjectID:  req.SubjectID,
		MerchantID: req.MerchantID,
		Amount:     req.Amount,
		Currency:   req.Currency,
		Timestamp:  ts,
		DeviceID:   req.DeviceID,
		Country:    req.Country,
		Email:      req.Email,
	}

	result, err := h.svc.Evaluate(ctx, tx)
	if err != nil {
		if errors.Is(err, domain.ErrValidation) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		slog.Error("evaluation failed", "error", err)
		writeError(w, http.StatusInternalServerError, "evaluation failed")
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// GetTransaction handles GET /transactions/{id}.
func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	txID := chi.URLParam(r, "id")

	if txID == "" {
		writeError(w, http.StatusBadRequest, "transaction id is required")
		return
	}

	tx, err := h.repo.GetTransaction(ctx, tenantID, txID)
	if err != nil {
		writeError(w, http.StatusNotFound, "transaction not found")
		return
	}

	writeJSON(w, http.StatusOK, tx)
}

// VerifyOTPRequest is the request body for POST /otp/verify.
type VerifyOTPRequest struct {
	SubjectID string `json:"subjectId"`
	Code      string `json:"code"`
}

// VerifyOTP handles POST /otp/verify.
func (h *Handler) VerifyOTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var req VerifyOTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}
	if req.SubjectID == "" || req.Code == "" {
		writeError(w, http.StatusBadRequest, "subjectId and code are required")
		return
	}

	result, err := h.svc.VerifyCode(ctx, tenantID, req.SubjectID, req.Code)
	if err != nil {
		if errors.Is(err, domain.ErrConflict) {
			writeError(w, http.StatusConflict, "verification conflicted, retry")
			return
		}
		slog.Error("verification failed", "error", err)
		writeError(w, http.StatusInternalServerError, "verification failed")
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// CeremonyStartRequest is the request body for the ceremony start
// endpoints.
type CeremonyStartRequest struct {
	SubjectID   string `json:"subjectId"`
	DisplayName string `json:"displayName,omitempty"`
}

// StartRegistration handles POST /webauthn/register/start.
func (h *Handler) StartRegistration(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var req CeremonyStartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}

	opts, err := h.svc.StartRegistration(ctx, tenantID, req.SubjectID, req.DisplayName)
	if err != nil {
		if errors.Is(err, domain.ErrValidation) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		slog.Error("registration start failed", "error", err)
		writeError(w, http.StatusInternalServerError, "registration start failed")
		return
	}

	writeJSON(w, http.StatusOK, opts)
}

// FinishRegistrationRequest is the request body for POST
// /webauthn/register/finish.
type FinishRegistrationRequest struct {
	SubjectID string                         `json:"subjectId"`
	Assertion webauthn.RegistrationAssertion `json:"assertion"`
}

// FinishRegistration handles POST /webauthn/register/finish.
func (h *Handler) FinishRegistration(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var req FinishRegistrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}
	if req.SubjectID == "" {
		writeError(w, http.StatusBadRequest, "subjectId is required")
		return
	}

	cred, err := h.svc.FinishRegistration(ctx, tenantID, req.SubjectID, &req.Assertion)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrValidation):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrExpired):
			writeJSON(w, http.StatusOK, map[string]any{"success": false, "reason": "no_ceremony"})
		case errors.Is(err, domain.ErrMismatch):
			writeJSON(w, http.StatusOK, map[string]any{"success": false, "reason": "verification_failed"})
		default:
			slog.Error("registration finish failed", "error", err)
			writeError(w, http.StatusInternalServerError, "registration finish failed")
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"credentialId": cred.ID,
	})
}

// StartAuthentication handles POST /webauthn/authenticate/start.
func (h *Handler) StartAuthentication(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var req CeremonyStartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}

	opts, err := h.svc.StartAuthentication(ctx, tenantID, req.SubjectID)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrNoCredentials):
			writeError(w, http.StatusNotFound, "no registered credentials")
		case errors.Is(err, domain.ErrValidation):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			slog.Error("authentication start failed", "error", err)
			writeError(w, http.StatusInternalServerError, "authentication start failed")
		}
		return
	}

	writeJSON(w, http.StatusOK, opts)
}

// FinishAuthenticationRequest is the request body for POST
// /webauthn/authenticate/finish.
type FinishAuthenticationRequest struct {
	SubjectID string                           `json:"subjectId"`
	Assertion webauthn.AuthenticationAssertion `json:"assertion"`
}

// FinishAuthentication handles POST /webauthn/authenticate/finish.
func (h *Handler) FinishAuthentication(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var req FinishAuthenticationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}
	if req.SubjectID == "" {
		writeError(w, http.StatusBadRequest, "subjectId is required")
		return
	}

	result, err := h.svc.FinishAuthentication(ctx, tenantID, req.SubjectID, &req.Assertion)
	if err != nil {
		slog.Error("authentication finish failed", "error", err)
		writeError(w, http.StatusInternalServerError, "authentication finish failed")
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}
	if h.store != nil {
		if err := h.store.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// ListMerchantRules handles GET /merchants/rules.
func (h *Handler) ListMerchantRules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	sets, err := h.repo.ListMerchantRules(ctx, tenantID)
	if err != nil {
		slog.Error("failed to list merchant rules", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list merchant rules")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ruleSets": sets,
		"count":    len(sets),
	})
}

// GetMerchantRules handles GET /merchants/{id}/rules.
func (h *Handler) GetMerchantRules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	merchantID := chi.URLParam(r, "id")

	if merchantID == "" {
		writeError(w, http.StatusBadRequest, "merchant id is required")
		return
	}

	rs, err := h.repo.GetMerchantRules(ctx, tenantID, merchantID)
	if err != nil {
		writeError(w, http.StatusNotFound, "merchant rules not found")
		return
	}

	writeJSON(w, http.StatusOK, rs)
}

// PutMerchantRules handles PUT /merchants/{id}/rules. The rule set is
// validated (including CEL extensions), persisted, and hot-loaded into
// the engine.
func (h *Handler) PutMerchantRules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	merchantID := chi.URLParam(r, "id")

	if merchantID == "" {
		writeError(w, http.StatusBadRequest, "merchant id is required")
		return
	}

	var rs domain.MerchantRuleSet
	if err := json.NewDecoder(r.Body).Decode(&rs); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}
	rs.MerchantID = merchantID
	rs.TenantID = tenantID

	if err := h.engine.ValidateRuleSet(&rs); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.repo.SaveMerchantRules(ctx, tenantID, &rs); err != nil {
		slog.Error("failed to save merchant rules", "merchant_id", merchantID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to save merchant rules")
		return
	}

	if err := h.engine.LoadRuleSet(&rs); err != nil {
		slog.Error("failed to load merchant rules", "merchant_id", merchantID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load merchant rules")
		return
	}

	slog.Info("merchant rules updated", "merchant_id", merchantID, "tenant_id", tenantID)
	writeJSON(w, http.StatusOK, &rs)
}

// ReloadMerchantRules handles POST /merchants/rules/reload. All rule
// sets for the tenant are re-read from the repository and hot-swapped
// into the engine.
func (h *Handler) ReloadMerchantRules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	sets, err := h.repo.ListMerchantRules(ctx, tenantID)
	if err != nil {
		slog.Error("failed to list merchant rules", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load merchant rules")
		return
	}

	if err := h.engine.ReloadTenantRuleSets(tenantID, sets); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	slog.Info("merchant rules reloaded", "tenant_id", tenantID, "count", len(sets))
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "merchant rules reloaded",
		"count":   len(sets),
	})
}
