package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"otp-service/internal/cache"
	"otp-service/internal/service"
	"otp-service/internal/store"
	"otp-service/internal/util"
)

// OTPHandler handles HTTP requests for OTP verification sessions.
type OTPHandler struct {
	otpService *service.OTPService
	executor   *store.Executor
	caches     *cache.Set
	logger     *zap.Logger
}

func NewOTPHandler(otpService *service.OTPService, executor *store.Executor, caches *cache.Set, logger *zap.Logger) *OTPHandler {
	return &OTPHandler{
		otpService: otpService,
		executor:   executor,
		caches:     caches,
		logger:     logger,
	}
}

// Response represents a standard API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message,omitempty"`
}

func successResponse(data interface{}, message string) Response {
	return Response{
		Success: true,
		Data:    data,
		Message: message,
	}
}

func errorResponse(err error, message string) Response {
	return Response{
		Success: false,
		Error:   err.Error(),
		Message: message,
	}
}

// RegisterRoutes registers the OTP routes.
func (h *OTPHandler) RegisterRoutes(router chi.Router) {
	router.Route("/otp", func(r chi.Router) {
		r.Post("/send", h.SendOTP)
		r.Post("/verify", h.VerifyOTP)
		r.Post("/resend", h.ResendOTP)
		r.Get("/stats", h.GetStats)
	})
	router.Get("/phone/{phoneNumber}/verified", h.IsPhoneVerified)
}

type sendRequest struct {
	PhoneNumber  string `json:"phone_number"`
	UserID       string `json:"user_id,omitempty"`
	SessionToken string `json:"session_token,omitempty"`
}

// SendOTP opens a verification session and triggers code delivery.
func (h *OTPHandler) SendOTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}
	if req.PhoneNumber == "" {
		h.respondWithError(w, http.StatusBadRequest, service.ErrInvalidPhone, "phone_number is required")
		return
	}

	result, err := h.otpService.SendOTP(ctx, service.SendRequest{
		PhoneNumber:  req.PhoneNumber,
		UserID:       req.UserID,
		SessionToken: req.SessionToken,
		IPAddress:    r.RemoteAddr,
		UserAgent:    r.UserAgent(),
	})
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to send OTP")
		return
	}

	h.respondWithJSON(w, http.StatusCreated, successResponse(result, "OTP sent"))
	h.logger.Info("OTP sent via HTTP",
		util.String("session_id", result.SessionID),
		util.Duration("duration", time.Since(startTime)))
}

type verifyRequest struct {
	SessionID string `json:"session_id"`
	Code      string `json:"code"`
}

// VerifyOTP checks a submitted code. A wrong code is a 422 carrying
// the attempts remaining, not a 500.
func (h *OTPHandler) VerifyOTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}
	if req.SessionID == "" || req.Code == "" {
		h.respondWithError(w, http.StatusBadRequest,
			errors.New("session_id and code are required"), "Missing fields")
		return
	}

	result, err := h.otpService.VerifyOTP(ctx, req.SessionID, req.Code)
	if err != nil {
		if errors.Is(err, service.ErrInvalidCode) && result != nil {
			h.respondWithJSON(w, http.StatusUnprocessableEntity, Response{
				Success: false,
				Data:    result,
				Error:   err.Error(),
				Message: "Invalid code",
			})
			return
		}
		h.respondWithError(w, h.getStatusCode(err), err, "Verification failed")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(result, "Phone verified"))
}

type resendRequest struct {
	SessionID string `json:"session_id"`
}

// ResendOTP requests a fresh code for an open session.
func (h *OTPHandler) ResendOTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req resendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}
	if req.SessionID == "" {
		h.respondWithError(w, http.StatusBadRequest,
			errors.New("session_id is required"), "Missing fields")
		return
	}

	result, err := h.otpService.ResendOTP(ctx, req.SessionID)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to resend OTP")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(result, "OTP resent"))
}

// IsPhoneVerified reports whether the phone has an active verified record.
func (h *OTPHandler) IsPhoneVerified(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	phone := chi.URLParam(r, "phoneNumber")

	verified, err := h.otpService.IsPhoneVerified(ctx, phone)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to check phone")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(map[string]bool{"verified": verified}, ""))
}

// GetStats exposes executor, cache, and pool statistics.
func (h *OTPHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	stats := struct {
		store.ExecutorStats
		Caches      []cache.Stats `json:"caches,omitempty"`
		Suggestions []string      `json:"suggestions,omitempty"`
	}{
		ExecutorStats: h.executor.Stats(),
		Suggestions:   h.executor.Profiler().Suggestions(),
	}
	if h.caches != nil {
		stats.Caches = h.caches.Stats()
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(stats, ""))
}

func (h *OTPHandler) respondWithJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode JSON response", util.ErrorField(err))
	}
}

func (h *OTPHandler) respondWithError(w http.ResponseWriter, statusCode int, err error, message string) {
	h.logger.Warn("HTTP error response",
		util.ErrorField(err),
		util.Int("status_code", statusCode),
		util.String("message", message),
	)
	h.respondWithJSON(w, statusCode, errorResponse(err, message))
}

// getStatusCode maps the service error taxonomy to HTTP status codes.
// Cooldown and pool timeouts are "try again later"; expiry and the
// attempt ceiling are "start over"; a wrong code is "wrong input".
func (h *OTPHandler) getStatusCode(err error) int {
	switch {
	case errors.Is(err, service.ErrInvalidPhone):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrAlreadyVerified), errors.Is(err, service.ErrSessionConflict):
		return http.StatusConflict
	case errors.Is(err, service.ErrSessionExpired), errors.Is(err, service.ErrMaxAttemptsExceeded):
		return http.StatusGone
	case errors.Is(err, service.ErrInvalidCode):
		return http.StatusUnprocessableEntity
	case errors.Is(err, service.ErrCooldownActive):
		return http.StatusTooManyRequests
	case errors.Is(err, service.ErrPoolTimeout):
		return http.StatusServiceUnavailable
	case errors.Is(err, service.ErrProvider):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
