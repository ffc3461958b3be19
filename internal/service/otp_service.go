package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"otp-service/internal/audit"
	"otp-service/internal/config"
	"otp-service/internal/gateway"
	"otp-service/internal/models"
	"otp-service/internal/store"
	"otp-service/internal/tracker"
	"otp-service/internal/util"
)

// OTPService owns the verification session state machine. All session
// and verified-phone writes go through it; the gateway issues and
// checks the actual codes.
type OTPService struct {
	cfg     config.OTPConfig
	exec    *store.Executor
	gateway gateway.Gateway
	tracker tracker.Tracker
	audit   audit.Publisher
}

func NewOTPService(cfg config.OTPConfig, exec *store.Executor, gw gateway.Gateway, tr tracker.Tracker, pub audit.Publisher) *OTPService {
	return &OTPService{
		cfg:     cfg,
		exec:    exec,
		gateway: gw,
		tracker: tr,
		audit:   pub,
	}
}

// SendRequest carries the caller-supplied send inputs. Only the phone
// number is required.
type SendRequest struct {
	PhoneNumber  string
	UserID       string
	SessionToken string
	IPAddress    string
	UserAgent    string
}

// SendResult describes a freshly opened verification session.
type SendResult struct {
	SessionID       string    `json:"session_id"`
	ProviderOTPID   string    `json:"otp_id"`
	ProviderRefCode string    `json:"ref_code"`
	Attempts        int       `json:"attempts"`
	MaxAttempts     int       `json:"max_attempts"`
	ExpiresAt       time.Time `json:"expires_at"`
}

// VerifyResult reports the outcome of a verification attempt.
type VerifyResult struct {
	Verified          bool                 `json:"verified"`
	Status            models.SessionStatus `json:"status"`
	AttemptsRemaining int                  `json:"attempts_remaining"`
}

// SendOTP opens a new verification session for the phone and asks the
// provider to deliver a code. The session row is written before the
// provider call; if the provider fails, the row is deleted again so no
// half-open session survives.
func (s *OTPService) SendOTP(ctx context.Context, req SendRequest) (*SendResult, error) {
	canonical, err := gateway.CanonicalizePhone(req.PhoneNumber, s.cfg.DefaultCountry)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPhone, err)
	}

	verified, err := s.isCanonicalVerified(ctx, canonical)
	if err != nil {
		return nil, err
	}
	if verified {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyVerified, canonical)
	}

	if err := s.checkOpenSession(ctx, canonical); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	session := &models.OTPSession{
		SessionID:      uuid.New().String(),
		PhoneNumber:    req.PhoneNumber,
		CanonicalPhone: canonical,
		UserID:         req.UserID,
		SessionToken:   req.SessionToken,
		IPAddress:      req.IPAddress,
		UserAgent:      req.UserAgent,
		MaxAttempts:    s.cfg.MaxAttempts,
		Status:         models.StatusPending,
		CreatedAt:      now,
		ExpiresAt:      now.Add(s.cfg.CodeExpiry),
	}

	_, err = s.exec.Execute(ctx, store.OpCreateSession, sessionParams(session))
	if err != nil {
		if store.IsConflict(err) {
			return nil, fmt.Errorf("%w: %v", ErrSessionConflict, err)
		}
		return nil, mapStoreError(err)
	}

	sent, err := s.gateway.RequestCode(ctx, canonical)
	if err != nil {
		// Compensating delete: the provider never saw this session, so
		// the pending row must not survive.
		s.discardSession(ctx, session.SessionID)
		s.audit.Publish(ctx, audit.Event(models.AuditProviderError, canonical, false, err.Error()))
		return nil, fmt.Errorf("%w: %v", ErrProvider, err)
	}

	if err := s.markSent(ctx, session.SessionID, sent); err != nil {
		s.discardSession(ctx, session.SessionID)
		return nil, err
	}

	if err := s.tracker.StartCooldown(ctx, canonical, s.cfg.ResendCooldown); err != nil {
		util.Warn("Failed to start resend cooldown", zap.Error(err))
	}
	_ = s.tracker.RecordAttempts(ctx, session.SessionID, 0, session.MaxAttempts)

	s.audit.Publish(ctx, audit.Event(models.AuditOTPSent, canonical, true, session.SessionID))

	util.Info("OTP session opened",
		zap.String("session_id", session.SessionID),
		zap.String("canonical_phone", canonical),
		zap.Time("expires_at", session.ExpiresAt))

	return &SendResult{
		SessionID:       session.SessionID,
		ProviderOTPID:   sent.OTPID,
		ProviderRefCode: sent.RefCode,
		Attempts:        0,
		MaxAttempts:     session.MaxAttempts,
		ExpiresAt:       session.ExpiresAt,
	}, nil
}

// VerifyOTP checks a submitted code against the session. Every call
// against a live session consumes exactly one attempt, pass or fail;
// terminal sessions are answered without a provider call. On a wrong
// code both a result (carrying attempts remaining) and ErrInvalidCode
// are returned.
func (s *OTPService) VerifyOTP(ctx context.Context, sessionID, code string) (*VerifyResult, error) {
	session, err := s.getSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	if terminalErr := s.terminalError(session); terminalErr != nil {
		return nil, terminalErr
	}

	now := time.Now().UTC()
	if session.IsExpired(now) {
		s.expireSession(ctx, session)
		return nil, fmt.Errorf("%w: session %s", ErrSessionExpired, sessionID)
	}

	exhausted, err := s.tracker.AttemptsExhausted(ctx, sessionID)
	if err != nil {
		util.Warn("Attempt pre-check failed, deferring to storage", zap.Error(err))
	} else if exhausted {
		return nil, fmt.Errorf("%w: session %s", ErrMaxAttemptsExceeded, sessionID)
	}

	attempts, maxAttempts, applied, err := s.incrementAttempts(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	_ = s.tracker.RecordAttempts(ctx, sessionID, attempts, maxAttempts)

	if !applied {
		// The counter was already at the ceiling; another verify won
		// the race. Make sure the session lands in failed.
		s.transition(ctx, sessionID, models.StatusFailed, nil)
		return nil, fmt.Errorf("%w: session %s", ErrMaxAttemptsExceeded, sessionID)
	}

	verdict, err := s.gateway.VerifyCode(ctx, session.ProviderOTPID, code)
	if err != nil {
		s.audit.Publish(ctx, audit.Event(models.AuditProviderError, session.CanonicalPhone, false, err.Error()))
		return nil, fmt.Errorf("%w: %v", ErrProvider, err)
	}

	if verdict.Valid {
		return s.completeVerification(ctx, session, now)
	}

	remaining := maxAttempts - attempts
	s.audit.Publish(ctx, audit.Event(models.AuditOTPFailed, session.CanonicalPhone, false,
		fmt.Sprintf("attempt %d/%d", attempts, maxAttempts)))

	if remaining <= 0 {
		s.transition(ctx, sessionID, models.StatusFailed, nil)
		_ = s.tracker.ForgetSession(ctx, sessionID)
		return nil, fmt.Errorf("%w: session %s", ErrMaxAttemptsExceeded, sessionID)
	}

	return &VerifyResult{
		Verified:          false,
		Status:            models.StatusSent,
		AttemptsRemaining: remaining,
	}, fmt.Errorf("%w: %d attempts remaining", ErrInvalidCode, remaining)
}

// ResendOTP asks the provider to deliver a fresh code for an open
// session. The attempt counter is untouched; only the cooldown gates
// it. The provider assigns a new otp id and reference code.
func (s *OTPService) ResendOTP(ctx context.Context, sessionID string) (*SendResult, error) {
	session, err := s.getSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	if terminalErr := s.terminalError(session); terminalErr != nil {
		return nil, terminalErr
	}

	now := time.Now().UTC()
	if session.IsExpired(now) {
		s.expireSession(ctx, session)
		return nil, fmt.Errorf("%w: session %s", ErrSessionExpired, sessionID)
	}

	remaining, err := s.tracker.CooldownRemaining(ctx, session.CanonicalPhone)
	if err != nil {
		util.Warn("Cooldown check failed, refusing resend", zap.Error(err))
		return nil, mapStoreError(err)
	}
	if remaining > 0 {
		return nil, fmt.Errorf("%w: retry in %s", ErrCooldownActive, remaining.Round(time.Second))
	}

	var sent *gateway.SendResult
	if session.ProviderOTPID == "" {
		sent, err = s.gateway.RequestCode(ctx, session.CanonicalPhone)
	} else {
		sent, err = s.gateway.ResendCode(ctx, session.ProviderOTPID)
	}
	if err != nil {
		s.audit.Publish(ctx, audit.Event(models.AuditProviderError, session.CanonicalPhone, false, err.Error()))
		return nil, fmt.Errorf("%w: %v", ErrProvider, err)
	}

	if err := s.markSent(ctx, sessionID, sent); err != nil {
		return nil, err
	}

	if err := s.tracker.StartCooldown(ctx, session.CanonicalPhone, s.cfg.ResendCooldown); err != nil {
		util.Warn("Failed to restart resend cooldown", zap.Error(err))
	}

	s.audit.Publish(ctx, audit.Event(models.AuditOTPResent, session.CanonicalPhone, true, sessionID))

	return &SendResult{
		SessionID:       sessionID,
		ProviderOTPID:   sent.OTPID,
		ProviderRefCode: sent.RefCode,
		Attempts:        session.Attempts,
		MaxAttempts:     session.MaxAttempts,
		ExpiresAt:       session.ExpiresAt,
	}, nil
}

// IsPhoneVerified reports whether the phone has an active verified
// record. Expired and failed sessions for the phone are irrelevant.
func (s *OTPService) IsPhoneVerified(ctx context.Context, phone string) (bool, error) {
	canonical, err := gateway.CanonicalizePhone(phone, s.cfg.DefaultCountry)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrInvalidPhone, err)
	}
	return s.isCanonicalVerified(ctx, canonical)
}

// CleanupExpired sweeps sessions whose window has passed: open ones
// become expired, failed ones are removed. Returns the number touched.
func (s *OTPService) CleanupExpired(ctx context.Context) (int, error) {
	res, err := s.exec.Execute(ctx, store.OpExpireSessions, store.Params{
		"now": time.Now().UTC(),
	})
	if err != nil {
		return 0, mapStoreError(err)
	}

	if res.RowsAffected > 0 {
		s.audit.Publish(ctx, audit.Event(models.AuditCleanupRun, "", true,
			fmt.Sprintf("%d sessions", res.RowsAffected)))
		util.Info("Expired session sweep completed",
			zap.Int("affected", res.RowsAffected))
	}
	return res.RowsAffected, nil
}

func (s *OTPService) isCanonicalVerified(ctx context.Context, canonical string) (bool, error) {
	res, err := s.exec.Execute(ctx, store.OpGetVerifiedPhone, store.Params{
		"canonical_phone": canonical,
	})
	if err != nil {
		return false, mapStoreError(err)
	}
	return res.First() != nil, nil
}

// checkOpenSession enforces the one-open-session-per-phone invariant,
// lazily expiring a stale one instead of rejecting on it.
func (s *OTPService) checkOpenSession(ctx context.Context, canonical string) error {
	res, err := s.exec.Execute(ctx, store.OpGetOpenSessionByPhone, store.Params{
		"canonical_phone": canonical,
	})
	if err != nil {
		return mapStoreError(err)
	}

	row := res.First()
	if row == nil {
		return nil
	}

	open := sessionFromRow(row)
	if open.IsExpired(time.Now().UTC()) {
		s.expireSession(ctx, open)
		return nil
	}
	return fmt.Errorf("%w: session %s is still open", ErrSessionConflict, open.SessionID)
}

func (s *OTPService) getSession(ctx context.Context, sessionID string) (*models.OTPSession, error) {
	res, err := s.exec.Execute(ctx, store.OpGetSession, store.Params{
		"session_id": sessionID,
	})
	if err != nil {
		if store.IsNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
		}
		return nil, mapStoreError(err)
	}

	row := res.First()
	if row == nil {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return sessionFromRow(row), nil
}

// terminalError answers for sessions that accept no further mutation.
// No provider call and no attempt increment happen on this path.
func (s *OTPService) terminalError(session *models.OTPSession) error {
	switch session.Status {
	case models.StatusVerified:
		return fmt.Errorf("%w: session %s", ErrAlreadyVerified, session.SessionID)
	case models.StatusFailed:
		return fmt.Errorf("%w: session %s", ErrMaxAttemptsExceeded, session.SessionID)
	case models.StatusExpired:
		return fmt.Errorf("%w: session %s", ErrSessionExpired, session.SessionID)
	}
	return nil
}

func (s *OTPService) incrementAttempts(ctx context.Context, sessionID string) (attempts, maxAttempts int, applied bool, err error) {
	res, err := s.exec.Execute(ctx, store.OpIncrementAttempts, store.Params{
		"session_id": sessionID,
	})
	if err != nil {
		if store.IsNotFound(err) {
			return 0, 0, false, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
		}
		return 0, 0, false, mapStoreError(err)
	}

	row := res.First()
	if row == nil {
		return 0, 0, false, fmt.Errorf("%w: increment returned no state", ErrPersistence)
	}
	return asInt(row["attempts"]), asInt(row["max_attempts"]), res.Applied, nil
}

func (s *OTPService) completeVerification(ctx context.Context, session *models.OTPSession, now time.Time) (*VerifyResult, error) {
	if err := s.transitionErr(ctx, session.SessionID, models.StatusVerified, &now); err != nil {
		return nil, err
	}

	_, err := s.exec.Execute(ctx, store.OpInsertVerifiedPhone, store.Params{
		"canonical_phone": session.CanonicalPhone,
		"method":          "sms_otp",
		"session_id":      session.SessionID,
		"user_id":         session.UserID,
		"created_at":      now,
	})
	if err != nil && !store.IsConflict(err) {
		return nil, mapStoreError(err)
	}

	_ = s.tracker.ForgetSession(ctx, session.SessionID)
	s.audit.Publish(ctx, audit.Event(models.AuditOTPVerified, session.CanonicalPhone, true, session.SessionID))

	util.Info("Phone verified",
		zap.String("session_id", session.SessionID),
		zap.String("canonical_phone", session.CanonicalPhone))

	return &VerifyResult{
		Verified: true,
		Status:   models.StatusVerified,
	}, nil
}

// markSent stores the provider linkage and moves the session to sent.
func (s *OTPService) markSent(ctx context.Context, sessionID string, sent *gateway.SendResult) error {
	_, err := s.exec.Execute(ctx, store.OpSetProviderRef, store.Params{
		"session_id":        sessionID,
		"provider_otp_id":   sent.OTPID,
		"provider_ref_code": sent.RefCode,
	})
	if err != nil {
		return mapStoreError(err)
	}
	return s.transitionErr(ctx, sessionID, models.StatusSent, nil)
}

func (s *OTPService) transitionErr(ctx context.Context, sessionID string, to models.SessionStatus, verifiedAt *time.Time) error {
	params := store.Params{
		"session_id": sessionID,
		"status":     string(to),
	}
	if verifiedAt != nil {
		params["verified_at"] = *verifiedAt
	}
	if _, err := s.exec.Execute(ctx, store.OpUpdateSessionStatus, params); err != nil {
		return mapStoreError(err)
	}
	return nil
}

// transition is the best-effort variant for paths already returning a
// primary error.
func (s *OTPService) transition(ctx context.Context, sessionID string, to models.SessionStatus, verifiedAt *time.Time) {
	if err := s.transitionErr(ctx, sessionID, to, verifiedAt); err != nil {
		util.Warn("Failed to transition session",
			zap.String("session_id", sessionID),
			zap.String("to", string(to)),
			zap.Error(err))
	}
}

// expireSession is the lazy-expiry write performed by any read path
// that observes a stale open session.
func (s *OTPService) expireSession(ctx context.Context, session *models.OTPSession) {
	s.transition(ctx, session.SessionID, models.StatusExpired, nil)
	_ = s.tracker.ForgetSession(ctx, session.SessionID)
	s.audit.Publish(ctx, audit.Event(models.AuditOTPExpired, session.CanonicalPhone, false, session.SessionID))
}

func (s *OTPService) discardSession(ctx context.Context, sessionID string) {
	if _, err := s.exec.Execute(ctx, store.OpDeleteSession, store.Params{"session_id": sessionID}); err != nil {
		util.Error("Failed to discard session after provider failure",
			zap.String("session_id", sessionID),
			zap.Error(err))
	}
	_ = s.tracker.ForgetSession(ctx, sessionID)
}

func sessionParams(s *models.OTPSession) store.Params {
	return store.Params{
		"session_id":        s.SessionID,
		"phone_number":      s.PhoneNumber,
		"canonical_phone":   s.CanonicalPhone,
		"user_id":           s.UserID,
		"session_token":     s.SessionToken,
		"ip_address":        s.IPAddress,
		"user_agent":        s.UserAgent,
		"provider_otp_id":   s.ProviderOTPID,
		"provider_ref_code": s.ProviderRefCode,
		"attempts":          s.Attempts,
		"max_attempts":      s.MaxAttempts,
		"status":            string(s.Status),
		"created_at":        s.CreatedAt,
		"expires_at":        s.ExpiresAt,
	}
}

func sessionFromRow(row store.Row) *models.OTPSession {
	session := &models.OTPSession{
		SessionID:       asString(row["session_id"]),
		PhoneNumber:     asString(row["phone_number"]),
		CanonicalPhone:  asString(row["canonical_phone"]),
		UserID:          asString(row["user_id"]),
		SessionToken:    asString(row["session_token"]),
		IPAddress:       asString(row["ip_address"]),
		UserAgent:       asString(row["user_agent"]),
		ProviderOTPID:   asString(row["provider_otp_id"]),
		ProviderRefCode: asString(row["provider_ref_code"]),
		Attempts:        asInt(row["attempts"]),
		MaxAttempts:     asInt(row["max_attempts"]),
		Status:          models.SessionStatus(asString(row["status"])),
		CreatedAt:       asTime(row["created_at"]),
		ExpiresAt:       asTime(row["expires_at"]),
	}
	if v, ok := row["verified_at"].(time.Time); ok && !v.IsZero() {
		session.VerifiedAt = &v
	}
	return session
}

func asString(v interface{}) string {
	s, _ := v.(string)
	return s
}

func asInt(v interface{}) int {
	switch t := v.(type) {
	case int:
		return t
	case int64:
		return int(t)
	}
	return 0
}

func asTime(v interface{}) time.Time {
	t, _ := v.(time.Time)
	return t
}
