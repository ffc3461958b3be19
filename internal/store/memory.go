package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"otp-service/internal/models"
	"otp-service/internal/pool"
)

// MemoryStore is a process-local durable-store backend used in
// development and tests. All connections created from one MemoryStore
// share its state, so pooled handles behave like sessions against a
// single database.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*models.OTPSession
	verified map[string]*models.VerifiedPhone // canonical phone -> active record
	limits   map[string]*models.RateLimit
	audits   []models.AuditLog
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*models.OTPSession),
		verified: make(map[string]*models.VerifiedPhone),
		limits:   make(map[string]*models.RateLimit),
	}
}

// Factory returns a pool factory producing connections over this store.
func (m *MemoryStore) Factory() pool.Factory {
	return func(ctx context.Context) (pool.Client, error) {
		return &memoryConn{store: m}, nil
	}
}

// AuditLogs returns a copy of the appended audit records.
func (m *MemoryStore) AuditLogs() []models.AuditLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.AuditLog, len(m.audits))
	copy(out, m.audits)
	return out
}

type memoryConn struct {
	store  *MemoryStore
	closed bool
}

func (c *memoryConn) Ping(ctx context.Context) error {
	if c.closed {
		return Transient(fmt.Errorf("connection closed"))
	}
	return nil
}

func (c *memoryConn) Close() error {
	c.closed = true
	return nil
}

func (c *memoryConn) Execute(ctx context.Context, op string, params Params) (*Result, error) {
	if c.closed {
		return nil, Transient(fmt.Errorf("connection closed"))
	}
	if err := ctx.Err(); err != nil {
		return nil, Transient(err)
	}

	m := c.store
	m.mu.Lock()
	defer m.mu.Unlock()

	switch op {
	case OpCreateSession:
		return m.createSession(params)
	case OpGetSession:
		return m.getSession(params)
	case OpGetOpenSessionByPhone:
		return m.getOpenSessionByPhone(params)
	case OpUpdateSessionStatus:
		return m.updateSessionStatus(params)
	case OpIncrementAttempts:
		return m.incrementAttempts(params)
	case OpSetProviderRef:
		return m.setProviderRef(params)
	case OpDeleteSession:
		return m.deleteSession(params)
	case OpExpireSessions:
		return m.expireSessions(params)
	case OpGetVerifiedPhone:
		return m.getVerifiedPhone(params)
	case OpInsertVerifiedPhone:
		return m.insertVerifiedPhone(params)
	case OpRevokeVerifiedPhone:
		return m.revokeVerifiedPhone(params)
	case OpGetRateLimit:
		return m.getRateLimit(params)
	case OpUpsertRateLimit:
		return m.upsertRateLimit(params)
	case OpInsertAuditLog:
		return m.insertAuditLog(params)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownOperation, op)
	}
}

func (m *MemoryStore) createSession(params Params) (*Result, error) {
	id := asString(params["session_id"])
	if _, exists := m.sessions[id]; exists {
		return nil, fmt.Errorf("%w: session %s already exists", ErrConflict, id)
	}

	session := &models.OTPSession{
		SessionID:       id,
		PhoneNumber:     asString(params["phone_number"]),
		CanonicalPhone:  asString(params["canonical_phone"]),
		UserID:          asString(params["user_id"]),
		SessionToken:    asString(params["session_token"]),
		IPAddress:       asString(params["ip_address"]),
		UserAgent:       asString(params["user_agent"]),
		ProviderOTPID:   asString(params["provider_otp_id"]),
		ProviderRefCode: asString(params["provider_ref_code"]),
		Attempts:        asInt(params["attempts"]),
		MaxAttempts:     asInt(params["max_attempts"]),
		Status:          models.SessionStatus(asString(params["status"])),
		CreatedAt:       asTime(params["created_at"]),
		ExpiresAt:       asTime(params["expires_at"]),
	}
	m.sessions[id] = session

	return &Result{RowsAffected: 1, Applied: true}, nil
}

func (m *MemoryStore) getSession(params Params) (*Result, error) {
	session, ok := m.sessions[asString(params["session_id"])]
	if !ok {
		return nil, ErrNotFound
	}
	return &Result{Rows: []Row{sessionRow(session)}, Applied: true}, nil
}

func (m *MemoryStore) getOpenSessionByPhone(params Params) (*Result, error) {
	phone := asString(params["canonical_phone"])
	now := time.Now().UTC()

	for _, session := range m.sessions {
		if session.CanonicalPhone == phone && session.IsOpen(now) {
			return &Result{Rows: []Row{sessionRow(session)}, Applied: true}, nil
		}
	}
	return &Result{Applied: true}, nil
}

func (m *MemoryStore) updateSessionStatus(params Params) (*Result, error) {
	session, ok := m.sessions[asString(params["session_id"])]
	if !ok {
		return nil, ErrNotFound
	}

	session.Status = models.SessionStatus(asString(params["status"]))
	if v, ok := params["verified_at"]; ok {
		t := asTime(v)
		session.VerifiedAt = &t
	}
	return &Result{RowsAffected: 1, Applied: true}, nil
}

// incrementAttempts is the storage-level atomic increment: the counter
// moves at most to max_attempts and the new value is returned, so two
// concurrent verifies can never observe the same pre-increment count.
func (m *MemoryStore) incrementAttempts(params Params) (*Result, error) {
	session, ok := m.sessions[asString(params["session_id"])]
	if !ok {
		return nil, ErrNotFound
	}

	applied := session.Attempts < session.MaxAttempts
	if applied {
		session.Attempts++
	}
	return &Result{
		Rows:         []Row{{"attempts": session.Attempts, "max_attempts": session.MaxAttempts}},
		RowsAffected: 1,
		Applied:      applied,
	}, nil
}

func (m *MemoryStore) setProviderRef(params Params) (*Result, error) {
	session, ok := m.sessions[asString(params["session_id"])]
	if !ok {
		return nil, ErrNotFound
	}
	session.ProviderOTPID = asString(params["provider_otp_id"])
	session.ProviderRefCode = asString(params["provider_ref_code"])
	return &Result{RowsAffected: 1, Applied: true}, nil
}

func (m *MemoryStore) deleteSession(params Params) (*Result, error) {
	id := asString(params["session_id"])
	if _, ok := m.sessions[id]; !ok {
		return &Result{Applied: true}, nil
	}
	delete(m.sessions, id)
	return &Result{RowsAffected: 1, Applied: true}, nil
}

func (m *MemoryStore) expireSessions(params Params) (*Result, error) {
	now := asTime(params["now"])
	if now.IsZero() {
		now = time.Now().UTC()
	}

	affected := 0
	for id, session := range m.sessions {
		if !now.After(session.ExpiresAt) {
			continue
		}
		switch session.Status {
		case models.StatusPending, models.StatusSent:
			session.Status = models.StatusExpired
			affected++
		case models.StatusFailed:
			delete(m.sessions, id)
			affected++
		}
	}
	return &Result{RowsAffected: affected, Applied: true}, nil
}

func (m *MemoryStore) getVerifiedPhone(params Params) (*Result, error) {
	record, ok := m.verified[asString(params["canonical_phone"])]
	if !ok || !record.IsActive() {
		return &Result{Applied: true}, nil
	}
	return &Result{Rows: []Row{verifiedRow(record)}, Applied: true}, nil
}

func (m *MemoryStore) insertVerifiedPhone(params Params) (*Result, error) {
	phone := asString(params["canonical_phone"])
	if existing, ok := m.verified[phone]; ok && existing.IsActive() {
		return nil, fmt.Errorf("%w: phone %s already verified", ErrConflict, phone)
	}

	m.verified[phone] = &models.VerifiedPhone{
		CanonicalPhone: phone,
		Method:         asString(params["method"]),
		SessionID:      asString(params["session_id"]),
		UserID:         asString(params["user_id"]),
		Status:         models.VerifiedStatusActive,
		CreatedAt:      asTime(params["created_at"]),
	}
	return &Result{RowsAffected: 1, Applied: true}, nil
}

func (m *MemoryStore) revokeVerifiedPhone(params Params) (*Result, error) {
	record, ok := m.verified[asString(params["canonical_phone"])]
	if !ok || !record.IsActive() {
		return &Result{Applied: true}, nil
	}
	record.Status = models.VerifiedStatusRevoked
	return &Result{RowsAffected: 1, Applied: true}, nil
}

func (m *MemoryStore) getRateLimit(params Params) (*Result, error) {
	limit, ok := m.limits[asString(params["key"])]
	if !ok || time.Now().UTC().After(limit.ExpiresAt) {
		return &Result{Applied: true}, nil
	}
	return &Result{
		Rows: []Row{{
			"key":        limit.Key,
			"count":      limit.Count,
			"expires_at": limit.ExpiresAt,
		}},
		Applied: true,
	}, nil
}

func (m *MemoryStore) upsertRateLimit(params Params) (*Result, error) {
	key := asString(params["key"])
	window := asDuration(params["window"])
	now := time.Now().UTC()

	limit, ok := m.limits[key]
	if !ok || now.After(limit.ExpiresAt) {
		limit = &models.RateLimit{Key: key, Count: 0, ExpiresAt: now.Add(window)}
		m.limits[key] = limit
	}
	limit.Count++

	return &Result{
		Rows: []Row{{
			"key":        limit.Key,
			"count":      limit.Count,
			"expires_at": limit.ExpiresAt,
		}},
		RowsAffected: 1,
		Applied:      true,
	}, nil
}

func (m *MemoryStore) insertAuditLog(params Params) (*Result, error) {
	m.audits = append(m.audits, models.AuditLog{
		EventType:      asString(params["event_type"]),
		CanonicalPhone: asString(params["canonical_phone"]),
		Success:        asBool(params["success"]),
		Details:        asString(params["details"]),
		CreatedAt:      asTime(params["created_at"]),
	})
	return &Result{RowsAffected: 1, Applied: true}, nil
}

func sessionRow(s *models.OTPSession) Row {
	row := Row{
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
	if s.VerifiedAt != nil {
		row["verified_at"] = *s.VerifiedAt
	}
	return row
}

func verifiedRow(v *models.VerifiedPhone) Row {
	return Row{
		"canonical_phone": v.CanonicalPhone,
		"method":          v.Method,
		"session_id":      v.SessionID,
		"user_id":         v.UserID,
		"status":          v.Status,
		"created_at":      v.CreatedAt,
	}
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

func asBool(v interface{}) bool {
	b, _ := v.(bool)
	return b
}

func asTime(v interface{}) time.Time {
	t, _ := v.(time.Time)
	return t
}

func asDuration(v interface{}) time.Duration {
	d, _ := v.(time.Duration)
	return d
}
