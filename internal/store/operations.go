package store

import "time"

// OpKind distinguishes reads from writes. Writes are never cached.
type OpKind int

const (
	OpRead OpKind = iota
	OpWrite
)

// Named operations understood by every Conn implementation.
const (
	OpCreateSession         = "otp_sessions.create"
	OpGetSession            = "otp_sessions.get"
	OpGetOpenSessionByPhone = "otp_sessions.get_open_by_phone"
	OpUpdateSessionStatus   = "otp_sessions.update_status"
	OpIncrementAttempts     = "otp_sessions.increment_attempts"
	OpSetProviderRef        = "otp_sessions.set_provider_ref"
	OpDeleteSession         = "otp_sessions.delete"
	OpExpireSessions        = "otp_sessions.expire_stale"

	OpGetVerifiedPhone    = "verified_phones.get"
	OpInsertVerifiedPhone = "verified_phones.insert"
	OpRevokeVerifiedPhone = "verified_phones.revoke"

	OpGetRateLimit    = "rate_limits.get"
	OpUpsertRateLimit = "rate_limits.upsert"

	OpInsertAuditLog = "audit_logs.insert"
)

// OpSpec describes caching and invalidation behavior of a named
// operation. KeyParams fixes the cache-key derivation order; Invalidates
// lists read operations whose cached entries a successful write evicts,
// keyed from the same params.
type OpSpec struct {
	Name        string
	Kind        OpKind
	Cacheable   bool
	TTL         time.Duration
	KeyParams   []string
	Invalidates []string
}

var registry = map[string]OpSpec{
	OpCreateSession: {Name: OpCreateSession, Kind: OpWrite},
	// Session reads back the attempt counter and status, which must be
	// fresh on every verify, so they bypass the query cache.
	OpGetSession:            {Name: OpGetSession, Kind: OpRead, KeyParams: []string{"session_id"}},
	OpGetOpenSessionByPhone: {Name: OpGetOpenSessionByPhone, Kind: OpRead, KeyParams: []string{"canonical_phone"}},
	OpUpdateSessionStatus:   {Name: OpUpdateSessionStatus, Kind: OpWrite},
	OpIncrementAttempts:     {Name: OpIncrementAttempts, Kind: OpWrite},
	OpSetProviderRef:        {Name: OpSetProviderRef, Kind: OpWrite},
	OpDeleteSession:         {Name: OpDeleteSession, Kind: OpWrite},
	OpExpireSessions:        {Name: OpExpireSessions, Kind: OpWrite},

	OpGetVerifiedPhone: {
		Name:      OpGetVerifiedPhone,
		Kind:      OpRead,
		Cacheable: true,
		TTL:       60 * time.Second,
		KeyParams: []string{"canonical_phone"},
	},
	OpInsertVerifiedPhone: {
		Name:        OpInsertVerifiedPhone,
		Kind:        OpWrite,
		Invalidates: []string{OpGetVerifiedPhone},
	},
	OpRevokeVerifiedPhone: {
		Name:        OpRevokeVerifiedPhone,
		Kind:        OpWrite,
		Invalidates: []string{OpGetVerifiedPhone},
	},

	OpGetRateLimit:    {Name: OpGetRateLimit, Kind: OpRead, KeyParams: []string{"key"}},
	OpUpsertRateLimit: {Name: OpUpsertRateLimit, Kind: OpWrite},

	OpInsertAuditLog: {Name: OpInsertAuditLog, Kind: OpWrite},
}

// LookupOp returns the spec for a named operation.
func LookupOp(name string) (OpSpec, bool) {
	spec, ok := registry[name]
	return spec, ok
}
