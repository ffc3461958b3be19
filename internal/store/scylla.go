package store

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"otp-service/internal/config"
	"otp-service/internal/models"
	"otp-service/internal/pool"
	"otp-service/internal/util"
)

// casRetries bounds the compare-and-set loop on the attempt counter.
const casRetries = 5

// ScyllaBackend builds pooled connections against a ScyllaDB cluster.
// Each pooled handle owns its own session, created lazily by the pool.
type ScyllaBackend struct {
	cfg config.ScyllaConfig
}

func NewScyllaBackend(cfg config.ScyllaConfig) *ScyllaBackend {
	return &ScyllaBackend{cfg: cfg}
}

// Factory returns a pool factory creating Scylla sessions.
func (b *ScyllaBackend) Factory() pool.Factory {
	return func(ctx context.Context) (pool.Client, error) {
		cluster := gocql.NewCluster(b.cfg.Nodes...)
		cluster.Keyspace = b.cfg.Keyspace
		cluster.Consistency = gocql.LocalQuorum
		cluster.Timeout = 10 * time.Second
		cluster.ConnectTimeout = 10 * time.Second
		cluster.NumConns = 1
		cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{
			Min:        time.Second,
			Max:        10 * time.Second,
			NumRetries: 3,
		}

		if b.cfg.Username != "" && b.cfg.Password != "" {
			cluster.Authenticator = gocql.PasswordAuthenticator{
				Username: b.cfg.Username,
				Password: b.cfg.Password,
			}
		}

		session, err := cluster.CreateSession()
		if err != nil {
			return nil, Transient(fmt.Errorf("failed to create scylla session: %w", err))
		}

		conn := &scyllaConn{session: session}
		conn.prepareStatements()

		util.Info("Scylla connection created",
			zap.Strings("nodes", b.cfg.Nodes),
			zap.String("keyspace", b.cfg.Keyspace))

		return conn, nil
	}
}

// preparedStatements holds the statements used by the named operations.
type preparedStatements struct {
	CreateSession     *gocql.Query
	GetSession        *gocql.Query
	UpdateStatus      *gocql.Query
	UpdateStatusAt    *gocql.Query
	SetProviderRef    *gocql.Query
	DeleteSession     *gocql.Query
	GetVerifiedPhone  *gocql.Query
	InsertVerified    *gocql.Query
	RevokeVerified    *gocql.Query
	GetRateLimit      *gocql.Query
	InsertAuditLog    *gocql.Query
	SelectAttempts    *gocql.Query
	CompareAndSetAtts *gocql.Query
}

type scyllaConn struct {
	session  *gocql.Session
	prepared *preparedStatements
}

func (c *scyllaConn) prepareStatements() {
	p := &preparedStatements{}

	p.CreateSession = c.session.Query(`
        INSERT INTO otp_sessions (
            session_id, phone_number, canonical_phone, user_id, session_token,
            ip_address, user_agent, provider_otp_id, provider_ref_code,
            attempts, max_attempts, status, created_at, expires_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) IF NOT EXISTS`)

	p.GetSession = c.session.Query(`
        SELECT session_id, phone_number, canonical_phone, user_id, session_token,
            ip_address, user_agent, provider_otp_id, provider_ref_code,
            attempts, max_attempts, status, created_at, expires_at, verified_at
        FROM otp_sessions WHERE session_id = ?`)

	p.UpdateStatus = c.session.Query(`
        UPDATE otp_sessions SET status = ? WHERE session_id = ?`)

	p.UpdateStatusAt = c.session.Query(`
        UPDATE otp_sessions SET status = ?, verified_at = ? WHERE session_id = ?`)

	p.SetProviderRef = c.session.Query(`
        UPDATE otp_sessions SET provider_otp_id = ?, provider_ref_code = ? WHERE session_id = ?`)

	p.DeleteSession = c.session.Query(`
        DELETE FROM otp_sessions WHERE session_id = ?`)

	p.GetVerifiedPhone = c.session.Query(`
        SELECT canonical_phone, method, session_id, user_id, status, created_at
        FROM verified_phones WHERE canonical_phone = ?`)

	p.InsertVerified = c.session.Query(`
        INSERT INTO verified_phones (canonical_phone, method, session_id, user_id, status, created_at)
        VALUES (?, ?, ?, ?, ?, ?) IF NOT EXISTS`)

	p.RevokeVerified = c.session.Query(`
        UPDATE verified_phones SET status = ? WHERE canonical_phone = ?`)

	p.GetRateLimit = c.session.Query(`
        SELECT key, count, expires_at FROM rate_limits WHERE key = ?`)

	p.InsertAuditLog = c.session.Query(`
        INSERT INTO audit_logs (event_type, canonical_phone, success, details, created_at)
        VALUES (?, ?, ?, ?, ?)`)

	p.SelectAttempts = c.session.Query(`
        SELECT attempts, max_attempts FROM otp_sessions WHERE session_id = ?`)

	p.CompareAndSetAtts = c.session.Query(`
        UPDATE otp_sessions SET attempts = ? WHERE session_id = ? IF attempts = ?`)

	c.prepared = p
}

func (c *scyllaConn) Ping(ctx context.Context) error {
	var clusterName string
	err := c.session.Query(`SELECT cluster_name FROM system.local`).WithContext(ctx).Scan(&clusterName)
	if err != nil {
		return Transient(fmt.Errorf("scylla ping failed: %w", err))
	}
	return nil
}

func (c *scyllaConn) Close() error {
	if c.session != nil {
		c.session.Close()
	}
	return nil
}

func (c *scyllaConn) Execute(ctx context.Context, op string, params Params) (*Result, error) {
	switch op {
	case OpCreateSession:
		return c.createSession(ctx, params)
	case OpGetSession:
		return c.getSession(ctx, params)
	case OpGetOpenSessionByPhone:
		return c.getOpenSessionByPhone(ctx, params)
	case OpUpdateSessionStatus:
		return c.updateSessionStatus(ctx, params)
	case OpIncrementAttempts:
		return c.incrementAttempts(ctx, params)
	case OpSetProviderRef:
		return c.exec(ctx, c.prepared.SetProviderRef,
			asString(params["provider_otp_id"]), asString(params["provider_ref_code"]), asString(params["session_id"]))
	case OpDeleteSession:
		return c.exec(ctx, c.prepared.DeleteSession, asString(params["session_id"]))
	case OpExpireSessions:
		return c.expireSessions(ctx, params)
	case OpGetVerifiedPhone:
		return c.getVerifiedPhone(ctx, params)
	case OpInsertVerifiedPhone:
		return c.insertVerifiedPhone(ctx, params)
	case OpRevokeVerifiedPhone:
		return c.exec(ctx, c.prepared.RevokeVerified,
			models.VerifiedStatusRevoked, asString(params["canonical_phone"]))
	case OpGetRateLimit:
		return c.getRateLimit(ctx, params)
	case OpUpsertRateLimit:
		return c.upsertRateLimit(ctx, params)
	case OpInsertAuditLog:
		return c.exec(ctx, c.prepared.InsertAuditLog,
			asString(params["event_type"]), asString(params["canonical_phone"]),
			asBool(params["success"]), asString(params["details"]), asTime(params["created_at"]))
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownOperation, op)
	}
}

func (c *scyllaConn) exec(ctx context.Context, query *gocql.Query, values ...interface{}) (*Result, error) {
	if err := query.WithContext(ctx).Bind(values...).Exec(); err != nil {
		return nil, mapScyllaError(err)
	}
	return &Result{RowsAffected: 1, Applied: true}, nil
}

func (c *scyllaConn) createSession(ctx context.Context, params Params) (*Result, error) {
	applied, err := c.prepared.CreateSession.WithContext(ctx).Bind(
		asString(params["session_id"]), asString(params["phone_number"]),
		asString(params["canonical_phone"]), asString(params["user_id"]),
		asString(params["session_token"]), asString(params["ip_address"]),
		asString(params["user_agent"]), asString(params["provider_otp_id"]),
		asString(params["provider_ref_code"]), asInt(params["attempts"]),
		asInt(params["max_attempts"]), asString(params["status"]),
		asTime(params["created_at"]), asTime(params["expires_at"]),
	).MapScanCAS(map[string]interface{}{})
	if err != nil {
		return nil, mapScyllaError(err)
	}
	if !applied {
		return nil, fmt.Errorf("%w: session already exists", ErrConflict)
	}
	return &Result{RowsAffected: 1, Applied: true}, nil
}

func (c *scyllaConn) getSession(ctx context.Context, params Params) (*Result, error) {
	row := map[string]interface{}{}
	err := c.prepared.GetSession.WithContext(ctx).Bind(asString(params["session_id"])).MapScan(row)
	if err != nil {
		return nil, mapScyllaError(err)
	}
	return &Result{Rows: []Row{Row(row)}, Applied: true}, nil
}

func (c *scyllaConn) getOpenSessionByPhone(ctx context.Context, params Params) (*Result, error) {
	iter := c.session.Query(`
        SELECT session_id, phone_number, canonical_phone, user_id, session_token,
            ip_address, user_agent, provider_otp_id, provider_ref_code,
            attempts, max_attempts, status, created_at, expires_at, verified_at
        FROM otp_sessions WHERE canonical_phone = ? ALLOW FILTERING`,
		asString(params["canonical_phone"])).WithContext(ctx).Iter()

	now := time.Now().UTC()
	for {
		row := map[string]interface{}{}
		if !iter.MapScan(row) {
			break
		}
		status := models.SessionStatus(asString(row["status"]))
		expiresAt := asTime(row["expires_at"])
		if (status == models.StatusPending || status == models.StatusSent) && now.Before(expiresAt) {
			if err := iter.Close(); err != nil {
				return nil, mapScyllaError(err)
			}
			return &Result{Rows: []Row{Row(row)}, Applied: true}, nil
		}
	}
	if err := iter.Close(); err != nil {
		return nil, mapScyllaError(err)
	}
	return &Result{Applied: true}, nil
}

func (c *scyllaConn) updateSessionStatus(ctx context.Context, params Params) (*Result, error) {
	if v, ok := params["verified_at"]; ok {
		return c.exec(ctx, c.prepared.UpdateStatusAt,
			asString(params["status"]), asTime(v), asString(params["session_id"]))
	}
	return c.exec(ctx, c.prepared.UpdateStatus,
		asString(params["status"]), asString(params["session_id"]))
}

// incrementAttempts runs a compare-and-set loop so concurrent verifies
// serialize on the storage layer rather than in the manager.
func (c *scyllaConn) incrementAttempts(ctx context.Context, params Params) (*Result, error) {
	sessionID := asString(params["session_id"])

	for i := 0; i < casRetries; i++ {
		var attempts, maxAttempts int
		err := c.prepared.SelectAttempts.WithContext(ctx).Bind(sessionID).Scan(&attempts, &maxAttempts)
		if err != nil {
			return nil, mapScyllaError(err)
		}

		if attempts >= maxAttempts {
			return &Result{
				Rows:    []Row{{"attempts": attempts, "max_attempts": maxAttempts}},
				Applied: false,
			}, nil
		}

		applied, err := c.prepared.CompareAndSetAtts.WithContext(ctx).
			Bind(attempts+1, sessionID, attempts).
			MapScanCAS(map[string]interface{}{})
		if err != nil {
			return nil, mapScyllaError(err)
		}
		if applied {
			return &Result{
				Rows:         []Row{{"attempts": attempts + 1, "max_attempts": maxAttempts}},
				RowsAffected: 1,
				Applied:      true,
			}, nil
		}
		// Lost the race; re-read and try again.
	}

	return nil, Transient(fmt.Errorf("attempt counter contention on session %s", sessionID))
}

func (c *scyllaConn) expireSessions(ctx context.Context, params Params) (*Result, error) {
	now := asTime(params["now"])
	if now.IsZero() {
		now = time.Now().UTC()
	}

	iter := c.session.Query(`
        SELECT session_id, status, expires_at FROM otp_sessions
        WHERE expires_at < ? ALLOW FILTERING`, now).WithContext(ctx).Iter()

	batch := c.session.NewBatch(gocql.UnloggedBatch)
	batchSize := 0
	affected := 0

	var sessionID, status string
	var expiresAt time.Time
	for iter.Scan(&sessionID, &status, &expiresAt) {
		switch models.SessionStatus(status) {
		case models.StatusPending, models.StatusSent:
			batch.Query(`UPDATE otp_sessions SET status = ? WHERE session_id = ?`,
				string(models.StatusExpired), sessionID)
		case models.StatusFailed:
			batch.Query(`DELETE FROM otp_sessions WHERE session_id = ?`, sessionID)
		default:
			continue
		}
		batchSize++

		if batchSize >= 100 {
			if err := c.session.ExecuteBatch(batch); err != nil {
				iter.Close()
				return nil, mapScyllaError(err)
			}
			affected += batchSize
			batch = c.session.NewBatch(gocql.UnloggedBatch)
			batchSize = 0
		}
	}

	if batchSize > 0 {
		if err := c.session.ExecuteBatch(batch); err != nil {
			iter.Close()
			return nil, mapScyllaError(err)
		}
		affected += batchSize
	}

	if err := iter.Close(); err != nil {
		return nil, mapScyllaError(err)
	}
	return &Result{RowsAffected: affected, Applied: true}, nil
}

func (c *scyllaConn) getVerifiedPhone(ctx context.Context, params Params) (*Result, error) {
	row := map[string]interface{}{}
	err := c.prepared.GetVerifiedPhone.WithContext(ctx).Bind(asString(params["canonical_phone"])).MapScan(row)
	if err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return &Result{Applied: true}, nil
		}
		return nil, mapScyllaError(err)
	}
	if asString(row["status"]) != models.VerifiedStatusActive {
		return &Result{Applied: true}, nil
	}
	return &Result{Rows: []Row{Row(row)}, Applied: true}, nil
}

func (c *scyllaConn) insertVerifiedPhone(ctx context.Context, params Params) (*Result, error) {
	applied, err := c.prepared.InsertVerified.WithContext(ctx).Bind(
		asString(params["canonical_phone"]), asString(params["method"]),
		asString(params["session_id"]), asString(params["user_id"]),
		models.VerifiedStatusActive, asTime(params["created_at"]),
	).MapScanCAS(map[string]interface{}{})
	if err != nil {
		return nil, mapScyllaError(err)
	}
	if !applied {
		return nil, fmt.Errorf("%w: phone already verified", ErrConflict)
	}
	return &Result{RowsAffected: 1, Applied: true}, nil
}

func (c *scyllaConn) getRateLimit(ctx context.Context, params Params) (*Result, error) {
	var key string
	var count int
	var expiresAt time.Time
	err := c.prepared.GetRateLimit.WithContext(ctx).Bind(asString(params["key"])).Scan(&key, &count, &expiresAt)
	if err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return &Result{Applied: true}, nil
		}
		return nil, mapScyllaError(err)
	}
	if time.Now().UTC().After(expiresAt) {
		return &Result{Applied: true}, nil
	}
	return &Result{
		Rows:    []Row{{"key": key, "count": count, "expires_at": expiresAt}},
		Applied: true,
	}, nil
}

func (c *scyllaConn) upsertRateLimit(ctx context.Context, params Params) (*Result, error) {
	key := asString(params["key"])
	window := asDuration(params["window"])
	now := time.Now().UTC()

	existing, err := c.getRateLimit(ctx, params)
	if err != nil {
		return nil, err
	}

	count := 1
	expiresAt := now.Add(window)
	if row := existing.First(); row != nil {
		count = asInt(row["count"]) + 1
		expiresAt = asTime(row["expires_at"])
	}

	ttl := int(time.Until(expiresAt).Seconds())
	if ttl < 1 {
		ttl = 1
	}
	err = c.session.Query(`
        INSERT INTO rate_limits (key, count, expires_at) VALUES (?, ?, ?) USING TTL ?`,
		key, count, expiresAt, ttl).WithContext(ctx).Exec()
	if err != nil {
		return nil, mapScyllaError(err)
	}

	return &Result{
		Rows:         []Row{{"key": key, "count": count, "expires_at": expiresAt}},
		RowsAffected: 1,
		Applied:      true,
	}, nil
}

// mapScyllaError converts driver errors to the typed store errors.
// Timeouts, unavailability, and broken connections are transient; a
// missing row is ErrNotFound.
func mapScyllaError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gocql.ErrNotFound) {
		return ErrNotFound
	}

	var netErr net.Error
	switch {
	case errors.Is(err, gocql.ErrTimeoutNoResponse),
		errors.Is(err, gocql.ErrConnectionClosed),
		errors.Is(err, gocql.ErrNoConnections),
		errors.Is(err, context.DeadlineExceeded),
		errors.As(err, &netErr):
		return Transient(err)
	}

	var unavailable *gocql.RequestErrUnavailable
	var writeTimeout *gocql.RequestErrWriteTimeout
	var readTimeout *gocql.RequestErrReadTimeout
	if errors.As(err, &unavailable) || errors.As(err, &writeTimeout) || errors.As(err, &readTimeout) {
		return Transient(err)
	}

	return err
}
