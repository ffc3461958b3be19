package service

import (
	"errors"
	"fmt"

	"otp-service/internal/pool"
)

// Error taxonomy returned by the session manager. Handlers map these
// to response codes; nothing downstream matches on error text.
var (
	// ErrInvalidPhone means the phone number could not be canonicalized.
	ErrInvalidPhone = errors.New("invalid phone number")
	// ErrAlreadyVerified means the phone already has an active verified record.
	ErrAlreadyVerified = errors.New("phone already verified")
	// ErrSessionConflict means an open session already exists for the phone.
	ErrSessionConflict = errors.New("verification already in progress")
	// ErrSessionNotFound means no session matches the given id.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionExpired means the session's window has passed, or the
	// session is otherwise terminal.
	ErrSessionExpired = errors.New("session expired")
	// ErrMaxAttemptsExceeded means the attempt ceiling was reached.
	ErrMaxAttemptsExceeded = errors.New("maximum verification attempts exceeded")
	// ErrInvalidCode means the provider rejected the submitted code.
	ErrInvalidCode = errors.New("invalid verification code")
	// ErrCooldownActive means a resend was requested inside the cooldown window.
	ErrCooldownActive = errors.New("resend cooldown active")
	// ErrProvider wraps gateway transport and auth failures.
	ErrProvider = errors.New("otp provider failure")
	// ErrPoolTimeout means the store connection pool was saturated.
	ErrPoolTimeout = errors.New("storage pool timeout")
	// ErrPersistence wraps durable-store failures that survived retries.
	ErrPersistence = errors.New("persistence failure")
)

// mapStoreError folds storage-layer failures into the taxonomy. Typed
// semantic errors (not-found, conflict) are mapped by the call sites
// that know their meaning; this handles the transport-shaped rest.
func mapStoreError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pool.ErrPoolTimeout) {
		return fmt.Errorf("%w: %v", ErrPoolTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrPersistence, err)
}
