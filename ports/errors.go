package ports

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by every adapter. Adapters wrap these with %w.
var (
	// ErrNotFound means the referenced tenant, record or event does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict means the write would violate a uniqueness or linkage rule.
	ErrConflict = errors.New("conflict")

	// ErrStoreUnavailable is a transient store failure. Webhooks must answer with a
	// retryable status; quota checks must fail closed.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrSignatureVerification means a webhook body failed signature verification.
	ErrSignatureVerification = errors.New("signature verification failed")

	// ErrProviderNotConfigured means no payment provider is available.
	ErrProviderNotConfigured = errors.New("payment provider not configured")
)

// Unavailable wraps a driver error as ErrStoreUnavailable.
// Errors already classified by the taxonomy are returned unchanged.
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrConflict) || errors.Is(err, ErrStoreUnavailable) {
		return err
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}
