package services

import "errors"

// Sync/connection error taxonomy. All of these propagate to the immediate
// caller; nothing is retried internally. A retried sync is always safe
// because persistence is idempotent and watermarks are re-derived from
// stored records.
var (
	// ErrNotConnected means no credential is on file for the account.
	// Surfaced before any network call is attempted.
	ErrNotConnected = errors.New("account is not connected to the provider")

	// ErrInvalidCredential means a manually supplied API key failed
	// validation against the provider's account-info endpoint. The key is
	// not persisted.
	ErrInvalidCredential = errors.New("provider credential is invalid")

	// ErrPersistence means the local store rejected a batch write. Batches
	// committed before the failure remain committed.
	ErrPersistence = errors.New("failed to persist records")

	// ErrSyncInProgress means another sync holds the per-account lock.
	ErrSyncInProgress = errors.New("a sync is already running for this account")
)
