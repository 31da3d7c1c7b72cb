package models

import "time"

// ConnectionMethod identifies how an account is linked to the provider.
type ConnectionMethod string

const (
	// MethodDelegated means the account holds an opaque session reference
	// obtained through the provider's delegated-authorization flow.
	MethodDelegated ConnectionMethod = "delegated"
	// MethodManualKey means the account supplied its own API key, which is
	// stored encrypted at rest.
	MethodManualKey ConnectionMethod = "manual_key"
	// MethodNone means no credential is on file.
	MethodNone ConnectionMethod = "none"
)

// ProviderConnection holds per-account connection state: how the account is
// connected, the sealed credential, and the last successful sync marker.
type ProviderConnection struct {
	AccountID         string           `json:"accountId" db:"account_id"`
	Method            ConnectionMethod `json:"method" db:"method"`
	ProviderAccountID string           `json:"providerAccountId" db:"provider_account_id"`
	SealedCredential  string           `json:"-" db:"sealed_credential"`
	LastSyncedAt      *time.Time       `json:"lastSyncedAt,omitempty" db:"last_synced_at"`
	CreatedAt         time.Time        `json:"createdAt" db:"created_at"`
	UpdatedAt         time.Time        `json:"updatedAt" db:"updated_at"`
}

// ConnectionStatus is the network-free answer to "is this account connected".
type ConnectionStatus struct {
	Connected         bool             `json:"connected"`
	Method            ConnectionMethod `json:"method"`
	ProviderAccountID string           `json:"providerAccountId,omitempty"`
	LastSyncedAt      *time.Time       `json:"lastSyncedAt,omitempty"`
}
