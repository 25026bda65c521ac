// Package idp talks to the external identity provider's administrative API.
package idp

import (
	"context"
	"time"
)

// Provider is the capability set the gateway needs from an identity provider
type Provider interface {
	// LookupUser returns the provider's record for username
	LookupUser(ctx context.Context, username string) (*ExternalUser, error)
	// Groups returns the names of the groups username belongs to
	Groups(ctx context.Context, username string) ([]string, error)
	// Attributes returns the extended attributes of username
	Attributes(ctx context.Context, username string) (*Attributes, error)
	// CreateDelegatedCredential issues a secret for username that expires after ttl
	CreateDelegatedCredential(ctx context.Context, username string, ttl time.Duration) (*DelegatedCredential, error)
	// RevokeDelegatedCredential deletes a previously issued secret
	RevokeDelegatedCredential(ctx context.Context, identifier string) error
}

// ServiceAccountManager manages non-human accounts
type ServiceAccountManager interface {
	CreateServiceAccount(ctx context.Context, name string) (*ServiceAccount, error)
	ListServiceAccounts(ctx context.Context) ([]ExternalUser, error)
}
