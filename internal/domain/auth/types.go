// Package auth resolves caller credentials into caller contexts.
package auth

import (
	"context"
	"errors"
	"time"
)

// Mode selects the credential verification variant.
type Mode string

const (
	// ModeNone accepts every caller as anonymous.
	ModeNone Mode = "none"
	// ModePreshared looks the credential up in the configured map.
	ModePreshared Mode = "preshared"
	// ModeToken verifies a signed token against a preconfigured key.
	ModeToken Mode = "token"
	// ModeDiscovery verifies a signed token against a discovered key set.
	ModeDiscovery Mode = "discovery"
)

// ErrInvalidCredential is returned for every authentication failure:
// missing, unknown, disabled, expired, bad signature, wrong issuer or
// audience, or disallowed email domain. Callers get no finer detail.
var ErrInvalidCredential = errors.New("invalid credential")

// Context identifies the caller for the lifetime of one call.
// Created by the authenticator; never mutated downstream.
type Context struct {
	// ConsumerID is the billing/audit subject.
	ConsumerID string
	// CredentialID identifies the credential that authenticated the call.
	CredentialID string
	// Roles select policies during evaluation.
	Roles []string
	// RateLimit overrides the default per-minute limit when non-nil.
	RateLimit *int
	// Email is set when the credential carries one.
	Email string
	// Metadata is opaque per-caller data.
	Metadata map[string]any
}

// Credential is one configured pre-shared credential record.
type Credential struct {
	// ID is the unique identifier for this credential.
	ID string
	// Key is the opaque credential value: the raw key, its SHA-256 hex,
	// or an Argon2id PHC hash.
	Key string
	// Name is a human-readable label.
	Name string
	// ConsumerID is the subject this credential authenticates as.
	ConsumerID string
	// Roles are granted to callers presenting this credential.
	Roles []string
	// RateLimit overrides the default per-minute limit when non-nil.
	RateLimit *int
	// ExpiresAt rejects the credential after this instant (nil = never).
	ExpiresAt *time.Time
	// Enabled gates the credential without deleting it.
	Enabled bool
}

// IsExpired returns true when the credential is past its expiry instant.
func (c *Credential) IsExpired() bool {
	return c.ExpiresAt != nil && time.Now().UTC().After(*c.ExpiresAt)
}

// Authenticator is the single verification capability over all modes.
// Implementations fail closed: every failure is ErrInvalidCredential and
// never an I/O fault propagated into the pipeline.
type Authenticator interface {
	Authenticate(ctx context.Context, credential string) (*Context, error)
}

// AnonymousContext is the caller context produced by ModeNone.
func AnonymousContext() *Context {
	return &Context{ConsumerID: "anonymous", CredentialID: "none", Roles: []string{"*"}}
}
