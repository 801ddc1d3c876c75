package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync/atomic"

	"github.com/alexedwards/argon2id"
)

// NoneAuthenticator accepts every caller as anonymous with the wildcard role.
type NoneAuthenticator struct{}

// Authenticate always yields the anonymous context.
func (NoneAuthenticator) Authenticate(context.Context, string) (*Context, error) {
	return AnonymousContext(), nil
}

// credentialIndex is one immutable generation of the configured credentials.
// Lookup is keyed by the stored form so configurations may hold either the
// raw key or its SHA-256 hex; Argon2id PHC hashes are verified by iteration.
type credentialIndex struct {
	byKey    map[string]*Credential
	argonIds []*Credential
}

// PresharedAuthenticator resolves pre-shared credentials. The credential map
// is replaced atomically on reload; no evaluation observes a partial update.
type PresharedAuthenticator struct {
	current atomic.Pointer[credentialIndex]
}

// NewPresharedAuthenticator creates an authenticator over the given records.
func NewPresharedAuthenticator(creds []Credential) *PresharedAuthenticator {
	a := &PresharedAuthenticator{}
	a.Reload(creds)
	return a
}

// Reload atomically replaces the credential set.
func (a *PresharedAuthenticator) Reload(creds []Credential) {
	idx := &credentialIndex{byKey: make(map[string]*Credential, len(creds))}
	for i := range creds {
		c := &creds[i]
		if strings.HasPrefix(c.Key, "$argon2id$") {
			idx.argonIds = append(idx.argonIds, c)
			continue
		}
		idx.byKey[c.Key] = c
	}
	a.current.Store(idx)
}

// Authenticate tries the credential verbatim, then by its SHA-256 hex, then
// against stored Argon2id hashes. Disabled and expired records are rejected.
func (a *PresharedAuthenticator) Authenticate(_ context.Context, credential string) (*Context, error) {
	if credential == "" {
		return nil, ErrInvalidCredential
	}
	idx := a.current.Load()

	c, ok := idx.byKey[credential]
	if !ok {
		c, ok = idx.byKey[HashKey(credential)]
	}
	if !ok {
		for _, candidate := range idx.argonIds {
			match, err := argon2id.ComparePasswordAndHash(credential, candidate.Key)
			if err == nil && match {
				c, ok = candidate, true
				break
			}
		}
	}
	if !ok {
		return nil, ErrInvalidCredential
	}
	if !c.Enabled || c.IsExpired() {
		return nil, ErrInvalidCredential
	}

	return &Context{
		ConsumerID:   c.ConsumerID,
		CredentialID: c.ID,
		Roles:        append([]string(nil), c.Roles...),
		RateLimit:    c.RateLimit,
	}, nil
}

// HashKey returns the SHA-256 hex digest of a raw credential.
func HashKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
