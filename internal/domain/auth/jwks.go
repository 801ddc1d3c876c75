package auth

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// jwksSuffix is the standard key-set path appended to an issuer URL when no
// explicit endpoint is configured.
const jwksSuffix = "/.well-known/jwks.json"

// keySetTTL is how long a fetched key set is reused before refetching.
const keySetTTL = time.Hour

// DiscoveryConfig configures discovery-signed-token verification.
type DiscoveryConfig struct {
	// Issuer, when set, must match the token's iss claim. It also derives
	// the key-set URL when JWKSURL is empty.
	Issuer string
	// JWKSURL is the explicit key-set endpoint (HTTPS).
	JWKSURL string
	// Audience, when set, must match one of the token's aud values.
	Audience string
	// ConsumerClaim names the claim carrying the consumer id (default sub).
	ConsumerClaim string
	// RolesClaim names the claim carrying roles (default roles).
	RolesClaim string
	// AllowedEmailDomains, when non-empty, rejects tokens whose email claim
	// is outside the listed domains.
	AllowedEmailDomains []string
}

// jwk is one RSA key from a key-set document.
type jwk struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	N   string `json:"n"`
	E   string `json:"e"`
}

type jwksDocument struct {
	Keys []jwk `json:"keys"`
}

// cachedKeySet holds the parsed keys of one endpoint, keyed by kid.
type cachedKeySet struct {
	keys      map[string]*rsa.PublicKey
	fetchedAt time.Time
}

// DiscoveryAuthenticator verifies signed tokens whose verification key is
// selected by the token's kid header from a key set fetched over HTTPS.
// Key sets are cached in-process for one hour per URL.
type DiscoveryAuthenticator struct {
	cfg    DiscoveryConfig
	url    string
	client *http.Client
	parser *jwt.Parser

	mu    sync.Mutex
	cache map[string]cachedKeySet

	// now is swappable for tests.
	now func() time.Time
}

// NewDiscoveryAuthenticator validates the config and prepares the verifier.
func NewDiscoveryAuthenticator(cfg DiscoveryConfig) (*DiscoveryAuthenticator, error) {
	if cfg.ConsumerClaim == "" {
		cfg.ConsumerClaim = "sub"
	}
	if cfg.RolesClaim == "" {
		cfg.RolesClaim = "roles"
	}

	url := cfg.JWKSURL
	if url == "" {
		if cfg.Issuer == "" {
			return nil, fmt.Errorf("discovery auth: issuer or jwksUrl required")
		}
		url = strings.TrimSuffix(cfg.Issuer, "/") + jwksSuffix
	}

	return &DiscoveryAuthenticator{
		cfg:    cfg,
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
		parser: jwt.NewParser(parserOptions(cfg.Issuer, cfg.Audience)...),
		cache:  make(map[string]cachedKeySet),
		now:    time.Now,
	}, nil
}

// Authenticate verifies the token against the discovered key set and applies
// the email-domain restriction. This is the only authentication mode with a
// blocking fetch; all failures still collapse to ErrInvalidCredential.
func (a *DiscoveryAuthenticator) Authenticate(ctx context.Context, credential string) (*Context, error) {
	if credential == "" {
		return nil, ErrInvalidCredential
	}

	claims := jwt.MapClaims{}
	token, err := a.parser.ParseWithClaims(credential, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, fmt.Errorf("token missing kid header")
		}
		return a.keyForKid(ctx, kid)
	})
	if err != nil || !token.Valid {
		return nil, ErrInvalidCredential
	}

	callerCtx, err := contextFromClaims(claims, a.cfg.ConsumerClaim, a.cfg.RolesClaim)
	if err != nil {
		return nil, err
	}

	if len(a.cfg.AllowedEmailDomains) > 0 && callerCtx.Email != "" {
		if !emailDomainAllowed(callerCtx.Email, a.cfg.AllowedEmailDomains) {
			return nil, ErrInvalidCredential
		}
	}
	return callerCtx, nil
}

// keyForKid returns the verification key for kid, fetching the key set when
// the cache entry is missing or older than keySetTTL.
func (a *DiscoveryAuthenticator) keyForKid(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	a.mu.Lock()
	cached, ok := a.cache[a.url]
	a.mu.Unlock()

	if !ok || a.now().Sub(cached.fetchedAt) >= keySetTTL {
		fresh, err := a.fetchKeySet(ctx)
		if err != nil {
			return nil, err
		}
		cached = fresh
		a.mu.Lock()
		a.cache[a.url] = cached
		a.mu.Unlock()
	}

	key, ok := cached.keys[kid]
	if !ok {
		return nil, fmt.Errorf("key %q not in key set", kid)
	}
	return key, nil
}

// fetchKeySet retrieves and parses the key-set document.
func (a *DiscoveryAuthenticator) fetchKeySet(ctx context.Context) (cachedKeySet, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.url, nil)
	if err != nil {
		return cachedKeySet{}, err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return cachedKeySet{}, fmt.Errorf("fetch key set: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return cachedKeySet{}, fmt.Errorf("fetch key set: status %d", resp.StatusCode)
	}

	var doc jwksDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return cachedKeySet{}, fmt.Errorf("decode key set: %w", err)
	}

	set := cachedKeySet{keys: make(map[string]*rsa.PublicKey, len(doc.Keys)), fetchedAt: a.now()}
	for _, k := range doc.Keys {
		if k.Kty != "RSA" || k.Kid == "" {
			continue
		}
		pub, err := rsaKeyFromJWK(k)
		if err != nil {
			continue
		}
		set.keys[k.Kid] = pub
	}
	return set, nil
}

// rsaKeyFromJWK decodes the base64url modulus and exponent of an RSA JWK.
func rsaKeyFromJWK(k jwk) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, fmt.Errorf("decode modulus: %w", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, fmt.Errorf("decode exponent: %w", err)
	}
	e := 0
	for _, b := range eBytes {
		e = e<<8 | int(b)
	}
	if e <= 0 {
		return nil, fmt.Errorf("invalid exponent")
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(nBytes), E: e}, nil
}

// emailDomainAllowed checks the address' domain against the allow list.
func emailDomainAllowed(email string, domains []string) bool {
	at := strings.LastIndex(email, "@")
	if at < 0 {
		return false
	}
	domain := strings.ToLower(email[at+1:])
	for _, d := range domains {
		if strings.ToLower(d) == domain {
			return true
		}
	}
	return false
}
