package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "unit-test-secret"

func signHMAC(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("SignedString() error: %v", err)
	}
	return signed
}

func baseClaims(overrides jwt.MapClaims) jwt.MapClaims {
	claims := jwt.MapClaims{
		"sub":   "alice",
		"roles": []string{"reader", "writer"},
		"exp":   time.Now().Add(time.Hour).Unix(),
	}
	for k, v := range overrides {
		claims[k] = v
	}
	return claims
}

func TestTokenAuthenticator_HMAC(t *testing.T) {
	t.Parallel()

	a, err := NewTokenAuthenticator(TokenConfig{Secret: testSecret, Issuer: "https://issuer.test", Audience: "gateway"})
	if err != nil {
		t.Fatalf("NewTokenAuthenticator() error: %v", err)
	}

	valid := signHMAC(t, baseClaims(jwt.MapClaims{"iss": "https://issuer.test", "aud": "gateway", "jti": "tok-1", "email": "alice@example.com"}))
	callerCtx, err := a.Authenticate(context.Background(), valid)
	if err != nil {
		t.Fatalf("Authenticate() error: %v", err)
	}
	if callerCtx.ConsumerID != "alice" {
		t.Errorf("ConsumerID = %q, want alice", callerCtx.ConsumerID)
	}
	if callerCtx.CredentialID != "tok-1" {
		t.Errorf("CredentialID = %q, want tok-1 (jti)", callerCtx.CredentialID)
	}
	if callerCtx.Email != "alice@example.com" {
		t.Errorf("Email = %q", callerCtx.Email)
	}
	if len(callerCtx.Roles) != 2 || callerCtx.Roles[0] != "reader" {
		t.Errorf("Roles = %v", callerCtx.Roles)
	}
}

func TestTokenAuthenticator_Rejections(t *testing.T) {
	t.Parallel()

	a, err := NewTokenAuthenticator(TokenConfig{Secret: testSecret, Issuer: "https://issuer.test", Audience: "gateway"})
	if err != nil {
		t.Fatalf("NewTokenAuthenticator() error: %v", err)
	}

	good := jwt.MapClaims{"iss": "https://issuer.test", "aud": "gateway"}
	wrongSecret, err := jwt.NewWithClaims(jwt.SigningMethodHS256, baseClaims(good)).SignedString([]byte("other-secret"))
	if err != nil {
		t.Fatalf("SignedString() error: %v", err)
	}

	tests := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"garbage", "not.a.token"},
		{"wrong secret", wrongSecret},
		{"expired", signHMAC(t, baseClaims(jwt.MapClaims{"iss": "https://issuer.test", "aud": "gateway", "exp": time.Now().Add(-time.Minute).Unix()}))},
		{"missing exp", signHMAC(t, jwt.MapClaims{"sub": "alice", "iss": "https://issuer.test", "aud": "gateway"})},
		{"wrong issuer", signHMAC(t, baseClaims(jwt.MapClaims{"iss": "https://evil.test", "aud": "gateway"}))},
		{"wrong audience", signHMAC(t, baseClaims(jwt.MapClaims{"iss": "https://issuer.test", "aud": "other"}))},
		{"missing consumer claim", signHMAC(t, jwt.MapClaims{"iss": "https://issuer.test", "aud": "gateway", "exp": time.Now().Add(time.Hour).Unix()})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := a.Authenticate(context.Background(), tt.token); err != ErrInvalidCredential {
				t.Errorf("error = %v, want ErrInvalidCredential", err)
			}
		})
	}
}

func TestTokenAuthenticator_CustomClaims(t *testing.T) {
	t.Parallel()

	a, err := NewTokenAuthenticator(TokenConfig{Secret: testSecret, ConsumerClaim: "client_id", RolesClaim: "scope"})
	if err != nil {
		t.Fatalf("NewTokenAuthenticator() error: %v", err)
	}

	// Scalar roles claim.
	token := signHMAC(t, jwt.MapClaims{
		"client_id": "svc-7",
		"scope":     "admin",
		"exp":       time.Now().Add(time.Hour).Unix(),
	})
	callerCtx, err := a.Authenticate(context.Background(), token)
	if err != nil {
		t.Fatalf("Authenticate() error: %v", err)
	}
	if callerCtx.ConsumerID != "svc-7" {
		t.Errorf("ConsumerID = %q, want svc-7", callerCtx.ConsumerID)
	}
	if len(callerCtx.Roles) != 1 || callerCtx.Roles[0] != "admin" {
		t.Errorf("Roles = %v, want [admin]", callerCtx.Roles)
	}
}

func TestNewTokenAuthenticator_ConfigErrors(t *testing.T) {
	t.Parallel()

	if _, err := NewTokenAuthenticator(TokenConfig{}); err == nil {
		t.Error("empty config should be rejected")
	}
	if _, err := NewTokenAuthenticator(TokenConfig{Secret: "x", PublicKeyPEM: "y"}); err == nil {
		t.Error("both secret and publicKey should be rejected")
	}
	if _, err := NewTokenAuthenticator(TokenConfig{PublicKeyPEM: "not pem"}); err == nil {
		t.Error("malformed PEM should be rejected")
	}
}

// jwksServer serves one RSA key under the given kid and counts fetches.
func jwksServer(t *testing.T, kid string, pub *rsa.PublicKey, hits *int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*hits++
		doc := jwksDocument{Keys: []jwk{{
			Kty: "RSA",
			Kid: kid,
			N:   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
			E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
		}}}
		if err := json.NewEncoder(w).Encode(doc); err != nil {
			t.Errorf("encode jwks: %v", err)
		}
	}))
}

func signRSA(t *testing.T, key *rsa.PrivateKey, kid string, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = kid
	signed, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("SignedString() error: %v", err)
	}
	return signed
}

func TestDiscoveryAuthenticator(t *testing.T) {
	t.Parallel()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey() error: %v", err)
	}
	hits := 0
	srv := jwksServer(t, "key-1", &key.PublicKey, &hits)
	defer srv.Close()

	a, err := NewDiscoveryAuthenticator(DiscoveryConfig{JWKSURL: srv.URL})
	if err != nil {
		t.Fatalf("NewDiscoveryAuthenticator() error: %v", err)
	}

	valid := signRSA(t, key, "key-1", baseClaims(nil))
	callerCtx, err := a.Authenticate(context.Background(), valid)
	if err != nil {
		t.Fatalf("Authenticate() error: %v", err)
	}
	if callerCtx.ConsumerID != "alice" {
		t.Errorf("ConsumerID = %q, want alice", callerCtx.ConsumerID)
	}
	if hits != 1 {
		t.Fatalf("key set fetched %d times, want 1", hits)
	}

	// Second call within the TTL reuses the cached key set.
	if _, err := a.Authenticate(context.Background(), valid); err != nil {
		t.Fatalf("cached Authenticate() error: %v", err)
	}
	if hits != 1 {
		t.Errorf("key set fetched %d times after cache hit, want 1", hits)
	}

	// Expiring the cache forces a refetch.
	a.now = func() time.Time { return time.Now().Add(keySetTTL + time.Minute) }
	if _, err := a.Authenticate(context.Background(), valid); err != nil {
		t.Fatalf("post-expiry Authenticate() error: %v", err)
	}
	if hits != 2 {
		t.Errorf("key set fetched %d times after TTL expiry, want 2", hits)
	}
}

func TestDiscoveryAuthenticator_Rejections(t *testing.T) {
	t.Parallel()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey() error: %v", err)
	}
	otherKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey() error: %v", err)
	}
	hits := 0
	srv := jwksServer(t, "key-1", &key.PublicKey, &hits)
	defer srv.Close()

	a, err := NewDiscoveryAuthenticator(DiscoveryConfig{
		JWKSURL:             srv.URL,
		AllowedEmailDomains: []string{"example.com"},
	})
	if err != nil {
		t.Fatalf("NewDiscoveryAuthenticator() error: %v", err)
	}

	noKid := jwt.NewWithClaims(jwt.SigningMethodRS256, baseClaims(nil))
	noKidSigned, err := noKid.SignedString(key)
	if err != nil {
		t.Fatalf("SignedString() error: %v", err)
	}

	tests := []struct {
		name  string
		token string
	}{
		{"missing kid", noKidSigned},
		{"unknown kid", signRSA(t, key, "key-2", baseClaims(nil))},
		{"wrong key", signRSA(t, otherKey, "key-1", baseClaims(nil))},
		{"hmac signature", signHMAC(t, baseClaims(nil))},
		{"disallowed email domain", signRSA(t, key, "key-1", baseClaims(jwt.MapClaims{"email": "alice@evil.test"}))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := a.Authenticate(context.Background(), tt.token); err != ErrInvalidCredential {
				t.Errorf("error = %v, want ErrInvalidCredential", err)
			}
		})
	}

	// An allowed domain passes the restriction.
	allowed := signRSA(t, key, "key-1", baseClaims(jwt.MapClaims{"email": "alice@example.com"}))
	if _, err := a.Authenticate(context.Background(), allowed); err != nil {
		t.Errorf("allowed email domain rejected: %v", err)
	}
}

func TestNewDiscoveryAuthenticator_URLDerivation(t *testing.T) {
	t.Parallel()

	a, err := NewDiscoveryAuthenticator(DiscoveryConfig{Issuer: "https://issuer.test/"})
	if err != nil {
		t.Fatalf("NewDiscoveryAuthenticator() error: %v", err)
	}
	if a.url != "https://issuer.test/.well-known/jwks.json" {
		t.Errorf("url = %q", a.url)
	}

	if _, err := NewDiscoveryAuthenticator(DiscoveryConfig{}); err == nil {
		t.Error("missing issuer and jwksUrl should be rejected")
	}
}
