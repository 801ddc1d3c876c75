package auth

import (
	"context"
	"crypto"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// TokenConfig configures signed-token verification.
type TokenConfig struct {
	// Secret verifies HMAC-signed tokens.
	Secret string
	// PublicKeyPEM verifies RSA-signed tokens. Exactly one of Secret and
	// PublicKeyPEM must be set.
	PublicKeyPEM string
	// Issuer, when set, must match the token's iss claim.
	Issuer string
	// Audience, when set, must match one of the token's aud values.
	Audience string
	// ConsumerClaim names the claim carrying the consumer id (default sub).
	ConsumerClaim string
	// RolesClaim names the claim carrying roles (default roles); the value
	// may be a scalar or an array.
	RolesClaim string
}

// TokenAuthenticator verifies signed tokens with a preconfigured key.
type TokenAuthenticator struct {
	cfg    TokenConfig
	secret []byte
	pubKey crypto.PublicKey
	parser *jwt.Parser
}

// NewTokenAuthenticator validates the config and prepares the verifier.
func NewTokenAuthenticator(cfg TokenConfig) (*TokenAuthenticator, error) {
	if cfg.ConsumerClaim == "" {
		cfg.ConsumerClaim = "sub"
	}
	if cfg.RolesClaim == "" {
		cfg.RolesClaim = "roles"
	}

	a := &TokenAuthenticator{cfg: cfg}
	switch {
	case cfg.Secret != "" && cfg.PublicKeyPEM != "":
		return nil, fmt.Errorf("token auth: specify secret or publicKey, not both")
	case cfg.Secret != "":
		a.secret = []byte(cfg.Secret)
	case cfg.PublicKeyPEM != "":
		key, err := jwt.ParseRSAPublicKeyFromPEM([]byte(cfg.PublicKeyPEM))
		if err != nil {
			return nil, fmt.Errorf("token auth: parse public key: %w", err)
		}
		a.pubKey = key
	default:
		return nil, fmt.Errorf("token auth: secret or publicKey required")
	}

	a.parser = jwt.NewParser(parserOptions(cfg.Issuer, cfg.Audience)...)
	return a, nil
}

// parserOptions builds the shared jwt validation options: expiry is always
// enforced, issuer and audience only when configured.
func parserOptions(issuer, audience string) []jwt.ParserOption {
	opts := []jwt.ParserOption{jwt.WithExpirationRequired()}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	if audience != "" {
		opts = append(opts, jwt.WithAudience(audience))
	}
	return opts
}

// Authenticate verifies the token signature and claims, then derives the
// caller context from the configured claims.
func (a *TokenAuthenticator) Authenticate(_ context.Context, credential string) (*Context, error) {
	if credential == "" {
		return nil, ErrInvalidCredential
	}

	claims := jwt.MapClaims{}
	token, err := a.parser.ParseWithClaims(credential, claims, func(t *jwt.Token) (any, error) {
		switch t.Method.(type) {
		case *jwt.SigningMethodHMAC:
			if a.secret == nil {
				return nil, fmt.Errorf("hmac token but no secret configured")
			}
			return a.secret, nil
		case *jwt.SigningMethodRSA, *jwt.SigningMethodRSAPSS:
			if a.pubKey == nil {
				return nil, fmt.Errorf("rsa token but no public key configured")
			}
			return a.pubKey, nil
		default:
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
	})
	if err != nil || !token.Valid {
		return nil, ErrInvalidCredential
	}

	return contextFromClaims(claims, a.cfg.ConsumerClaim, a.cfg.RolesClaim)
}

// contextFromClaims maps verified claims onto a caller context.
func contextFromClaims(claims jwt.MapClaims, consumerClaim, rolesClaim string) (*Context, error) {
	consumer, _ := claims[consumerClaim].(string)
	if consumer == "" {
		return nil, ErrInvalidCredential
	}

	credentialID := "token"
	if jti, _ := claims["jti"].(string); jti != "" {
		credentialID = jti
	}
	email, _ := claims["email"].(string)

	return &Context{
		ConsumerID:   consumer,
		CredentialID: credentialID,
		Roles:        rolesFromClaim(claims[rolesClaim]),
		Email:        email,
	}, nil
}

// rolesFromClaim accepts a scalar role or an array of roles.
func rolesFromClaim(v any) []string {
	switch t := v.(type) {
	case string:
		if t == "" {
			return nil
		}
		return []string{t}
	case []any:
		roles := make([]string, 0, len(t))
		for _, r := range t {
			if s, ok := r.(string); ok {
				roles = append(roles, s)
			}
		}
		return roles
	case []string:
		return t
	default:
		return nil
	}
}
