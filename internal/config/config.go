// Package config loads, validates, and watches the gateway configuration
// document.
package config

import (
	"fmt"
	"time"

	"github.com/toolgate/toolgate/internal/domain/auth"
	"github.com/toolgate/toolgate/internal/domain/policy"
	"github.com/toolgate/toolgate/internal/domain/server"
)

// Config is the single configuration document. One YAML (or JSON) file with
// TOOLGATE_-prefixed environment overrides.
type Config struct {
	Auth      *AuthConfig      `yaml:"auth" mapstructure:"auth" validate:"required"`
	Servers   []ServerConfig   `yaml:"servers" mapstructure:"servers" validate:"dive"`
	Policies  []PolicyConfig   `yaml:"policies" mapstructure:"policies" validate:"required,min=1,dive"`
	Audit     *AuditConfig     `yaml:"audit" mapstructure:"audit" validate:"required"`
	Metering  MeteringConfig   `yaml:"metering" mapstructure:"metering"`
	RateLimit RateLimitConfig  `yaml:"rateLimit" mapstructure:"rateLimit"`

	// Port enables the operational HTTP endpoint (/metrics, /healthz)
	// when non-zero. The tool surface always stays on stdio.
	Port int    `yaml:"port,omitempty" mapstructure:"port" validate:"omitempty,min=1,max=65535"`
	Host string `yaml:"host,omitempty" mapstructure:"host"`

	LogLevel string `yaml:"logLevel,omitempty" mapstructure:"logLevel" validate:"omitempty,oneof=debug info warn error"`
	DevMode  bool   `yaml:"devMode,omitempty" mapstructure:"devMode"`
}

// AuthConfig selects and parameterizes the credential mode.
type AuthConfig struct {
	Mode        string             `yaml:"mode" mapstructure:"mode" validate:"required,oneof=none preshared token discovery"`
	Credentials []CredentialConfig `yaml:"credentials,omitempty" mapstructure:"credentials" validate:"dive"`
	Token       *TokenConfig       `yaml:"token,omitempty" mapstructure:"token"`
	Discovery   *DiscoveryConfig   `yaml:"discovery,omitempty" mapstructure:"discovery"`
}

// CredentialConfig is one pre-shared credential record.
type CredentialConfig struct {
	ID         string   `yaml:"id" mapstructure:"id" validate:"required"`
	Key        string   `yaml:"key" mapstructure:"key" validate:"required"`
	Name       string   `yaml:"name,omitempty" mapstructure:"name"`
	ConsumerID string   `yaml:"consumerId" mapstructure:"consumerId" validate:"required"`
	Roles      []string `yaml:"roles,omitempty" mapstructure:"roles"`
	RateLimit  *int     `yaml:"rateLimit,omitempty" mapstructure:"rateLimit" validate:"omitempty,min=1"`
	ExpiresAt  string   `yaml:"expiresAt,omitempty" mapstructure:"expiresAt"`
	Enabled    *bool    `yaml:"enabled,omitempty" mapstructure:"enabled"`
}

// TokenConfig parameterizes signed-token verification.
type TokenConfig struct {
	Secret        string `yaml:"secret,omitempty" mapstructure:"secret"`
	PublicKey     string `yaml:"publicKey,omitempty" mapstructure:"publicKey"`
	Issuer        string `yaml:"issuer,omitempty" mapstructure:"issuer"`
	Audience      string `yaml:"audience,omitempty" mapstructure:"audience"`
	ConsumerClaim string `yaml:"consumerClaim,omitempty" mapstructure:"consumerClaim"`
	RolesClaim    string `yaml:"rolesClaim,omitempty" mapstructure:"rolesClaim"`
}

// DiscoveryConfig parameterizes discovery-signed-token verification.
type DiscoveryConfig struct {
	Issuer              string   `yaml:"issuer,omitempty" mapstructure:"issuer"`
	JWKSURL             string   `yaml:"jwksUrl,omitempty" mapstructure:"jwksUrl"`
	Audience            string   `yaml:"audience,omitempty" mapstructure:"audience"`
	ConsumerClaim       string   `yaml:"consumerClaim,omitempty" mapstructure:"consumerClaim"`
	RolesClaim          string   `yaml:"rolesClaim,omitempty" mapstructure:"rolesClaim"`
	AllowedEmailDomains []string `yaml:"allowedEmailDomains,omitempty" mapstructure:"allowedEmailDomains"`
}

// ServerConfig describes one managed backend.
type ServerConfig struct {
	ID          string            `yaml:"id" mapstructure:"id" validate:"required"`
	Name        string            `yaml:"name,omitempty" mapstructure:"name"`
	Command     string            `yaml:"command" mapstructure:"command" validate:"required"`
	Args        []string          `yaml:"args,omitempty" mapstructure:"args"`
	Env         map[string]string `yaml:"env,omitempty" mapstructure:"env"`
	Tags        []string          `yaml:"tags,omitempty" mapstructure:"tags"`
	Enabled     *bool             `yaml:"enabled,omitempty" mapstructure:"enabled"`
	CallTimeout string            `yaml:"callTimeout,omitempty" mapstructure:"callTimeout"`
	HealthCheck bool              `yaml:"healthCheck,omitempty" mapstructure:"healthCheck"`
}

// PolicyConfig is one named policy.
type PolicyConfig struct {
	ID    string       `yaml:"id" mapstructure:"id" validate:"required"`
	Name  string       `yaml:"name,omitempty" mapstructure:"name"`
	Roles []string     `yaml:"roles" mapstructure:"roles" validate:"required,min=1"`
	Rules []RuleConfig `yaml:"rules" mapstructure:"rules" validate:"required,min=1,dive"`
}

// RuleConfig is one policy rule.
type RuleConfig struct {
	Server     string            `yaml:"server,omitempty" mapstructure:"server"`
	Tool       string            `yaml:"tool,omitempty" mapstructure:"tool"`
	Action     string            `yaml:"action" mapstructure:"action" validate:"required,oneof=allow deny"`
	Conditions []ConditionConfig `yaml:"conditions,omitempty" mapstructure:"conditions" validate:"dive"`
	Expression string            `yaml:"expression,omitempty" mapstructure:"expression"`
}

// ConditionConfig is one argument condition on a rule.
type ConditionConfig struct {
	Param    string `yaml:"param" mapstructure:"param" validate:"required"`
	Operator string `yaml:"operator" mapstructure:"operator" validate:"required,oneof=eq neq in regex"`
	Value    any    `yaml:"value" mapstructure:"value"`
}

// AuditConfig parameterizes the audit log.
type AuditConfig struct {
	// DBPath is the sqlite file; empty keeps the trail in memory.
	DBPath string `yaml:"dbPath,omitempty" mapstructure:"dbPath"`
	// Chained enables the hash chain (default true).
	Chained *bool `yaml:"chained,omitempty" mapstructure:"chained"`
	// WebhookURL fans each entry out as a fire-and-forget JSON POST.
	WebhookURL string `yaml:"webhookUrl,omitempty" mapstructure:"webhookUrl" validate:"omitempty,url"`
}

// MeteringConfig parameterizes the usage meter.
type MeteringConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`
}

// RateLimitConfig parameterizes the fixed-window limiter.
type RateLimitConfig struct {
	// PerMinute is the default admissions per 60s window (default 60).
	PerMinute int `yaml:"perMinute,omitempty" mapstructure:"perMinute" validate:"omitempty,min=1"`
	// BurstMultiplier scales the window capacity (default 2.0).
	BurstMultiplier float64 `yaml:"burstMultiplier,omitempty" mapstructure:"burstMultiplier" validate:"omitempty,gt=0"`
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.Host == "" {
		c.Host = "127.0.0.1"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.RateLimit.PerMinute == 0 {
		c.RateLimit.PerMinute = 60
	}
	if c.RateLimit.BurstMultiplier == 0 {
		c.RateLimit.BurstMultiplier = 2.0
	}
}

// ChainEnabled reports whether the audit hash chain is on (default true).
func (c *AuditConfig) ChainEnabled() bool {
	return c.Chained == nil || *c.Chained
}

// Credentials converts the configured records into domain credentials.
func (a *AuthConfig) DomainCredentials() ([]auth.Credential, error) {
	out := make([]auth.Credential, 0, len(a.Credentials))
	for i, c := range a.Credentials {
		cred := auth.Credential{
			ID:         c.ID,
			Key:        c.Key,
			Name:       c.Name,
			ConsumerID: c.ConsumerID,
			Roles:      c.Roles,
			RateLimit:  c.RateLimit,
			Enabled:    c.Enabled == nil || *c.Enabled,
		}
		if c.ExpiresAt != "" {
			ts, err := time.Parse(time.RFC3339, c.ExpiresAt)
			if err != nil {
				return nil, fmt.Errorf("credentials[%d]: invalid expiresAt: %w", i, err)
			}
			cred.ExpiresAt = &ts
		}
		out = append(out, cred)
	}
	return out, nil
}

// DomainSpecs converts server entries into backend specs.
func (c *Config) DomainSpecs() ([]server.Spec, error) {
	out := make([]server.Spec, 0, len(c.Servers))
	for i, s := range c.Servers {
		spec := server.Spec{
			ID:          s.ID,
			Name:        s.Name,
			Command:     s.Command,
			Args:        s.Args,
			Env:         s.Env,
			Tags:        s.Tags,
			Enabled:     s.Enabled == nil || *s.Enabled,
			HealthCheck: s.HealthCheck,
		}
		if spec.Name == "" {
			spec.Name = s.ID
		}
		if s.CallTimeout != "" {
			d, err := time.ParseDuration(s.CallTimeout)
			if err != nil {
				return nil, fmt.Errorf("servers[%d]: invalid callTimeout: %w", i, err)
			}
			spec.CallTimeout = d
		}
		out = append(out, spec)
	}
	return out, nil
}

// DomainPolicies converts policy entries into domain policies.
func (c *Config) DomainPolicies() []policy.Policy {
	out := make([]policy.Policy, 0, len(c.Policies))
	for _, p := range c.Policies {
		dp := policy.Policy{ID: p.ID, Name: p.Name, Roles: p.Roles}
		for _, r := range p.Rules {
			rule := policy.Rule{
				Server:     r.Server,
				Tool:       r.Tool,
				Action:     policy.Action(r.Action),
				Expression: r.Expression,
			}
			for _, cond := range r.Conditions {
				rule.Conditions = append(rule.Conditions, policy.Condition{
					Param:    cond.Param,
					Operator: policy.Operator(cond.Operator),
					Value:    cond.Value,
				})
			}
			dp.Rules = append(dp.Rules, rule)
		}
		out = append(out, dp)
	}
	return out
}
