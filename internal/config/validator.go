package config

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// Validate checks the configuration using struct tags plus cross-field rules.
// Errors carry the offending key so operators can fix the document directly.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())

	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}

	if err := c.validateAuthMode(); err != nil {
		return err
	}
	if err := c.validateUniqueServerIDs(); err != nil {
		return err
	}
	if err := c.validateUniquePolicyIDs(); err != nil {
		return err
	}
	return nil
}

// validateAuthMode checks the mode-specific sub-sections.
func (c *Config) validateAuthMode() error {
	switch c.Auth.Mode {
	case "preshared":
		if len(c.Auth.Credentials) == 0 {
			return errors.New("auth: preshared mode requires at least one credential")
		}
		seen := make(map[string]struct{}, len(c.Auth.Credentials))
		for i, cred := range c.Auth.Credentials {
			if _, dup := seen[cred.ID]; dup {
				return fmt.Errorf("auth.credentials[%d]: duplicate credential id %q", i, cred.ID)
			}
			seen[cred.ID] = struct{}{}
		}
	case "token":
		if c.Auth.Token == nil {
			return errors.New("auth: token mode requires the auth.token section")
		}
		if c.Auth.Token.Secret == "" && c.Auth.Token.PublicKey == "" {
			return errors.New("auth.token: set secret or publicKey")
		}
	case "discovery":
		if c.Auth.Discovery == nil {
			return errors.New("auth: discovery mode requires the auth.discovery section")
		}
		if c.Auth.Discovery.Issuer == "" && c.Auth.Discovery.JWKSURL == "" {
			return errors.New("auth.discovery: set issuer or jwksUrl")
		}
	}
	return nil
}

func (c *Config) validateUniqueServerIDs() error {
	seen := make(map[string]struct{}, len(c.Servers))
	for i, s := range c.Servers {
		if _, dup := seen[s.ID]; dup {
			return fmt.Errorf("servers[%d]: duplicate server id %q", i, s.ID)
		}
		seen[s.ID] = struct{}{}
	}
	return nil
}

func (c *Config) validateUniquePolicyIDs() error {
	seen := make(map[string]struct{}, len(c.Policies))
	for i, p := range c.Policies {
		if _, dup := seen[p.ID]; dup {
			return fmt.Errorf("policies[%d]: duplicate policy id %q", i, p.ID)
		}
		seen[p.ID] = struct{}{}
	}
	return nil
}

// formatValidationErrors turns validator tag failures into actionable
// messages keyed by the config field path.
func formatValidationErrors(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	for _, fe := range verrs {
		field := fe.Namespace()
		switch fe.Tag() {
		case "required":
			return fmt.Errorf("config: %s is required", field)
		case "min":
			return fmt.Errorf("config: %s needs at least %s entries", field, fe.Param())
		case "oneof":
			return fmt.Errorf("config: %s must be one of [%s], got %q", field, fe.Param(), fe.Value())
		case "url":
			return fmt.Errorf("config: %s must be a valid URL", field)
		default:
			return fmt.Errorf("config: %s failed %s validation", field, fe.Tag())
		}
	}
	return err
}
