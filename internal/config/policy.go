package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"beneficios.org/internal/auth"
)

// Policy is the optional YAML overlay on top of the built-in catalog and bypass table.
//
//	bypass:
//	  default: [administrator]
//	  permissions:
//	    beneficio.configurar: [administrator]
//	roles:
//	  auditor: [relatorio.gerar]
type Policy struct {
	Bypass struct {
		Default     []string            `yaml:"default"`
		Permissions map[string][]string `yaml:"permissions"`
	} `yaml:"bypass"`
	Roles map[string][]string `yaml:"roles"`
}

// LoadPolicy reads path. An empty path yields the zero Policy.
func LoadPolicy(path string) (Policy, error) {
	if path == "" {
		return Policy{}, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("read policy: %w", err)
	}
	return ParsePolicy(raw)
}

// ParsePolicy decodes raw strictly; unknown keys are errors.
func ParsePolicy(raw []byte) (Policy, error) {
	var p Policy
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil && !errors.Is(err, io.EOF) {
		return Policy{}, fmt.Errorf("decode policy: %w", err)
	}
	return p, nil
}

// Apply extends catalog with the policy's role mappings and returns the resulting
// bypass table. Roles and permissions must already be known to the catalog.
func (p Policy) Apply(catalog *auth.Catalog) (*auth.BypassTable, error) {
	for rawRole, perms := range p.Roles {
		role, err := auth.ParseRole(rawRole)
		if err != nil {
			return nil, err
		}
		if err := catalog.Assign(role, perms...); err != nil {
			return nil, fmt.Errorf("role %s: %w", role, err)
		}
	}

	defaults := auth.DefaultBypassRoles
	if p.Bypass.Default != nil {
		roles, err := auth.ParseRoles(p.Bypass.Default)
		if err != nil {
			return nil, fmt.Errorf("bypass default: %w", err)
		}
		defaults = roles
	}
	overrides := auth.DefaultBypassOverrides()
	for perm, rawRoles := range p.Bypass.Permissions {
		if _, ok := catalog.Lookup(perm); !ok {
			return nil, fmt.Errorf("%w: bypass for unknown permission %q", auth.ErrInvalidInput, perm)
		}
		roles, err := auth.ParseRoles(rawRoles)
		if err != nil {
			return nil, fmt.Errorf("bypass %s: %w", perm, err)
		}
		overrides[perm] = roles
	}
	return auth.NewBypassTable(defaults, overrides), nil
}
