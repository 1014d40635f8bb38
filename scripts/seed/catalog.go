package main

import (
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/odyssey-erp/odyssey-acl/internal/security"
)

// Catalog is the declarative ACL seed read from catalog.yaml.
type Catalog struct {
	Permissions []CatalogPermission `yaml:"permissions"`
	Roles       []CatalogRole       `yaml:"roles"`
	Users       []CatalogUser       `yaml:"users"`
}

// CatalogPermission declares one ability and its optional limit.
type CatalogPermission struct {
	Ability       string        `yaml:"ability"`
	Description   string        `yaml:"description"`
	RequiresOwner bool          `yaml:"requires_owner"`
	TenantScoped  bool          `yaml:"tenant_scoped"`
	Limit         *CatalogLimit `yaml:"limit"`
}

// CatalogLimit mirrors a permission_limits row.
type CatalogLimit struct {
	Type  string `yaml:"type"`
	Value int64  `yaml:"value"`
}

// CatalogRole groups abilities by name.
type CatalogRole struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Permissions []string `yaml:"permissions"`
}

// CatalogUser is a development user with its roles and overrides.
type CatalogUser struct {
	ID        int64           `yaml:"id"`
	TenantID  *int64          `yaml:"tenant_id"`
	Roles     []string        `yaml:"roles"`
	Overrides map[string]bool `yaml:"overrides"`
}

// DecodeCatalog parses and validates a catalog. Unknown keys are rejected.
func DecodeCatalog(r io.Reader) (Catalog, error) {
	var c Catalog
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil {
		return Catalog{}, fmt.Errorf("seed: decode catalog: %w", err)
	}
	if err := c.validate(); err != nil {
		return Catalog{}, err
	}
	return c, nil
}

func (c Catalog) validate() error {
	abilities := make(map[string]struct{}, len(c.Permissions))
	for _, p := range c.Permissions {
		ability := security.NormalizeAbility(p.Ability)
		if ability == "" {
			return fmt.Errorf("seed: permission without ability")
		}
		if _, dup := abilities[ability]; dup {
			return fmt.Errorf("seed: duplicate permission %q", ability)
		}
		abilities[ability] = struct{}{}
		if p.Limit != nil && p.Limit.Type != security.LimitMonthlyCount {
			return fmt.Errorf("seed: permission %q: unsupported limit type %q", ability, p.Limit.Type)
		}
	}
	roles := make(map[string]struct{}, len(c.Roles))
	for _, r := range c.Roles {
		if r.Name == "" {
			return fmt.Errorf("seed: role without name")
		}
		roles[r.Name] = struct{}{}
		for _, a := range r.Permissions {
			if _, ok := abilities[security.NormalizeAbility(a)]; !ok {
				return fmt.Errorf("seed: role %q references unknown permission %q", r.Name, a)
			}
		}
	}
	for _, u := range c.Users {
		if u.ID <= 0 {
			return fmt.Errorf("seed: user id must be positive")
		}
		for _, r := range u.Roles {
			if _, ok := roles[r]; !ok {
				return fmt.Errorf("seed: user %d references unknown role %q", u.ID, r)
			}
		}
		for a := range u.Overrides {
			if _, ok := abilities[security.NormalizeAbility(a)]; !ok {
				return fmt.Errorf("seed: user %d overrides unknown permission %q", u.ID, a)
			}
		}
	}
	return nil
}
