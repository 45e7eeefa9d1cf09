package rbac

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

//go:embed defaults.yaml
var defaultSeed []byte

// Seed is a declarative catalog and role set
type Seed struct {
	Permissions []SeedPermission `yaml:"permissions"`
	Roles       []SeedRole       `yaml:"roles"`
}

// SeedPermission is a catalog entry in a seed file
type SeedPermission struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

// SeedRole is a role and its default permissions in a seed file
type SeedRole struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	System      bool     `yaml:"system"`
	Permissions []string `yaml:"permissions"`
}

// SeedResult counts what ApplySeed changed
type SeedResult struct {
	PermissionsCreated int
	RolesCreated       int
	RolesUpdated       int
}

// DefaultSeed returns the built-in catalog and roles
func DefaultSeed() (*Seed, error) {
	return ParseSeed(defaultSeed)
}

// LoadSeed reads a seed file
func LoadSeed(path string) (*Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed file: %w", err)
	}
	return ParseSeed(data)
}

// ParseSeed decodes and validates a seed document
func ParseSeed(data []byte) (*Seed, error) {
	var seed Seed
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, validationErr("invalid seed document: %v", err)
	}
	if err := seed.Validate(); err != nil {
		return nil, err
	}
	return &seed, nil
}

// Validate checks names and that every role permission is declared
func (s *Seed) Validate() error {
	declared := make(map[string]bool, len(s.Permissions))
	for _, p := range s.Permissions {
		if _, err := ParseRule(p.Name); err != nil {
			return err
		}
		declared[p.Name] = true
	}

	roles := make(map[string]bool, len(s.Roles))
	for _, r := range s.Roles {
		if err := ValidateRoleName(r.Name); err != nil {
			return err
		}
		if roles[r.Name] {
			return validationErr("role %q is declared twice", r.Name)
		}
		roles[r.Name] = true

		for _, name := range r.Permissions {
			if !declared[name] {
				return validationErr("role %q references undeclared permission %q", r.Name, name)
			}
		}
	}
	return nil
}

// ApplySeed creates missing permissions and roles and brings each seeded
// role's permission set in line with the seed. Applying the same seed twice
// changes nothing the second time.
func ApplySeed(ctx context.Context, store *Store, seed *Seed) (*SeedResult, error) {
	result := &SeedResult{}
	ids := make(map[string]int64, len(seed.Permissions))

	for _, sp := range seed.Permissions {
		perm, err := store.GetPermissionByName(ctx, sp.Name)
		if errors.Is(err, ErrNotFound) {
			perm = &Permission{Name: sp.Name, Description: sp.Description}
			if err := store.CreatePermission(ctx, perm); err != nil {
				return result, fmt.Errorf("failed to create permission %s: %w", sp.Name, err)
			}
			result.PermissionsCreated++
		} else if err != nil {
			return result, err
		}
		ids[sp.Name] = perm.ID
	}

	for _, sr := range seed.Roles {
		role, err := store.GetRoleByName(ctx, sr.Name)
		if errors.Is(err, ErrNotFound) {
			role = &Role{Name: sr.Name, Description: sr.Description, IsSystemRole: sr.System}
			if err := store.CreateRole(ctx, role); err != nil {
				return result, fmt.Errorf("failed to create role %s: %w", sr.Name, err)
			}
			result.RolesCreated++
		} else if err != nil {
			return result, err
		}

		current, err := store.RolePermissionNames(ctx, role.ID)
		if err != nil {
			return result, err
		}
		if sameNames(current, sr.Permissions) {
			continue
		}

		permIDs := make([]int64, 0, len(sr.Permissions))
		for _, name := range sr.Permissions {
			permIDs = append(permIDs, ids[name])
		}
		if err := store.SetRolePermissions(ctx, role.ID, permIDs); err != nil {
			return result, fmt.Errorf("failed to set permissions of role %s: %w", sr.Name, err)
		}
		result.RolesUpdated++
	}

	return result, nil
}

func sameNames(a, b []string) bool {
	set := func(names []string) []string {
		seen := make(map[string]bool, len(names))
		out := make([]string, 0, len(names))
		for _, n := range names {
			if !seen[n] {
				seen[n] = true
				out = append(out, n)
			}
		}
		sort.Strings(out)
		return out
	}

	x, y := set(a), set(b)
	if len(x) != len(y) {
		return false
	}
	for i := range x {
		if x[i] != y[i] {
			return false
		}
	}
	return true
}
