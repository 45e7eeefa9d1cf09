package rbac

import (
	"maps"
	"regexp"
	"sort"
	"strings"
	"sync"
)

var (
	segmentPattern  = regexp.MustCompile(`^(\*|[a-z0-9][a-z0-9_-]*)$`)
	roleNamePattern = regexp.MustCompile(`^[a-z0-9_]+$`)
)

// ParseRule parses a "resource:action:scope" permission name.
func ParseRule(name string) (PermissionRule, error) {
	parts := strings.Split(name, ":")
	if len(parts) != 3 {
		return PermissionRule{}, validationErr("permission %q must have exactly three segments", name)
	}
	for _, part := range parts {
		if !segmentPattern.MatchString(part) {
			return PermissionRule{}, validationErr("permission %q has invalid segment %q", name, part)
		}
	}
	return PermissionRule{Resource: parts[0], Action: parts[1], Scope: parts[2]}, nil
}

// IsValidName reports whether name is a well-formed permission name
func IsValidName(name string) bool {
	_, err := ParseRule(name)
	return err == nil
}

// ValidateRoleName checks that a role name is lowercase alphanumeric plus underscore
func ValidateRoleName(name string) error {
	if !roleNamePattern.MatchString(name) {
		return validationErr("role name %q must be lowercase alphanumeric or underscore", name)
	}
	return nil
}

// Matches reports whether rule satisfies query. Each of the three segments of
// rule must equal the matching query segment or be the wildcard. Malformed
// input never matches.
func Matches(rule, query string) bool {
	r, err := ParseRule(rule)
	if err != nil {
		return false
	}
	q, err := ParseRule(query)
	if err != nil {
		return false
	}
	return r.Satisfies(q)
}

// Satisfies reports whether r grants q
func (r PermissionRule) Satisfies(q PermissionRule) bool {
	if r.IsUniversal() {
		return true
	}
	return segmentMatches(r.Resource, q.Resource) &&
		segmentMatches(r.Action, q.Action) &&
		segmentMatches(r.Scope, q.Scope)
}

func segmentMatches(rule, query string) bool {
	return rule == Wildcard || rule == query
}

// Catalog is the registered set of valid permission names
type Catalog struct {
	mu    sync.RWMutex
	names map[string]PermissionRule
}

// NewCatalog creates a catalog pre-populated with the given names
func NewCatalog(names ...string) (*Catalog, error) {
	c := &Catalog{names: make(map[string]PermissionRule)}
	for _, name := range names {
		if err := c.Register(name); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Register adds a permission name to the catalog
func (c *Catalog) Register(name string) error {
	rule, err := ParseRule(name)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.names[name] = rule
	return nil
}

// Unregister removes a permission name from the catalog
func (c *Catalog) Unregister(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.names, name)
}

// Contains reports whether name has been registered
func (c *Catalog) Contains(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.names[name]
	return ok
}

// Names returns the registered names in sorted order
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, 0, len(c.names))
	for name := range c.names {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Expand returns every registered concrete name that rule satisfies.
func (c *Catalog) Expand(rule string) []string {
	r, err := ParseRule(rule)
	if err != nil {
		return nil
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []string
	for name, q := range c.names {
		if r.Satisfies(q) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// Require returns nil when query names at least one registered permission.
// Malformed queries are ErrValidation, unmatched ones ErrNotFound. A nil
// catalog only checks the shape.
func (c *Catalog) Require(query string) error {
	if _, err := ParseRule(query); err != nil {
		return err
	}
	if c == nil || len(c.Expand(query)) > 0 {
		return nil
	}
	return notFoundErr("no registered permission matches %q", query)
}

// Reset replaces the registered names with those of other
func (c *Catalog) Reset(other *Catalog) {
	other.mu.RLock()
	names := maps.Clone(other.names)
	other.mu.RUnlock()

	c.mu.Lock()
	c.names = names
	c.mu.Unlock()
}
