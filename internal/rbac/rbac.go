// Package rbac implements the gateway's in-memory role/user/permission
// model: role inheritance with cycle rejection, and a per-user permission
// check that unions a user's own roles, their ancestor roles, and the
// bare/scoped permission keys those roles carry.
package rbac

import (
	"strings"
	"sync"

	"github.com/liyq0307/mysql-mcp-gateway/internal/errs"
)

// Role holds a set of permission keys plus an optional parent for
// inheritance.
type Role struct {
	Name        string
	Parent      string
	Permissions map[string]struct{}
}

// User holds the roles assigned to it and its enabled state.
type User struct {
	ID      string
	Roles   map[string]struct{}
	Enabled bool
}

// Manager holds all roles and users in memory, guarded by a single mutex;
// permission checks are read-mostly and cheap enough not to need a
// lock-free snapshot the way config/router do.
type Manager struct {
	mu    sync.Mutex
	roles map[string]*Role
	users map[string]*User

	// closureCache memoizes a user's transitively-resolved permission set
	// keyed by user ID; invalidated whenever any role/user mutation occurs.
	closureCache map[string]map[string]struct{}
}

// New builds an empty RBAC manager.
func New() *Manager {
	return &Manager{
		roles:        make(map[string]*Role),
		users:        make(map[string]*User),
		closureCache: make(map[string]map[string]struct{}),
	}
}

// CreateRole registers a new role with no parent and no permissions.
func (m *Manager) CreateRole(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.roles[name]; exists {
		return errs.New(errs.CategoryConstraintViolation, "role already exists: "+name, nil)
	}
	m.roles[name] = &Role{Name: name, Permissions: make(map[string]struct{})}
	return nil
}

// CreateUser registers a new enabled user with no roles.
func (m *Manager) CreateUser(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.users[id]; exists {
		return errs.New(errs.CategoryConstraintViolation, "user already exists: "+id, nil)
	}
	m.users[id] = &User{ID: id, Roles: make(map[string]struct{}), Enabled: true}
	return nil
}

// SetUserEnabled toggles whether a user's permission checks can ever
// succeed.
func (m *Manager) SetUserEnabled(id string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return errs.New(errs.CategoryObjectNotFound, "user not found: "+id, nil)
	}
	u.Enabled = enabled
	m.invalidateCacheLocked()
	return nil
}

// AssignPermission adds permission to role's permission set.
func (m *Manager) AssignPermission(roleName, permission string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.roles[roleName]
	if !ok {
		return errs.New(errs.CategoryObjectNotFound, "role not found: "+roleName, nil)
	}
	r.Permissions[permission] = struct{}{}
	m.invalidateCacheLocked()
	return nil
}

// AssignRole adds role to user's role set.
func (m *Manager) AssignRole(userID, roleName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return errs.New(errs.CategoryObjectNotFound, "user not found: "+userID, nil)
	}
	if _, ok := m.roles[roleName]; !ok {
		return errs.New(errs.CategoryObjectNotFound, "role not found: "+roleName, nil)
	}
	u.Roles[roleName] = struct{}{}
	m.invalidateCacheLocked()
	return nil
}

// SetInheritance sets child's parent to parent, rejecting references to
// unknown roles and any assignment that would introduce a cycle in the
// parent chain (checked via DFS from parent back up to child).
func (m *Manager) SetInheritance(child, parent string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	childRole, ok := m.roles[child]
	if !ok {
		return errs.New(errs.CategoryObjectNotFound, "role not found: "+child, nil)
	}
	if _, ok := m.roles[parent]; !ok {
		return errs.New(errs.CategoryObjectNotFound, "role not found: "+parent, nil)
	}
	if child == parent {
		return errs.New(errs.CategoryConstraintViolation, "role cannot inherit from itself", nil)
	}
	if m.wouldCycleLocked(child, parent) {
		return errs.New(errs.CategoryConstraintViolation, "inheritance assignment would introduce a cycle", nil)
	}

	childRole.Parent = parent
	m.invalidateCacheLocked()
	return nil
}

// wouldCycleLocked reports whether setting child's parent to newParent
// would create a cycle, by walking newParent's own ancestor chain looking
// for child. Must be called with m.mu held.
func (m *Manager) wouldCycleLocked(child, newParent string) bool {
	visited := make(map[string]bool)
	cur := newParent
	for cur != "" {
		if cur == child {
			return true
		}
		if visited[cur] {
			return true // pre-existing cycle in the graph; treat as unsafe
		}
		visited[cur] = true
		r, ok := m.roles[cur]
		if !ok {
			return false
		}
		cur = r.Parent
	}
	return false
}

// ancestorChainLocked returns role names from roleName up through every
// ancestor, inclusive. Must be called with m.mu held.
func (m *Manager) ancestorChainLocked(roleName string) []string {
	var chain []string
	visited := make(map[string]bool)
	cur := roleName
	for cur != "" && !visited[cur] {
		visited[cur] = true
		chain = append(chain, cur)
		r, ok := m.roles[cur]
		if !ok {
			break
		}
		cur = r.Parent
	}
	return chain
}

// Check reports whether user has permission, either as a bare grant
// ("SELECT") or a scope-qualified one ("SELECT:users"); a bare grant
// implies every scope. Returns false for missing, disabled, or
// insufficiently-permissioned users.
func (m *Manager) Check(userID, permission string) bool {
	m.mu.Lock()
	cached, ok := m.closureCache[userID]
	if !ok {
		u, exists := m.users[userID]
		if !exists || !u.Enabled {
			m.mu.Unlock()
			return false
		}
		cached = m.resolveClosureLocked(u)
		m.closureCache[userID] = cached
	}
	m.mu.Unlock()

	if _, ok := cached[permission]; ok {
		return true
	}
	if bare, _, found := strings.Cut(permission, ":"); found {
		_, ok := cached[bare]
		return ok
	}
	return false
}

// resolveClosureLocked computes the full transitive permission set for a
// user: the union of every role (and its ancestors) the user holds. Must
// be called with m.mu held.
func (m *Manager) resolveClosureLocked(u *User) map[string]struct{} {
	out := make(map[string]struct{})
	for roleName := range u.Roles {
		for _, ancestor := range m.ancestorChainLocked(roleName) {
			r, ok := m.roles[ancestor]
			if !ok {
				continue
			}
			for perm := range r.Permissions {
				out[perm] = struct{}{}
			}
		}
	}
	return out
}

func (m *Manager) invalidateCacheLocked() {
	m.closureCache = make(map[string]map[string]struct{})
}
