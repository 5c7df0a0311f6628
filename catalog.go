package rbac

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ============================================================================
// PERMISSION CATALOG
// ============================================================================

// PermissionCatalog is the registry of atomic permissions. The in-memory map
// is authoritative at runtime; writes go through the injected store so the
// catalog can be rehydrated on startup.
type PermissionCatalog struct {
	mu    sync.RWMutex
	perms map[string]*Permission
	store PermissionStore
}

// NewPermissionCatalog builds a catalog over the given store and hydrates any
// permissions the store already holds.
func NewPermissionCatalog(ctx context.Context, store PermissionStore) (*PermissionCatalog, error) {
	c := &PermissionCatalog{perms: make(map[string]*Permission), store: store}
	existing, err := store.ListPermissions(ctx)
	if err != nil {
		return nil, fmt.Errorf("hydrate permission catalog: %w", err)
	}
	for _, p := range existing {
		for name := range p.Conditions {
			cond := p.Conditions[name]
			if err := cond.Compile(); err != nil {
				return nil, fmt.Errorf("permission %s condition %s: %w", p.ID, name, err)
			}
			p.Conditions[name] = cond
		}
		c.perms[p.ID] = p
	}
	return c, nil
}

// Register adds a permission to the catalog. The id must be unused; conditions
// are validated and regex patterns compiled up front so evaluation never fails
// late. No side effects beyond catalog insertion.
func (c *PermissionCatalog) Register(ctx context.Context, p *Permission) error {
	if p == nil || p.ID == "" {
		return fmt.Errorf("%w: permission id is required", ErrInvalidInput)
	}
	if !p.Action.Valid() {
		return fmt.Errorf("%w: unknown action %q", ErrInvalidInput, p.Action)
	}
	if p.Scope != "" && !p.Scope.Valid() {
		return fmt.Errorf("%w: unknown scope %q", ErrInvalidInput, p.Scope)
	}
	stored := p.clone()
	for name := range stored.Conditions {
		cond := stored.Conditions[name]
		if err := cond.Compile(); err != nil {
			return fmt.Errorf("permission %s condition %s: %w", p.ID, name, err)
		}
		stored.Conditions[name] = cond
	}
	stored.CreatedAt = time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.perms[p.ID]; ok {
		return fmt.Errorf("permission %s: %w", p.ID, ErrAlreadyExists)
	}
	if err := c.store.CreatePermission(ctx, stored); err != nil {
		return fmt.Errorf("persist permission %s: %w", p.ID, err)
	}
	c.perms[p.ID] = stored
	return nil
}

// Get returns the permission with the given id.
func (c *PermissionCatalog) Get(id string) (*Permission, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.perms[id]
	if !ok {
		return nil, fmt.Errorf("permission %s: %w", id, ErrNotFound)
	}
	return p.clone(), nil
}

// Has reports whether the id is registered.
func (c *PermissionCatalog) Has(id string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.perms[id]
	return ok
}

// List returns all registered permissions sorted by id.
func (c *PermissionCatalog) List() []*Permission {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Permission, 0, len(c.perms))
	for _, p := range c.perms {
		out = append(out, p.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of registered permissions.
func (c *PermissionCatalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.perms)
}

// resolve maps permission ids to catalog entries, skipping unknown ids. The
// returned values are the catalog's own entries; callers must not mutate them.
func (c *PermissionCatalog) resolve(ids map[string]struct{}) []*Permission {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Permission, 0, len(ids))
	for id := range ids {
		if p, ok := c.perms[id]; ok {
			out = append(out, p)
		}
	}
	return out
}
