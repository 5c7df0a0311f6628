package rbac

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dominikbraun/graph"

	"github.com/sealcore/rbac/logger"
)

// DefaultMaxInheritDepth bounds role inheritance traversal. Hierarchies
// deeper than this are a modeling smell; traversal stops and logs instead of
// failing the request.
const DefaultMaxInheritDepth = 5

// ============================================================================
// ROLE GRAPH
// ============================================================================

// RoleGraph holds roles as nodes of a directed acyclic graph. Edges run from
// a role to each of its parents, so cycle prevention on edge insertion keeps
// the inheritance relation a DAG at all times. All mutations are serialized
// against each other and against effective-permission traversals; a rejected
// mutation leaves the graph exactly as it was.
type RoleGraph struct {
	mu       sync.RWMutex
	roles    map[string]*Role
	dag      graph.Graph[string, string]
	catalog  *PermissionCatalog
	store    RoleStore
	log      logger.Logger
	maxDepth int

	// invalidate flushes cached decisions; called inside the write lock so a
	// stale allow can never be served after a mutation becomes visible.
	invalidate func()
}

// NewRoleGraph builds a role graph over the given store and hydrates any
// roles the store already holds, re-validating the acyclic invariant.
func NewRoleGraph(ctx context.Context, store RoleStore, catalog *PermissionCatalog, log logger.Logger) (*RoleGraph, error) {
	g := &RoleGraph{
		roles:      make(map[string]*Role),
		dag:        graph.New(graph.StringHash, graph.Directed(), graph.PreventCycles()),
		catalog:    catalog,
		store:      store,
		log:        log,
		maxDepth:   DefaultMaxInheritDepth,
		invalidate: func() {},
	}
	existing, err := store.ListRoles(ctx)
	if err != nil {
		return nil, fmt.Errorf("hydrate role graph: %w", err)
	}
	for _, r := range existing {
		g.roles[r.ID] = r
		if err := g.dag.AddVertex(r.ID); err != nil {
			return nil, fmt.Errorf("hydrate role %s: %w", r.ID, err)
		}
	}
	for _, r := range existing {
		for _, parent := range r.ParentRoles {
			if err := g.dag.AddEdge(r.ID, parent); err != nil {
				if errors.Is(err, graph.ErrEdgeCreatesCycle) {
					return nil, fmt.Errorf("stored role %s -> %s: %w", r.ID, parent, ErrCycleDetected)
				}
				return nil, fmt.Errorf("hydrate edge %s -> %s: %w", r.ID, parent, err)
			}
		}
	}
	return g, nil
}

// Create adds a role. Every referenced permission and parent role must exist,
// and no parent edge may introduce a cycle. On success every named parent's
// child set is updated symmetrically.
func (g *RoleGraph) Create(ctx context.Context, r *Role) error {
	if r == nil || r.ID == "" {
		return fmt.Errorf("%w: role id is required", ErrInvalidInput)
	}
	for _, pid := range r.Permissions {
		if !g.catalog.Has(pid) {
			return fmt.Errorf("permission %s: %w", pid, ErrNotFound)
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.roles[r.ID]; ok {
		return fmt.Errorf("role %s: %w", r.ID, ErrAlreadyExists)
	}
	for _, parent := range r.ParentRoles {
		if _, ok := g.roles[parent]; !ok {
			return fmt.Errorf("parent role %s: %w", parent, ErrNotFound)
		}
	}

	stored := r.clone()
	stored.Permissions = dedupe(stored.Permissions)
	stored.ParentRoles = dedupe(stored.ParentRoles)
	stored.ChildRoles = nil
	stored.IsActive = true
	stored.CreatedAt = time.Now()
	stored.UpdatedAt = stored.CreatedAt

	if err := g.dag.AddVertex(stored.ID); err != nil {
		return fmt.Errorf("add role %s: %w", stored.ID, err)
	}
	added := make([]string, 0, len(stored.ParentRoles))
	rollback := func() {
		for _, parent := range added {
			_ = g.dag.RemoveEdge(stored.ID, parent)
		}
		_ = g.dag.RemoveVertex(stored.ID)
	}
	for _, parent := range stored.ParentRoles {
		if err := g.dag.AddEdge(stored.ID, parent); err != nil {
			rollback()
			if errors.Is(err, graph.ErrEdgeCreatesCycle) {
				return fmt.Errorf("role %s -> parent %s: %w", stored.ID, parent, ErrCycleDetected)
			}
			return fmt.Errorf("add edge %s -> %s: %w", stored.ID, parent, err)
		}
		added = append(added, parent)
	}

	if err := g.store.CreateRole(ctx, stored); err != nil {
		rollback()
		return fmt.Errorf("persist role %s: %w", stored.ID, err)
	}

	g.roles[stored.ID] = stored
	for _, parent := range stored.ParentRoles {
		pr := g.roles[parent]
		pr.ChildRoles = addUnique(pr.ChildRoles, stored.ID)
		pr.UpdatedAt = time.Now()
		if err := g.store.UpdateRole(ctx, pr); err != nil {
			g.log.Error("persist child set", "role", parent, "error", err.Error())
		}
	}
	g.invalidate()
	return nil
}

// AddParent adds an inheritance edge from role to parent. The edge is
// rejected with ErrCycleDetected if the parent can already reach the role.
func (g *RoleGraph) AddParent(ctx context.Context, roleID, parentID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	r, ok := g.roles[roleID]
	if !ok {
		return fmt.Errorf("role %s: %w", roleID, ErrNotFound)
	}
	p, ok := g.roles[parentID]
	if !ok {
		return fmt.Errorf("parent role %s: %w", parentID, ErrNotFound)
	}
	if err := g.dag.AddEdge(roleID, parentID); err != nil {
		switch {
		case errors.Is(err, graph.ErrEdgeCreatesCycle):
			return fmt.Errorf("role %s -> parent %s: %w", roleID, parentID, ErrCycleDetected)
		case errors.Is(err, graph.ErrEdgeAlreadyExists):
			return nil
		default:
			return fmt.Errorf("add edge %s -> %s: %w", roleID, parentID, err)
		}
	}

	r.ParentRoles = addUnique(r.ParentRoles, parentID)
	p.ChildRoles = addUnique(p.ChildRoles, roleID)
	now := time.Now()
	r.UpdatedAt, p.UpdatedAt = now, now
	g.persistPair(ctx, r, p)
	g.invalidate()
	return nil
}

// RemoveParent removes an inheritance edge. Removing an absent edge is a
// no-op.
func (g *RoleGraph) RemoveParent(ctx context.Context, roleID, parentID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	r, ok := g.roles[roleID]
	if !ok {
		return fmt.Errorf("role %s: %w", roleID, ErrNotFound)
	}
	p, ok := g.roles[parentID]
	if !ok {
		return fmt.Errorf("parent role %s: %w", parentID, ErrNotFound)
	}
	_ = g.dag.RemoveEdge(roleID, parentID)
	r.ParentRoles = removeValue(r.ParentRoles, parentID)
	p.ChildRoles = removeValue(p.ChildRoles, roleID)
	now := time.Now()
	r.UpdatedAt, p.UpdatedAt = now, now
	g.persistPair(ctx, r, p)
	g.invalidate()
	return nil
}

// AddPermission grants a registered permission to a role.
func (g *RoleGraph) AddPermission(ctx context.Context, roleID, permissionID string) error {
	if !g.catalog.Has(permissionID) {
		return fmt.Errorf("permission %s: %w", permissionID, ErrNotFound)
	}
	return g.updateRole(ctx, roleID, func(r *Role) {
		r.Permissions = addUnique(r.Permissions, permissionID)
	})
}

// RemovePermission revokes a permission from a role.
func (g *RoleGraph) RemovePermission(ctx context.Context, roleID, permissionID string) error {
	return g.updateRole(ctx, roleID, func(r *Role) {
		r.Permissions = removeValue(r.Permissions, permissionID)
	})
}

// SetActive toggles a role. Inactive roles contribute no permissions, own or
// inherited through them.
func (g *RoleGraph) SetActive(ctx context.Context, roleID string, active bool) error {
	return g.updateRole(ctx, roleID, func(r *Role) {
		r.IsActive = active
	})
}

func (g *RoleGraph) updateRole(ctx context.Context, roleID string, mutate func(*Role)) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.roles[roleID]
	if !ok {
		return fmt.Errorf("role %s: %w", roleID, ErrNotFound)
	}
	mutate(r)
	r.UpdatedAt = time.Now()
	if err := g.store.UpdateRole(ctx, r); err != nil {
		g.log.Error("persist role", "role", roleID, "error", err.Error())
	}
	g.invalidate()
	return nil
}

func (g *RoleGraph) persistPair(ctx context.Context, a, b *Role) {
	if err := g.store.UpdateRole(ctx, a); err != nil {
		g.log.Error("persist role", "role", a.ID, "error", err.Error())
	}
	if err := g.store.UpdateRole(ctx, b); err != nil {
		g.log.Error("persist role", "role", b.ID, "error", err.Error())
	}
}

// Get returns a copy of the role.
func (g *RoleGraph) Get(id string) (*Role, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	r, ok := g.roles[id]
	if !ok {
		return nil, fmt.Errorf("role %s: %w", id, ErrNotFound)
	}
	return r.clone(), nil
}

// Has reports whether the role id exists.
func (g *RoleGraph) Has(id string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.roles[id]
	return ok
}

// List returns all roles sorted by id.
func (g *RoleGraph) List() []*Role {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*Role, 0, len(g.roles))
	for _, r := range g.roles {
		out = append(out, r.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of roles.
func (g *RoleGraph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.roles)
}

// EffectivePermissions returns the role's own permission ids unioned with the
// effective permissions of all ancestor roles, sorted. Traversal carries a
// visited set, so even a graph whose validation was somehow bypassed cannot
// loop, and stops at the configured depth bound.
func (g *RoleGraph) EffectivePermissions(roleID string) ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if _, ok := g.roles[roleID]; !ok {
		return nil, fmt.Errorf("role %s: %w", roleID, ErrNotFound)
	}
	set := make(map[string]struct{})
	g.collect(roleID, 0, make(map[string]struct{}), set)
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

// effectiveSet unions effective permissions across several roles under a
// single read lock, so one decision always sees one consistent graph.
// Unknown role ids are skipped.
func (g *RoleGraph) effectiveSet(roleIDs []string) map[string]struct{} {
	g.mu.RLock()
	defer g.mu.RUnlock()
	set := make(map[string]struct{})
	for _, id := range roleIDs {
		g.collect(id, 0, make(map[string]struct{}), set)
	}
	return set
}

func (g *RoleGraph) collect(roleID string, depth int, visited map[string]struct{}, out map[string]struct{}) {
	if _, seen := visited[roleID]; seen {
		return
	}
	visited[roleID] = struct{}{}
	r, ok := g.roles[roleID]
	if !ok || !r.IsActive {
		return
	}
	for _, pid := range r.Permissions {
		out[pid] = struct{}{}
	}
	if depth >= g.maxDepth {
		g.log.Info("role inheritance depth bound reached", "role", roleID, "max_depth", g.maxDepth)
		return
	}
	for _, parent := range r.ParentRoles {
		g.collect(parent, depth+1, visited, out)
	}
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := in[:0]
	for _, v := range in {
		if _, ok := seen[v]; ok || v == "" {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

func addUnique(in []string, v string) []string {
	for _, x := range in {
		if x == v {
			return in
		}
	}
	return append(in, v)
}

func removeValue(in []string, v string) []string {
	out := in[:0]
	for _, x := range in {
		if x != v {
			out = append(out, x)
		}
	}
	return out
}
