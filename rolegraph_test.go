package rbac

import (
	"context"
	"errors"
	"testing"

	"github.com/sealcore/rbac/logger"
)

func newTestGraph(t *testing.T) (*RoleGraph, *PermissionCatalog) {
	t.Helper()
	ctx := context.Background()
	catalog, err := NewPermissionCatalog(ctx, NewMemoryPermissionStore())
	if err != nil {
		t.Fatalf("NewPermissionCatalog() error: %v", err)
	}
	g, err := NewRoleGraph(ctx, NewMemoryRoleStore(), catalog, logger.NewNullLogger())
	if err != nil {
		t.Fatalf("NewRoleGraph() error: %v", err)
	}
	return g, catalog
}

func registerPerm(t *testing.T, catalog *PermissionCatalog, id string, rt ResourceType, action Action) {
	t.Helper()
	err := catalog.Register(context.Background(), &Permission{
		ID:           id,
		Name:         id,
		ResourceType: rt,
		Action:       action,
		Scope:        ScopeTenant,
	})
	if err != nil {
		t.Fatalf("Register(%s) error: %v", id, err)
	}
}

func TestRoleGraphCreateValidatesReferences(t *testing.T) {
	ctx := context.Background()
	g, catalog := newTestGraph(t)

	err := g.Create(ctx, &Role{ID: "reader", Permissions: []string{"missing"}})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown permission: got %v, want ErrNotFound", err)
	}

	registerPerm(t, catalog, "secret.read", ResourceSecret, ActionRead)
	err = g.Create(ctx, &Role{ID: "reader", Permissions: []string{"secret.read"}, ParentRoles: []string{"ghost"}})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown parent: got %v, want ErrNotFound", err)
	}

	if err := g.Create(ctx, &Role{ID: "reader", Permissions: []string{"secret.read"}}); err != nil {
		t.Fatalf("Create(reader) error: %v", err)
	}
	err = g.Create(ctx, &Role{ID: "reader"})
	if !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("duplicate role: got %v, want ErrAlreadyExists", err)
	}
}

func TestRoleGraphRejectsSelfParent(t *testing.T) {
	ctx := context.Background()
	g, _ := newTestGraph(t)
	if err := g.Create(ctx, &Role{ID: "admin"}); err != nil {
		t.Fatalf("Create(admin) error: %v", err)
	}
	err := g.AddParent(ctx, "admin", "admin")
	if !errors.Is(err, ErrCycleDetected) {
		t.Fatalf("self parent: got %v, want ErrCycleDetected", err)
	}
	r, err := g.Get("admin")
	if err != nil {
		t.Fatalf("Get(admin) error: %v", err)
	}
	if len(r.ParentRoles) != 0 {
		t.Fatalf("rejected edge mutated the role: parents = %v", r.ParentRoles)
	}
}

func TestRoleGraphRejectsDeepCycle(t *testing.T) {
	ctx := context.Background()
	g, _ := newTestGraph(t)
	for _, id := range []string{"a", "b", "c"} {
		if err := g.Create(ctx, &Role{ID: id}); err != nil {
			t.Fatalf("Create(%s) error: %v", id, err)
		}
	}
	// a -> b -> c
	if err := g.AddParent(ctx, "a", "b"); err != nil {
		t.Fatalf("AddParent(a, b) error: %v", err)
	}
	if err := g.AddParent(ctx, "b", "c"); err != nil {
		t.Fatalf("AddParent(b, c) error: %v", err)
	}
	// closing the loop c -> a must fail and leave c untouched
	err := g.AddParent(ctx, "c", "a")
	if !errors.Is(err, ErrCycleDetected) {
		t.Fatalf("cycle edge: got %v, want ErrCycleDetected", err)
	}
	c, _ := g.Get("c")
	if len(c.ParentRoles) != 0 {
		t.Fatalf("rejected cycle mutated role c: parents = %v", c.ParentRoles)
	}

	// the graph still accepts unrelated edges after a rejection
	if err := g.Create(ctx, &Role{ID: "d", ParentRoles: []string{"a"}}); err != nil {
		t.Fatalf("Create(d) error: %v", err)
	}
}

func TestRoleGraphAddParentIdempotent(t *testing.T) {
	ctx := context.Background()
	g, _ := newTestGraph(t)
	if err := g.Create(ctx, &Role{ID: "child"}); err != nil {
		t.Fatal(err)
	}
	if err := g.Create(ctx, &Role{ID: "parent"}); err != nil {
		t.Fatal(err)
	}
	if err := g.AddParent(ctx, "child", "parent"); err != nil {
		t.Fatalf("AddParent error: %v", err)
	}
	if err := g.AddParent(ctx, "child", "parent"); err != nil {
		t.Fatalf("repeated AddParent must be a no-op, got %v", err)
	}
	c, _ := g.Get("child")
	if len(c.ParentRoles) != 1 {
		t.Fatalf("parents = %v, want exactly one", c.ParentRoles)
	}
	p, _ := g.Get("parent")
	if len(p.ChildRoles) != 1 || p.ChildRoles[0] != "child" {
		t.Fatalf("child set = %v, want [child]", p.ChildRoles)
	}
}

func TestRoleGraphRemoveParentMaintainsInverse(t *testing.T) {
	ctx := context.Background()
	g, _ := newTestGraph(t)
	if err := g.Create(ctx, &Role{ID: "child"}); err != nil {
		t.Fatal(err)
	}
	if err := g.Create(ctx, &Role{ID: "parent"}); err != nil {
		t.Fatal(err)
	}
	if err := g.AddParent(ctx, "child", "parent"); err != nil {
		t.Fatal(err)
	}
	if err := g.RemoveParent(ctx, "child", "parent"); err != nil {
		t.Fatalf("RemoveParent error: %v", err)
	}
	c, _ := g.Get("child")
	p, _ := g.Get("parent")
	if len(c.ParentRoles) != 0 || len(p.ChildRoles) != 0 {
		t.Fatalf("edge remnants: parents=%v children=%v", c.ParentRoles, p.ChildRoles)
	}
	// removing an absent edge is a no-op
	if err := g.RemoveParent(ctx, "child", "parent"); err != nil {
		t.Fatalf("removing absent edge: %v", err)
	}
	// the edge may now be re-added in the opposite direction
	if err := g.AddParent(ctx, "parent", "child"); err != nil {
		t.Fatalf("reversed edge after removal: %v", err)
	}
}

func TestEffectivePermissionsUnion(t *testing.T) {
	ctx := context.Background()
	g, catalog := newTestGraph(t)
	registerPerm(t, catalog, "secret.read", ResourceSecret, ActionRead)
	registerPerm(t, catalog, "secret.update", ResourceSecret, ActionUpdate)
	registerPerm(t, catalog, "secret.delete", ResourceSecret, ActionDelete)

	if err := g.Create(ctx, &Role{ID: "reader", Permissions: []string{"secret.read"}}); err != nil {
		t.Fatal(err)
	}
	if err := g.Create(ctx, &Role{ID: "editor", Permissions: []string{"secret.update", "secret.read"}, ParentRoles: []string{"reader"}}); err != nil {
		t.Fatal(err)
	}
	if err := g.Create(ctx, &Role{ID: "admin", Permissions: []string{"secret.delete"}, ParentRoles: []string{"editor"}}); err != nil {
		t.Fatal(err)
	}

	got, err := g.EffectivePermissions("admin")
	if err != nil {
		t.Fatalf("EffectivePermissions error: %v", err)
	}
	want := []string{"secret.delete", "secret.read", "secret.update"}
	if len(got) != len(want) {
		t.Fatalf("effective = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("effective = %v, want %v", got, want)
		}
	}

	// the union deduplicates shared grants
	mid, _ := g.EffectivePermissions("editor")
	if len(mid) != 2 {
		t.Fatalf("editor effective = %v, want 2 entries", mid)
	}

	if _, err := g.EffectivePermissions("ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown role: got %v, want ErrNotFound", err)
	}
}

func TestEffectivePermissionsSkipsInactiveRoles(t *testing.T) {
	ctx := context.Background()
	g, catalog := newTestGraph(t)
	registerPerm(t, catalog, "secret.read", ResourceSecret, ActionRead)
	registerPerm(t, catalog, "secret.delete", ResourceSecret, ActionDelete)

	if err := g.Create(ctx, &Role{ID: "base", Permissions: []string{"secret.read"}}); err != nil {
		t.Fatal(err)
	}
	if err := g.Create(ctx, &Role{ID: "super", Permissions: []string{"secret.delete"}, ParentRoles: []string{"base"}}); err != nil {
		t.Fatal(err)
	}

	if err := g.SetActive(ctx, "base", false); err != nil {
		t.Fatal(err)
	}
	got, err := g.EffectivePermissions("super")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0] != "secret.delete" {
		t.Fatalf("inactive parent contributed permissions: %v", got)
	}

	if err := g.SetActive(ctx, "super", false); err != nil {
		t.Fatal(err)
	}
	got, err = g.EffectivePermissions("super")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("inactive role contributed permissions: %v", got)
	}
}

func TestEffectivePermissionsDepthBound(t *testing.T) {
	ctx := context.Background()
	g, catalog := newTestGraph(t)
	ids := []string{"l0", "l1", "l2", "l3", "l4", "l5", "l6", "l7"}
	for _, id := range ids {
		registerPerm(t, catalog, "p."+id, ResourceSecret, ActionRead)
		if err := g.Create(ctx, &Role{ID: id, Permissions: []string{"p." + id}}); err != nil {
			t.Fatal(err)
		}
	}
	for i := 0; i < len(ids)-1; i++ {
		if err := g.AddParent(ctx, ids[i], ids[i+1]); err != nil {
			t.Fatal(err)
		}
	}

	got, err := g.EffectivePermissions("l0")
	if err != nil {
		t.Fatal(err)
	}
	// l0 plus DefaultMaxInheritDepth ancestors
	want := DefaultMaxInheritDepth + 1
	if len(got) != want {
		t.Fatalf("depth-bounded union has %d entries (%v), want %d", len(got), got, want)
	}

	g.maxDepth = len(ids)
	got, err = g.EffectivePermissions("l0")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != len(ids) {
		t.Fatalf("raised bound: %d entries, want %d", len(got), len(ids))
	}
}

func TestRolePermissionMutation(t *testing.T) {
	ctx := context.Background()
	g, catalog := newTestGraph(t)
	registerPerm(t, catalog, "report.export", ResourceReport, ActionExport)

	if err := g.Create(ctx, &Role{ID: "analyst"}); err != nil {
		t.Fatal(err)
	}
	if err := g.AddPermission(ctx, "analyst", "report.export"); err != nil {
		t.Fatalf("AddPermission error: %v", err)
	}
	if err := g.AddPermission(ctx, "analyst", "ghost.perm"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown permission grant: got %v, want ErrNotFound", err)
	}
	r, _ := g.Get("analyst")
	if len(r.Permissions) != 1 {
		t.Fatalf("permissions = %v", r.Permissions)
	}
	if err := g.RemovePermission(ctx, "analyst", "report.export"); err != nil {
		t.Fatalf("RemovePermission error: %v", err)
	}
	r, _ = g.Get("analyst")
	if len(r.Permissions) != 0 {
		t.Fatalf("permissions after revoke = %v", r.Permissions)
	}
}

func TestRoleGraphHydration(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryRoleStore()
	catalog, err := NewPermissionCatalog(ctx, NewMemoryPermissionStore())
	if err != nil {
		t.Fatal(err)
	}
	g, err := NewRoleGraph(ctx, store, catalog, logger.NewNullLogger())
	if err != nil {
		t.Fatal(err)
	}
	if err := g.Create(ctx, &Role{ID: "base"}); err != nil {
		t.Fatal(err)
	}
	if err := g.Create(ctx, &Role{ID: "derived", ParentRoles: []string{"base"}}); err != nil {
		t.Fatal(err)
	}

	// a fresh graph over the same store sees both roles and the edge
	g2, err := NewRoleGraph(ctx, store, catalog, logger.NewNullLogger())
	if err != nil {
		t.Fatalf("rehydrate error: %v", err)
	}
	if g2.Len() != 2 {
		t.Fatalf("rehydrated Len() = %d, want 2", g2.Len())
	}
	if err := g2.AddParent(ctx, "base", "derived"); !errors.Is(err, ErrCycleDetected) {
		t.Fatalf("rehydrated graph lost the edge: got %v, want ErrCycleDetected", err)
	}
}
