package stores

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/oarkflow/squealx"
	_ "modernc.org/sqlite"

	"github.com/sealcore/rbac"
	"github.com/sealcore/rbac/logger"
)

func openTestDB(t *testing.T) *squealx.DB {
	t.Helper()
	sqlDB, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { sqlDB.Close() })
	db := squealx.NewDb(sqlDB, "sqlite", "testdb")
	if err := Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func TestSQLPermissionStoreRoundtrip(t *testing.T) {
	db := openTestDB(t)
	store := NewSQLPermissionStore(db)
	ctx := context.Background()

	perm := &rbac.Permission{
		ID:           "secret.read",
		Name:         "Read secrets",
		Description:  "read access to secrets",
		ResourceType: rbac.ResourceSecret,
		Action:       rbac.ActionRead,
		Scope:        rbac.ScopeTenant,
		Conditions: map[string]rbac.Condition{
			"tenant_id": {Op: rbac.OpEq, Value: "A"},
		},
	}
	if err := store.CreatePermission(ctx, perm); err != nil {
		t.Fatalf("create permission: %v", err)
	}

	got, err := store.GetPermission(ctx, "secret.read")
	if err != nil {
		t.Fatalf("get permission: %v", err)
	}
	if got.ResourceType != rbac.ResourceSecret || got.Action != rbac.ActionRead || got.Scope != rbac.ScopeTenant {
		t.Fatalf("got %+v", got)
	}
	cond, ok := got.Conditions["tenant_id"]
	if !ok || cond.Op != rbac.OpEq || cond.Value != "A" {
		t.Fatalf("conditions did not survive the JSON column: %+v", got.Conditions)
	}

	if _, err := store.GetPermission(ctx, "ghost"); !errors.Is(err, rbac.ErrNotFound) {
		t.Fatalf("missing permission: got %v, want ErrNotFound", err)
	}

	all, err := store.ListPermissions(ctx)
	if err != nil {
		t.Fatalf("list permissions: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("expected 1 permission, got %d", len(all))
	}
}

func TestSQLRoleStoreRoundtrip(t *testing.T) {
	db := openTestDB(t)
	store := NewSQLRoleStore(db)
	ctx := context.Background()

	role := &rbac.Role{
		ID:          "editor",
		Name:        "Editor",
		Permissions: []string{"secret.read", "secret.update"},
		ParentRoles: []string{"reader"},
		ChildRoles:  []string{"admin"},
		IsActive:    true,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}
	if err := store.CreateRole(ctx, role); err != nil {
		t.Fatalf("create role: %v", err)
	}

	got, err := store.GetRole(ctx, "editor")
	if err != nil {
		t.Fatalf("get role: %v", err)
	}
	if len(got.Permissions) != 2 || len(got.ParentRoles) != 1 || len(got.ChildRoles) != 1 {
		t.Fatalf("edge sets did not survive: %+v", got)
	}
	if !got.IsActive {
		t.Fatal("is_active lost")
	}

	got.IsActive = false
	got.Permissions = append(got.Permissions, "secret.delete")
	if err := store.UpdateRole(ctx, got); err != nil {
		t.Fatalf("update role: %v", err)
	}
	got2, err := store.GetRole(ctx, "editor")
	if err != nil {
		t.Fatal(err)
	}
	if got2.IsActive || len(got2.Permissions) != 3 {
		t.Fatalf("update not persisted: %+v", got2)
	}

	all, err := store.ListRoles(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 {
		t.Fatalf("expected 1 role, got %d", len(all))
	}
}

func TestSQLSubjectStoreRoundtrip(t *testing.T) {
	db := openTestDB(t)
	store := NewSQLSubjectStore(db)
	ctx := context.Background()

	expiry := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	sub := &rbac.Subject{
		ID:               "alice",
		Type:             rbac.SubjectUser,
		Roles:            []string{"reader"},
		Attributes:       map[string]any{"team": "ops"},
		IsActive:         true,
		SessionExpiresAt: expiry,
		CreatedAt:        time.Now(),
		UpdatedAt:        time.Now(),
	}
	if err := store.CreateSubject(ctx, sub); err != nil {
		t.Fatalf("create subject: %v", err)
	}

	got, err := store.GetSubject(ctx, "alice")
	if err != nil {
		t.Fatalf("get subject: %v", err)
	}
	if got.Type != rbac.SubjectUser || !got.IsActive {
		t.Fatalf("got %+v", got)
	}
	if got.Attributes["team"] != "ops" {
		t.Fatalf("attributes did not survive: %+v", got.Attributes)
	}
	if got.SessionExpiresAt.IsZero() {
		t.Fatal("session expiry lost")
	}
	if !got.SessionValidAt(time.Now()) {
		t.Fatal("stored session window reported invalid")
	}

	got.Roles = append(got.Roles, "editor")
	got.IsActive = false
	if err := store.UpdateSubject(ctx, got); err != nil {
		t.Fatalf("update subject: %v", err)
	}
	got2, err := store.GetSubject(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if got2.IsActive || len(got2.Roles) != 2 {
		t.Fatalf("update not persisted: %+v", got2)
	}

	if _, err := store.GetSubject(ctx, "ghost"); !errors.Is(err, rbac.ErrNotFound) {
		t.Fatalf("missing subject: got %v, want ErrNotFound", err)
	}
}

func TestSQLAuditStoreFiltering(t *testing.T) {
	db := openTestDB(t)
	store := NewSQLAuditStore(db)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Second)
	events := []*rbac.AuditEvent{
		{ID: "e1", Name: "access.decision", Severity: rbac.SeverityInfo, Timestamp: base,
			Fields: map[string]any{"subject_id": "alice", "decision": "ALLOW"}},
		{ID: "e2", Name: "access.decision", Severity: rbac.SeverityWarning, Timestamp: base.Add(time.Second),
			Fields: map[string]any{"subject_id": "ghost", "decision": "DENY"}},
		{ID: "e3", Name: "role.created", Severity: rbac.SeverityInfo, Timestamp: base.Add(2 * time.Second),
			Fields: map[string]any{"role_id": "reader"}},
	}
	for _, ev := range events {
		if err := store.LogEvent(ctx, ev); err != nil {
			t.Fatalf("log event %s: %v", ev.ID, err)
		}
	}

	decisions, err := store.ListEvents(ctx, rbac.AuditFilter{Name: "access.decision"})
	if err != nil {
		t.Fatalf("list by name: %v", err)
	}
	if len(decisions) != 2 {
		t.Fatalf("expected 2 decision events, got %d", len(decisions))
	}
	if decisions[0].ID != "e1" {
		t.Fatalf("expected timestamp order, got %s first", decisions[0].ID)
	}

	warned, err := store.ListEvents(ctx, rbac.AuditFilter{Severity: rbac.SeverityWarning})
	if err != nil {
		t.Fatal(err)
	}
	if len(warned) != 1 || warned[0].SubjectID() != "ghost" {
		t.Fatalf("severity filter: %+v", warned)
	}

	bySubject, err := store.ListEvents(ctx, rbac.AuditFilter{SubjectID: "alice"})
	if err != nil {
		t.Fatal(err)
	}
	if len(bySubject) != 1 || bySubject[0].ID != "e1" {
		t.Fatalf("subject filter: %+v", bySubject)
	}

	limited, err := store.ListEvents(ctx, rbac.AuditFilter{Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(limited) != 2 {
		t.Fatalf("limit ignored, got %d", len(limited))
	}

	windowed, err := store.ListEvents(ctx, rbac.AuditFilter{StartTime: base.Add(time.Second)})
	if err != nil {
		t.Fatal(err)
	}
	if len(windowed) != 2 {
		t.Fatalf("time window filter, got %d", len(windowed))
	}
}

func TestSQLStoresBackEngineRegistries(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	permStore := NewSQLPermissionStore(db)
	roleStore := NewSQLRoleStore(db)
	subjStore := NewSQLSubjectStore(db)

	build := func() *rbac.Engine {
		e, err := rbac.NewEngine(ctx,
			rbac.WithLogger(logger.NewNullLogger()),
			rbac.WithPermissionStore(permStore),
			rbac.WithRoleStore(roleStore),
			rbac.WithSubjectStore(subjStore),
		)
		if err != nil {
			t.Fatalf("engine over sql stores: %v", err)
		}
		return e
	}

	e := build()
	err := e.RegisterPermission(ctx, &rbac.Permission{
		ID: "secret.read", ResourceType: rbac.ResourceSecret, Action: rbac.ActionRead,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := e.CreateRole(ctx, &rbac.Role{ID: "reader", Permissions: []string{"secret.read"}}); err != nil {
		t.Fatal(err)
	}
	if err := e.CreateSubject(ctx, &rbac.Subject{ID: "alice", Roles: []string{"reader"}}, 0); err != nil {
		t.Fatal(err)
	}
	e.Close()

	// a new engine over the same database rehydrates the full state
	e2 := build()
	defer e2.Close()
	if !e2.IsAllowed(ctx, "alice", rbac.ResourceSecret, rbac.ActionRead, "k1", nil) {
		t.Fatal("rehydrated engine lost the grant")
	}
	h := e2.HealthCheck()
	if h.PermissionCount != 1 || h.RoleCount != 1 || h.SubjectCount != 1 {
		t.Fatalf("rehydrated health = %+v", h)
	}
}
