package rbac

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// ============================================================================
// STORAGE INTERFACES
// ============================================================================

// The engine is persistence-agnostic: registries keep the authoritative
// runtime state in memory and write through to an injected store. The memory
// stores below are the default and test implementation; stores/ carries SQL
// and Redis backends.

// PermissionStore persists the permission catalog.
type PermissionStore interface {
	CreatePermission(ctx context.Context, p *Permission) error
	GetPermission(ctx context.Context, id string) (*Permission, error)
	ListPermissions(ctx context.Context) ([]*Permission, error)
}

// RoleStore persists roles, including their edge sets.
type RoleStore interface {
	CreateRole(ctx context.Context, r *Role) error
	UpdateRole(ctx context.Context, r *Role) error
	GetRole(ctx context.Context, id string) (*Role, error)
	ListRoles(ctx context.Context) ([]*Role, error)
}

// SubjectStore persists principals and their role assignments.
type SubjectStore interface {
	CreateSubject(ctx context.Context, s *Subject) error
	UpdateSubject(ctx context.Context, s *Subject) error
	GetSubject(ctx context.Context, id string) (*Subject, error)
	ListSubjects(ctx context.Context) ([]*Subject, error)
}

// AuditStore persists audit events and supports filtered retrieval.
type AuditStore interface {
	LogEvent(ctx context.Context, ev *AuditEvent) error
	ListEvents(ctx context.Context, filter AuditFilter) ([]*AuditEvent, error)
}

// AuditFilter narrows ListEvents results. Zero fields are ignored.
type AuditFilter struct {
	Name      string
	Severity  AuditSeverity
	SubjectID string
	StartTime time.Time
	EndTime   time.Time
	Limit     int
}

// ============================================================================
// IN-MEMORY STORES
// ============================================================================

// MemoryPermissionStore keeps permissions in a map. Safe for concurrent use.
type MemoryPermissionStore struct {
	mu    sync.RWMutex
	perms map[string]*Permission
}

func NewMemoryPermissionStore() *MemoryPermissionStore {
	return &MemoryPermissionStore{perms: make(map[string]*Permission)}
}

func (s *MemoryPermissionStore) CreatePermission(ctx context.Context, p *Permission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.perms[p.ID] = p.clone()
	return nil
}

func (s *MemoryPermissionStore) GetPermission(ctx context.Context, id string) (*Permission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.perms[id]
	if !ok {
		return nil, fmt.Errorf("permission %s: %w", id, ErrNotFound)
	}
	return p.clone(), nil
}

func (s *MemoryPermissionStore) ListPermissions(ctx context.Context) ([]*Permission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Permission, 0, len(s.perms))
	for _, p := range s.perms {
		out = append(out, p.clone())
	}
	return out, nil
}

// MemoryRoleStore keeps roles in a map. Safe for concurrent use.
type MemoryRoleStore struct {
	mu    sync.RWMutex
	roles map[string]*Role
}

func NewMemoryRoleStore() *MemoryRoleStore {
	return &MemoryRoleStore{roles: make(map[string]*Role)}
}

func (s *MemoryRoleStore) CreateRole(ctx context.Context, r *Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roles[r.ID] = r.clone()
	return nil
}

func (s *MemoryRoleStore) UpdateRole(ctx context.Context, r *Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.roles[r.ID]; !ok {
		return fmt.Errorf("role %s: %w", r.ID, ErrNotFound)
	}
	s.roles[r.ID] = r.clone()
	return nil
}

func (s *MemoryRoleStore) GetRole(ctx context.Context, id string) (*Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.roles[id]
	if !ok {
		return nil, fmt.Errorf("role %s: %w", id, ErrNotFound)
	}
	return r.clone(), nil
}

func (s *MemoryRoleStore) ListRoles(ctx context.Context) ([]*Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Role, 0, len(s.roles))
	for _, r := range s.roles {
		out = append(out, r.clone())
	}
	return out, nil
}

// MemorySubjectStore keeps subjects in a map. Safe for concurrent use.
type MemorySubjectStore struct {
	mu       sync.RWMutex
	subjects map[string]*Subject
}

func NewMemorySubjectStore() *MemorySubjectStore {
	return &MemorySubjectStore{subjects: make(map[string]*Subject)}
}

func (s *MemorySubjectStore) CreateSubject(ctx context.Context, sub *Subject) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subjects[sub.ID] = sub.clone()
	return nil
}

func (s *MemorySubjectStore) UpdateSubject(ctx context.Context, sub *Subject) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subjects[sub.ID]; !ok {
		return fmt.Errorf("subject %s: %w", sub.ID, ErrNotFound)
	}
	s.subjects[sub.ID] = sub.clone()
	return nil
}

func (s *MemorySubjectStore) GetSubject(ctx context.Context, id string) (*Subject, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.subjects[id]
	if !ok {
		return nil, fmt.Errorf("subject %s: %w", id, ErrNotFound)
	}
	return sub.clone(), nil
}

func (s *MemorySubjectStore) ListSubjects(ctx context.Context) ([]*Subject, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Subject, 0, len(s.subjects))
	for _, sub := range s.subjects {
		out = append(out, sub.clone())
	}
	return out, nil
}

// MemoryAuditStore keeps audit events in a slice, oldest first.
type MemoryAuditStore struct {
	mu     sync.RWMutex
	events []*AuditEvent
}

func NewMemoryAuditStore() *MemoryAuditStore {
	return &MemoryAuditStore{events: make([]*AuditEvent, 0)}
}

func (s *MemoryAuditStore) LogEvent(ctx context.Context, ev *AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *MemoryAuditStore) ListEvents(ctx context.Context, filter AuditFilter) ([]*AuditEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*AuditEvent, 0)
	for _, ev := range s.events {
		if !filter.matches(ev) {
			continue
		}
		out = append(out, ev)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

func (f AuditFilter) matches(ev *AuditEvent) bool {
	if f.Name != "" && ev.Name != f.Name {
		return false
	}
	if f.Severity != "" && ev.Severity != f.Severity {
		return false
	}
	if f.SubjectID != "" && ev.SubjectID() != f.SubjectID {
		return false
	}
	if !f.StartTime.IsZero() && ev.Timestamp.Before(f.StartTime) {
		return false
	}
	if !f.EndTime.IsZero() && ev.Timestamp.After(f.EndTime) {
		return false
	}
	return true
}
