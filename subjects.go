package rbac

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ============================================================================
// SUBJECT REGISTRY
// ============================================================================

// SubjectRegistry holds principals, their role assignments and session
// windows. Role membership mutations invalidate the subject's cached
// decisions inside the write lock, before the mutation becomes visible.
type SubjectRegistry struct {
	mu       sync.RWMutex
	subjects map[string]*Subject
	roles    *RoleGraph
	store    SubjectStore

	// invalidate flushes cached decisions for one subject.
	invalidate func(subjectID string)
}

// NewSubjectRegistry builds a registry over the given store and hydrates any
// subjects the store already holds.
func NewSubjectRegistry(ctx context.Context, store SubjectStore, roles *RoleGraph) (*SubjectRegistry, error) {
	r := &SubjectRegistry{
		subjects:   make(map[string]*Subject),
		roles:      roles,
		store:      store,
		invalidate: func(string) {},
	}
	existing, err := store.ListSubjects(ctx)
	if err != nil {
		return nil, fmt.Errorf("hydrate subject registry: %w", err)
	}
	for _, s := range existing {
		r.subjects[s.ID] = s
	}
	return r, nil
}

// Create registers a subject. Every named role must exist. A non-zero
// sessionDuration opens a session window expiring that far from now.
func (r *SubjectRegistry) Create(ctx context.Context, s *Subject, sessionDuration time.Duration) error {
	if s == nil || s.ID == "" {
		return fmt.Errorf("%w: subject id is required", ErrInvalidInput)
	}
	for _, roleID := range s.Roles {
		if !r.roles.Has(roleID) {
			return fmt.Errorf("role %s: %w", roleID, ErrNotFound)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.subjects[s.ID]; ok {
		return fmt.Errorf("subject %s: %w", s.ID, ErrAlreadyExists)
	}

	stored := s.clone()
	stored.Roles = dedupe(stored.Roles)
	if stored.Type == "" {
		stored.Type = SubjectUser
	}
	stored.IsActive = true
	stored.CreatedAt = time.Now()
	stored.UpdatedAt = stored.CreatedAt
	if sessionDuration > 0 {
		stored.SessionExpiresAt = time.Now().Add(sessionDuration)
	}
	if err := r.store.CreateSubject(ctx, stored); err != nil {
		return fmt.Errorf("persist subject %s: %w", s.ID, err)
	}
	// a cached "subject not found" deny must not outlive the creation
	r.invalidate(stored.ID)
	r.subjects[stored.ID] = stored
	return nil
}

// AssignRole adds a role to the subject's set. Returns false when the subject
// already held the role. Cached decisions for the subject are dropped before
// the assignment is visible.
func (r *SubjectRegistry) AssignRole(ctx context.Context, subjectID, roleID string) (bool, error) {
	if !r.roles.Has(roleID) {
		return false, fmt.Errorf("role %s: %w", roleID, ErrNotFound)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.subjects[subjectID]
	if !ok {
		return false, fmt.Errorf("subject %s: %w", subjectID, ErrNotFound)
	}
	before := len(s.Roles)
	r.invalidate(subjectID)
	s.Roles = addUnique(s.Roles, roleID)
	if len(s.Roles) == before {
		return false, nil
	}
	s.UpdatedAt = time.Now()
	if err := r.store.UpdateSubject(ctx, s); err != nil {
		return false, fmt.Errorf("persist subject %s: %w", subjectID, err)
	}
	return true, nil
}

// RevokeRole removes a role from the subject's set. Returns false when the
// subject did not hold the role. Cached decisions for the subject are dropped
// before the revocation is visible, so a stale allow can never be served.
func (r *SubjectRegistry) RevokeRole(ctx context.Context, subjectID, roleID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.subjects[subjectID]
	if !ok {
		return false, fmt.Errorf("subject %s: %w", subjectID, ErrNotFound)
	}
	before := len(s.Roles)
	r.invalidate(subjectID)
	s.Roles = removeValue(s.Roles, roleID)
	if len(s.Roles) == before {
		return false, nil
	}
	s.UpdatedAt = time.Now()
	if err := r.store.UpdateSubject(ctx, s); err != nil {
		return false, fmt.Errorf("persist subject %s: %w", subjectID, err)
	}
	return true, nil
}

// RefreshSession extends the subject's session to now + duration.
func (r *SubjectRegistry) RefreshSession(ctx context.Context, subjectID string, duration time.Duration) (bool, error) {
	if duration <= 0 {
		return false, fmt.Errorf("%w: session duration must be positive", ErrInvalidInput)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.subjects[subjectID]
	if !ok {
		return false, fmt.Errorf("subject %s: %w", subjectID, ErrNotFound)
	}
	// a cached session-expired deny must not outlive the refresh
	r.invalidate(subjectID)
	s.SessionExpiresAt = time.Now().Add(duration)
	s.UpdatedAt = time.Now()
	if err := r.store.UpdateSubject(ctx, s); err != nil {
		return false, fmt.Errorf("persist subject %s: %w", subjectID, err)
	}
	return true, nil
}

// SetActive toggles the subject. Deactivation drops the subject's cached
// decisions so the next check fails closed immediately.
func (r *SubjectRegistry) SetActive(ctx context.Context, subjectID string, active bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.subjects[subjectID]
	if !ok {
		return fmt.Errorf("subject %s: %w", subjectID, ErrNotFound)
	}
	r.invalidate(subjectID)
	s.IsActive = active
	s.UpdatedAt = time.Now()
	if err := r.store.UpdateSubject(ctx, s); err != nil {
		return fmt.Errorf("persist subject %s: %w", subjectID, err)
	}
	return nil
}

// SetAttribute sets one subject attribute, used by condition evaluation.
func (r *SubjectRegistry) SetAttribute(ctx context.Context, subjectID, key string, value any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.subjects[subjectID]
	if !ok {
		return fmt.Errorf("subject %s: %w", subjectID, ErrNotFound)
	}
	r.invalidate(subjectID)
	if s.Attributes == nil {
		s.Attributes = make(map[string]any)
	}
	s.Attributes[key] = value
	s.UpdatedAt = time.Now()
	if err := r.store.UpdateSubject(ctx, s); err != nil {
		return fmt.Errorf("persist subject %s: %w", subjectID, err)
	}
	return nil
}

// Get returns a copy of the subject.
func (r *SubjectRegistry) Get(id string) (*Subject, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.subjects[id]
	if !ok {
		return nil, fmt.Errorf("subject %s: %w", id, ErrNotFound)
	}
	return s.clone(), nil
}

// List returns all subjects sorted by id.
func (r *SubjectRegistry) List() []*Subject {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Subject, 0, len(r.subjects))
	for _, s := range r.subjects {
		out = append(out, s.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of subjects.
func (r *SubjectRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subjects)
}

// ActiveSessions counts subjects whose session is currently valid.
func (r *SubjectRegistry) ActiveSessions() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	now := time.Now()
	n := 0
	for _, s := range r.subjects {
		if s.SessionValidAt(now) {
			n++
		}
	}
	return n
}
