package rbac

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/sealcore/rbac/logger"
)

// ============================================================================
// POLICY EVALUATION ENGINE
// ============================================================================

// Engine orchestrates the permission catalog, the role graph, the subject
// registry, the condition evaluator and the decision cache. Construct one
// instance at startup and hand it to callers; there is no process-wide
// singleton.
//
// CheckAccess never returns an error: authorization fails closed, so any
// uncertainty resolves to a deny decision plus an audit event.
type Engine struct {
	catalog  *PermissionCatalog
	roles    *RoleGraph
	subjects *SubjectRegistry

	cache        DecisionCache
	cacheTTL     time.Duration
	cacheEnabled bool

	sink         AuditSink
	auditCh      chan AuditEvent
	auditBuf     int
	auditDropped atomic.Uint64

	log      logger.Logger
	maxDepth int
	flight   singleflight.Group

	permStore PermissionStore
	roleStore RoleStore
	subjStore SubjectStore

	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// EngineOption configures the engine at construction time.
type EngineOption func(*Engine) error

// WithLogger installs a structured logger.
func WithLogger(l logger.Logger) EngineOption {
	return func(e *Engine) error {
		e.log = l
		return nil
	}
}

// WithAuditSink installs the collaborator that receives audit events.
func WithAuditSink(s AuditSink) EngineOption {
	return func(e *Engine) error {
		e.sink = s
		return nil
	}
}

// WithDecisionCache swaps the decision cache backend.
func WithDecisionCache(c DecisionCache) EngineOption {
	return func(e *Engine) error {
		e.cache = c
		return nil
	}
}

// WithCacheTTL sets the decision TTL (default 1800s).
func WithCacheTTL(ttl time.Duration) EngineOption {
	return func(e *Engine) error {
		if ttl <= 0 {
			return fmt.Errorf("%w: cache ttl must be positive", ErrInvalidInput)
		}
		e.cacheTTL = ttl
		return nil
	}
}

// WithCachingDisabled turns decision memoization off entirely.
func WithCachingDisabled() EngineOption {
	return func(e *Engine) error {
		e.cacheEnabled = false
		return nil
	}
}

// WithMaxInheritDepth bounds role inheritance traversal.
func WithMaxInheritDepth(depth int) EngineOption {
	return func(e *Engine) error {
		if depth < 1 {
			return fmt.Errorf("%w: inherit depth must be at least 1", ErrInvalidInput)
		}
		e.maxDepth = depth
		return nil
	}
}

// WithAuditBufferSize sizes the bounded audit handoff buffer.
func WithAuditBufferSize(n int) EngineOption {
	return func(e *Engine) error {
		if n < 1 {
			return fmt.Errorf("%w: audit buffer must be at least 1", ErrInvalidInput)
		}
		e.auditBuf = n
		return nil
	}
}

// WithPermissionStore injects a persistence backend for permissions.
func WithPermissionStore(s PermissionStore) EngineOption {
	return func(e *Engine) error {
		e.permStore = s
		return nil
	}
}

// WithRoleStore injects a persistence backend for roles.
func WithRoleStore(s RoleStore) EngineOption {
	return func(e *Engine) error {
		e.roleStore = s
		return nil
	}
}

// WithSubjectStore injects a persistence backend for subjects.
func WithSubjectStore(s SubjectStore) EngineOption {
	return func(e *Engine) error {
		e.subjStore = s
		return nil
	}
}

// NewEngine builds an engine, hydrating registries from the injected stores.
// Memory stores are the default.
func NewEngine(ctx context.Context, opts ...EngineOption) (*Engine, error) {
	e := &Engine{
		cacheTTL:     DefaultDecisionTTL,
		cacheEnabled: true,
		auditBuf:     1024,
		maxDepth:     DefaultMaxInheritDepth,
		log:          logger.NewPhusluLogger(),
	}
	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, err
		}
	}
	if e.permStore == nil {
		e.permStore = NewMemoryPermissionStore()
	}
	if e.roleStore == nil {
		e.roleStore = NewMemoryRoleStore()
	}
	if e.subjStore == nil {
		e.subjStore = NewMemorySubjectStore()
	}
	if e.cache == nil {
		e.cache = NewMemoryDecisionCache()
	}
	if e.sink == nil {
		e.sink = NewLoggerAuditSink(e.log)
	}

	var err error
	e.catalog, err = NewPermissionCatalog(ctx, e.permStore)
	if err != nil {
		return nil, err
	}
	e.roles, err = NewRoleGraph(ctx, e.roleStore, e.catalog, e.log)
	if err != nil {
		return nil, err
	}
	e.roles.maxDepth = e.maxDepth
	e.roles.invalidate = func() {
		if e.cacheEnabled {
			e.cache.Clear()
		}
	}
	e.subjects, err = NewSubjectRegistry(ctx, e.subjStore, e.roles)
	if err != nil {
		return nil, err
	}
	e.subjects.invalidate = func(subjectID string) {
		if e.cacheEnabled {
			e.cache.InvalidateSubject(subjectID)
		}
	}

	e.auditCh = make(chan AuditEvent, e.auditBuf)
	e.done = make(chan struct{})
	e.wg.Add(1)
	go e.auditWorker()
	return e, nil
}

// Close stops the audit worker after draining queued events.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		close(e.done)
		e.wg.Wait()
	})
}

func (e *Engine) auditWorker() {
	defer e.wg.Done()
	bg := context.Background()
	for {
		select {
		case ev := <-e.auditCh:
			if err := e.sink.Emit(bg, &ev); err != nil {
				e.log.Error("audit sink emit", "event", ev.Name, "error", err.Error())
			}
		case <-e.done:
			for {
				select {
				case ev := <-e.auditCh:
					if err := e.sink.Emit(bg, &ev); err != nil {
						e.log.Error("audit sink emit", "event", ev.Name, "error", err.Error())
					}
				default:
					return
				}
			}
		}
	}
}

// emitAudit enqueues an event without ever blocking the caller. Events are
// dropped when the buffer is full; the drop count is observable via
// AuditDropped.
func (e *Engine) emitAudit(name string, severity AuditSeverity, fields map[string]any) {
	ev := newAuditEvent(name, severity, fields)
	select {
	case e.auditCh <- ev:
	default:
		e.auditDropped.Add(1)
	}
}

// AuditDropped returns how many audit events were dropped due to a full
// buffer.
func (e *Engine) AuditDropped() uint64 { return e.auditDropped.Load() }

// ============================================================================
// ADMINISTRATIVE API
// ============================================================================

// RegisterPermission adds a permission to the catalog.
func (e *Engine) RegisterPermission(ctx context.Context, p *Permission) error {
	if err := e.catalog.Register(ctx, p); err != nil {
		return err
	}
	e.emitAudit("permission.registered", SeverityInfo, map[string]any{
		"permission_id": p.ID,
		"resource_type": string(p.ResourceType),
		"action":        string(p.Action),
		"scope":         string(p.Scope),
	})
	return nil
}

// CreateRole adds a role to the graph.
func (e *Engine) CreateRole(ctx context.Context, r *Role) error {
	if err := e.roles.Create(ctx, r); err != nil {
		if errorsIsCycle(err) {
			e.emitAudit("role.cycle_rejected", SeverityWarning, map[string]any{"role_id": r.ID})
		}
		return err
	}
	e.emitAudit("role.created", SeverityInfo, map[string]any{
		"role_id":     r.ID,
		"permissions": len(r.Permissions),
		"parents":     len(r.ParentRoles),
	})
	return nil
}

// AddRoleParent adds an inheritance edge.
func (e *Engine) AddRoleParent(ctx context.Context, roleID, parentID string) error {
	if err := e.roles.AddParent(ctx, roleID, parentID); err != nil {
		if errorsIsCycle(err) {
			e.emitAudit("role.cycle_rejected", SeverityWarning, map[string]any{
				"role_id": roleID, "parent_id": parentID,
			})
		}
		return err
	}
	e.emitAudit("role.parent_added", SeverityInfo, map[string]any{"role_id": roleID, "parent_id": parentID})
	return nil
}

// RemoveRoleParent removes an inheritance edge.
func (e *Engine) RemoveRoleParent(ctx context.Context, roleID, parentID string) error {
	if err := e.roles.RemoveParent(ctx, roleID, parentID); err != nil {
		return err
	}
	e.emitAudit("role.parent_removed", SeverityInfo, map[string]any{"role_id": roleID, "parent_id": parentID})
	return nil
}

// AddRolePermission grants a permission to a role.
func (e *Engine) AddRolePermission(ctx context.Context, roleID, permissionID string) error {
	if err := e.roles.AddPermission(ctx, roleID, permissionID); err != nil {
		return err
	}
	e.emitAudit("role.permission_added", SeverityInfo, map[string]any{"role_id": roleID, "permission_id": permissionID})
	return nil
}

// RemoveRolePermission revokes a permission from a role.
func (e *Engine) RemoveRolePermission(ctx context.Context, roleID, permissionID string) error {
	if err := e.roles.RemovePermission(ctx, roleID, permissionID); err != nil {
		return err
	}
	e.emitAudit("role.permission_removed", SeverityInfo, map[string]any{"role_id": roleID, "permission_id": permissionID})
	return nil
}

// SetRoleActive toggles a role.
func (e *Engine) SetRoleActive(ctx context.Context, roleID string, active bool) error {
	if err := e.roles.SetActive(ctx, roleID, active); err != nil {
		return err
	}
	e.emitAudit("role.active_changed", SeverityInfo, map[string]any{"role_id": roleID, "active": active})
	return nil
}

// CreateSubject registers a principal. A non-zero sessionDuration opens a
// session window from now.
func (e *Engine) CreateSubject(ctx context.Context, s *Subject, sessionDuration time.Duration) error {
	if err := e.subjects.Create(ctx, s, sessionDuration); err != nil {
		return err
	}
	e.emitAudit("subject.created", SeverityInfo, map[string]any{
		"subject_id": s.ID,
		"type":       string(s.Type),
		"roles":      len(s.Roles),
	})
	return nil
}

// AssignRoleToSubject adds a role to the subject's set. The subject's cached
// decisions are invalidated before the assignment is visible.
func (e *Engine) AssignRoleToSubject(ctx context.Context, subjectID, roleID string) (bool, error) {
	changed, err := e.subjects.AssignRole(ctx, subjectID, roleID)
	if err != nil {
		return false, err
	}
	if changed {
		e.emitAudit("subject.role_assigned", SeverityInfo, map[string]any{"subject_id": subjectID, "role_id": roleID})
	}
	return changed, nil
}

// RevokeRoleFromSubject removes a role from the subject's set. The subject's
// cached decisions are invalidated before the revocation is visible.
func (e *Engine) RevokeRoleFromSubject(ctx context.Context, subjectID, roleID string) (bool, error) {
	changed, err := e.subjects.RevokeRole(ctx, subjectID, roleID)
	if err != nil {
		return false, err
	}
	if changed {
		e.emitAudit("subject.role_revoked", SeverityInfo, map[string]any{"subject_id": subjectID, "role_id": roleID})
	}
	return changed, nil
}

// RefreshSubjectSession extends the subject's session from now.
func (e *Engine) RefreshSubjectSession(ctx context.Context, subjectID string, duration time.Duration) (bool, error) {
	ok, err := e.subjects.RefreshSession(ctx, subjectID, duration)
	if err != nil {
		return false, err
	}
	e.emitAudit("subject.session_refreshed", SeverityInfo, map[string]any{
		"subject_id": subjectID,
		"duration":   duration.String(),
	})
	return ok, nil
}

// SetSubjectActive toggles the subject and drops its cached decisions.
func (e *Engine) SetSubjectActive(ctx context.Context, subjectID string, active bool) error {
	if err := e.subjects.SetActive(ctx, subjectID, active); err != nil {
		return err
	}
	severity := SeverityInfo
	if !active {
		severity = SeverityWarning
	}
	e.emitAudit("subject.active_changed", severity, map[string]any{"subject_id": subjectID, "active": active})
	return nil
}

// SetSubjectAttribute sets one subject attribute used by conditions.
func (e *Engine) SetSubjectAttribute(ctx context.Context, subjectID, key string, value any) error {
	return e.subjects.SetAttribute(ctx, subjectID, key, value)
}

// EffectivePermissions returns the role's full permission id set including
// inherited permissions.
func (e *Engine) EffectivePermissions(roleID string) ([]string, error) {
	return e.roles.EffectivePermissions(roleID)
}

// ListPermissions returns all registered permissions.
func (e *Engine) ListPermissions() []*Permission { return e.catalog.List() }

// ListRoles returns all roles.
func (e *Engine) ListRoles() []*Role { return e.roles.List() }

// ListSubjects returns all subjects.
func (e *Engine) ListSubjects() []*Subject { return e.subjects.List() }

// GetSubject returns one subject.
func (e *Engine) GetSubject(id string) (*Subject, error) { return e.subjects.Get(id) }

// GetRole returns one role.
func (e *Engine) GetRole(id string) (*Role, error) { return e.roles.Get(id) }

// GetPermission returns one permission.
func (e *Engine) GetPermission(id string) (*Permission, error) { return e.catalog.Get(id) }

// ClearPolicyCache drops every cached decision.
func (e *Engine) ClearPolicyCache() {
	e.cache.Clear()
	e.emitAudit("cache.cleared", SeverityInfo, nil)
}

// Health summarizes engine state for operational checks.
type Health struct {
	PermissionCount int        `json:"permission_count"`
	RoleCount       int        `json:"role_count"`
	SubjectCount    int        `json:"subject_count"`
	ActiveSessions  int        `json:"active_sessions"`
	Cache           CacheStats `json:"cache_stats"`
}

// HealthCheck reports registry sizes, active sessions and cache statistics.
func (e *Engine) HealthCheck() Health {
	return Health{
		PermissionCount: e.catalog.Len(),
		RoleCount:       e.roles.Len(),
		SubjectCount:    e.subjects.Len(),
		ActiveSessions:  e.subjects.ActiveSessions(),
		Cache:           e.cache.Stats(),
	}
}

// ============================================================================
// DECISION PATH
// ============================================================================

// CheckAccess decides whether the subject may perform the action on the
// resource. resourceID may be empty for type-level checks; env carries
// request attributes for condition evaluation and takes precedence over
// subject attributes.
//
// Decisions with an empty env are memoized per (subject, resource type,
// action, resource id); decisions that depend on caller-supplied context are
// always recomputed.
func (e *Engine) CheckAccess(ctx context.Context, subjectID string, resourceType ResourceType, action Action, resourceID string, env map[string]any) *Decision {
	key := DecisionKey{SubjectID: subjectID, ResourceType: resourceType, Action: action, ResourceID: resourceID}
	cacheable := e.cacheEnabled && len(env) == 0

	if cacheable {
		if d, ok := e.cache.Get(key); ok {
			cached := *d
			cached.Cached = true
			return &cached
		}
		v, _, _ := e.flight.Do(key.String(), func() (any, error) {
			d := e.evaluate(ctx, key, nil)
			e.cache.Set(key, d, e.cacheTTL)
			return d, nil
		})
		return v.(*Decision)
	}
	return e.evaluate(ctx, key, env)
}

// IsAllowed is the boolean convenience wrapper over CheckAccess.
func (e *Engine) IsAllowed(ctx context.Context, subjectID string, resourceType ResourceType, action Action, resourceID string, env map[string]any) bool {
	return e.CheckAccess(ctx, subjectID, resourceType, action, resourceID, env).Allowed()
}

// evaluate runs the full decision flow. It never returns nil and never
// panics outward: an internal fault resolves to deny.
func (e *Engine) evaluate(_ context.Context, key DecisionKey, env map[string]any) (d *Decision) {
	now := time.Now()
	d = &Decision{Decision: Deny, EvaluatedAt: now}
	defer func() {
		if r := recover(); r != nil {
			d = &Decision{Decision: Deny, Reason: "internal evaluation fault", EvaluatedAt: now}
			e.log.Error("policy evaluation panic", "key", key.String(), "panic", fmt.Sprint(r))
			e.auditDecision(key, d)
		}
	}()

	sub, err := e.subjects.Get(key.SubjectID)
	if err != nil {
		d.Reason = "subject not found"
		e.auditDecision(key, d)
		return d
	}
	if !sub.SessionValidAt(now) {
		d.Reason = "session invalid"
		e.auditDecision(key, d)
		return d
	}

	effective := e.roles.effectiveSet(sub.Roles)
	perms := e.catalog.resolve(effective)
	ec := EvalContext{
		SubjectID:    sub.ID,
		ResourceType: key.ResourceType,
		ResourceID:   key.ResourceID,
		Action:       key.Action,
		Attributes:   buildAttributes(sub, key, env, now),
		Timestamp:    now,
	}

	for _, p := range perms {
		d.PermissionsTried++
		if !p.Matches(key.ResourceType, key.Action) {
			continue
		}
		if EvaluateConditions(p.Conditions, ec.Attributes) {
			d.Decision = Allow
			d.Reason = "permission granted"
			d.MatchedPermission = p.ID
			break
		}
	}
	if d.Decision != Allow {
		d.Reason = "no matching permission"
	}
	e.auditDecision(key, d)
	return d
}

func (e *Engine) auditDecision(key DecisionKey, d *Decision) {
	severity := SeverityInfo
	if d.Decision != Allow && (d.Reason == "subject not found" || d.Reason == "internal evaluation fault") {
		severity = SeverityWarning
	}
	e.emitAudit("access.decision", severity, map[string]any{
		"subject_id":         key.SubjectID,
		"resource_type":      string(key.ResourceType),
		"resource_id":        key.ResourceID,
		"action":             string(key.Action),
		"decision":           string(d.Decision),
		"reason":             d.Reason,
		"matched_permission": d.MatchedPermission,
		"permissions_tried":  d.PermissionsTried,
	})
}

// buildAttributes flattens the evaluation context: subject attributes first,
// then the request identifiers, then the caller environment last so request
// context wins over stored attributes.
func buildAttributes(sub *Subject, key DecisionKey, env map[string]any, now time.Time) map[string]any {
	attrs := make(map[string]any, len(sub.Attributes)+len(env)+6)
	for k, v := range sub.Attributes {
		attrs[k] = v
	}
	attrs["subject_id"] = sub.ID
	attrs["subject_type"] = string(sub.Type)
	attrs["resource_type"] = string(key.ResourceType)
	attrs["resource_id"] = key.ResourceID
	attrs["action"] = string(key.Action)
	attrs["timestamp"] = now
	for k, v := range env {
		attrs[k] = v
	}
	return attrs
}

func errorsIsCycle(err error) bool {
	return errors.Is(err, ErrCycleDetected)
}
