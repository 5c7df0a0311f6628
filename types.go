package rbac

import (
	"fmt"
	"time"
)

// ============================================================================
// DOMAIN OBJECTS
// ============================================================================

// ResourceType identifies a class of protected resource.
type ResourceType string

const (
	ResourceSecret     ResourceType = "secret"
	ResourceCredential ResourceType = "credential"
	ResourceInvoice    ResourceType = "invoice"
	ResourceMessage    ResourceType = "message"
	ResourceReport     ResourceType = "report"
	ResourceSubject    ResourceType = "subject"
	ResourceRole       ResourceType = "role"
	ResourceAuditLog   ResourceType = "audit_log"
)

// Action represents how a resource is being accessed.
type Action string

const (
	ActionCreate  Action = "create"
	ActionRead    Action = "read"
	ActionUpdate  Action = "update"
	ActionDelete  Action = "delete"
	ActionExecute Action = "execute"
	ActionApprove Action = "approve"
	ActionExport  Action = "export"
	ActionImport  Action = "import"
	ActionManage  Action = "manage"
	ActionRotate  Action = "rotate"
	ActionEncrypt Action = "encrypt"
	ActionDecrypt Action = "decrypt"
)

var knownActions = map[Action]struct{}{
	ActionCreate: {}, ActionRead: {}, ActionUpdate: {}, ActionDelete: {},
	ActionExecute: {}, ActionApprove: {}, ActionExport: {}, ActionImport: {},
	ActionManage: {}, ActionRotate: {}, ActionEncrypt: {}, ActionDecrypt: {},
}

// Valid reports whether a is one of the recognized actions.
func (a Action) Valid() bool {
	_, ok := knownActions[a]
	return ok
}

// Scope is the breadth at which a permission applies. Scope never participates
// in permission matching; it only informs inheritance semantics for callers.
type Scope string

const (
	ScopeGlobal       Scope = "global"
	ScopeOrganization Scope = "organization"
	ScopeTenant       Scope = "tenant"
	ScopeResource     Scope = "resource"
	ScopeField        Scope = "field"
)

// Valid reports whether s is one of the recognized scopes.
func (s Scope) Valid() bool {
	switch s {
	case ScopeGlobal, ScopeOrganization, ScopeTenant, ScopeResource, ScopeField:
		return true
	}
	return false
}

// SubjectType distinguishes principal kinds.
type SubjectType string

const (
	SubjectUser    SubjectType = "user"
	SubjectService SubjectType = "service"
	SubjectSystem  SubjectType = "system"
)

// Permission represents an atomic grant: an action on a resource type at a
// scope, optionally constrained by attribute conditions. Permissions are
// immutable once registered except by explicit re-registration.
type Permission struct {
	ID           string               `json:"id" yaml:"id"`
	Name         string               `json:"name" yaml:"name"`
	Description  string               `json:"description,omitempty" yaml:"description,omitempty"`
	ResourceType ResourceType         `json:"resource_type" yaml:"resource_type"`
	Action       Action               `json:"action" yaml:"action"`
	Scope        Scope                `json:"scope" yaml:"scope"`
	Conditions   map[string]Condition `json:"conditions,omitempty" yaml:"conditions,omitempty"`
	CreatedAt    time.Time            `json:"created_at" yaml:"created_at,omitempty"`
}

// Matches is a pure equality check on resource type and action. Conditions and
// scope are deliberately not consulted here.
func (p *Permission) Matches(rt ResourceType, action Action) bool {
	return p.ResourceType == rt && p.Action == action
}

func (p *Permission) clone() *Permission {
	dup := *p
	if p.Conditions != nil {
		dup.Conditions = make(map[string]Condition, len(p.Conditions))
		for k, v := range p.Conditions {
			dup.Conditions[k] = v
		}
	}
	return &dup
}

// Role is a named collection of permissions connected to other roles through
// parent (inheritance) edges. ChildRoles is always maintained as the exact
// inverse of ParentRoles across the graph.
type Role struct {
	ID          string    `json:"id" yaml:"id"`
	Name        string    `json:"name" yaml:"name"`
	Description string    `json:"description,omitempty" yaml:"description,omitempty"`
	Permissions []string  `json:"permissions" yaml:"permissions"`
	ParentRoles []string  `json:"parent_roles,omitempty" yaml:"parent_roles,omitempty"`
	ChildRoles  []string  `json:"child_roles,omitempty" yaml:"child_roles,omitempty"`
	IsActive    bool      `json:"is_active" yaml:"is_active"`
	CreatedAt   time.Time `json:"created_at" yaml:"created_at,omitempty"`
	UpdatedAt   time.Time `json:"updated_at" yaml:"updated_at,omitempty"`
}

func (r *Role) clone() *Role {
	dup := *r
	dup.Permissions = append([]string(nil), r.Permissions...)
	dup.ParentRoles = append([]string(nil), r.ParentRoles...)
	dup.ChildRoles = append([]string(nil), r.ChildRoles...)
	return &dup
}

// Subject is a principal holding role assignments and an optional session
// validity window. A zero SessionExpiresAt means the session never expires.
type Subject struct {
	ID               string         `json:"id" yaml:"id"`
	Type             SubjectType    `json:"type" yaml:"type"`
	Roles            []string       `json:"roles" yaml:"roles"`
	Attributes       map[string]any `json:"attributes,omitempty" yaml:"attributes,omitempty"`
	IsActive         bool           `json:"is_active" yaml:"is_active"`
	SessionExpiresAt time.Time      `json:"session_expires_at,omitempty" yaml:"session_expires_at,omitempty"`
	CreatedAt        time.Time      `json:"created_at" yaml:"created_at,omitempty"`
	UpdatedAt        time.Time      `json:"updated_at" yaml:"updated_at,omitempty"`
}

// SessionValidAt reports whether the subject may be granted access at t.
// An inactive subject or an expired session is never eligible for allow.
func (s *Subject) SessionValidAt(t time.Time) bool {
	if !s.IsActive {
		return false
	}
	if s.SessionExpiresAt.IsZero() {
		return true
	}
	return t.Before(s.SessionExpiresAt)
}

func (s *Subject) clone() *Subject {
	dup := *s
	dup.Roles = append([]string(nil), s.Roles...)
	if s.Attributes != nil {
		dup.Attributes = make(map[string]any, len(s.Attributes))
		for k, v := range s.Attributes {
			dup.Attributes[k] = v
		}
	}
	return &dup
}

// ============================================================================
// DECISIONS
// ============================================================================

// AccessDecision is the outcome of a policy evaluation. Abstain is reserved
// for multi-policy composition; the engine currently returns Allow or Deny.
type AccessDecision string

const (
	Allow   AccessDecision = "ALLOW"
	Deny    AccessDecision = "DENY"
	Abstain AccessDecision = "ABSTAIN"
)

// Decision carries the access decision together with evaluation metadata.
type Decision struct {
	Decision          AccessDecision `json:"decision"`
	Reason            string         `json:"reason"`
	MatchedPermission string         `json:"matched_permission,omitempty"`
	PermissionsTried  int            `json:"permissions_tried"`
	Cached            bool           `json:"cached"`
	EvaluatedAt       time.Time      `json:"evaluated_at"`
}

// Allowed is a convenience for decision == Allow.
func (d *Decision) Allowed() bool { return d.Decision == Allow }

// EvalContext is the ephemeral, per-check evaluation context. It is built
// from the subject, the resource identifiers, the action and the caller's
// environment, flattened into a single attribute mapping. Never persisted.
type EvalContext struct {
	SubjectID    string
	ResourceType ResourceType
	ResourceID   string
	Action       Action
	Attributes   map[string]any
	Timestamp    time.Time
}

func (c *EvalContext) String() string {
	return fmt.Sprintf("%s/%s:%s/%s", c.SubjectID, c.ResourceType, c.ResourceID, c.Action)
}
