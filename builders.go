package rbac

// Builders provide a fluent API for composing permissions, roles and subjects
// before handing them to the engine.

// PermissionBuilder builds a Permission.
type PermissionBuilder struct {
	p *Permission
}

func NewPermissionBuilder(id string) *PermissionBuilder {
	return &PermissionBuilder{p: &Permission{ID: id, Scope: ScopeResource}}
}

func (b *PermissionBuilder) Name(n string) *PermissionBuilder        { b.p.Name = n; return b }
func (b *PermissionBuilder) Description(d string) *PermissionBuilder { b.p.Description = d; return b }
func (b *PermissionBuilder) Resource(rt ResourceType) *PermissionBuilder {
	b.p.ResourceType = rt
	return b
}
func (b *PermissionBuilder) Action(a Action) *PermissionBuilder { b.p.Action = a; return b }
func (b *PermissionBuilder) Scope(s Scope) *PermissionBuilder   { b.p.Scope = s; return b }
func (b *PermissionBuilder) Condition(attr string, c Condition) *PermissionBuilder {
	if b.p.Conditions == nil {
		b.p.Conditions = make(map[string]Condition)
	}
	b.p.Conditions[attr] = c
	return b
}
func (b *PermissionBuilder) Build() *Permission { return b.p }

// RoleBuilder builds a Role.
type RoleBuilder struct {
	r *Role
}

func NewRoleBuilder(id string) *RoleBuilder {
	return &RoleBuilder{r: &Role{ID: id, IsActive: true}}
}

func (b *RoleBuilder) Name(n string) *RoleBuilder        { b.r.Name = n; return b }
func (b *RoleBuilder) Description(d string) *RoleBuilder { b.r.Description = d; return b }
func (b *RoleBuilder) Permissions(ids ...string) *RoleBuilder {
	b.r.Permissions = append(b.r.Permissions, ids...)
	return b
}
func (b *RoleBuilder) Parents(ids ...string) *RoleBuilder {
	b.r.ParentRoles = append(b.r.ParentRoles, ids...)
	return b
}
func (b *RoleBuilder) Build() *Role { return b.r }

// SubjectBuilder builds a Subject.
type SubjectBuilder struct {
	s *Subject
}

func NewSubjectBuilder(id string) *SubjectBuilder {
	return &SubjectBuilder{s: &Subject{ID: id, Type: SubjectUser, IsActive: true}}
}

func (b *SubjectBuilder) Type(t SubjectType) *SubjectBuilder { b.s.Type = t; return b }
func (b *SubjectBuilder) Roles(ids ...string) *SubjectBuilder {
	b.s.Roles = append(b.s.Roles, ids...)
	return b
}
func (b *SubjectBuilder) Attribute(k string, v any) *SubjectBuilder {
	if b.s.Attributes == nil {
		b.s.Attributes = make(map[string]any)
	}
	b.s.Attributes[k] = v
	return b
}
func (b *SubjectBuilder) Build() *Subject { return b.s }
