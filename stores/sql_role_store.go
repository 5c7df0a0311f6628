package stores

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/oarkflow/squealx"

	"github.com/sealcore/rbac"
)

// SQLRoleStore persists roles in SQL (squealx). Edge sets serialize as JSON
// columns; the acyclic invariant is enforced by the role graph, not here.
type SQLRoleStore struct {
	db *squealx.DB
}

func NewSQLRoleStore(db *squealx.DB) *SQLRoleStore {
	return &SQLRoleStore{db: db}
}

func (s *SQLRoleStore) CreateRole(ctx context.Context, r *rbac.Role) error {
	q := `INSERT INTO roles(id, name, description, permissions_json, parents_json, children_json, is_active, created_at, updated_at)
	      VALUES(:id, :name, :description, :permissions_json, :parents_json, :children_json, :is_active, :created_at, :updated_at)`
	_, err := s.db.NamedExecContext(ctx, q, roleParams(r))
	return err
}

func (s *SQLRoleStore) UpdateRole(ctx context.Context, r *rbac.Role) error {
	q := `UPDATE roles SET name=:name, description=:description, permissions_json=:permissions_json,
	      parents_json=:parents_json, children_json=:children_json, is_active=:is_active, updated_at=:updated_at
	      WHERE id=:id`
	_, err := s.db.NamedExecContext(ctx, q, roleParams(r))
	return err
}

func (s *SQLRoleStore) GetRole(ctx context.Context, id string) (*rbac.Role, error) {
	q := `SELECT id, name, description, permissions_json, parents_json, children_json, is_active, created_at, updated_at FROM roles WHERE id = :id`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"id": id})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	if !r.Next() {
		return nil, fmt.Errorf("role %s: %w", id, rbac.ErrNotFound)
	}
	return scanRole(r)
}

func (s *SQLRoleStore) ListRoles(ctx context.Context) ([]*rbac.Role, error) {
	q := `SELECT id, name, description, permissions_json, parents_json, children_json, is_active, created_at, updated_at FROM roles`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]*rbac.Role, 0)
	for r.Next() {
		role, err := scanRole(r)
		if err != nil {
			return nil, err
		}
		out = append(out, role)
	}
	return out, nil
}

func roleParams(r *rbac.Role) map[string]any {
	perms, _ := json.Marshal(r.Permissions)
	parents, _ := json.Marshal(r.ParentRoles)
	children, _ := json.Marshal(r.ChildRoles)
	return map[string]any{
		"id":               r.ID,
		"name":             r.Name,
		"description":      r.Description,
		"permissions_json": string(perms),
		"parents_json":     string(parents),
		"children_json":    string(children),
		"is_active":        boolToInt(r.IsActive),
		"created_at":       timeOrNil(r.CreatedAt),
		"updated_at":       timeOrNil(r.UpdatedAt),
	}
}

func scanRole(r rowScanner) (*rbac.Role, error) {
	var id, name, desc, permsJSON, parentsJSON, childrenJSON string
	var activeRaw, createdRaw, updatedRaw any
	if err := r.Scan(&id, &name, &desc, &permsJSON, &parentsJSON, &childrenJSON, &activeRaw, &createdRaw, &updatedRaw); err != nil {
		return nil, err
	}
	role := &rbac.Role{
		ID:          id,
		Name:        name,
		Description: desc,
		IsActive:    intToBool(activeRaw),
		CreatedAt:   scanTime(createdRaw),
		UpdatedAt:   scanTime(updatedRaw),
	}
	_ = json.Unmarshal([]byte(permsJSON), &role.Permissions)
	_ = json.Unmarshal([]byte(parentsJSON), &role.ParentRoles)
	_ = json.Unmarshal([]byte(childrenJSON), &role.ChildRoles)
	return role, nil
}
