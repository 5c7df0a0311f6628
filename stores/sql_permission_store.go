package stores

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oarkflow/squealx"

	"github.com/sealcore/rbac"
)

// SQLPermissionStore persists the permission catalog in SQL (squealx).
// Conditions serialize as a JSON column.
type SQLPermissionStore struct {
	db *squealx.DB
}

func NewSQLPermissionStore(db *squealx.DB) *SQLPermissionStore {
	return &SQLPermissionStore{db: db}
}

func (s *SQLPermissionStore) CreatePermission(ctx context.Context, p *rbac.Permission) error {
	conds, _ := json.Marshal(p.Conditions)
	q := `INSERT INTO permissions(id, name, description, resource_type, action, scope, conditions_json, created_at)
	      VALUES(:id, :name, :description, :resource_type, :action, :scope, :conditions_json, :created_at)`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{
		"id":              p.ID,
		"name":            p.Name,
		"description":     p.Description,
		"resource_type":   string(p.ResourceType),
		"action":          string(p.Action),
		"scope":           string(p.Scope),
		"conditions_json": string(conds),
		"created_at":      time.Now(),
	})
	return err
}

func (s *SQLPermissionStore) GetPermission(ctx context.Context, id string) (*rbac.Permission, error) {
	q := `SELECT id, name, description, resource_type, action, scope, conditions_json, created_at FROM permissions WHERE id = :id`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"id": id})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	if !r.Next() {
		return nil, fmt.Errorf("permission %s: %w", id, rbac.ErrNotFound)
	}
	return scanPermission(r)
}

func (s *SQLPermissionStore) ListPermissions(ctx context.Context) ([]*rbac.Permission, error) {
	q := `SELECT id, name, description, resource_type, action, scope, conditions_json, created_at FROM permissions`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]*rbac.Permission, 0)
	for r.Next() {
		p, err := scanPermission(r)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPermission(r rowScanner) (*rbac.Permission, error) {
	var id, name, desc, rt, action, scope, condsJSON string
	var createdRaw any
	if err := r.Scan(&id, &name, &desc, &rt, &action, &scope, &condsJSON, &createdRaw); err != nil {
		return nil, err
	}
	p := &rbac.Permission{
		ID:           id,
		Name:         name,
		Description:  desc,
		ResourceType: rbac.ResourceType(rt),
		Action:       rbac.Action(action),
		Scope:        rbac.Scope(scope),
		CreatedAt:    scanTime(createdRaw),
	}
	if condsJSON != "" && condsJSON != "{}" {
		if err := json.Unmarshal([]byte(condsJSON), &p.Conditions); err != nil {
			return nil, fmt.Errorf("permission %s conditions: %w", id, err)
		}
	}
	return p, nil
}
