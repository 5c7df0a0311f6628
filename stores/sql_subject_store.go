package stores

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/oarkflow/squealx"

	"github.com/sealcore/rbac"
)

// SQLSubjectStore persists principals in SQL (squealx).
type SQLSubjectStore struct {
	db *squealx.DB
}

func NewSQLSubjectStore(db *squealx.DB) *SQLSubjectStore {
	return &SQLSubjectStore{db: db}
}

func (s *SQLSubjectStore) CreateSubject(ctx context.Context, sub *rbac.Subject) error {
	q := `INSERT INTO subjects(id, type, roles_json, attributes_json, is_active, session_expires_at, created_at, updated_at)
	      VALUES(:id, :type, :roles_json, :attributes_json, :is_active, :session_expires_at, :created_at, :updated_at)`
	_, err := s.db.NamedExecContext(ctx, q, subjectParams(sub))
	return err
}

func (s *SQLSubjectStore) UpdateSubject(ctx context.Context, sub *rbac.Subject) error {
	q := `UPDATE subjects SET type=:type, roles_json=:roles_json, attributes_json=:attributes_json,
	      is_active=:is_active, session_expires_at=:session_expires_at, updated_at=:updated_at
	      WHERE id=:id`
	_, err := s.db.NamedExecContext(ctx, q, subjectParams(sub))
	return err
}

func (s *SQLSubjectStore) GetSubject(ctx context.Context, id string) (*rbac.Subject, error) {
	q := `SELECT id, type, roles_json, attributes_json, is_active, session_expires_at, created_at, updated_at FROM subjects WHERE id = :id`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"id": id})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	if !r.Next() {
		return nil, fmt.Errorf("subject %s: %w", id, rbac.ErrNotFound)
	}
	return scanSubject(r)
}

func (s *SQLSubjectStore) ListSubjects(ctx context.Context) ([]*rbac.Subject, error) {
	q := `SELECT id, type, roles_json, attributes_json, is_active, session_expires_at, created_at, updated_at FROM subjects`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]*rbac.Subject, 0)
	for r.Next() {
		sub, err := scanSubject(r)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, nil
}

func subjectParams(sub *rbac.Subject) map[string]any {
	roles, _ := json.Marshal(sub.Roles)
	attrs, _ := json.Marshal(sub.Attributes)
	return map[string]any{
		"id":                 sub.ID,
		"type":               string(sub.Type),
		"roles_json":         string(roles),
		"attributes_json":    string(attrs),
		"is_active":          boolToInt(sub.IsActive),
		"session_expires_at": timeOrNil(sub.SessionExpiresAt),
		"created_at":         timeOrNil(sub.CreatedAt),
		"updated_at":         timeOrNil(sub.UpdatedAt),
	}
}

func scanSubject(r rowScanner) (*rbac.Subject, error) {
	var id, typ, rolesJSON, attrsJSON string
	var activeRaw, sessionRaw, createdRaw, updatedRaw any
	if err := r.Scan(&id, &typ, &rolesJSON, &attrsJSON, &activeRaw, &sessionRaw, &createdRaw, &updatedRaw); err != nil {
		return nil, err
	}
	sub := &rbac.Subject{
		ID:               id,
		Type:             rbac.SubjectType(typ),
		IsActive:         intToBool(activeRaw),
		SessionExpiresAt: scanTime(sessionRaw),
		CreatedAt:        scanTime(createdRaw),
		UpdatedAt:        scanTime(updatedRaw),
	}
	_ = json.Unmarshal([]byte(rolesJSON), &sub.Roles)
	_ = json.Unmarshal([]byte(attrsJSON), &sub.Attributes)
	return sub, nil
}
