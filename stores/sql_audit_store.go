package stores

import (
	"context"
	"encoding/json"

	"github.com/oarkflow/squealx"

	"github.com/sealcore/rbac"
)

// SQLAuditStore persists audit events in SQL and supports filtered queries.
// It backs rbac.StoreAuditSink for deployments that need a durable trail.
type SQLAuditStore struct {
	db *squealx.DB
}

func NewSQLAuditStore(db *squealx.DB) *SQLAuditStore {
	return &SQLAuditStore{db: db}
}

func (s *SQLAuditStore) LogEvent(ctx context.Context, ev *rbac.AuditEvent) error {
	fields, _ := json.Marshal(ev.Fields)
	q := `INSERT INTO audit_events(id, name, severity, timestamp, subject_id, fields_json)
	      VALUES(:id, :name, :severity, :timestamp, :subject_id, :fields_json)`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{
		"id":          ev.ID,
		"name":        ev.Name,
		"severity":    string(ev.Severity),
		"timestamp":   ev.Timestamp,
		"subject_id":  ev.SubjectID(),
		"fields_json": string(fields),
	})
	return err
}

func (s *SQLAuditStore) ListEvents(ctx context.Context, filter rbac.AuditFilter) ([]*rbac.AuditEvent, error) {
	q := `SELECT id, name, severity, timestamp, fields_json FROM audit_events WHERE 1=1`
	params := map[string]any{}
	if filter.Name != "" {
		q += ` AND name = :name`
		params["name"] = filter.Name
	}
	if filter.Severity != "" {
		q += ` AND severity = :severity`
		params["severity"] = string(filter.Severity)
	}
	if filter.SubjectID != "" {
		q += ` AND subject_id = :subject_id`
		params["subject_id"] = filter.SubjectID
	}
	if !filter.StartTime.IsZero() {
		q += ` AND timestamp >= :start_time`
		params["start_time"] = filter.StartTime
	}
	if !filter.EndTime.IsZero() {
		q += ` AND timestamp <= :end_time`
		params["end_time"] = filter.EndTime
	}
	q += ` ORDER BY timestamp`
	if filter.Limit > 0 {
		q += ` LIMIT :limit`
		params["limit"] = filter.Limit
	}

	r, err := s.db.NamedQueryContext(ctx, q, params)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]*rbac.AuditEvent, 0)
	for r.Next() {
		var id, name, severity, fieldsJSON string
		var tsRaw any
		if err := r.Scan(&id, &name, &severity, &tsRaw, &fieldsJSON); err != nil {
			return nil, err
		}
		ev := &rbac.AuditEvent{
			ID:        id,
			Name:      name,
			Severity:  rbac.AuditSeverity(severity),
			Timestamp: scanTime(tsRaw),
		}
		_ = json.Unmarshal([]byte(fieldsJSON), &ev.Fields)
		out = append(out, ev)
	}
	return out, nil
}
