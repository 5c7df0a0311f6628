package rbac

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ============================================================================
// SEED CONFIGURATION
// ============================================================================

// Config is the declarative seed format: the permission catalog, the role
// graph, subjects and memberships, plus engine tuning. Conditions may use
// either the explicit {op, value} mapping or the compact shorthand string.
type Config struct {
	Version     int              `json:"version" yaml:"version"`
	Permissions []*Permission    `json:"permissions" yaml:"permissions"`
	Roles       []RoleConfig     `json:"roles" yaml:"roles"`
	Subjects    []SubjectConfig  `json:"subjects" yaml:"subjects"`
	Memberships []RoleMembership `json:"memberships,omitempty" yaml:"memberships,omitempty"`
	Engine      EngineConfig     `json:"engine,omitempty" yaml:"engine,omitempty"`
}

type RoleConfig struct {
	ID          string   `json:"id" yaml:"id"`
	Name        string   `json:"name" yaml:"name"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	Permissions []string `json:"permissions" yaml:"permissions"`
	Parents     []string `json:"parents,omitempty" yaml:"parents,omitempty"`
}

type SubjectConfig struct {
	ID              string         `json:"id" yaml:"id"`
	Type            SubjectType    `json:"type,omitempty" yaml:"type,omitempty"`
	Roles           []string       `json:"roles,omitempty" yaml:"roles,omitempty"`
	Attributes      map[string]any `json:"attributes,omitempty" yaml:"attributes,omitempty"`
	SessionDuration int64          `json:"session_duration_seconds,omitempty" yaml:"session_duration_seconds,omitempty"`
}

type RoleMembership struct {
	SubjectID string `json:"subject_id" yaml:"subject_id"`
	RoleID    string `json:"role_id" yaml:"role_id"`
}

type EngineConfig struct {
	DecisionCacheTTLMs  int64 `json:"decision_cache_ttl_ms,omitempty" yaml:"decision_cache_ttl_ms,omitempty"`
	MaxInheritDepth     int   `json:"max_inherit_depth,omitempty" yaml:"max_inherit_depth,omitempty"`
	AuditBufferSize     int   `json:"audit_buffer_size,omitempty" yaml:"audit_buffer_size,omitempty"`
	RistrettoNumCounter int64 `json:"ristretto_num_counter,omitempty" yaml:"ristretto_num_counter,omitempty"`
	RistrettoMaxCost    int64 `json:"ristretto_max_cost,omitempty" yaml:"ristretto_max_cost,omitempty"`
	RistrettoBuffer     int64 `json:"ristretto_buffer,omitempty" yaml:"ristretto_buffer,omitempty"`
}

// Options translates the engine tuning section into construction options.
func (c *EngineConfig) Options() ([]EngineOption, error) {
	opts := make([]EngineOption, 0, 4)
	if c.DecisionCacheTTLMs > 0 {
		opts = append(opts, WithCacheTTL(time.Duration(c.DecisionCacheTTLMs)*time.Millisecond))
	}
	if c.MaxInheritDepth > 0 {
		opts = append(opts, WithMaxInheritDepth(c.MaxInheritDepth))
	}
	if c.AuditBufferSize > 0 {
		opts = append(opts, WithAuditBufferSize(c.AuditBufferSize))
	}
	if c.RistrettoNumCounter > 0 {
		cache, err := NewRistrettoDecisionCache(c.RistrettoNumCounter, c.RistrettoMaxCost, c.RistrettoBuffer)
		if err != nil {
			return nil, err
		}
		opts = append(opts, WithDecisionCache(cache))
	}
	return opts, nil
}

// LoadConfig reads a config file, picking the codec from the extension.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if strings.HasSuffix(path, ".json") {
		return LoadConfigJSON(data)
	}
	return LoadConfigYAML(data)
}

// LoadConfigYAML parses a YAML config document.
func LoadConfigYAML(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse yaml config: %w", err)
	}
	return cfg, nil
}

// LoadConfigJSON parses a JSON config document.
func LoadConfigJSON(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse json config: %w", err)
	}
	return cfg, nil
}

// ToYAML exports the config as YAML.
func (c *Config) ToYAML() ([]byte, error) { return yaml.Marshal(c) }

// ToJSON exports the config as indented JSON.
func (c *Config) ToJSON() ([]byte, error) { return json.MarshalIndent(c, "", "  ") }

// ApplyConfig seeds the engine from a config: permissions first, then roles
// in two passes so parents may be declared in any order, then subjects and
// memberships. Partially applied configs return the first error; already
// applied items stay.
func (e *Engine) ApplyConfig(ctx context.Context, cfg *Config) error {
	for _, p := range cfg.Permissions {
		if err := e.RegisterPermission(ctx, p); err != nil {
			return fmt.Errorf("seed permission %s: %w", p.ID, err)
		}
	}
	for _, rc := range cfg.Roles {
		role := &Role{ID: rc.ID, Name: rc.Name, Description: rc.Description, Permissions: rc.Permissions}
		if err := e.CreateRole(ctx, role); err != nil {
			return fmt.Errorf("seed role %s: %w", rc.ID, err)
		}
	}
	for _, rc := range cfg.Roles {
		for _, parent := range rc.Parents {
			if err := e.AddRoleParent(ctx, rc.ID, parent); err != nil {
				return fmt.Errorf("seed role %s parent %s: %w", rc.ID, parent, err)
			}
		}
	}
	for _, sc := range cfg.Subjects {
		sub := &Subject{ID: sc.ID, Type: sc.Type, Roles: sc.Roles, Attributes: sc.Attributes}
		if err := e.CreateSubject(ctx, sub, time.Duration(sc.SessionDuration)*time.Second); err != nil {
			return fmt.Errorf("seed subject %s: %w", sc.ID, err)
		}
	}
	for _, m := range cfg.Memberships {
		if _, err := e.AssignRoleToSubject(ctx, m.SubjectID, m.RoleID); err != nil {
			return fmt.Errorf("seed membership %s -> %s: %w", m.SubjectID, m.RoleID, err)
		}
	}
	return nil
}

// ExportConfig snapshots the engine's registries into a seed config. Role
// memberships are embedded in the subject entries, so Memberships is empty.
func (e *Engine) ExportConfig() *Config {
	cfg := &Config{Version: 1}
	cfg.Permissions = e.ListPermissions()
	for _, r := range e.ListRoles() {
		cfg.Roles = append(cfg.Roles, RoleConfig{
			ID:          r.ID,
			Name:        r.Name,
			Description: r.Description,
			Permissions: r.Permissions,
			Parents:     r.ParentRoles,
		})
	}
	for _, s := range e.ListSubjects() {
		cfg.Subjects = append(cfg.Subjects, SubjectConfig{
			ID:         s.ID,
			Type:       s.Type,
			Roles:      s.Roles,
			Attributes: s.Attributes,
		})
	}
	return cfg
}
