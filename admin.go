package rbac

import (
	"context"
	"strings"
)

// CheckRequest is the string-form request accepted by admin and debugging
// surfaces. Resource is "type" or "type:id", e.g. "secret:prod/api-key".
type CheckRequest struct {
	SubjectID string         `json:"subject_id"`
	Action    string         `json:"action"`
	Resource  string         `json:"resource"`
	Context   map[string]any `json:"context,omitempty"`
}

// Check parses the request and runs the regular decision flow. Malformed
// requests deny like any other uncertainty.
func (e *Engine) Check(ctx context.Context, req *CheckRequest) *Decision {
	if req == nil || req.SubjectID == "" || req.Action == "" || req.Resource == "" {
		return &Decision{Decision: Deny, Reason: "malformed check request"}
	}
	rType, rID, _ := strings.Cut(req.Resource, ":")
	return e.CheckAccess(ctx, req.SubjectID, ResourceType(rType), Action(req.Action), rID, req.Context)
}
