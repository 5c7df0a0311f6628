package stores

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisMembershipStore keeps subject role membership and session windows in
// Redis, for deployments where several engine instances share assignments.
// Roles live in a set per subject; the session window is a key with a Redis
// TTL, so expiry needs no sweeper.
type RedisMembershipStore struct {
	client     *redis.Client
	rolesFmt   string
	sessionFmt string
}

func NewRedisMembershipStore(client *redis.Client) *RedisMembershipStore {
	return &RedisMembershipStore{
		client:     client,
		rolesFmt:   "rbac:roles:%s",
		sessionFmt: "rbac:session:%s",
	}
}

func (r *RedisMembershipStore) rolesKey(subjectID string) string {
	return fmt.Sprintf(r.rolesFmt, subjectID)
}

func (r *RedisMembershipStore) sessionKey(subjectID string) string {
	return fmt.Sprintf(r.sessionFmt, subjectID)
}

func (r *RedisMembershipStore) AssignRole(ctx context.Context, subjectID, roleID string) error {
	return r.client.SAdd(ctx, r.rolesKey(subjectID), roleID).Err()
}

func (r *RedisMembershipStore) RevokeRole(ctx context.Context, subjectID, roleID string) error {
	return r.client.SRem(ctx, r.rolesKey(subjectID), roleID).Err()
}

func (r *RedisMembershipStore) ListRoles(ctx context.Context, subjectID string) ([]string, error) {
	return r.client.SMembers(ctx, r.rolesKey(subjectID)).Result()
}

// OpenSession marks the subject's session valid for the given duration.
func (r *RedisMembershipStore) OpenSession(ctx context.Context, subjectID string, duration time.Duration) error {
	return r.client.Set(ctx, r.sessionKey(subjectID), time.Now().Add(duration).Unix(), duration).Err()
}

// RefreshSession extends the session window from now.
func (r *RedisMembershipStore) RefreshSession(ctx context.Context, subjectID string, duration time.Duration) error {
	return r.OpenSession(ctx, subjectID, duration)
}

// SessionValid reports whether the subject's session key still exists.
func (r *RedisMembershipStore) SessionValid(ctx context.Context, subjectID string) (bool, error) {
	n, err := r.client.Exists(ctx, r.sessionKey(subjectID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// EndSession drops the session window immediately.
func (r *RedisMembershipStore) EndSession(ctx context.Context, subjectID string) error {
	return r.client.Del(ctx, r.sessionKey(subjectID)).Err()
}
