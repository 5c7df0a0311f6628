package rbac

import (
	"testing"
	"time"
)

func decisionFor(t *testing.T, reason string) *Decision {
	t.Helper()
	return &Decision{Decision: Allow, Reason: reason, EvaluatedAt: time.Now()}
}

func TestMemoryDecisionCacheRoundTrip(t *testing.T) {
	c := NewMemoryDecisionCache()
	key := DecisionKey{SubjectID: "alice", ResourceType: ResourceSecret, Action: ActionRead, ResourceID: "k1"}

	if _, ok := c.Get(key); ok {
		t.Fatal("empty cache returned a hit")
	}
	c.Set(key, decisionFor(t, "granted"), time.Minute)
	d, ok := c.Get(key)
	if !ok || d.Reason != "granted" {
		t.Fatalf("Get = %+v, %v", d, ok)
	}

	stats := c.Stats()
	if stats.Entries != 1 || stats.Hits != 1 || stats.Misses != 1 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestMemoryDecisionCacheTTLExpiry(t *testing.T) {
	c := NewMemoryDecisionCache()
	key := DecisionKey{SubjectID: "alice", ResourceType: ResourceSecret, Action: ActionRead}
	c.Set(key, decisionFor(t, "granted"), time.Millisecond)
	time.Sleep(5 * time.Millisecond)
	if _, ok := c.Get(key); ok {
		t.Fatal("expired entry served")
	}
	if c.Stats().Entries != 0 {
		t.Fatal("expired entry not evicted on read")
	}
}

func TestMemoryDecisionCacheInvalidateSubject(t *testing.T) {
	c := NewMemoryDecisionCache()
	alice1 := DecisionKey{SubjectID: "alice", ResourceType: ResourceSecret, Action: ActionRead, ResourceID: "k1"}
	alice2 := DecisionKey{SubjectID: "alice", ResourceType: ResourceSecret, Action: ActionRead, ResourceID: "k2"}
	bob := DecisionKey{SubjectID: "bob", ResourceType: ResourceSecret, Action: ActionRead, ResourceID: "k1"}
	for _, k := range []DecisionKey{alice1, alice2, bob} {
		c.Set(k, decisionFor(t, "granted"), time.Minute)
	}

	c.InvalidateSubject("alice")
	if _, ok := c.Get(alice1); ok {
		t.Fatal("alice entry survived invalidation")
	}
	if _, ok := c.Get(alice2); ok {
		t.Fatal("alice entry survived invalidation")
	}
	if _, ok := c.Get(bob); !ok {
		t.Fatal("bob entry lost to alice invalidation")
	}

	c.Clear()
	if c.Stats().Entries != 0 {
		t.Fatal("Clear left entries behind")
	}
}

func TestDecisionKeyStringDistinguishesFields(t *testing.T) {
	a := DecisionKey{SubjectID: "a", ResourceType: "bc", Action: "d", ResourceID: "e"}
	b := DecisionKey{SubjectID: "ab", ResourceType: "c", Action: "d", ResourceID: "e"}
	if a.String() == b.String() {
		t.Fatalf("distinct keys collide: %q", a.String())
	}
}

func TestRistrettoDecisionCache(t *testing.T) {
	c, err := NewRistrettoDecisionCache(0, 0, 0)
	if err != nil {
		t.Fatalf("NewRistrettoDecisionCache error: %v", err)
	}
	key := DecisionKey{SubjectID: "alice", ResourceType: ResourceSecret, Action: ActionRead}
	c.Set(key, decisionFor(t, "granted"), time.Minute)
	// ristretto admits writes asynchronously
	deadline := time.Now().Add(time.Second)
	for {
		if d, ok := c.Get(key); ok {
			if d.Reason != "granted" {
				t.Fatalf("Get = %+v", d)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("entry never became visible")
		}
		time.Sleep(time.Millisecond)
	}

	c.InvalidateSubject("alice")
	if _, ok := c.Get(key); ok {
		t.Fatal("entry survived invalidation")
	}
}
