package plan

import (
	"sync"
	"time"
)

// pendingSet tracks the distinct identities that have called
// start-sync-task for one plan, grounded on the
// "pending-approvers set" and its coordination-wait timeout.
type pendingSet struct {
	users     map[string]bool
	expiresAt time.Time
}

// ApproverTracker accumulates start-sync-task calls per plan until a
// required count of distinct identities is reached within a TTL window;
// a new approval after the TTL lapses starts a fresh set.
type ApproverTracker struct {
	mu       sync.Mutex
	pending  map[string]*pendingSet
	required int
	ttl      time.Duration
	now      func() time.Time
}

// NewApproverTracker constructs a tracker requiring the given number of
// distinct approvers within ttl of the most recent approval.
func NewApproverTracker(required int, ttl time.Duration) *ApproverTracker {
	return &ApproverTracker{
		pending:  make(map[string]*pendingSet),
		required: required,
		ttl:      ttl,
		now:      time.Now,
	}
}

// Approve records identity's approval for planID. It returns the
// current distinct-approver list and whether the required count has
// now been reached (in which case the pending set is cleared so a
// second start starts a fresh round).
func (a *ApproverTracker) Approve(planID, identity string) (users []string, ready bool, ttl time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	set, ok := a.pending[planID]
	if !ok || now.After(set.expiresAt) {
		set = &pendingSet{users: make(map[string]bool), expiresAt: now.Add(a.ttl)}
		a.pending[planID] = set
	}

	set.users[identity] = true
	set.expiresAt = now.Add(a.ttl)

	for u := range set.users {
		users = append(users, u)
	}

	if len(set.users) >= a.required {
		delete(a.pending, planID)
		return users, true, 0
	}
	return users, false, set.expiresAt.Sub(now)
}
