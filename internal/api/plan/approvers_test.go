package plan

import (
	"testing"
	"time"
)

func TestApproverTrackerRequiresDistinctIdentities(t *testing.T) {
	tracker := NewApproverTracker(2, time.Hour)

	users, ready, _ := tracker.Approve("p1", "alice")
	if ready {
		t.Fatalf("expected not ready after one approver, got users=%v", users)
	}

	users, ready, _ = tracker.Approve("p1", "alice")
	if ready {
		t.Fatalf("expected the same identity approving twice to not satisfy the threshold, got users=%v", users)
	}

	_, ready, _ = tracker.Approve("p1", "bob")
	if !ready {
		t.Fatal("expected ready once two distinct identities approved")
	}
}

func TestApproverTrackerStartsFreshRoundAfterReady(t *testing.T) {
	tracker := NewApproverTracker(1, time.Hour)

	_, ready, _ := tracker.Approve("p1", "alice")
	if !ready {
		t.Fatal("expected ready with a single required approver")
	}

	users, ready, _ := tracker.Approve("p1", "bob")
	if !ready || len(users) != 1 || users[0] != "bob" {
		t.Fatalf("expected a fresh round started by bob alone, got ready=%v users=%v", ready, users)
	}
}

func TestApproverTrackerExpiresStalePendingSet(t *testing.T) {
	tracker := NewApproverTracker(2, time.Minute)
	start := time.Now()
	tracker.now = func() time.Time { return start }

	_, ready, _ := tracker.Approve("p1", "alice")
	if ready {
		t.Fatal("expected not ready yet")
	}

	tracker.now = func() time.Time { return start.Add(2 * time.Minute) }
	users, ready, _ := tracker.Approve("p1", "bob")
	if ready {
		t.Fatalf("expected the expired set to restart rather than combine with the stale approval, got users=%v", users)
	}
}

func TestApproverTrackerKeepsPlansIndependent(t *testing.T) {
	tracker := NewApproverTracker(2, time.Hour)

	_, ready, _ := tracker.Approve("p1", "alice")
	if ready {
		t.Fatal("expected p1 not ready yet")
	}

	_, ready, _ = tracker.Approve("p2", "alice")
	if ready {
		t.Fatal("expected p2 not ready with one approver")
	}
	_, ready, _ = tracker.Approve("p2", "bob")
	if !ready {
		t.Fatal("expected p2 ready independently of p1's pending state")
	}
}
