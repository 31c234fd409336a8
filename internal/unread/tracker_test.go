package unread

import "testing"

func TestIncrementAndClear(t *testing.T) {
	tr := NewTracker()

	for i := 1; i <= 3; i++ {
		if got := tr.Increment("u3"); got != i {
			t.Fatalf("increment %d: expected %d, got %d", i, i, got)
		}
	}
	tr.Increment("u4")

	if tr.Count("u3") != 3 || tr.Count("u4") != 1 {
		t.Fatalf("unexpected counts %v", tr.Snapshot())
	}
	if n := len(tr.Snapshot()); n != 2 {
		t.Errorf("expected 2 entries, got %d", n)
	}

	tr.Clear("u3")
	if tr.Has("u3") {
		t.Fatal("expected Clear to remove the key")
	}
	if _, ok := tr.Snapshot()["u3"]; ok {
		t.Fatal("expected cleared peer absent from snapshot")
	}
	if tr.Count("u3") != 0 {
		t.Errorf("expected count 0 for cleared peer, got %d", tr.Count("u3"))
	}
}

func TestClearUnknownPeerLeavesNoEntry(t *testing.T) {
	tr := NewTracker()
	tr.Clear("nobody")
	if len(tr.Snapshot()) != 0 {
		t.Fatalf("expected empty map, got %v", tr.Snapshot())
	}
}

func TestCountDoesNotCreateEntry(t *testing.T) {
	tr := NewTracker()
	_ = tr.Count("u9")
	if tr.Has("u9") {
		t.Fatal("Count must not create an entry")
	}
}

func TestSnapshotIsCopy(t *testing.T) {
	tr := NewTracker()
	tr.Increment("u2")
	snap := tr.Snapshot()
	snap["u2"] = 42
	if tr.Count("u2") != 1 {
		t.Fatalf("snapshot mutation leaked into tracker")
	}
}
