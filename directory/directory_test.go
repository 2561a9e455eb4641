package directory

import (
	"sync"
	"testing"
)

func TestMergeKeepsMaximum(t *testing.T) {
	d := New()

	if !d.Merge("p1", 100) {
		t.Fatal("first merge should change state")
	}
	if d.Merge("p1", 50) {
		t.Fatal("older timestamp should not change state")
	}
	if d.Merge("p1", 100) {
		t.Fatal("equal timestamp should not change state")
	}
	if !d.Merge("p1", 150) {
		t.Fatal("newer timestamp should change state")
	}

	ts, ok := d.Get("p1")
	if !ok || ts != 150 {
		t.Fatalf("expected p1 at 150, got %d (known=%t)", ts, ok)
	}
}

func TestMergeIdempotent(t *testing.T) {
	d := New()
	d.Merge("p1", 100)
	d.Merge("p1", 100)

	snap := d.Snapshot()
	if len(snap) != 1 || snap["p1"] != 100 {
		t.Fatalf("unexpected snapshot: %v", snap)
	}
}

func TestGossipThenStaleAntiEntropy(t *testing.T) {
	d := New()

	// Gossip learns ts=100, then an anti-entropy lookup returns 50.
	d.Merge("p1", 100)
	if d.Merge("p1", 50) {
		t.Fatal("stale record should not win")
	}

	ts, _ := d.Get("p1")
	if ts != 100 {
		t.Fatalf("expected p1 to remain at 100, got %d", ts)
	}
}

func TestDiscoveryOverwritesBackwards(t *testing.T) {
	d := New()

	// Local discovery always overwrites, even backwards.
	d.Merge("p2", 200)
	d.InsertUnconditional("p2", 150)

	ts, _ := d.Get("p2")
	if ts != 150 {
		t.Fatalf("expected unconditional overwrite to 150, got %d", ts)
	}
}

func TestPruneBoundaryIsStrict(t *testing.T) {
	d := New()
	d.Merge("edge", 70)  // now-ts == ttl exactly, must survive
	d.Merge("stale", 69) // now-ts == ttl+1, must go

	removed := d.Prune(100, 30)
	if _, gone := removed["edge"]; gone {
		t.Fatal("peer at exactly ttl must be retained")
	}
	if ts, gone := removed["stale"]; !gone || ts != 69 {
		t.Fatalf("expected stale removed with last_seen 69, got %v", removed)
	}
	if !d.Has("edge") {
		t.Fatal("edge peer missing after prune")
	}
	if d.Has("stale") {
		t.Fatal("stale peer still present after prune")
	}
}

func TestPruneEvictionTimeline(t *testing.T) {
	d := New()
	t0 := uint64(1000)
	d.Merge("p1", t0)

	d.Prune(t0+29, 30)
	if !d.Has("p1") {
		t.Fatal("peer evicted before ttl elapsed")
	}

	d.Prune(t0+31, 30)
	if d.Has("p1") {
		t.Fatal("peer retained past ttl")
	}
}

func TestPruneIgnoresFutureTimestamps(t *testing.T) {
	d := New()
	d.Merge("ahead", 500) // clock ahead of ours

	if removed := d.Prune(100, 30); len(removed) != 0 {
		t.Fatalf("future timestamp pruned: %v", removed)
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	d := New()
	d.Merge("p1", 100)

	snap := d.Snapshot()
	snap["p1"] = 999
	snap["p2"] = 1

	if ts, _ := d.Get("p1"); ts != 100 {
		t.Fatalf("mutating a snapshot leaked into the directory: %d", ts)
	}
	if d.Has("p2") {
		t.Fatal("mutating a snapshot leaked a new peer into the directory")
	}
}

func TestConcurrentMerges(t *testing.T) {
	d := New()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(base uint64) {
			defer wg.Done()
			for ts := base; ts < base+100; ts++ {
				d.Merge("p1", ts)
				d.Snapshot()
			}
		}(uint64(i * 50))
	}
	wg.Wait()

	// Greatest merged timestamp is 7*50+99.
	if ts, _ := d.Get("p1"); ts != 449 {
		t.Fatalf("expected 449 after concurrent merges, got %d", ts)
	}
}
