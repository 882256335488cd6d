package atproto

import (
	"testing"
	"time"
)

func TestUpsertThenGetReturnsSameValueAndCID(t *testing.T) {
	c := NewRepoCache(DefaultMaxPendingEvents)
	f := Fact{Predicate: "likes", Args: []string{"a", "b"}, CreatedAt: time.Now()}
	c.UpsertFact("rkey1", f, "cid1")

	got, ok := c.GetFact("rkey1")
	if !ok {
		t.Fatal("expected fact to be present")
	}
	if got.CID != "cid1" || got.Value.Predicate != "likes" {
		t.Errorf("got %+v", got)
	}
}

func TestUpsertThenDeleteRemovesEntry(t *testing.T) {
	c := NewRepoCache(DefaultMaxPendingEvents)
	c.UpsertFact("rkey1", Fact{Predicate: "x"}, "cid1")
	c.DeleteFact("rkey1")

	if _, ok := c.GetFact("rkey1"); ok {
		t.Error("expected fact to be gone after delete")
	}
}

func TestUpsertIdempotentUnderEqualValueAndCID(t *testing.T) {
	c := NewRepoCache(DefaultMaxPendingEvents)
	f := Fact{Predicate: "x"}
	c.UpsertFact("rkey1", f, "cid1")
	c.UpsertFact("rkey1", f, "cid1")

	if c.CountFacts() != 1 {
		t.Errorf("expected exactly one entry, got %d", c.CountFacts())
	}
}

func TestFirehoseSeqIsMaxOfUpdates(t *testing.T) {
	c := NewRepoCache(DefaultMaxPendingEvents)
	c.UpdateFirehoseSeq(5)
	c.UpdateFirehoseSeq(3)
	c.UpdateFirehoseSeq(10)
	c.UpdateFirehoseSeq(7)

	if got := c.FirehoseSeq(); got != 10 {
		t.Errorf("FirehoseSeq() = %d, want 10", got)
	}
}

func TestResetFirehoseSeqThenUpdatesTrackNewMax(t *testing.T) {
	c := NewRepoCache(DefaultMaxPendingEvents)
	c.UpdateFirehoseSeq(100)
	c.ResetFirehoseSeq()
	c.UpdateFirehoseSeq(4)
	c.UpdateFirehoseSeq(9)

	if got := c.FirehoseSeq(); got != 9 {
		t.Errorf("FirehoseSeq() = %d, want 9", got)
	}
}

func TestPendingQueueOverflowDropsOldest(t *testing.T) {
	c := NewRepoCache(3)
	for i := int64(1); i <= 5; i++ {
		c.QueueCommit(FirehoseCommit{Seq: i})
	}

	drained := c.DrainPending()
	if len(drained) != 3 {
		t.Fatalf("expected 3 retained commits, got %d", len(drained))
	}
	if drained[0].Seq != 3 || drained[2].Seq != 5 {
		t.Errorf("expected retained seqs 3,4,5, got %v", seqsOf(drained))
	}
}

func TestDrainPendingIsFIFOAndClearsQueue(t *testing.T) {
	c := NewRepoCache(DefaultMaxPendingEvents)
	c.QueueCommit(FirehoseCommit{Seq: 1})
	c.QueueCommit(FirehoseCommit{Seq: 2})

	first := c.DrainPending()
	if len(first) != 2 || first[0].Seq != 1 || first[1].Seq != 2 {
		t.Fatalf("unexpected drain order: %v", seqsOf(first))
	}

	second := c.DrainPending()
	if len(second) != 0 {
		t.Errorf("expected empty queue after drain, got %d", len(second))
	}
}

func seqsOf(cs []FirehoseCommit) []int64 {
	out := make([]int64, len(cs))
	for i, c := range cs {
		out[i] = c.Seq
	}
	return out
}

func TestSuppressionEmitsExactlyOneSynchronizedOnRelease(t *testing.T) {
	c := NewRepoCache(DefaultMaxPendingEvents)
	ch, cancel := c.Subscribe(16)
	defer cancel()

	c.SetSuppressed(true)
	c.UpsertFact("a", Fact{Predicate: "p"}, "cid1")
	c.UpsertFact("b", Fact{Predicate: "q"}, "cid2")
	c.SetSuppressed(false)

	select {
	case u := <-ch:
		if u.Kind != UpdateSynchronized {
			t.Errorf("expected UpdateSynchronized, got %v", u.Kind)
		}
	default:
		t.Fatal("expected a Synchronized event, got none")
	}

	select {
	case u := <-ch:
		t.Errorf("expected no further buffered events, got %v", u)
	default:
	}
}

func TestBroadcastDeliversCreatedThenUpdatedKinds(t *testing.T) {
	c := NewRepoCache(DefaultMaxPendingEvents)
	ch, cancel := c.Subscribe(16)
	defer cancel()

	c.UpsertFact("a", Fact{Predicate: "p"}, "cid1")
	c.UpsertFact("a", Fact{Predicate: "p2"}, "cid2")

	first := <-ch
	second := <-ch
	if first.Kind != UpdateCreated {
		t.Errorf("first update kind = %v, want created", first.Kind)
	}
	if second.Kind != UpdateUpdated {
		t.Errorf("second update kind = %v, want updated", second.Kind)
	}
}

func TestIdentitySingletonGetSet(t *testing.T) {
	c := NewRepoCache(DefaultMaxPendingEvents)
	if _, ok := c.GetIdentity(); ok {
		t.Fatal("expected no identity before SetIdentity")
	}
	c.SetIdentity(Identity{OperatorDID: "did:plc:abc"})
	id, ok := c.GetIdentity()
	if !ok || id.OperatorDID != "did:plc:abc" {
		t.Errorf("got %+v, %v", id, ok)
	}
}
