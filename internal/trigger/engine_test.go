package trigger

import (
	"context"
	"testing"

	"github.com/razorgirl/winterd/internal/atproto"
)

type fakeStore struct {
	created []atproto.Fact
	deleted []string
}

func (f *fakeStore) CreateRecord(ctx context.Context, collection, rkey string, value interface{}) (string, string, error) {
	fact := value.(atproto.Fact)
	f.created = append(f.created, fact)
	return "at://did:example/" + collection + "/" + rkey, "cid-new", nil
}

func (f *fakeStore) DeleteRecord(ctx context.Context, collection, rkey string) error {
	f.deleted = append(f.deleted, rkey)
	return nil
}

func TestSubstituteReplacesHighestIndexFirst(t *testing.T) {
	vars := []string{"A", "B", "C", "D", "E", "F", "G", "H", "I", "J", "K"}
	row := map[string]string{
		"A": "a0", "B": "a1", "C": "a2", "D": "a3", "E": "a4",
		"F": "a5", "G": "a6", "H": "a7", "I": "a8", "J": "a9", "K": "a10",
	}
	out := substitute("$10 and $1", vars, row)
	if out != "a10 and a1" {
		t.Errorf("got %q, want %q", out, "a10 and a1")
	}
}

func TestTupleKeyIsStableForSameValues(t *testing.T) {
	vars := []string{"X", "Y"}
	a := tupleKey(vars, map[string]string{"X": "1", "Y": "2"})
	b := tupleKey(vars, map[string]string{"X": "1", "Y": "2"})
	c := tupleKey(vars, map[string]string{"X": "1", "Y": "3"})
	if a != b {
		t.Error("expected identical rows to produce identical keys")
	}
	if a == c {
		t.Error("expected different rows to produce different keys")
	}
}

func TestDispatchCreateFactUpsertsIntoCache(t *testing.T) {
	cache := atproto.NewRepoCache(atproto.DefaultMaxPendingEvents)
	store := &fakeStore{}
	e := New(cache, nil, store, "", nil)

	trig := atproto.Trigger{
		Name: "t1",
		Action: atproto.TriggerAction{
			Kind:      atproto.ActionCreateFact,
			Predicate: "interested_in",
			Args:      []string{"$0", "rust"},
		},
	}
	vars := []string{"X"}
	row := map[string]string{"X": "did:a"}

	if err := e.dispatchAction(context.Background(), trig, vars, row); err != nil {
		t.Fatalf("dispatchAction: %v", err)
	}

	if len(store.created) != 1 {
		t.Fatalf("expected 1 created fact, got %d", len(store.created))
	}
	if store.created[0].Args[0] != "did:a" {
		t.Errorf("expected substituted arg0, got %q", store.created[0].Args[0])
	}
	found := false
	for _, entry := range cache.ListFacts() {
		if entry.Value.Predicate == "interested_in" {
			found = true
		}
	}
	if !found {
		t.Error("expected created fact to be upserted into the cache")
	}
}

func TestDispatchDeleteFactRemovesFromCache(t *testing.T) {
	cache := atproto.NewRepoCache(atproto.DefaultMaxPendingEvents)
	cache.UpsertFact("rkey1", atproto.Fact{Predicate: "p"}, "cid1")
	store := &fakeStore{}
	e := New(cache, nil, store, "", nil)

	trig := atproto.Trigger{
		Name:   "t2",
		Action: atproto.TriggerAction{Kind: atproto.ActionDeleteFact, Rkey: "$0"},
	}
	if err := e.dispatchAction(context.Background(), trig, []string{"X"}, map[string]string{"X": "rkey1"}); err != nil {
		t.Fatalf("dispatchAction: %v", err)
	}

	if len(store.deleted) != 1 || store.deleted[0] != "rkey1" {
		t.Fatalf("expected rkey1 deleted, got %v", store.deleted)
	}
	if _, ok := cache.GetFact("rkey1"); ok {
		t.Error("expected fact removed from cache")
	}
}

func TestHealthTracksSuccessAndFailure(t *testing.T) {
	e := New(atproto.NewRepoCache(atproto.DefaultMaxPendingEvents), nil, &fakeStore{}, "", nil)
	e.recordHealth("t1", true)
	e.recordHealth("t1", true)
	e.recordHealth("t1", false)

	success, failure, confidence := e.Health("t1")
	if success != 2 || failure != 1 {
		t.Fatalf("got success=%d failure=%d", success, failure)
	}
	want := 2.0 / 3.0
	if confidence < want-0.001 || confidence > want+0.001 {
		t.Errorf("confidence = %v, want ~%v", confidence, want)
	}
}

func TestPurgeStaleRemovesDeletedTriggerRkeys(t *testing.T) {
	e := New(atproto.NewRepoCache(atproto.DefaultMaxPendingEvents), nil, &fakeStore{}, "", nil)
	e.prev["rkey1"] = map[string]bool{"a": true}
	e.prev["rkey2"] = map[string]bool{"b": true}

	e.purgeStale(map[string]bool{"rkey1": true})

	if _, ok := e.prev["rkey2"]; ok {
		t.Error("expected rkey2 to be purged")
	}
	if _, ok := e.prev["rkey1"]; !ok {
		t.Error("expected rkey1 to survive")
	}
}
