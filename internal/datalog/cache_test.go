package datalog

import (
	"context"
	"testing"
	"time"

	"github.com/razorgirl/winterd/internal/atproto"
)

func newTestCache(t *testing.T) (*DatalogCache, *atproto.RepoCache) {
	t.Helper()
	dc, err := NewTempDatalogCache("souffle")
	if err != nil {
		t.Fatalf("NewTempDatalogCache: %v", err)
	}
	repo := atproto.NewRepoCache(atproto.DefaultMaxPendingEvents)
	return dc, repo
}

func waitForDirty(t *testing.T, dc *DatalogCache, check func() bool) {
	t.Helper()
	deadline := time.After(time.Second)
	for !check() {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for dirty state to update")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestFactUpdateMarksPredicateDirty(t *testing.T) {
	dc, repo := newTestCache(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	dc.StartUpdateListener(ctx, repo)

	repo.UpsertFact("rkey1", atproto.Fact{Predicate: "follows", Args: []string{"a", "b"}}, "cid1")

	waitForDirty(t, dc, func() bool {
		dc.mu.Lock()
		defer dc.mu.Unlock()
		return dc.dirtyPredicates["follows"]
	})
}

func TestDeleteFallsBackToFullRegen(t *testing.T) {
	dc, repo := newTestCache(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	repo.UpsertFact("rkey1", atproto.Fact{Predicate: "follows", Args: []string{"a", "b"}}, "cid1")
	dc.StartUpdateListener(ctx, repo)

	plan := dc.takeFlushPlan()
	if !plan.fullRegen {
		t.Fatal("expected fresh cache to require full regen on first flush")
	}

	repo.DeleteFact("rkey1")
	waitForDirty(t, dc, func() bool {
		dc.mu.Lock()
		defer dc.mu.Unlock()
		return dc.fullRegenNeeded
	})
}

func TestLaggedUpdateForcesFullRegen(t *testing.T) {
	dc, repo := newTestCache(t)
	dc.dirtyPredicates = map[string]bool{"follows": true}
	dc.fullRegenNeeded = false

	dc.handleUpdate(atproto.Update{Kind: atproto.UpdateLagged})

	if !dc.fullRegenNeeded {
		t.Error("expected UpdateLagged to force fullRegenNeeded")
	}
	_ = repo
}

func TestSynchronizedForcesFullRegenEveryTime(t *testing.T) {
	dc, _ := newTestCache(t)
	dc.fullRegenNeeded = false

	dc.handleUpdate(atproto.Update{Kind: atproto.UpdateSynchronized})
	if !dc.synchronized || !dc.fullRegenNeeded {
		t.Fatal("expected first Synchronized to set synchronized and fullRegenNeeded")
	}

	dc.fullRegenNeeded = false
	dc.handleUpdate(atproto.Update{Kind: atproto.UpdateSynchronized})
	if !dc.fullRegenNeeded {
		t.Error("expected every Synchronized event to force a full regen, not just the first")
	}
}

func TestTakeFlushPlanClearsDirtyState(t *testing.T) {
	dc, _ := newTestCache(t)
	dc.dirtyPredicates = map[string]bool{"follows": true, "likes": true}
	dc.fullRegenNeeded = false

	plan := dc.takeFlushPlan()
	if plan.fullRegen {
		t.Fatal("did not expect full regen")
	}
	if len(plan.predicates) != 2 {
		t.Fatalf("expected 2 dirty predicates, got %v", plan.predicates)
	}

	dc.mu.Lock()
	remaining := len(dc.dirtyPredicates)
	dc.mu.Unlock()
	if remaining != 0 {
		t.Error("expected dirty predicates to be cleared after taking the flush plan")
	}
}

func TestExtractVariablesDedupesInFirstSeenOrder(t *testing.T) {
	vars := ExtractVariables("follows(X, Y), likes(Y, X, _), interested_in(X, Z)")
	want := []string{"X", "Y", "Z"}
	if len(vars) != len(want) {
		t.Fatalf("got %v, want %v", vars, want)
	}
	for i := range want {
		if vars[i] != want[i] {
			t.Errorf("vars[%d] = %q, want %q", i, vars[i], want[i])
		}
	}
}

func TestExtractVariablesIgnoresLowercaseAtoms(t *testing.T) {
	vars := ExtractVariables(`follows("did:a", Y)`)
	if len(vars) != 1 || vars[0] != "Y" {
		t.Errorf("got %v, want [Y]", vars)
	}
}

func TestBuildQueryProgramBindsOutputColumns(t *testing.T) {
	program, vars := BuildQueryProgram(".decl follows(a: symbol, b: symbol, rkey: symbol)\n.input follows\n\n", nil, nil, "follows(X, Y, R)")
	if len(vars) != 3 {
		t.Fatalf("expected 3 vars, got %v", vars)
	}
	if !contains(program, ".decl _query_result(X: symbol, Y: symbol, R: symbol)") {
		t.Errorf("missing output decl in program: %q", program)
	}
	if !contains(program, "_query_result(X, Y, R) :- follows(X, Y, R).") {
		t.Errorf("missing output rule in program: %q", program)
	}
}

func TestExtraFactProgramDeclaresUndeclaredPredicatesOnly(t *testing.T) {
	extra := []FactRecord{
		{Rkey: "rkey1", Fact: atproto.Fact{Predicate: "follows", Args: []string{"a", "b"}}},
		{Rkey: "rkey2", Fact: atproto.Fact{Predicate: "scratch", Args: []string{"x"}}},
	}
	declared := map[string]bool{"follows": true}

	program := extraFactProgram(extra, declared)

	if contains(program, ".decl follows") {
		t.Errorf("did not expect a .decl for an already-declared predicate: %q", program)
	}
	if !contains(program, ".decl scratch(arg0: symbol, rkey: symbol)") {
		t.Errorf("expected a bare .decl for the undeclared predicate: %q", program)
	}
	if !contains(program, `follows("a", "b", "rkey1").`) {
		t.Errorf("expected a ground fact clause for follows: %q", program)
	}
	if !contains(program, `scratch("x", "rkey2").`) {
		t.Errorf("expected a ground fact clause for scratch: %q", program)
	}
}

func TestQuoteSouffleSymbolEscapesQuotesAndBackslashes(t *testing.T) {
	got := quoteSouffleSymbol(`a"b\c`)
	want := `"a\"b\\c"`
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func contains(haystack, needle string) bool {
	return len(haystack) >= len(needle) && (func() bool {
		for i := 0; i+len(needle) <= len(haystack); i++ {
			if haystack[i:i+len(needle)] == needle {
				return true
			}
		}
		return false
	})()
}
