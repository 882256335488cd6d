// Package trigger evaluates registered datalog conditions on a cycle and
// fires actions for every result tuple that newly satisfies them.
package trigger

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/razorgirl/winterd/internal/atproto"
	"github.com/razorgirl/winterd/internal/datalog"
)

// maxActionsPerTrigger bounds how many newly-satisfying tuples fire their
// action in one cycle; the rest are logged and deferred to the next cycle.
const maxActionsPerTrigger = 50

// RecordStore is the subset of atproto.RecordStore a trigger action needs:
// create a record at a caller-minted rkey, and delete one by rkey.
type RecordStore interface {
	CreateRecord(ctx context.Context, collection, rkey string, value interface{}) (uri, cid string, err error)
	DeleteRecord(ctx context.Context, collection, rkey string) error
}

// Engine evaluates every enabled Trigger each cycle against the DatalogCache
// and dispatches actions for newly-satisfying result tuples.
type Engine struct {
	Cache    *atproto.RepoCache
	Datalog  *datalog.DatalogCache
	Store    RecordStore
	Log      *slog.Logger
	InboxURL string // HTTP endpoint fronting the LLM scheduler's inbox
	Client   *http.Client

	mu     sync.Mutex
	prev   map[string]map[string]bool // trigger rkey -> set of tuple keys
	health map[string]*triggerHealth
}

type triggerHealth struct {
	success int
	failure int
}

func New(cache *atproto.RepoCache, dc *datalog.DatalogCache, store RecordStore, inboxURL string, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		Cache:    cache,
		Datalog:  dc,
		Store:    store,
		Log:      log,
		InboxURL: inboxURL,
		Client:   &http.Client{},
		prev:     make(map[string]map[string]bool),
		health:   make(map[string]*triggerHealth),
	}
}

// RunCycle evaluates every enabled trigger once, dispatching actions for
// tuples that newly satisfy each trigger's condition.
func (e *Engine) RunCycle(ctx context.Context) error {
	triggers := e.Cache.ListTriggers()
	liveRkeys := make(map[string]bool, len(triggers))

	for _, t := range triggers {
		liveRkeys[t.Rkey] = true
		if !t.Value.Enabled {
			continue
		}
		if err := e.evaluateTrigger(ctx, t.Rkey, t.Value); err != nil {
			e.Log.Warn("trigger evaluation failed", "trigger", t.Value.Name, "error", err)
		}
	}

	e.purgeStale(liveRkeys)
	return nil
}

func (e *Engine) evaluateTrigger(ctx context.Context, rkey string, t atproto.Trigger) error {
	vars := datalog.ExtractVariables(t.Condition)
	head := fmt.Sprintf("_trigger_result(%s)", strings.Join(vars, ", "))
	rule := datalog.BuildRuleClause(head, []string{t.Condition}, nil)

	results, err := e.Datalog.ExecuteQuery(ctx, e.Cache, head, append([]string{rule}, t.ConditionRules...))
	if err != nil {
		return fmt.Errorf("execute condition for trigger %s: %w", t.Name, err)
	}

	current := make(map[string]bool, len(results))
	for _, row := range results {
		current[tupleKey(vars, row)] = true
	}

	e.mu.Lock()
	previous := e.prev[rkey]
	if previous == nil {
		previous = make(map[string]bool)
	}
	e.mu.Unlock()

	var newTuples []map[string]string
	for _, row := range results {
		key := tupleKey(vars, row)
		if !previous[key] {
			newTuples = append(newTuples, row)
		}
	}

	removed := 0
	for key := range previous {
		if !current[key] {
			delete(previous, key)
			removed++
		}
	}

	if len(newTuples) > maxActionsPerTrigger {
		e.Log.Warn("trigger produced more new tuples than the per-cycle limit, deferring the rest",
			"trigger", t.Name, "new", len(newTuples), "limit", maxActionsPerTrigger)
		newTuples = newTuples[:maxActionsPerTrigger]
	}

	for _, row := range newTuples {
		key := tupleKey(vars, row)
		if err := e.dispatchAction(ctx, t, vars, row); err != nil {
			e.Log.Warn("trigger action failed, will retry next cycle", "trigger", t.Name, "error", err)
			e.recordHealth(t.Name, false)
			continue
		}
		e.recordHealth(t.Name, true)
		previous[key] = true
	}

	e.mu.Lock()
	e.prev[rkey] = previous
	e.mu.Unlock()
	return nil
}

// tupleKey renders a result row into a stable, order-independent string
// keyed by the query's own variable order (already deterministic).
func tupleKey(vars []string, row map[string]string) string {
	parts := make([]string, len(vars))
	for i, v := range vars {
		parts[i] = row[v]
	}
	return strings.Join(parts, "\x1f")
}

// substitute replaces $0, $1, … in template with tuple values taken in the
// query's variable order. Substitution proceeds from the highest index
// down so that "$10" is replaced before "$1" is mistaken for its prefix.
func substitute(template string, vars []string, row map[string]string) string {
	out := template
	for i := len(vars) - 1; i >= 0; i-- {
		placeholder := "$" + strconv.Itoa(i)
		out = strings.ReplaceAll(out, placeholder, row[vars[i]])
	}
	return out
}

func (e *Engine) dispatchAction(ctx context.Context, t atproto.Trigger, vars []string, row map[string]string) error {
	switch t.Action.Kind {
	case atproto.ActionCreateFact:
		return e.dispatchCreateFact(ctx, t, vars, row)
	case atproto.ActionCreateInboxItem:
		return e.dispatchCreateInboxItem(ctx, t, vars, row)
	case atproto.ActionDeleteFact:
		return e.dispatchDeleteFact(ctx, t, vars, row)
	default:
		return fmt.Errorf("unknown trigger action kind %q", t.Action.Kind)
	}
}

func (e *Engine) dispatchCreateFact(ctx context.Context, t atproto.Trigger, vars []string, row map[string]string) error {
	predicate := substitute(t.Action.Predicate, vars, row)
	if strings.HasPrefix(predicate, "_") {
		return &PermissionError{Trigger: t.Name, Reason: fmt.Sprintf("predicate %q is in the reserved query-result namespace", predicate)}
	}

	args := make([]string, len(t.Action.Args))
	for i, a := range t.Action.Args {
		args[i] = substitute(a, vars, row)
	}
	fact := atproto.Fact{
		Predicate: predicate,
		Args:      args,
		Tags:      t.Action.Tags,
		Source:    ptr("trigger:" + t.Name),
		CreatedAt: time.Now().UTC(),
	}
	rkey := atproto.NewTID()
	_, cid, err := e.Store.CreateRecord(ctx, atproto.CollectionFact, rkey, fact)
	if err != nil {
		return fmt.Errorf("create fact: %w", err)
	}
	e.Cache.UpsertFact(rkey, fact, cid)
	return nil
}

func (e *Engine) dispatchCreateInboxItem(ctx context.Context, t atproto.Trigger, vars []string, row map[string]string) error {
	message := "[trigger:" + t.Name + "] " + substitute(t.Action.Message, vars, row)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.InboxURL, strings.NewReader(message))
	if err != nil {
		return fmt.Errorf("build inbox request: %w", err)
	}
	req.Header.Set("Content-Type", "text/plain")
	resp, err := e.Client.Do(req)
	if err != nil {
		return fmt.Errorf("post inbox item: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("inbox endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

func (e *Engine) dispatchDeleteFact(ctx context.Context, t atproto.Trigger, vars []string, row map[string]string) error {
	rkey := substitute(t.Action.Rkey, vars, row)
	if err := e.Store.DeleteRecord(ctx, atproto.CollectionFact, rkey); err != nil {
		return fmt.Errorf("delete fact %s: %w", rkey, err)
	}
	e.Cache.DeleteFact(rkey)
	return nil
}

func (e *Engine) recordHealth(name string, ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	h, found := e.health[name]
	if !found {
		h = &triggerHealth{}
		e.health[name] = h
	}
	if ok {
		h.success++
	} else {
		h.failure++
	}
}

// Health reports a trigger's cumulative success/failure counts and the
// resulting confidence ratio (successCount / total), mirroring the
// teacher's learned-intent confidence idiom. It never influences firing
// semantics; it's exposed purely for operator inspection.
func (e *Engine) Health(name string) (successCount, failureCount int, confidence float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	h, ok := e.health[name]
	if !ok {
		return 0, 0, 0
	}
	total := h.success + h.failure
	if total == 0 {
		return h.success, h.failure, 0
	}
	return h.success, h.failure, float64(h.success) / float64(total)
}

// HealthSnapshot returns a copy of every trigger's cumulative success/
// failure counts observed so far, for a caller that wants to drain them
// into durable storage without affecting firing semantics.
func (e *Engine) HealthSnapshot() map[string][2]int {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string][2]int, len(e.health))
	for name, h := range e.health {
		out[name] = [2]int{h.success, h.failure}
	}
	return out
}

func (e *Engine) purgeStale(liveRkeys map[string]bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for rkey := range e.prev {
		if !liveRkeys[rkey] {
			delete(e.prev, rkey)
		}
	}
}

func ptr(s string) *string { return &s }
