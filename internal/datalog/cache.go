package datalog

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/razorgirl/winterd/internal/atproto"
)

// DatalogCache projects a RepoCache's facts, rules, and declarations into a
// Soufflé working directory and serves queries against it, regenerating
// only what firehose updates actually touched.
type DatalogCache struct {
	dir    string
	solver *Solver
	log    *slog.Logger

	// queryMu serializes whole query invocations (flush, program compile,
	// program write, solver run, output read) against this cache's
	// working directory: two concurrent ExecuteQuery calls must not
	// interleave writes to _query.dl or the .facts files.
	queryMu sync.Mutex

	mu              sync.Mutex
	dirtyPredicates map[string]bool
	fullRegenNeeded bool
	synchronized    bool

	factsGeneration atomic.Int64
	rulesGeneration atomic.Int64

	repoCache      *atproto.RepoCache
	cancelListener context.CancelFunc
}

// NewDatalogCache creates a cache rooted at dir, which must already exist.
func NewDatalogCache(dir string, binaryPath string, log *slog.Logger) *DatalogCache {
	if log == nil {
		log = slog.Default()
	}
	return &DatalogCache{
		dir:             dir,
		solver:          NewSolver(binaryPath),
		log:             log,
		dirtyPredicates: make(map[string]bool),
		fullRegenNeeded: true, // nothing has ever been extracted
	}
}

// NewTempDatalogCache creates a cache rooted in a fresh temp directory, for
// tests and scratch/dev use. The directory name carries a uuid ahead of
// os.MkdirTemp's own random suffix, so a solver working directory can be
// correlated against a log line across a process's lifetime.
func NewTempDatalogCache(binaryPath string) (*DatalogCache, error) {
	dir, err := os.MkdirTemp("", "winterd-datalog-"+uuid.New().String()+"-*")
	if err != nil {
		return nil, fmt.Errorf("create datalog temp dir: %w", err)
	}
	return NewDatalogCache(dir, binaryPath, nil), nil
}

// StartUpdateListener subscribes to repoCache broadcasts and tracks dirty
// state until ctx is cancelled or Stop is called.
func (d *DatalogCache) StartUpdateListener(ctx context.Context, repoCache *atproto.RepoCache) {
	listenerCtx, cancel := context.WithCancel(ctx)
	d.cancelListener = cancel
	d.repoCache = repoCache

	updates, unsubscribe := repoCache.Subscribe(256)
	go func() {
		defer unsubscribe()
		for {
			select {
			case <-listenerCtx.Done():
				return
			case u, ok := <-updates:
				if !ok {
					return
				}
				d.handleUpdate(u)
			}
		}
	}()
}

// Stop unsubscribes the update listener, if one was started.
func (d *DatalogCache) Stop() {
	if d.cancelListener != nil {
		d.cancelListener()
	}
}

func (d *DatalogCache) handleUpdate(u atproto.Update) {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch u.Kind {
	case atproto.UpdateLagged:
		d.fullRegenNeeded = true
		d.factsGeneration.Add(1)
		d.rulesGeneration.Add(1)
		return
	case atproto.UpdateSynchronized:
		if !d.synchronized {
			d.synchronized = true
		}
		d.fullRegenNeeded = true
		d.factsGeneration.Add(1)
		d.rulesGeneration.Add(1)
		return
	}

	switch u.Collection {
	case atproto.CollectionFact:
		if e, ok := d.repoCache.GetFact(u.Rkey); ok {
			d.dirtyPredicates[e.Value.Predicate] = true
		} else {
			// deletion: the predicate the deleted rkey belonged to is no
			// longer recoverable from the cache, so fall back to a full
			// regeneration rather than guess wrong and miss a stale row.
			d.fullRegenNeeded = true
		}
		d.factsGeneration.Add(1)
	case atproto.CollectionRule, atproto.CollectionFactDeclaration:
		d.fullRegenNeeded = true
		d.rulesGeneration.Add(1)
	}
}

// MarkPredicateDirty marks a single predicate for incremental
// regeneration on the next flush.
func (d *DatalogCache) MarkPredicateDirty(predicate string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dirtyPredicates[predicate] = true
}

// TriggerFullRegen forces the next flush to rewrite every relation from
// scratch.
func (d *DatalogCache) TriggerFullRegen() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fullRegenNeeded = true
}

// FactsGeneration and RulesGeneration expose the monotonic counters used to
// detect a concurrent mutation across a query's solver invocation.
func (d *DatalogCache) FactsGeneration() int64 { return d.factsGeneration.Load() }
func (d *DatalogCache) RulesGeneration() int64 { return d.rulesGeneration.Load() }

// flushPlan snapshots and clears the current dirty state under the lock,
// returning what the flush needs to do.
type flushPlan struct {
	fullRegen  bool
	predicates []string
}

func (d *DatalogCache) takeFlushPlan() flushPlan {
	d.mu.Lock()
	defer d.mu.Unlock()

	plan := flushPlan{fullRegen: d.fullRegenNeeded}
	if !plan.fullRegen {
		plan.predicates = sortedKeys(d.dirtyPredicates)
	}
	d.dirtyPredicates = make(map[string]bool)
	d.fullRegenNeeded = false
	return plan
}

// flush applies the pending flush plan against repoCache, regenerating
// either the dirty predicates' TSVs or everything.
func (d *DatalogCache) flush(repoCache *atproto.RepoCache) error {
	plan := d.takeFlushPlan()

	entries := repoCache.ListFacts()
	records := BuildFactRecords(entries)

	if plan.fullRegen {
		if _, err := ExtractToDir(records, d.dir); err != nil {
			d.TriggerFullRegen()
			return &FlushError{Err: err}
		}
		return nil
	}

	for _, predicate := range plan.predicates {
		if err := RegeneratePredicateFiles(d.dir, predicate, records); err != nil {
			d.MarkPredicateDirty(predicate)
			return &FlushError{Predicate: predicate, Err: err}
		}
	}
	return nil
}

// declarationsAndRules compiles the current declaration header and the
// clauses for every enabled registered rule, along with the set of
// relation names the declaration header already declared (so a caller
// injecting ad-hoc facts knows which predicates still need their own
// .decl).
func (d *DatalogCache) declarationsAndRules(repoCache *atproto.RepoCache) (string, []string, map[string]bool) {
	entries := repoCache.ListFacts()
	records := BuildFactRecords(entries)
	decls, declared := GenerateInputDeclarations(records)

	for _, fd := range repoCache.ListFactDeclarations() {
		if _, ok := arityOf(records, fd.Value.Predicate); !ok {
			params := make([]string, fd.Value.Arity+1)
			for i := 0; i < fd.Value.Arity; i++ {
				params[i] = fmt.Sprintf("arg%d: symbol", i)
			}
			params[fd.Value.Arity] = "rkey: symbol"
			decls += fmt.Sprintf(".decl %s(%s)\n.input %s\n\n", fd.Value.Predicate, strings.Join(params, ", "), fd.Value.Predicate)
			declared[fd.Value.Predicate] = true
		}
	}

	var rules []string
	for _, r := range repoCache.ListRules() {
		if !r.Value.Enabled {
			continue
		}
		rules = append(rules, BuildRuleClause(r.Value.Head, r.Value.Body, r.Value.Constraints))
	}
	return decls, rules, declared
}

func arityOf(records []FactRecord, predicate string) (int, bool) {
	for _, r := range records {
		if r.Fact.Predicate == predicate {
			return len(r.Fact.Args), true
		}
	}
	return 0, false
}

// ExecuteQuery flushes any pending dirty state, compiles a program binding
// query to a synthetic output relation, invokes the solver, and parses its
// result tuples. If facts or rules changed generation during the solver
// invocation, the query is retried once more to give callers a
// consistent-enough snapshot.
func (d *DatalogCache) ExecuteQuery(ctx context.Context, repoCache *atproto.RepoCache, query string, extraRules []string) ([]map[string]string, error) {
	return d.ExecuteQueryWithFacts(ctx, repoCache, query, extraRules, nil)
}

// ExecuteQueryWithFacts is ExecuteQuery, but extraFacts are added as inline
// fact clauses in this invocation's program only (see extraFactProgram); the
// .facts files are not touched and nothing is persisted.
func (d *DatalogCache) ExecuteQueryWithFacts(ctx context.Context, repoCache *atproto.RepoCache, query string, extraRules []string, extraFacts []FactRecord) ([]map[string]string, error) {
	return d.ExecuteQueryWithFactsAndDeclarations(ctx, repoCache, query, extraRules, extraFacts, "")
}

// ExecuteQueryWithFactsAndDeclarations additionally injects ad-hoc .decl
// lines into the program, e.g. to type an ad-hoc output column as a number.
func (d *DatalogCache) ExecuteQueryWithFactsAndDeclarations(ctx context.Context, repoCache *atproto.RepoCache, query string, extraRules []string, extraFacts []FactRecord, extraDecls string) ([]map[string]string, error) {
	d.queryMu.Lock()
	defer d.queryMu.Unlock()

	for attempt := 0; attempt < 2; attempt++ {
		factsGenBefore := d.factsGeneration.Load()
		rulesGenBefore := d.rulesGeneration.Load()

		if err := d.flush(repoCache); err != nil {
			return nil, err
		}

		decls, rules, declared := d.declarationsAndRules(repoCache)
		decls += extraDecls
		decls += extraFactProgram(extraFacts, declared)

		program, vars := BuildQueryProgram(decls, rules, extraRules, query)
		programPath := filepath.Join(d.dir, "_query.dl")
		if err := os.WriteFile(programPath, []byte(program), 0o644); err != nil {
			return nil, fmt.Errorf("write query program: %w", err)
		}

		if err := d.solver.Run(ctx, programPath, d.dir); err != nil {
			return nil, err
		}

		results, err := readOutputRelation(d.dir, "_query_result", vars)
		if err != nil {
			return nil, err
		}

		if d.factsGeneration.Load() == factsGenBefore && d.rulesGeneration.Load() == rulesGenBefore {
			return results, nil
		}
		if attempt == 1 {
			return results, nil
		}
	}
	return nil, fmt.Errorf("datalog: query did not stabilize")
}

// extraFactProgram renders extraFacts as inline Soufflé ground fact clauses,
// scoped to this invocation's program text only: nothing is written to the
// real .facts files, so they never leak into a later query. A predicate not
// already present in declared has no backing .facts file, so it gets a bare
// .decl (no .input) here; one already declared just gets the additional
// clauses unioned in.
func extraFactProgram(extraFacts []FactRecord, declared map[string]bool) string {
	if len(extraFacts) == 0 {
		return ""
	}

	byPredicate := make(map[string][]FactRecord)
	var order []string
	for _, r := range extraFacts {
		if _, ok := byPredicate[r.Fact.Predicate]; !ok {
			order = append(order, r.Fact.Predicate)
		}
		byPredicate[r.Fact.Predicate] = append(byPredicate[r.Fact.Predicate], r)
	}
	sort.Strings(order)

	var out strings.Builder
	for _, predicate := range order {
		recs := byPredicate[predicate]
		if !declared[predicate] {
			out.WriteString(fmt.Sprintf(".decl %s(%s)\n", predicate, paramList(len(recs[0].Fact.Args))))
		}
		for _, r := range recs {
			args := make([]string, 0, len(r.Fact.Args)+1)
			for _, a := range r.Fact.Args {
				args = append(args, quoteSouffleSymbol(a))
			}
			args = append(args, quoteSouffleSymbol(r.Rkey))
			out.WriteString(fmt.Sprintf("%s(%s).\n", predicate, strings.Join(args, ", ")))
		}
		out.WriteString("\n")
	}
	return out.String()
}

// quoteSouffleSymbol quotes and escapes a string for use as a Soufflé symbol
// literal inside a fact clause.
func quoteSouffleSymbol(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return `"` + s + `"`
}

// readOutputRelation reads Soufflé's tab-separated output for relation name
// and maps each row onto the column names in vars, in order.
func readOutputRelation(dir, name string, vars []string) ([]map[string]string, error) {
	for _, ext := range []string{".csv", ".facts", ".tsv"} {
		path := filepath.Join(dir, name+ext)
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var out []map[string]string
		for _, line := range strings.Split(strings.TrimRight(string(data), "\n"), "\n") {
			if line == "" {
				continue
			}
			cols := strings.Split(line, "\t")
			row := make(map[string]string, len(vars))
			for i, v := range vars {
				if i < len(cols) {
					row[v] = cols[i]
				}
			}
			out = append(out, row)
		}
		return out, nil
	}
	return nil, nil
}
