// Package datalog turns a RepoCache's facts and rules into Soufflé TSV
// input relations, runs Soufflé as an external solver, and caches the
// result until the underlying facts change again.
package datalog

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/razorgirl/winterd/internal/atproto"
)

// FactRecord is one fact plus the bookkeeping the extractor needs:
// its rkey, and whether a later fact's Supersedes points at its CID.
type FactRecord struct {
	Rkey         string
	CID          string
	Fact         atproto.Fact
	IsSuperseded bool
}

// ExtractResult summarizes what ExtractToDir wrote.
type ExtractResult struct {
	Predicates    []string
	MetaRelations []string
}

var metaRelations = []string{"_fact", "_confidence", "_source", "_supersedes", "_created_at"}

// BuildFactRecords computes the IsSuperseded flag for every fact entry: a
// fact is superseded if some other fact's Supersedes field names its CID.
func BuildFactRecords(entries []atproto.Entry[atproto.Fact]) []FactRecord {
	supersededCIDs := make(map[string]bool)
	for _, e := range entries {
		if e.Value.Supersedes != nil {
			supersededCIDs[*e.Value.Supersedes] = true
		}
	}

	out := make([]FactRecord, 0, len(entries))
	for _, e := range entries {
		out = append(out, FactRecord{
			Rkey:         e.Rkey,
			CID:          e.CID,
			Fact:         e.Value,
			IsSuperseded: supersededCIDs[e.CID],
		})
	}
	return out
}

// ExtractToDir writes one TSV file per predicate plus the metadata
// relations (_fact, _confidence, _source, _supersedes, _created_at) that
// Soufflé programs join against. Mirrors the original extractor's file
// layout: "{predicate}.facts" holds only current (non-superseded) facts,
// "_all_{predicate}.facts" holds every fact regardless of supersession.
func ExtractToDir(records []FactRecord, outputDir string) (ExtractResult, error) {
	cidToRkey := make(map[string]string, len(records))
	for _, r := range records {
		cidToRkey[r.CID] = r.Rkey
	}

	currentFiles := make(map[string]*bufio.Writer)
	currentHandles := make(map[string]*os.File)
	allFiles := make(map[string]*bufio.Writer)
	allHandles := make(map[string]*os.File)
	var predicates []string

	closeAll := func() {
		for _, w := range currentFiles {
			w.Flush()
		}
		for _, f := range currentHandles {
			f.Close()
		}
		for _, w := range allFiles {
			w.Flush()
		}
		for _, f := range allHandles {
			f.Close()
		}
	}

	factFile, err := os.Create(filepath.Join(outputDir, "_fact.facts"))
	if err != nil {
		return ExtractResult{}, fmt.Errorf("create _fact.facts: %w", err)
	}
	defer factFile.Close()
	confidenceFile, err := os.Create(filepath.Join(outputDir, "_confidence.facts"))
	if err != nil {
		return ExtractResult{}, fmt.Errorf("create _confidence.facts: %w", err)
	}
	defer confidenceFile.Close()
	sourceFile, err := os.Create(filepath.Join(outputDir, "_source.facts"))
	if err != nil {
		return ExtractResult{}, fmt.Errorf("create _source.facts: %w", err)
	}
	defer sourceFile.Close()
	supersedesFile, err := os.Create(filepath.Join(outputDir, "_supersedes.facts"))
	if err != nil {
		return ExtractResult{}, fmt.Errorf("create _supersedes.facts: %w", err)
	}
	defer supersedesFile.Close()
	createdAtFile, err := os.Create(filepath.Join(outputDir, "_created_at.facts"))
	if err != nil {
		return ExtractResult{}, fmt.Errorf("create _created_at.facts: %w", err)
	}
	defer createdAtFile.Close()

	factW := bufio.NewWriter(factFile)
	confidenceW := bufio.NewWriter(confidenceFile)
	sourceW := bufio.NewWriter(sourceFile)
	supersedesW := bufio.NewWriter(supersedesFile)
	createdAtW := bufio.NewWriter(createdAtFile)
	defer factW.Flush()
	defer confidenceW.Flush()
	defer sourceW.Flush()
	defer supersedesW.Flush()
	defer createdAtW.Flush()

	for _, r := range records {
		predicate := r.Fact.Predicate
		args := joinTabs(r.Fact.Args)

		if _, ok := currentFiles[predicate]; !ok {
			cf, err := os.Create(filepath.Join(outputDir, predicate+".facts"))
			if err != nil {
				closeAll()
				return ExtractResult{}, fmt.Errorf("create %s.facts: %w", predicate, err)
			}
			af, err := os.Create(filepath.Join(outputDir, "_all_"+predicate+".facts"))
			if err != nil {
				closeAll()
				return ExtractResult{}, fmt.Errorf("create _all_%s.facts: %w", predicate, err)
			}
			currentHandles[predicate] = cf
			allHandles[predicate] = af
			currentFiles[predicate] = bufio.NewWriter(cf)
			allFiles[predicate] = bufio.NewWriter(af)
			predicates = append(predicates, predicate)
		}

		if !r.IsSuperseded {
			fmt.Fprintf(currentFiles[predicate], "%s\t%s\n", args, r.Rkey)
		}
		fmt.Fprintf(allFiles[predicate], "%s\t%s\n", args, r.Rkey)

		fmt.Fprintf(factW, "%s\t%s\t%s\n", r.Rkey, predicate, r.CID)

		if r.Fact.Confidence != nil && *r.Fact.Confidence != 1.0 {
			fmt.Fprintf(confidenceW, "%s\t%s\n", r.Rkey, strconv.FormatFloat(*r.Fact.Confidence, 'g', -1, 64))
		}
		if r.Fact.Source != nil {
			fmt.Fprintf(sourceW, "%s\t%s\n", r.Rkey, *r.Fact.Source)
		}
		if r.Fact.Supersedes != nil {
			if oldRkey, ok := cidToRkey[*r.Fact.Supersedes]; ok {
				fmt.Fprintf(supersedesW, "%s\t%s\n", r.Rkey, oldRkey)
			}
		}
		fmt.Fprintf(createdAtW, "%s\t%s\n", r.Rkey, r.Fact.CreatedAt.Format("2006-01-02T15:04:05Z07:00"))
	}

	closeAll()
	sort.Strings(predicates)
	return ExtractResult{Predicates: predicates, MetaRelations: metaRelations}, nil
}

func joinTabs(args []string) string {
	out := ""
	for i, a := range args {
		if i > 0 {
			out += "\t"
		}
		out += a
	}
	return out
}

// GenerateInputDeclarations builds the Soufflé ".decl"/".input" header for
// every predicate arity present in records, plus the always-present
// metadata relations. Returns the declaration text and the set of relation
// names it declared.
func GenerateInputDeclarations(records []FactRecord) (string, map[string]bool) {
	arities := make(map[string]int)
	var order []string
	for _, r := range records {
		if _, ok := arities[r.Fact.Predicate]; !ok {
			arities[r.Fact.Predicate] = len(r.Fact.Args)
			order = append(order, r.Fact.Predicate)
		}
	}
	return generateDeclarationsFromArities(arities, order)
}

// GenerateInputDeclarationsFromArities is the cache-path variant: arities
// are already known, so no fact scan is required.
func GenerateInputDeclarationsFromArities(arities map[string]int) (string, map[string]bool) {
	order := make([]string, 0, len(arities))
	for p := range arities {
		order = append(order, p)
	}
	sort.Strings(order)
	return generateDeclarationsFromArities(arities, order)
}

func generateDeclarationsFromArities(arities map[string]int, order []string) (string, map[string]bool) {
	var decls string
	declared := make(map[string]bool)

	decls += ".decl _fact(rkey: symbol, predicate: symbol, cid: symbol)\n.input _fact\n\n"
	decls += ".decl _confidence(rkey: symbol, value: symbol)\n.input _confidence\n\n"
	decls += ".decl _source(rkey: symbol, source_cid: symbol)\n.input _source\n\n"
	decls += ".decl _supersedes(new_rkey: symbol, old_rkey: symbol)\n.input _supersedes\n\n"
	decls += ".decl _created_at(rkey: symbol, timestamp: symbol)\n.input _created_at\n\n"
	for _, r := range metaRelations {
		declared[r] = true
	}

	for _, predicate := range order {
		arity := arities[predicate]
		params := paramList(arity)
		decls += fmt.Sprintf(".decl %s(%s)\n.input %s\n\n", predicate, params, predicate)
		declared[predicate] = true

		allName := "_all_" + predicate
		decls += fmt.Sprintf(".decl %s(%s)\n.input %s\n\n", allName, params, allName)
		declared[allName] = true
	}

	return decls, declared
}

func paramList(arity int) string {
	out := ""
	for i := 0; i < arity; i++ {
		out += fmt.Sprintf("arg%d: symbol, ", i)
	}
	return out + "rkey: symbol"
}

// RegeneratePredicateFiles rewrites just one predicate's TSV pair,
// avoiding a full fact scan when only that predicate changed.
func RegeneratePredicateFiles(outputDir, predicate string, records []FactRecord) error {
	currentPath := filepath.Join(outputDir, predicate+".facts")
	allPath := filepath.Join(outputDir, "_all_"+predicate+".facts")

	cf, err := os.Create(currentPath)
	if err != nil {
		return fmt.Errorf("create %s: %w", currentPath, err)
	}
	defer cf.Close()
	af, err := os.Create(allPath)
	if err != nil {
		return fmt.Errorf("create %s: %w", allPath, err)
	}
	defer af.Close()

	cw := bufio.NewWriter(cf)
	aw := bufio.NewWriter(af)
	defer cw.Flush()
	defer aw.Flush()

	for _, r := range records {
		if r.Fact.Predicate != predicate {
			continue
		}
		args := joinTabs(r.Fact.Args)
		fmt.Fprintf(aw, "%s\t%s\n", args, r.Rkey)
		if !r.IsSuperseded {
			fmt.Fprintf(cw, "%s\t%s\n", args, r.Rkey)
		}
	}
	return nil
}
