package datalog

import (
	"fmt"
	"sort"
	"strings"
)

// ExtractVariables scans a datalog rule body for uppercase-leading variable
// identifiers and returns them deduplicated in first-seen order. Anonymous
// `_` is never treated as a variable. Used to synthesize the output
// relation's column list for an ad-hoc query or trigger condition.
func ExtractVariables(body string) []string {
	var out []string
	seen := make(map[string]bool)

	var cur strings.Builder
	flush := func() {
		if cur.Len() == 0 {
			return
		}
		name := cur.String()
		cur.Reset()
		if name == "_" {
			return
		}
		if name[0] < 'A' || name[0] > 'Z' {
			return
		}
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}

	for _, r := range body {
		switch {
		case r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'):
			cur.WriteRune(r)
		default:
			flush()
		}
	}
	flush()
	return out
}

// BuildQueryProgram compiles declarations + enabled registered rules +
// extraRules + a synthetic output rule binding query into a single Soufflé
// source. The output relation is named "_query_result" and its columns are
// the query body's variables, in first-seen order.
func BuildQueryProgram(declarations string, rules []string, extraRules []string, query string) (string, []string) {
	vars := ExtractVariables(query)

	var b strings.Builder
	b.WriteString(declarations)

	for _, r := range rules {
		b.WriteString(r)
		if !strings.HasSuffix(strings.TrimSpace(r), "\n") {
			b.WriteString("\n")
		}
	}
	for _, r := range extraRules {
		b.WriteString(r)
		if !strings.HasSuffix(strings.TrimSpace(r), "\n") {
			b.WriteString("\n")
		}
	}

	params := make([]string, len(vars))
	for i, v := range vars {
		params[i] = fmt.Sprintf("%s: symbol", v)
	}
	fmt.Fprintf(&b, ".decl _query_result(%s)\n", strings.Join(params, ", "))
	fmt.Fprintf(&b, ".output _query_result\n")
	fmt.Fprintf(&b, "_query_result(%s) :- %s.\n", strings.Join(vars, ", "), query)

	return b.String(), vars
}

// BuildRuleClause renders a registered Rule as a Soufflé clause: "head :-
// body1, body2, constraint1.". Disabled rules are the caller's
// responsibility to filter out before calling this.
func BuildRuleClause(head string, body, constraints []string) string {
	literals := append(append([]string{}, body...), constraints...)
	return fmt.Sprintf("%s :- %s.\n", head, strings.Join(literals, ", "))
}

// sortedKeys returns the keys of a set in sorted order, for deterministic
// declaration/flush ordering.
func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
