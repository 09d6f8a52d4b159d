// Package resolver substitutes cross-step references inside step parameter
// trees. Two syntaxes are supported: braced templates like
// "{$step3.files.0.name}" and bare references like "$step3.emails". All
// executors share this single implementation; earlier per-path templating
// drifted and left orphaned braces behind, so the shared resolver also scans
// its own output for regression signals.
package resolver

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/maghams62/auto-mac/pkg/plan"
)

// WarningKind classifies resolution defects. Warnings never abort resolution;
// the executor records them in the reasoning trace.
type WarningKind string

const (
	// WarnUnresolved means a reference pointed at a missing step or path
	// segment; the placeholder is left in the output unchanged.
	WarnUnresolved WarningKind = "unresolved_reference"

	// WarnOrphanedBraces means substitution produced a literal brace pair
	// (e.g. "{42}") that was not present in the input.
	WarnOrphanedBraces WarningKind = "orphaned_braces"

	// WarnInvalidPlaceholder means the input contained a placeholder that is
	// not a step reference at all (e.g. "{file1.name}"), which indicates the
	// planner copied a bad example. Treated as a hard regression signal.
	WarnInvalidPlaceholder WarningKind = "invalid_placeholder"
)

// Warning describes one defect found while resolving a single string value.
type Warning struct {
	Kind   WarningKind `json:"kind"`
	Detail string      `json:"detail"`
}

func (w Warning) String() string {
	return fmt.Sprintf("%s: %s", w.Kind, w.Detail)
}

var (
	// pathPattern matches the dot-separated identifier/index path of a
	// reference, e.g. ".files.0.name".
	pathPattern = `((?:\.(?:[A-Za-z_][A-Za-z0-9_]*|\d+))+)`

	bracedRe    = regexp.MustCompile(`\{\$step(\d+)` + pathPattern + `\}`)
	bareRe      = regexp.MustCompile(`\$step(\d+)` + pathPattern)
	wholeBareRe = regexp.MustCompile(`^\$step(\d+)` + pathPattern + `$`)

	// residualRe finds leftover step references after resolution.
	residualRe = regexp.MustCompile(`\{\$step\d|\$step\d+\.\w+`)

	// placeholderRe finds any brace pair without nested braces, used by the
	// post-resolution scan for orphans and invalid placeholders.
	placeholderRe = regexp.MustCompile(`\{([^{}]*)\}`)

	// invalidPlaceholderRe matches placeholders shaped like identifiers or
	// dotted paths that do not start with $step, e.g. "{file1.name}".
	invalidPlaceholderRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(?:\.[A-Za-z0-9_]+)*$`)
)

// Results is the step-id → result map references resolve against. Only
// successful results hold values, but the resolver does not care: navigation
// into a nil value simply fails and leaves the placeholder unchanged.
type Results map[int]*plan.StepResult

// ResolveParameters walks a parameter tree and substitutes every reference it
// finds in string values, recursing into lists and maps. The input is not
// mutated. Resolution is single-pass: references inside substituted values are
// not expanded again.
func ResolveParameters(params map[string]interface{}, results Results) (map[string]interface{}, []Warning) {
	if params == nil {
		return nil, nil
	}
	var warnings []Warning
	out := make(map[string]interface{}, len(params))
	for key, value := range params {
		resolved, w := resolveValue(value, results)
		out[key] = resolved
		warnings = append(warnings, w...)
	}
	return out, warnings
}

// ResolveString resolves one string value. When the whole string is exactly a
// single bare reference, the underlying value object is returned instead of
// its string form so lists and maps survive intact for downstream tools.
func ResolveString(s string, results Results) (interface{}, []Warning) {
	if m := wholeBareRe.FindStringSubmatch(s); m != nil {
		stepID, _ := strconv.Atoi(m[1])
		value, ok := navigate(results, stepID, m[2])
		if ok {
			return value, nil
		}
		return s, []Warning{{Kind: WarnUnresolved, Detail: s}}
	}
	return interpolate(s, results)
}

func resolveValue(value interface{}, results Results) (interface{}, []Warning) {
	switch v := value.(type) {
	case string:
		return ResolveString(v, results)
	case []interface{}:
		var warnings []Warning
		out := make([]interface{}, len(v))
		for i, item := range v {
			resolved, w := resolveValue(item, results)
			out[i] = resolved
			warnings = append(warnings, w...)
		}
		return out, warnings
	case map[string]interface{}:
		return ResolveParameters(v, results)
	default:
		return value, nil
	}
}

// substitution is one pending replacement, located on the original input.
type substitution struct {
	start, end int
	text       string
}

// interpolate substitutes references inside a larger string. Both braced
// templates and bare references are located on the original input, then
// spliced in one pass, so substituted text is never re-scanned and a value
// that happens to contain a reference is delivered verbatim.
func interpolate(s string, results Results) (string, []Warning) {
	var warnings []Warning
	var subs []substitution

	collect := func(m []int) {
		stepID, _ := strconv.Atoi(s[m[2]:m[3]])
		value, ok := navigate(results, stepID, s[m[4]:m[5]])
		if !ok {
			warnings = append(warnings, Warning{Kind: WarnUnresolved, Detail: s[m[0]:m[1]]})
			return
		}
		subs = append(subs, substitution{start: m[0], end: m[1], text: stringify(value)})
	}

	braced := bracedRe.FindAllStringSubmatchIndex(s, -1)
	for _, m := range braced {
		collect(m)
	}
	for _, m := range bareRe.FindAllStringSubmatchIndex(s, -1) {
		if withinAny(braced, m[0]) {
			continue
		}
		collect(m)
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].start < subs[j].start })

	var b strings.Builder
	var substituted [][2]int
	prev := 0
	for _, sub := range subs {
		b.WriteString(s[prev:sub.start])
		outStart := b.Len()
		b.WriteString(sub.text)
		substituted = append(substituted, [2]int{outStart, b.Len()})
		prev = sub.end
	}
	b.WriteString(s[prev:])
	resolved := b.String()

	warnings = append(warnings, scan(s, resolved, substituted)...)
	return resolved, dedupe(warnings)
}

// withinAny reports whether pos falls inside any of the whole-match ranges.
func withinAny(matches [][]int, pos int) bool {
	for _, m := range matches {
		if pos >= m[0] && pos < m[1] {
			return true
		}
	}
	return false
}

func dedupe(warnings []Warning) []Warning {
	if len(warnings) < 2 {
		return warnings
	}
	seen := make(map[Warning]bool, len(warnings))
	out := warnings[:0]
	for _, w := range warnings {
		if seen[w] {
			continue
		}
		seen[w] = true
		out = append(out, w)
	}
	return out
}

// scan inspects the resolved string for residual references, orphaned braces
// introduced by substitution, and placeholders that were never valid. Text
// inside a substituted span came from a step result, not from the planner, so
// it is never reported.
func scan(original, resolved string, substituted [][2]int) []Warning {
	var warnings []Warning

	inSubstituted := func(start, end int) bool {
		for _, span := range substituted {
			if start >= span[0] && end <= span[1] {
				return true
			}
		}
		return false
	}

	originalPairs := make(map[string]bool)
	for _, m := range placeholderRe.FindAllString(original, -1) {
		originalPairs[m] = true
	}

	for _, m := range placeholderRe.FindAllStringSubmatchIndex(resolved, -1) {
		whole, inner := resolved[m[0]:m[1]], resolved[m[2]:m[3]]
		if inSubstituted(m[0], m[1]) {
			continue
		}
		if strings.HasPrefix(inner, "$step") {
			continue // residual reference, reported below
		}
		if invalidPlaceholderRe.MatchString(inner) && originalPairs[whole] {
			warnings = append(warnings, Warning{Kind: WarnInvalidPlaceholder, Detail: whole})
			continue
		}
		if !originalPairs[whole] {
			warnings = append(warnings, Warning{Kind: WarnOrphanedBraces, Detail: whole})
		}
	}

	for _, m := range residualRe.FindAllStringIndex(resolved, -1) {
		if inSubstituted(m[0], m[1]) {
			continue
		}
		warnings = append(warnings, Warning{Kind: WarnUnresolved, Detail: resolved[m[0]:m[1]]})
	}
	return warnings
}

// navigate walks a dot path ("files.0.name") through a step result's value.
func navigate(results Results, stepID int, path string) (interface{}, bool) {
	result, ok := results[stepID]
	if !ok || result == nil {
		return nil, false
	}
	var current interface{} = result.Value
	for _, segment := range strings.Split(strings.TrimPrefix(path, "."), ".") {
		switch node := current.(type) {
		case map[string]interface{}:
			next, ok := node[segment]
			if !ok {
				return nil, false
			}
			current = next
		case []interface{}:
			index, err := strconv.Atoi(segment)
			if err != nil || index < 0 || index >= len(node) {
				return nil, false
			}
			current = node[index]
		default:
			return nil, false
		}
	}
	return current, true
}

// ReferencedSteps walks a parameter value and returns the distinct step ids
// mentioned by any reference, braced or bare, in ascending order. The
// validator uses this to enforce that references stay inside a step's
// dependency closure.
func ReferencedSteps(value interface{}) []int {
	ids := make(map[int]bool)
	var walk func(interface{})
	walk = func(v interface{}) {
		switch node := v.(type) {
		case string:
			for _, m := range bareRe.FindAllStringSubmatch(node, -1) {
				id, _ := strconv.Atoi(m[1])
				ids[id] = true
			}
		case []interface{}:
			for _, item := range node {
				walk(item)
			}
		case map[string]interface{}:
			for _, item := range node {
				walk(item)
			}
		}
	}
	walk(value)
	out := make([]int, 0, len(ids))
	for id := range ids {
		out = append(out, id)
	}
	sort.Ints(out)
	return out
}

// stringify renders a navigated value for interpolation into a larger string.
// Strings pass through verbatim; everything else is rendered as compact JSON.
func stringify(value interface{}) string {
	if s, ok := value.(string); ok {
		return s
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Sprintf("%v", value)
	}
	return string(data)
}
