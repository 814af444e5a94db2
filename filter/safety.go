package filter

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// MaxPatternLength bounds a `matches(...)` regex pattern's length (§4.11).
const MaxPatternLength = 1000

// MaxMatchInput bounds the string a `matches(...)` pattern is evaluated
// against (§4.11).
const MaxMatchInput = 10000

// MatchBudget is the soft wall-clock budget a single `matches` evaluation
// is allowed before it is aborted (§4.11).
const MatchBudget = 100 * time.Millisecond

// maxBoundedQuantifiers caps how many `{m,n}`-style bounded quantifiers a
// pattern may contain (§4.11: "reject if ... >20 bounded quantifiers").
const maxBoundedQuantifiers = 20

var boundedQuantifier = regexp.MustCompile(`\{\d+(,\d*)?\}`)

// catastrophicShapes are the textual patterns §4.11 calls out explicitly:
// nested-quantifier constructs like (a+)+ or (a*)* that can exhibit
// exponential backtracking in a naive backtracking engine. Go's RE2-based
// regexp package itself does not backtrack, but the spec asks us to
// reject these shapes outright regardless of engine, since a future
// engine swap (or a pattern copy-pasted into a different evaluator) must
// not silently become vulnerable.
var catastrophicShapes = []*regexp.Regexp{
	regexp.MustCompile(`\([^)]*[+*]\)[+*]`),
	regexp.MustCompile(`\([^)]*\{\d+,?\d*\}\)[+*]`),
	regexp.MustCompile(`\([^)]*[+*]\)\{\d+,?\d*\}`),
}

// CompileSafe validates and compiles a `matches(...)` regex pattern per
// §4.11's ReDoS guards: length cap, catastrophic-backtracking shape
// rejection, and a cap on the number of bounded quantifiers.
func CompileSafe(pattern string) (*regexp.Regexp, error) {
	if len(pattern) > MaxPatternLength {
		return nil, fmt.Errorf("filter: pattern exceeds %d characters", MaxPatternLength)
	}
	for _, shape := range catastrophicShapes {
		if shape.MatchString(pattern) {
			return nil, fmt.Errorf("filter: pattern rejected: matches a catastrophic-backtracking shape")
		}
	}
	if n := len(boundedQuantifier.FindAllString(pattern, -1)); n > maxBoundedQuantifiers {
		return nil, fmt.Errorf("filter: pattern has %d bounded quantifiers, exceeds cap of %d", n, maxBoundedQuantifiers)
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("filter: invalid pattern: %w", err)
	}
	return re, nil
}

// MatchWithBudget runs re against input (capped to MaxMatchInput), aborting
// if the match takes longer than MatchBudget. Go's regexp engine is
// linear-time (RE2-derived), so under normal operation this budget is
// never actually hit; it exists as a second line of defense per §4.11 and
// §5 ("timeouts ... never as blocked threads/tasks") rather than as the
// primary safety mechanism, which is CompileSafe's shape rejection.
func MatchWithBudget(re *regexp.Regexp, input string) (bool, error) {
	if len(input) > MaxMatchInput {
		input = input[:MaxMatchInput]
	}

	type result struct {
		matched bool
	}
	done := make(chan result, 1)
	go func() {
		done <- result{matched: re.MatchString(input)}
	}()

	select {
	case r := <-done:
		return r.matched, nil
	case <-time.After(MatchBudget):
		return false, fmt.Errorf("filter: matches evaluation exceeded %s budget", MatchBudget)
	}
}

// looksLikeHostCode is a defense-in-depth guard on identifiers: a filter
// expression can never reach a host execution path (there isn't one), but
// an identifier containing a prototype-style name is still refused, so it
// resolves as missing (a falsy value) rather than being looked up. No
// error is raised for it, and string literals are not checked.
func looksLikeHostCode(s string) bool {
	lower := strings.ToLower(s)
	for _, bad := range []string{"__proto__", "constructor", "prototype"} {
		if strings.Contains(lower, bad) {
			return true
		}
	}
	return false
}
