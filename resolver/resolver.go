// Package resolver implements the Dynamic Value Resolver (C8): a rule
// config field whose value may be a literal, a sandboxed function of the
// request context, or a dotted path into metadata/options/characteristics.
//
// Adaptation note: §4.8 is written against a host language (TypeScript)
// where a "function" is inspectable source text that can be pattern-
// matched against a dangerous-pattern blocklist (eval, Function, require,
// process, global, ...). Go closures carry no such inspectable source, so
// that specific guard does not translate; instead, every function-valued
// DynamicValue is required to take a context.Context and is always run
// under the 5s deadline from §4.8/§5, with the same fail-to-default
// behavior on timeout or panic. The dangerous-pattern blocklist is instead
// applied to the *path* form, where a caller-supplied string can still
// smuggle something unsafe-looking; see DESIGN.md for the full rationale.
package resolver

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// FunctionTimeout is the deadline a dynamic-value function is allowed to
// run under before the resolver falls back to the default (§4.8).
const FunctionTimeout = 5 * time.Second

// MaxPathDepth bounds how many dotted components a resolver path may have
// (§4.8).
const MaxPathDepth = 10

var pathComponentPattern = regexp.MustCompile(`^[A-Za-z0-9_$]+$`)

// forbiddenNames are rejected at any path depth to prevent prototype-
// pollution-shaped lookups from reaching a shared object (§4.8, §8
// "Prototype-safety"). Go maps have no prototype chain, so this can never
// actually mutate anything shared; the guard is kept anyway so a path
// string copy-pasted from a hostile source fails the same way the
// original specification requires, and so the resolver's behavior matches
// the documented contract regardless of the host's lack of a prototype
// chain.
var forbiddenNames = map[string]bool{
	"__proto__":   true,
	"constructor": true,
	"prototype":   true,
}

// dangerousSubstrings are rejected outright in any path string (the
// adapted form of §4.8's function-source blocklist).
var dangerousSubstrings = []string{
	"eval(", "function(", "require(", "import(", "process.", "global.", "os.", "fs.",
}

// Context bundles the three namespaces a resolver path searches, in
// resolution order: metadata, then options, then characteristics (§4.8).
type Context struct {
	Metadata        map[string]interface{}
	Options         map[string]interface{}
	Characteristics map[string]interface{}
}

// DynamicValue[T] is a literal T, a sandboxed function, or a dotted path
// into a Context. Exactly one of Literal/Func/Path should be set; if none
// are, Resolve returns defaultValue.
type DynamicValue[T any] struct {
	Literal *T
	Func    func(ctx context.Context, rc Context) (T, error)
	Path    string
}

// Lit builds a literal DynamicValue.
func Lit[T any](v T) DynamicValue[T] {
	return DynamicValue[T]{Literal: &v}
}

// Fn builds a function-valued DynamicValue.
func Fn[T any](f func(ctx context.Context, rc Context) (T, error)) DynamicValue[T] {
	return DynamicValue[T]{Func: f}
}

// FromPath builds a path-valued DynamicValue.
func FromPath[T any](path string) DynamicValue[T] {
	return DynamicValue[T]{Path: path}
}

// Resolve resolves v against rc, falling back to defaultValue on any
// rejection, parse failure, or timeout (§4.8: "On rejection or timeout ->
// return defaultValue").
func Resolve[T any](ctx context.Context, v DynamicValue[T], rc Context, defaultValue T) T {
	switch {
	case v.Literal != nil:
		return *v.Literal

	case v.Func != nil:
		return resolveFunc(ctx, v.Func, rc, defaultValue)

	case v.Path != "":
		resolved, ok := ResolvePath(v.Path, rc)
		if !ok {
			return defaultValue
		}
		if typed, ok := resolved.(T); ok {
			return typed
		}
		return defaultValue
	}
	return defaultValue
}

func resolveFunc[T any](ctx context.Context, f func(context.Context, Context) (T, error), rc Context, defaultValue T) T {
	deadlineCtx, cancel := context.WithTimeout(ctx, FunctionTimeout)
	defer cancel()

	type result struct {
		val T
		err error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("resolver: function panicked: %v", r)}
			}
		}()
		val, err := f(deadlineCtx, rc)
		done <- result{val: val, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return defaultValue
		}
		return r.val
	case <-deadlineCtx.Done():
		return defaultValue
	}
}

// ResolvePath resolves a dotted path against rc following §4.8's search
// order: an absolute prefix ("metadata.", "options.", "characteristics.")
// bypasses the search and looks only in that namespace; otherwise the
// unqualified path is searched metadata -> options -> characteristics in
// order and the first hit wins.
func ResolvePath(path string, rc Context) (interface{}, bool) {
	if isUnsafePath(path) {
		return nil, false
	}

	for prefix, ns := range map[string]map[string]interface{}{
		"metadata.":        rc.Metadata,
		"options.":         rc.Options,
		"characteristics.": rc.Characteristics,
	} {
		if strings.HasPrefix(path, prefix) {
			return walk(ns, strings.TrimPrefix(path, prefix))
		}
	}

	for _, ns := range []map[string]interface{}{rc.Metadata, rc.Options, rc.Characteristics} {
		if v, ok := walk(ns, path); ok {
			return v, true
		}
	}
	return nil, false
}

func isUnsafePath(path string) bool {
	lower := strings.ToLower(path)
	for _, bad := range dangerousSubstrings {
		if strings.Contains(lower, bad) {
			return true
		}
	}
	parts := strings.Split(path, ".")
	if len(parts) > MaxPathDepth {
		return true
	}
	for _, p := range parts {
		if forbiddenNames[p] {
			return true
		}
		if !pathComponentPattern.MatchString(p) {
			return true
		}
	}
	return false
}

func walk(root map[string]interface{}, path string) (interface{}, bool) {
	if root == nil || path == "" {
		return nil, false
	}
	var cur interface{} = root
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		v, ok := m[part]
		if !ok {
			return nil, false
		}
		cur = v
	}
	return cur, true
}
