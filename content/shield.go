// Package content implements the Content-Inspection rule family (C7):
// Shield's attack-pattern scanner, bot detection, email validation, and
// the expression-based Filter rule.
package content

import "regexp"

// Category identifies one of §4.4's attack classes.
type Category string

const (
	CategorySQLInjection     Category = "sql-injection"
	CategoryXSS              Category = "xss"
	CategoryCommandInjection Category = "command-injection"
	CategoryPathTraversal    Category = "path-traversal"
	CategoryLDAPInjection    Category = "ldap-injection"
	CategoryXXE              Category = "xxe"
	CategoryHeaderInjection  Category = "header-injection"
	CategoryLogInjection     Category = "log-injection"
	CategoryAnomaly          Category = "anomaly"
)

// pattern pairs one regex with the category it signals.
type pattern struct {
	category Category
	re       *regexp.Regexp
}

// patterns is the table-driven attack-pattern corpus (§4.4: "the
// contract is only: any category enabled in config may raise SHIELD" —
// the specific regexes below are one reasonable corpus satisfying it,
// not a closed specification).
var patterns = []pattern{
	{CategorySQLInjection, regexp.MustCompile(`(?i)(\bunion\s+select\b|\bor\s+1\s*=\s*1\b|;\s*drop\s+table\b|'\s*or\s*'1'\s*=\s*'1|--\s*$|\bxp_cmdshell\b|\bselect\b[^;]{0,200}\bfrom\b)`)},
	{CategoryXSS, regexp.MustCompile(`(?i)(<script[\s>]|javascript:|onerror\s*=|onload\s*=|<img[^>]+onerror)`)},
	{CategoryCommandInjection, regexp.MustCompile("(?i)(;\\s*(rm|cat|curl|wget|nc|bash|sh)\\s|`[^`]*`|\\$\\([^)]*\\)|\\|\\s*(nc|bash|sh)\\b)")},
	{CategoryPathTraversal, regexp.MustCompile(`(\.\./|\.\.\\|%2e%2e%2f|%2e%2e/)`)},
	{CategoryLDAPInjection, regexp.MustCompile(`(\(\s*\|\s*\(|\(\s*&\s*\(|\*\)\(.*=\*)`)},
	{CategoryXXE, regexp.MustCompile(`(?i)(<!doctype[^>]+entity|<!entity|system\s+["'][a-z]+://)`)},
	{CategoryHeaderInjection, regexp.MustCompile(`(\r\n|\n)\s*(set-cookie|location|content-length)\s*:`)},
	{CategoryLogInjection, regexp.MustCompile(`(\r\n|\n)\s*\d{4}-\d{2}-\d{2}`)},
}

// defaultCategories is every category with a pattern entry, used when a
// ShieldRule is configured with no explicit Categories (e.g. the bare
// shield() shorthand). Anomaly has no pattern entry and so is never part
// of the implicit default; it only runs when named explicitly.
var defaultCategories = []Category{
	CategorySQLInjection, CategoryXSS, CategoryCommandInjection, CategoryPathTraversal,
	CategoryLDAPInjection, CategoryXXE, CategoryHeaderInjection, CategoryLogInjection,
}

// ShieldConfig lists which categories are enabled for the request's
// Shield rule, and whether the body is scanned (default off, §4.4). A nil
// or empty Categories defaults to defaultCategories rather than scanning
// nothing, so the bare shield() shorthand still catches the full
// implemented pattern corpus.
type ShieldConfig struct {
	Categories []Category
	ScanBody   bool
}

func (c ShieldConfig) enabled(cat Category) bool {
	categories := c.Categories
	if len(categories) == 0 {
		categories = defaultCategories
	}
	for _, want := range categories {
		if want == cat {
			return true
		}
	}
	return false
}

// ShieldResult reports whether the scanned surfaces matched an attack
// pattern, and which category and field triggered it.
type ShieldResult struct {
	Matched  bool
	Category Category
	Field    string
}

// Surfaces is the set of request surfaces Shield inspects (§4.4: "URL +
// query + selected headers (mandatory) and body (opt-in)").
type Surfaces struct {
	URL     string
	Query   string
	Headers map[string]string
	Body    string
}

// Scan classifies Surfaces against cfg's enabled categories, scanning
// URL, query, and headers unconditionally and the body only when
// cfg.ScanBody is set.
func Scan(s Surfaces, cfg ShieldConfig) ShieldResult {
	type field struct{ name, value string }

	fields := []field{
		{"url", s.URL},
		{"query", s.Query},
	}
	for name, val := range s.Headers {
		fields = append(fields, field{"header:" + name, val})
	}
	if cfg.ScanBody {
		fields = append(fields, field{"body", s.Body})
	}

	for _, p := range patterns {
		if !cfg.enabled(p.category) {
			continue
		}
		for _, f := range fields {
			if f.value == "" {
				continue
			}
			if p.re.MatchString(f.value) {
				return ShieldResult{Matched: true, Category: p.category, Field: f.name}
			}
		}
	}
	return ShieldResult{}
}
