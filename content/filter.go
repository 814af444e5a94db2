package content

import "github.com/aliadelelroby/guardrail/filter"

// FilterConfig lists the allow/deny expression sets for a Filter rule
// (§4.7).
type FilterConfig struct {
	Allow []string
	Deny  []string
}

// EvaluateFilter implements §4.7's ordering: any truthy deny expression
// denies; otherwise a non-empty allow list with no truthy expression
// denies; otherwise allow. An expression that fails to parse or evaluate
// counts as false.
func EvaluateFilter(ctx filter.Context, cfg FilterConfig) (bool, error) {
	for _, expr := range cfg.Deny {
		ok, err := filter.Evaluate(expr, ctx)
		if err != nil {
			continue
		}
		if ok {
			return true, nil // DENY
		}
	}

	if len(cfg.Allow) > 0 {
		anyTrue := false
		for _, expr := range cfg.Allow {
			ok, err := filter.Evaluate(expr, ctx)
			if err != nil {
				continue
			}
			if ok {
				anyTrue = true
				break
			}
		}
		if !anyTrue {
			return true, nil // DENY
		}
	}

	return false, nil // ALLOW
}
