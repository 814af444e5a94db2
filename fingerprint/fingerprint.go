// Package fingerprint derives stable, length-bounded storage keys from a
// request's characteristics, and parses the interval literals ("1m", "1h",
// "30s") that rule configs express rate-limit windows as.
//
// The rate-limit rules (sliding window, token bucket) key their
// per-request state off this fingerprint derivation, so it lives here as a
// small leaf package with no dependency on the rest of the module.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// MaxLength is the maximum total length of a derived fingerprint (§3).
const MaxLength = 500

// MaxComponentLength is the length above which an individual "key:value"
// component is hashed down to a short suffix instead of being carried
// verbatim (§3).
const MaxComponentLength = 100

// HashSuffixLength is the length, in hex characters, of the hash suffix
// used to shrink an oversized component.
const HashSuffixLength = 12

var sanitizePattern = regexp.MustCompile(`[^A-Za-z0-9_\-:.]+`)

// ErrNoCharacteristics is returned by Derive when none of the requested
// "by" keys resolved to a value in the characteristics map.
var ErrNoCharacteristics = fmt.Errorf("fingerprint: no characteristic resolved for the configured keys")

// Derive builds a canonical `k1:v1|k2:v2|...` fingerprint from the given
// ordered list of characteristic keys and a characteristics bag. Keys are
// evaluated in the order given (not sorted) so that distinct "by" lists
// that happen to contain the same keys in a different order can still be
// told apart if that matters to the caller; however for a single fixed
// "by" list the result is deterministic regardless of the characteristics
// map's (unspecified) ordering, since Go maps are iterated via direct key
// lookup here, not ranged over.
//
// Each "key:value" component is sanitized to [A-Za-z0-9_\-:.]; components
// longer than MaxComponentLength are collapsed to a short hash-suffixed
// form. The final string is truncated-by-hash if it would otherwise exceed
// MaxLength. Derive returns ErrNoCharacteristics if none of the by keys
// were present in the characteristics map.
func Derive(by []string, characteristics map[string]interface{}) (string, error) {
	if len(by) == 0 {
		by = []string{"ip.src"}
	}

	var components []string
	for _, key := range by {
		val, ok := characteristics[key]
		if !ok {
			continue
		}
		components = append(components, sanitizeComponent(key, val))
	}

	if len(components) == 0 {
		return "", ErrNoCharacteristics
	}

	fp := strings.Join(components, "|")
	if len(fp) > MaxLength {
		sum := sha256.Sum256([]byte(fp))
		suffix := hex.EncodeToString(sum[:])[:HashSuffixLength]
		// Keep a readable prefix and append the hash so two fingerprints
		// that legitimately differ beyond the truncation point don't
		// silently collide.
		keep := MaxLength - HashSuffixLength - 1
		if keep < 0 {
			keep = 0
		}
		fp = fp[:keep] + "#" + suffix
	}
	return fp, nil
}

func sanitizeComponent(key string, val interface{}) string {
	component := key + ":" + scalarString(val)
	component = sanitizePattern.ReplaceAllString(component, "_")
	if len(component) > MaxComponentLength {
		sum := sha256.Sum256([]byte(component))
		suffix := hex.EncodeToString(sum[:])[:HashSuffixLength]
		component = component[:MaxComponentLength-HashSuffixLength-1] + "#" + suffix
	}
	return component
}

func scalarString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprintf("%v", t)
	}
}

// SortedKeys returns the keys of a characteristics map in sorted order.
// Derive follows the order of the "by" list, so the same keys in a
// different order give a different fingerprint; callers that want a
// canonical, order-independent key set can sort first and pass the result
// to Derive.
func SortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// intervalUnit maps a trailing literal to its duration multiplier beyond
// what time.ParseDuration already understands (it handles ns/us/ms/s/m/h
// natively; we add d/w for the "interval" rule fields which are commonly
// expressed in days/weeks, e.g. "7d").
var intervalUnit = regexp.MustCompile(`^(\d+)([dw])$`)

// ParseInterval parses an interval literal such as "30s", "1m", "1h",
// "7d", or "2w" into a positive time.Duration. It returns a
// *ConfigurationError-shaped error (via the returned error's message) when
// the literal is empty, non-positive, or unparsable; callers in the root
// package translate that into guardrail.ConfigurationError.
func ParseInterval(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("fingerprint: empty interval literal")
	}

	if m := intervalUnit.FindStringSubmatch(s); m != nil {
		n, err := strconv.Atoi(m[1])
		if err != nil {
			return 0, fmt.Errorf("fingerprint: invalid interval literal %q: %w", s, err)
		}
		var unit time.Duration
		switch m[2] {
		case "d":
			unit = 24 * time.Hour
		case "w":
			unit = 7 * 24 * time.Hour
		}
		d := time.Duration(n) * unit
		if d <= 0 {
			return 0, fmt.Errorf("fingerprint: interval %q must be positive", s)
		}
		return d, nil
	}

	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("fingerprint: invalid interval literal %q: %w", s, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("fingerprint: interval %q must be positive", s)
	}
	return d, nil
}
