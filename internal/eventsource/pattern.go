// harborstackd - local emulator for managed cloud services
// SPDX-License-Identifier: AGPL-3.0-or-later

package eventsource

import (
	"fmt"
	"strings"
)

// MatchPattern applies an event-bus rule pattern to an event. A pattern
// is a map whose values are either candidate lists (any element may
// match: literals, {prefix}, {numeric}, {exists}, {anything-but}) or
// nested sub-patterns applied to nested event fields. Every pattern key
// must hold; a key missing from the event is a mismatch unless one of its
// candidates is {"exists": false}.
func MatchPattern(pattern, event map[string]interface{}) bool {
	for key, raw := range pattern {
		value, present := event[key]

		switch node := raw.(type) {
		case map[string]interface{}:
			// Nested sub-pattern against a nested event field.
			sub, ok := value.(map[string]interface{})
			if !present || !ok {
				return false
			}
			if !MatchPattern(node, sub) {
				return false
			}
		case []interface{}:
			if !matchCandidates(node, value, present) {
				return false
			}
		default:
			// A bare literal behaves like a one-element candidate list.
			if !matchCandidates([]interface{}{node}, value, present) {
				return false
			}
		}
	}
	return true
}

// matchCandidates reports whether any candidate accepts the value.
func matchCandidates(candidates []interface{}, value interface{}, present bool) bool {
	for _, cand := range candidates {
		if m, ok := cand.(map[string]interface{}); ok {
			if matchOperator(m, value, present) {
				return true
			}
			continue
		}
		if present && literalEquals(cand, value) {
			return true
		}
	}
	return false
}

func matchOperator(op map[string]interface{}, value interface{}, present bool) bool {
	if existsRaw, ok := op["exists"]; ok {
		expected, _ := existsRaw.(bool)
		return present == expected
	}
	if !present {
		return false
	}

	if prefixRaw, ok := op["prefix"]; ok {
		prefix, _ := prefixRaw.(string)
		s, ok := value.(string)
		return ok && strings.HasPrefix(s, prefix)
	}

	if numericRaw, ok := op["numeric"]; ok {
		pairs, ok := numericRaw.([]interface{})
		if !ok {
			return false
		}
		n, ok := asFloat(value)
		if !ok {
			return false
		}
		return matchNumericPairs(pairs, n)
	}

	if exclRaw, ok := op["anything-but"]; ok {
		switch excl := exclRaw.(type) {
		case []interface{}:
			for _, e := range excl {
				if literalEquals(e, value) {
					return false
				}
			}
			return true
		default:
			return !literalEquals(excl, value)
		}
	}

	return false
}

// matchNumericPairs evaluates alternating operator/operand pairs, all of
// which must hold, e.g. [">", 0, "<=", 100].
func matchNumericPairs(pairs []interface{}, n float64) bool {
	if len(pairs) == 0 || len(pairs)%2 != 0 {
		return false
	}
	for i := 0; i < len(pairs); i += 2 {
		op, ok := pairs[i].(string)
		if !ok {
			return false
		}
		operand, ok := asFloat(pairs[i+1])
		if !ok {
			return false
		}
		var holds bool
		switch op {
		case "=":
			holds = n == operand
		case ">":
			holds = n > operand
		case ">=":
			holds = n >= operand
		case "<":
			holds = n < operand
		case "<=":
			holds = n <= operand
		default:
			return false
		}
		if !holds {
			return false
		}
	}
	return true
}

// literalEquals compares a pattern literal with an event value. Numbers
// compare numerically regardless of integer/float representation; a
// pattern null matches an event null.
func literalEquals(a, b interface{}) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if fa, ok := asFloat(a); ok {
		fb, ok := asFloat(b)
		return ok && fa == fb
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b) && fmt.Sprintf("%T", a) == fmt.Sprintf("%T", b)
}

func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
