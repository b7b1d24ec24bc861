// harborstackd - local emulator for managed cloud services
// SPDX-License-Identifier: AGPL-3.0-or-later

package workflow

import (
	"fmt"

	"github.com/tidwall/gjson"
)

// ChoiceRule is either a comparison (Variable + one operator field) or a
// logical combinator (And / Or / Not). Only top-level rules carry Next.
type ChoiceRule struct {
	Variable string `json:"Variable,omitempty"`

	And []ChoiceRule `json:"And,omitempty"`
	Or  []ChoiceRule `json:"Or,omitempty"`
	Not *ChoiceRule  `json:"Not,omitempty"`

	StringEquals            *string  `json:"StringEquals,omitempty"`
	StringLessThan          *string  `json:"StringLessThan,omitempty"`
	StringGreaterThan       *string  `json:"StringGreaterThan,omitempty"`
	StringLessThanEquals    *string  `json:"StringLessThanEquals,omitempty"`
	StringGreaterThanEquals *string  `json:"StringGreaterThanEquals,omitempty"`
	NumericEquals           *float64 `json:"NumericEquals,omitempty"`
	NumericLessThan         *float64 `json:"NumericLessThan,omitempty"`
	NumericGreaterThan      *float64 `json:"NumericGreaterThan,omitempty"`
	NumericLessThanEquals   *float64 `json:"NumericLessThanEquals,omitempty"`
	NumericGreaterThanEquals *float64 `json:"NumericGreaterThanEquals,omitempty"`
	BooleanEquals           *bool    `json:"BooleanEquals,omitempty"`

	// Timestamps compare as ISO-8601 strings, which order correctly
	// lexicographically for a fixed offset.
	TimestampEquals            *string `json:"TimestampEquals,omitempty"`
	TimestampLessThan          *string `json:"TimestampLessThan,omitempty"`
	TimestampGreaterThan       *string `json:"TimestampGreaterThan,omitempty"`
	TimestampLessThanEquals    *string `json:"TimestampLessThanEquals,omitempty"`
	TimestampGreaterThanEquals *string `json:"TimestampGreaterThanEquals,omitempty"`

	IsString  *bool `json:"IsString,omitempty"`
	IsNumeric *bool `json:"IsNumeric,omitempty"`
	IsBoolean *bool `json:"IsBoolean,omitempty"`
	IsNull    *bool `json:"IsNull,omitempty"`
	IsPresent *bool `json:"IsPresent,omitempty"`

	Next string `json:"Next,omitempty"`
}

// Evaluate applies the rule against doc. A missing variable makes every
// comparison false, except IsPresent, which reports the complement of its
// operand.
func (r *ChoiceRule) Evaluate(doc []byte) (bool, error) {
	switch {
	case len(r.And) > 0:
		for i := range r.And {
			ok, err := r.And[i].Evaluate(doc)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	case len(r.Or) > 0:
		for i := range r.Or {
			ok, err := r.Or[i].Evaluate(doc)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	case r.Not != nil:
		ok, err := r.Not.Evaluate(doc)
		return !ok, err
	}

	gp, err := toGJSONPath(r.Variable)
	if err != nil {
		return false, err
	}
	var value gjson.Result
	if gp == "" {
		value = gjson.ParseBytes(doc)
	} else {
		value = gjson.GetBytes(doc, gp)
	}

	if r.IsPresent != nil {
		return value.Exists() == *r.IsPresent, nil
	}
	if !value.Exists() {
		return false, nil
	}

	switch {
	case r.StringEquals != nil:
		return value.Type == gjson.String && value.Str == *r.StringEquals, nil
	case r.StringLessThan != nil:
		return value.Type == gjson.String && value.Str < *r.StringLessThan, nil
	case r.StringGreaterThan != nil:
		return value.Type == gjson.String && value.Str > *r.StringGreaterThan, nil
	case r.StringLessThanEquals != nil:
		return value.Type == gjson.String && value.Str <= *r.StringLessThanEquals, nil
	case r.StringGreaterThanEquals != nil:
		return value.Type == gjson.String && value.Str >= *r.StringGreaterThanEquals, nil

	case r.NumericEquals != nil:
		return value.Type == gjson.Number && value.Num == *r.NumericEquals, nil
	case r.NumericLessThan != nil:
		return value.Type == gjson.Number && value.Num < *r.NumericLessThan, nil
	case r.NumericGreaterThan != nil:
		return value.Type == gjson.Number && value.Num > *r.NumericGreaterThan, nil
	case r.NumericLessThanEquals != nil:
		return value.Type == gjson.Number && value.Num <= *r.NumericLessThanEquals, nil
	case r.NumericGreaterThanEquals != nil:
		return value.Type == gjson.Number && value.Num >= *r.NumericGreaterThanEquals, nil

	case r.BooleanEquals != nil:
		return value.IsBool() && value.Bool() == *r.BooleanEquals, nil

	case r.TimestampEquals != nil:
		return value.Type == gjson.String && value.Str == *r.TimestampEquals, nil
	case r.TimestampLessThan != nil:
		return value.Type == gjson.String && value.Str < *r.TimestampLessThan, nil
	case r.TimestampGreaterThan != nil:
		return value.Type == gjson.String && value.Str > *r.TimestampGreaterThan, nil
	case r.TimestampLessThanEquals != nil:
		return value.Type == gjson.String && value.Str <= *r.TimestampLessThanEquals, nil
	case r.TimestampGreaterThanEquals != nil:
		return value.Type == gjson.String && value.Str >= *r.TimestampGreaterThanEquals, nil

	case r.IsString != nil:
		return (value.Type == gjson.String) == *r.IsString, nil
	case r.IsNumeric != nil:
		return (value.Type == gjson.Number) == *r.IsNumeric, nil
	case r.IsBoolean != nil:
		return value.IsBool() == *r.IsBoolean, nil
	case r.IsNull != nil:
		return (value.Type == gjson.Null) == *r.IsNull, nil
	}

	return false, fmt.Errorf("workflow: choice rule on %q has no operator", r.Variable)
}

// firstMatch evaluates rules in order and returns the Next of the first
// that holds, or defaultNext. No rule matching and no Default is a
// state failure.
func firstMatch(rules []ChoiceRule, defaultNext string, doc []byte) (string, error) {
	for i := range rules {
		ok, err := rules[i].Evaluate(doc)
		if err != nil {
			return "", err
		}
		if ok {
			return rules[i].Next, nil
		}
	}
	if defaultNext == "" {
		return "", fmt.Errorf("workflow: no choice rule matched and no Default declared")
	}
	return defaultNext, nil
}
