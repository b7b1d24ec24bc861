// harborstackd - local emulator for managed cloud services
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package workflow interprets state-machine definitions: Pass, Succeed,
// Fail, Choice, Wait and Task states, JSON-path input/output projection,
// and per-execution transition history.
package workflow

import (
	"errors"
	"fmt"

	"github.com/goccy/go-json"
)

// StateType enumerates the supported state kinds.
type StateType string

const (
	StatePass    StateType = "Pass"
	StateSucceed StateType = "Succeed"
	StateFail    StateType = "Fail"
	StateChoice  StateType = "Choice"
	StateWait    StateType = "Wait"
	StateTask    StateType = "Task"
)

// Definition is a parsed state-machine document.
type Definition struct {
	Comment string           `json:"Comment,omitempty"`
	StartAt string           `json:"StartAt"`
	States  map[string]State `json:"States"`
}

// State is one node of the machine. Fields are pointers or RawMessage
// where present-vs-absent changes semantics (ResultPath in particular:
// absent replaces, JSON null preserves the input).
type State struct {
	Type StateType `json:"Type"`

	Next string `json:"Next,omitempty"`
	End  bool   `json:"End,omitempty"`

	InputPath      *string         `json:"InputPath,omitempty"`
	OutputPath     *string         `json:"OutputPath,omitempty"`
	ResultPath     json.RawMessage `json:"ResultPath,omitempty"`
	Parameters     json.RawMessage `json:"Parameters,omitempty"`
	ResultSelector json.RawMessage `json:"ResultSelector,omitempty"`

	// Pass
	Result json.RawMessage `json:"Result,omitempty"`

	// Fail
	Error string `json:"Error,omitempty"`
	Cause string `json:"Cause,omitempty"`

	// Choice
	Choices []ChoiceRule `json:"Choices,omitempty"`
	Default string       `json:"Default,omitempty"`

	// Wait
	Seconds       *float64 `json:"Seconds,omitempty"`
	SecondsPath   *string  `json:"SecondsPath,omitempty"`
	Timestamp     string   `json:"Timestamp,omitempty"`
	TimestampPath *string  `json:"TimestampPath,omitempty"`

	// Task
	Resource       string   `json:"Resource,omitempty"`
	TimeoutSeconds *float64 `json:"TimeoutSeconds,omitempty"`
}

// Parse decodes and validates a definition document.
func Parse(raw []byte) (*Definition, error) {
	var def Definition
	if err := json.Unmarshal(raw, &def); err != nil {
		return nil, fmt.Errorf("workflow: parse definition: %w", err)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// Validate checks structural invariants: StartAt exists, every Next and
// Choice target names a declared state, every non-terminal state has a
// continuation.
func (d *Definition) Validate() error {
	if d.StartAt == "" {
		return errors.New("workflow: definition has no StartAt")
	}
	if _, ok := d.States[d.StartAt]; !ok {
		return fmt.Errorf("workflow: StartAt %q is not a declared state", d.StartAt)
	}
	for name, s := range d.States {
		switch s.Type {
		case StatePass, StateWait, StateTask:
			if s.Next == "" && !s.End {
				return fmt.Errorf("workflow: state %q has neither Next nor End", name)
			}
		case StateChoice:
			if len(s.Choices) == 0 {
				return fmt.Errorf("workflow: choice state %q has no rules", name)
			}
			for i, rule := range s.Choices {
				if rule.Next == "" {
					return fmt.Errorf("workflow: choice state %q rule %d has no Next", name, i)
				}
				if _, ok := d.States[rule.Next]; !ok {
					return fmt.Errorf("workflow: choice state %q rule %d targets unknown state %q", name, i, rule.Next)
				}
			}
			if s.Default != "" {
				if _, ok := d.States[s.Default]; !ok {
					return fmt.Errorf("workflow: choice state %q Default targets unknown state %q", name, s.Default)
				}
			}
		case StateSucceed, StateFail:
			// Terminal, nothing to check.
		default:
			return fmt.Errorf("workflow: state %q has unsupported type %q", name, s.Type)
		}
		if s.Next != "" {
			if _, ok := d.States[s.Next]; !ok {
				return fmt.Errorf("workflow: state %q Next targets unknown state %q", name, s.Next)
			}
		}
	}
	return nil
}
