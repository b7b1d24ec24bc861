// harborstackd - local emulator for managed cloud services
// SPDX-License-Identifier: AGPL-3.0-or-later

package workflow

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
)

func startExpress(t *testing.T, definition, input string) *Execution {
	t.Helper()
	e := NewEngine(nil)
	if err := e.Register("wf", []byte(definition)); err != nil {
		t.Fatalf("Register: %v", err)
	}
	exec, err := e.Start(context.Background(), "wf", json.RawMessage(input), ModeExpress)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	return exec
}

const choiceDefinition = `{
	"StartAt": "C",
	"States": {
		"C": {"Type": "Choice",
			"Choices": [{"Variable": "$.n", "NumericGreaterThan": 10, "Next": "Big"}],
			"Default": "Small"},
		"Big": {"Type": "Pass", "Result": "big", "End": true},
		"Small": {"Type": "Pass", "Result": "small", "End": true}
	}
}`

func TestChoiceRouting(t *testing.T) {
	cases := []struct {
		input string
		want  string
	}{
		{`{"n":20}`, `"big"`},
		{`{"n":5}`, `"small"`},
		{`{}`, `"small"`}, // missing variable: rule false, default taken
	}
	for _, c := range cases {
		exec := startExpress(t, choiceDefinition, c.input)
		if exec.Status != StatusSucceeded {
			t.Fatalf("input %s: status %s (%s: %s)", c.input, exec.Status, exec.ErrorKind, exec.Cause)
		}
		if string(exec.Output) != c.want {
			t.Errorf("input %s: output %s, want %s", c.input, exec.Output, c.want)
		}
	}
}

func TestPassResultPathInjection(t *testing.T) {
	def := `{
		"StartAt": "P",
		"States": {
			"P": {"Type": "Pass", "Result": {"ok": true}, "ResultPath": "$.check", "End": true}
		}
	}`
	exec := startExpress(t, def, `{"n":1}`)
	if exec.Status != StatusSucceeded {
		t.Fatalf("status %s: %s", exec.Status, exec.Cause)
	}
	var out map[string]interface{}
	if err := json.Unmarshal(exec.Output, &out); err != nil {
		t.Fatal(err)
	}
	if out["n"] != float64(1) {
		t.Errorf("original input lost: %v", out)
	}
	check, ok := out["check"].(map[string]interface{})
	if !ok || check["ok"] != true {
		t.Errorf("result not injected at $.check: %v", out)
	}
}

func TestResultPathNullPreservesInput(t *testing.T) {
	def := `{
		"StartAt": "P",
		"States": {
			"P": {"Type": "Pass", "Result": "discarded", "ResultPath": null, "End": true}
		}
	}`
	exec := startExpress(t, def, `{"keep":"me"}`)
	if exec.Status != StatusSucceeded {
		t.Fatalf("status %s", exec.Status)
	}
	if string(exec.Output) != `{"keep":"me"}` {
		t.Errorf("output = %s, want original input", exec.Output)
	}
}

func TestPathProjectionPipeline(t *testing.T) {
	def := `{
		"StartAt": "P",
		"States": {
			"P": {"Type": "Pass", "InputPath": "$.inner", "Parameters": {"doubled.$": "$.value"}, "OutputPath": "$.doubled", "End": true}
		}
	}`
	exec := startExpress(t, def, `{"inner":{"value":21},"noise":true}`)
	if exec.Status != StatusSucceeded {
		t.Fatalf("status %s: %s %s", exec.Status, exec.ErrorKind, exec.Cause)
	}
	if string(exec.Output) != `21` {
		t.Errorf("output = %s, want 21", exec.Output)
	}
}

func TestMissingInputPathFailsState(t *testing.T) {
	def := `{
		"StartAt": "P",
		"States": {"P": {"Type": "Pass", "InputPath": "$.absent", "End": true}}
	}`
	exec := startExpress(t, def, `{"n":1}`)
	if exec.Status != StatusFailed {
		t.Fatalf("status %s, want failed", exec.Status)
	}
	if len(exec.History) != 1 || exec.History[0].ErrorKind == "" {
		t.Errorf("history = %+v", exec.History)
	}
}

func TestFailState(t *testing.T) {
	def := `{
		"StartAt": "F",
		"States": {"F": {"Type": "Fail", "Error": "Custom.Kind", "Cause": "went wrong"}}
	}`
	exec := startExpress(t, def, `{}`)
	if exec.Status != StatusFailed {
		t.Fatalf("status %s", exec.Status)
	}
	if exec.ErrorKind != "Custom.Kind" || exec.Cause != "went wrong" {
		t.Errorf("error = %s / %s", exec.ErrorKind, exec.Cause)
	}
}

func TestSucceedState(t *testing.T) {
	def := `{
		"StartAt": "S",
		"States": {"S": {"Type": "Succeed", "InputPath": "$.result"}}
	}`
	exec := startExpress(t, def, `{"result":"done"}`)
	if exec.Status != StatusSucceeded {
		t.Fatalf("status %s", exec.Status)
	}
	if string(exec.Output) != `"done"` {
		t.Errorf("output = %s", exec.Output)
	}
}

func TestHistoryRecordsTransitions(t *testing.T) {
	def := `{
		"StartAt": "A",
		"States": {
			"A": {"Type": "Pass", "Next": "B"},
			"B": {"Type": "Pass", "Result": "end", "End": true}
		}
	}`
	exec := startExpress(t, def, `{"x":1}`)
	if len(exec.History) != 2 {
		t.Fatalf("history has %d events, want 2", len(exec.History))
	}
	if exec.History[0].StateName != "A" || exec.History[1].StateName != "B" {
		t.Errorf("history order: %s, %s", exec.History[0].StateName, exec.History[1].StateName)
	}
	if string(exec.History[0].Output) != `{"x":1}` {
		t.Errorf("pass-through output = %s", exec.History[0].Output)
	}
	for _, ev := range exec.History {
		if ev.ExitedAt.Before(ev.EnteredAt) {
			t.Errorf("event %s exited before entering", ev.StateName)
		}
	}
}

type fakeInvoker struct {
	got      []byte
	response []byte
	err      error
}

func (f *fakeInvoker) InvokeTask(_ context.Context, _ string, input []byte) ([]byte, error) {
	f.got = input
	return f.response, f.err
}

func TestTaskStateWithResultSelector(t *testing.T) {
	inv := &fakeInvoker{response: []byte(`{"statusCode":200,"payload":{"total":42}}`)}
	e := NewEngine(inv)
	def := `{
		"StartAt": "T",
		"States": {
			"T": {"Type": "Task", "Resource": "fn",
				"ResultSelector": {"total.$": "$.payload.total"},
				"ResultPath": "$.taskResult", "End": true}
		}
	}`
	if err := e.Register("wf", []byte(def)); err != nil {
		t.Fatal(err)
	}
	exec, err := e.Start(context.Background(), "wf", json.RawMessage(`{"order":"o1"}`), ModeExpress)
	if err != nil {
		t.Fatal(err)
	}
	if exec.Status != StatusSucceeded {
		t.Fatalf("status %s: %s %s", exec.Status, exec.ErrorKind, exec.Cause)
	}
	var out map[string]interface{}
	if err := json.Unmarshal(exec.Output, &out); err != nil {
		t.Fatal(err)
	}
	tr, _ := out["taskResult"].(map[string]interface{})
	if tr["total"] != float64(42) {
		t.Errorf("taskResult = %v", out["taskResult"])
	}
	if string(inv.got) != `{"order":"o1"}` {
		t.Errorf("task saw input %s", inv.got)
	}
}

func TestStandardModeAndStop(t *testing.T) {
	e := NewEngine(nil)
	def := `{
		"StartAt": "W",
		"States": {
			"W": {"Type": "Wait", "Seconds": 60, "Next": "Done"},
			"Done": {"Type": "Succeed"}
		}
	}`
	if err := e.Register("wf", []byte(def)); err != nil {
		t.Fatal(err)
	}
	exec, err := e.Start(context.Background(), "wf", json.RawMessage(`{}`), ModeStandard)
	if err != nil {
		t.Fatal(err)
	}
	if exec.Status != StatusRunning {
		t.Fatalf("standard start status = %s", exec.Status)
	}

	if err := e.Stop(exec.ID, "operator request"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	got, err := e.Describe(exec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusAborted {
		t.Errorf("status after stop = %s", got.Status)
	}
	found := false
	for _, ev := range got.History {
		if ev.StateName == "ExecutionAborted" {
			found = true
		}
	}
	if !found {
		t.Errorf("no ExecutionAborted event in history: %+v", got.History)
	}
}

func TestExpressWaitCompletes(t *testing.T) {
	def := `{
		"StartAt": "W",
		"States": {
			"W": {"Type": "Wait", "Seconds": 0.01, "Next": "Done"},
			"Done": {"Type": "Pass", "Result": "after-wait", "End": true}
		}
	}`
	start := time.Now()
	exec := startExpress(t, def, `{}`)
	if exec.Status != StatusSucceeded {
		t.Fatalf("status %s", exec.Status)
	}
	if time.Since(start) < 10*time.Millisecond {
		t.Error("wait did not delay")
	}
	if string(exec.Output) != `"after-wait"` {
		t.Errorf("output = %s", exec.Output)
	}
}

func TestChoiceOperators(t *testing.T) {
	cases := []struct {
		rule  string
		doc   string
		want  bool
	}{
		{`{"Variable":"$.s","StringEquals":"x","Next":"n"}`, `{"s":"x"}`, true},
		{`{"Variable":"$.s","StringEquals":"x","Next":"n"}`, `{"s":"y"}`, false},
		{`{"Variable":"$.n","NumericLessThanEquals":3,"Next":"n"}`, `{"n":3}`, true},
		{`{"Variable":"$.b","BooleanEquals":true,"Next":"n"}`, `{"b":true}`, true},
		{`{"Variable":"$.t","TimestampGreaterThan":"2024-01-01T00:00:00Z","Next":"n"}`, `{"t":"2025-06-01T00:00:00Z"}`, true},
		{`{"Variable":"$.v","IsString":true,"Next":"n"}`, `{"v":"str"}`, true},
		{`{"Variable":"$.v","IsNumeric":true,"Next":"n"}`, `{"v":"str"}`, false},
		{`{"Variable":"$.v","IsNull":true,"Next":"n"}`, `{"v":null}`, true},
		{`{"Variable":"$.v","IsPresent":true,"Next":"n"}`, `{}`, false},
		{`{"Variable":"$.v","IsPresent":false,"Next":"n"}`, `{}`, true},
		{`{"And":[{"Variable":"$.a","NumericGreaterThan":1},{"Variable":"$.a","NumericLessThan":10}],"Next":"n"}`, `{"a":5}`, true},
		{`{"Or":[{"Variable":"$.a","NumericGreaterThan":10},{"Variable":"$.b","IsPresent":true}],"Next":"n"}`, `{"a":1,"b":0}`, true},
		{`{"Not":{"Variable":"$.a","NumericEquals":1},"Next":"n"}`, `{"a":1}`, false},
		// Missing variable is always false for comparisons.
		{`{"Variable":"$.missing","NumericEquals":1,"Next":"n"}`, `{}`, false},
	}
	for _, c := range cases {
		var rule ChoiceRule
		if err := json.Unmarshal([]byte(c.rule), &rule); err != nil {
			t.Fatalf("parse rule %s: %v", c.rule, err)
		}
		got, err := rule.Evaluate([]byte(c.doc))
		if err != nil {
			t.Fatalf("Evaluate(%s, %s): %v", c.rule, c.doc, err)
		}
		if got != c.want {
			t.Errorf("Evaluate(%s, %s) = %v, want %v", c.rule, c.doc, got, c.want)
		}
	}
}

func TestValidateRejectsBrokenDefinitions(t *testing.T) {
	cases := []string{
		`{"States":{"A":{"Type":"Pass","End":true}}}`,                            // no StartAt
		`{"StartAt":"Z","States":{"A":{"Type":"Pass","End":true}}}`,              // StartAt unknown
		`{"StartAt":"A","States":{"A":{"Type":"Pass"}}}`,                         // no Next/End
		`{"StartAt":"A","States":{"A":{"Type":"Pass","Next":"Z"}}}`,              // Next unknown
		`{"StartAt":"A","States":{"A":{"Type":"Mystery","End":true}}}`,           // bad type
		`{"StartAt":"A","States":{"A":{"Type":"Choice","Default":"A"}}}`,         // choice, no rules
	}
	for _, raw := range cases {
		if _, err := Parse([]byte(raw)); err == nil {
			t.Errorf("Parse accepted %s", raw)
		}
	}
}

func TestResultPathExtendsLists(t *testing.T) {
	def := `{
		"StartAt": "P",
		"States": {"P": {"Type": "Pass", "Result": "tail", "ResultPath": "$.items[3]", "End": true}}
	}`
	exec := startExpress(t, def, `{"items":["a"]}`)
	if exec.Status != StatusSucceeded {
		t.Fatalf("status %s: %s", exec.Status, exec.Cause)
	}
	var out struct {
		Items []interface{} `json:"items"`
	}
	if err := json.Unmarshal(exec.Output, &out); err != nil {
		t.Fatal(err)
	}
	if len(out.Items) != 4 || out.Items[3] != "tail" {
		t.Errorf("items = %v, want list extended to index 3", out.Items)
	}
}

func TestParametersContextObject(t *testing.T) {
	def := `{
		"StartAt": "P",
		"States": {
			"P": {"Type": "Pass", "Parameters": {"execId.$": "$$.Execution.Id", "n.$": "$.n"}, "End": true}
		}
	}`
	exec := startExpress(t, def, `{"n":7}`)
	if exec.Status != StatusSucceeded {
		t.Fatalf("status %s: %s", exec.Status, exec.Cause)
	}
	var out map[string]interface{}
	if err := json.Unmarshal(exec.Output, &out); err != nil {
		t.Fatal(err)
	}
	if out["n"] != float64(7) {
		t.Errorf("n = %v", out["n"])
	}
	id, _ := out["execId"].(string)
	if !strings.Contains(exec.ID, id) || id == "" {
		t.Errorf("execId = %q, execution = %q", id, exec.ID)
	}
}
