// harborstackd - local emulator for managed cloud services
// SPDX-License-Identifier: AGPL-3.0-or-later

package assembly

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/harborstackd/harborstackd/internal/graph"
)

func writeAssembly(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

const sampleManifest = `{
	"artifacts": {
		"stack": {"type": "aws:cloudformation:stack", "properties": {"templateFile": "stack.template.json"}},
		"assets": {"type": "cdk:asset-manifest", "properties": {"file": "stack.assets.json"}}
	}
}`

const sampleTemplate = `{
	"Resources": {
		"OrdersQueue": {"Type": "AWS::SQS::Queue", "Properties": {"QueueName": "orders"}},
		"ProcessFn": {
			"Type": "AWS::Lambda::Function",
			"Properties": {
				"FunctionName": "process",
				"Runtime": "python3.12",
				"Handler": "index.handler",
				"Environment": {"QUEUE_URL": {"Ref": "OrdersQueue"}},
				"QueueArn": {"Fn::GetAtt": "OrdersQueue.Arn"}
			},
			"DependsOn": "OrdersQueue"
		},
		"DataBucket": {"Type": "AWS::S3::Bucket", "Properties": {"BucketName": "data"}}
	}
}`

const sampleAssets = `{
	"files": {
		"abc123": {"source": {"path": "asset.abc123", "packaging": "zip"}}
	},
	"dockerImages": {
		"img456": {"source": {"directory": "asset.img456"}}
	}
}`

func TestLoadBuildsGraph(t *testing.T) {
	dir := writeAssembly(t, map[string]string{
		"manifest.json":       sampleManifest,
		"stack.template.json": sampleTemplate,
		"stack.assets.json":   sampleAssets,
	})

	a, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	node, ok := a.Graph.Node("ProcessFn")
	if !ok {
		t.Fatal("ProcessFn not in graph")
	}
	if node.Kind != graph.KindFunction {
		t.Errorf("kind = %s", node.Kind)
	}
	if q, ok := a.Graph.Node("OrdersQueue"); !ok || q.Kind != graph.KindMessageQueue {
		t.Errorf("OrdersQueue kind lookup failed")
	}

	deps := a.Graph.DependenciesOf("ProcessFn")
	if len(deps) != 1 || deps[0] != "OrdersQueue" {
		t.Errorf("DependsOn edge missing: %v", deps)
	}

	// Fn::GetAtt / Ref markers normalize to resolver marker keys.
	env, _ := node.Properties["Environment"].(map[string]interface{})
	refMarker, _ := env["QUEUE_URL"].(map[string]interface{})
	if refMarker["ref"] != "OrdersQueue" {
		t.Errorf("Ref not normalized: %v", env["QUEUE_URL"])
	}
	attrMarker, _ := node.Properties["QueueArn"].(map[string]interface{})
	attrList, _ := attrMarker["get-attribute"].([]interface{})
	if len(attrList) != 2 || attrList[0] != "OrdersQueue" || attrList[1] != "Arn" {
		t.Errorf("GetAtt not normalized: %v", node.Properties["QueueArn"])
	}

	// Reference edges come from the normalized markers.
	found := false
	for _, e := range a.Graph.Edges() {
		if e.Source == "ProcessFn" && e.Target == "OrdersQueue" && e.Relation == graph.RelationReferences {
			found = true
		}
	}
	if !found {
		t.Error("reference edge missing")
	}

	if a.Assets["abc123"].Path != "asset.abc123" {
		t.Errorf("file asset = %+v", a.Assets["abc123"])
	}
	if a.Assets["img456"].ImageDir != "asset.img456" {
		t.Errorf("image asset = %+v", a.Assets["img456"])
	}

	// The topological order must start the queue before its consumer.
	order, err := a.Graph.TopologicalSort()
	if err != nil {
		t.Fatal(err)
	}
	qi, fi := -1, -1
	for i, id := range order {
		switch id {
		case "OrdersQueue":
			qi = i
		case "ProcessFn":
			fi = i
		}
	}
	if qi < 0 || fi < 0 || qi > fi {
		t.Errorf("order = %v", order)
	}
}

func TestLoadRejectsUndeclaredDependency(t *testing.T) {
	dir := writeAssembly(t, map[string]string{
		"manifest.json": sampleManifest,
		"stack.template.json": `{
			"Resources": {
				"Fn": {"Type": "AWS::Lambda::Function", "Properties": {}, "DependsOn": "Ghost"}
			}
		}`,
	})
	if _, err := Load(dir); err == nil {
		t.Error("undeclared DependsOn accepted")
	}
}

func TestLoadMissingManifest(t *testing.T) {
	if _, err := Load(t.TempDir()); err == nil {
		t.Error("missing manifest accepted")
	}
}

func TestUnrecognizedTypeKeptOpaque(t *testing.T) {
	dir := writeAssembly(t, map[string]string{
		"manifest.json": sampleManifest,
		"stack.template.json": `{
			"Resources": {
				"Thing": {"Type": "Custom::Widget", "Properties": {}}
			}
		}`,
	})
	a, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	node, ok := a.Graph.Node("Thing")
	if !ok || node.Kind != graph.Kind("Custom::Widget") {
		t.Errorf("opaque kind lost: %+v", node)
	}
}
