// harborstackd - local emulator for managed cloud services
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package assembly reads a synthesized cloud assembly from disk — the
// root manifest, stack templates, and asset manifests — and turns the
// declared resources into an application graph.
package assembly

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/goccy/go-json"

	"github.com/harborstackd/harborstackd/internal/graph"
	"github.com/harborstackd/harborstackd/internal/logging"
)

// kindForType maps template resource types onto graph kinds. Unlisted
// types are preserved as opaque kinds so the graph still builds.
var kindForType = map[string]graph.Kind{
	"AWS::Lambda::Function":            graph.KindFunction,
	"AWS::S3::Bucket":                  graph.KindObjectBucket,
	"AWS::SQS::Queue":                  graph.KindMessageQueue,
	"AWS::SNS::Topic":                  graph.KindPubSubTopic,
	"AWS::DynamoDB::Table":             graph.KindKVTable,
	"AWS::Events::EventBus":            graph.KindEventBus,
	"AWS::Events::Rule":                graph.KindEventRule,
	"AWS::StepFunctions::StateMachine": graph.KindWorkflow,
	"AWS::ApiGateway::RestApi":         graph.KindAPIGatewayV1,
	"AWS::ApiGatewayV2::Api":           graph.KindAPIGatewayV2,
	"AWS::Cognito::UserPool":           graph.KindIdentityPool,
	"AWS::ECS::Service":                graph.KindECSService,
}

// Assembly is the parsed synthesizer output.
type Assembly struct {
	Dir    string
	Graph  *graph.ApplicationGraph
	Assets map[string]Asset // keyed by source hash
}

// Asset is one file or image asset from an asset manifest.
type Asset struct {
	Hash      string
	Path      string // file assets: source path relative to the assembly
	Packaging string
	ImageDir  string // docker image assets: build directory
}

type manifest struct {
	Artifacts map[string]struct {
		Type       string `json:"type"`
		Properties struct {
			TemplateFile string `json:"templateFile"`
			File         string `json:"file"`
		} `json:"properties"`
	} `json:"artifacts"`
}

type template struct {
	Resources map[string]struct {
		Type       string                 `json:"Type"`
		Properties map[string]interface{} `json:"Properties"`
		Metadata   map[string]interface{} `json:"Metadata"`
		DependsOn  json.RawMessage        `json:"DependsOn"`
	} `json:"Resources"`
}

type assetManifest struct {
	Files map[string]struct {
		Source struct {
			Path      string `json:"path"`
			Packaging string `json:"packaging"`
		} `json:"source"`
	} `json:"files"`
	DockerImages map[string]struct {
		Source struct {
			Directory string `json:"directory"`
		} `json:"source"`
	} `json:"dockerImages"`
}

// Load reads the assembly rooted at dir: the manifest picks out
// templates and asset manifests, templates contribute nodes and edges,
// asset manifests contribute the code-path lookup.
func Load(dir string) (*Assembly, error) {
	raw, err := os.ReadFile(filepath.Join(dir, "manifest.json"))
	if err != nil {
		return nil, fmt.Errorf("assembly: read manifest: %w", err)
	}
	var m manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("assembly: parse manifest: %w", err)
	}

	a := &Assembly{Dir: dir, Graph: graph.New(), Assets: map[string]Asset{}}

	// Deterministic artifact order keeps node insertion (and therefore
	// topological tie-breaking) stable across runs.
	ids := make([]string, 0, len(m.Artifacts))
	for id := range m.Artifacts {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var templates []string
	for _, id := range ids {
		art := m.Artifacts[id]
		switch {
		case art.Properties.TemplateFile != "":
			templates = append(templates, art.Properties.TemplateFile)
		case art.Properties.File != "" && strings.HasSuffix(art.Properties.File, ".assets.json"):
			if err := a.loadAssets(filepath.Join(dir, art.Properties.File)); err != nil {
				return nil, err
			}
		}
	}
	// Asset manifests may also sit beside the templates without a
	// manifest entry.
	globbed, _ := filepath.Glob(filepath.Join(dir, "*.assets.json"))
	for _, path := range globbed {
		if err := a.loadAssets(path); err != nil {
			return nil, err
		}
	}

	for _, tf := range templates {
		if err := a.loadTemplate(filepath.Join(dir, tf)); err != nil {
			return nil, err
		}
	}
	return a, nil
}

func (a *Assembly) loadAssets(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("assembly: read assets %s: %w", path, err)
	}
	var am assetManifest
	if err := json.Unmarshal(raw, &am); err != nil {
		return fmt.Errorf("assembly: parse assets %s: %w", path, err)
	}
	for hash, f := range am.Files {
		if _, seen := a.Assets[hash]; seen {
			continue
		}
		a.Assets[hash] = Asset{Hash: hash, Path: f.Source.Path, Packaging: f.Source.Packaging}
	}
	for hash, img := range am.DockerImages {
		if _, seen := a.Assets[hash]; seen {
			continue
		}
		a.Assets[hash] = Asset{Hash: hash, ImageDir: img.Source.Directory}
	}
	return nil
}

func (a *Assembly) loadTemplate(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("assembly: read template %s: %w", path, err)
	}
	var t template
	if err := json.Unmarshal(raw, &t); err != nil {
		return fmt.Errorf("assembly: parse template %s: %w", path, err)
	}

	// First pass: nodes, in sorted order for determinism.
	ids := make([]string, 0, len(t.Resources))
	for id := range t.Resources {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		res := t.Resources[id]
		kind, ok := kindForType[res.Type]
		if !ok {
			kind = graph.Kind(res.Type)
			logging.Debug().Str("logical_id", id).Str("type", res.Type).
				Msg("assembly: unrecognized resource type, kept opaque")
		}
		props := normalizeIntrinsics(res.Properties)
		m, _ := props.(map[string]interface{})
		if err := a.Graph.AddNode(graph.ResourceNode{LogicalID: id, Kind: kind, Properties: m}); err != nil {
			return err
		}
	}

	// Second pass: edges, now that every endpoint exists.
	for _, id := range ids {
		res := t.Resources[id]
		for _, dep := range parseDependsOn(res.DependsOn) {
			if _, ok := a.Graph.Node(dep); !ok {
				return fmt.Errorf("assembly: %s depends on undeclared resource %q", id, dep)
			}
			if err := a.Graph.AddEdge(graph.ResourceEdge{Source: id, Target: dep, Relation: graph.RelationDataDependency}); err != nil {
				return err
			}
		}
		node, _ := a.Graph.Node(id)
		for _, ref := range collectReferences(node.Properties) {
			if ref == id {
				continue
			}
			if _, ok := a.Graph.Node(ref); !ok {
				continue // references to pseudo-parameters and externals
			}
			edge := graph.ResourceEdge{Source: id, Target: ref, Relation: graph.RelationReferences}
			if err := a.Graph.AddEdge(edge); err != nil {
				continue // duplicate reference, keep the first
			}
		}
	}
	return nil
}

func parseDependsOn(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var one string
	if err := json.Unmarshal(raw, &one); err == nil {
		return []string{one}
	}
	var many []string
	if err := json.Unmarshal(raw, &many); err == nil {
		return many
	}
	return nil
}

// cfnMarkers maps template intrinsic keys to the resolver's marker keys.
var cfnMarkers = map[string]string{
	"Ref":        "ref",
	"Fn::GetAtt": "get-attribute",
	"Fn::Join":   "join",
	"Fn::Sub":    "sub",
	"Fn::Select": "select",
	"Fn::If":     "if",
}

// normalizeIntrinsics rewrites template-dialect markers into the
// resolver's lowercase marker keys, bottom-up.
func normalizeIntrinsics(v interface{}) interface{} {
	switch node := v.(type) {
	case map[string]interface{}:
		if len(node) == 1 {
			for key, value := range node {
				if marker, ok := cfnMarkers[key]; ok {
					if marker == "get-attribute" {
						// "Fn::GetAtt": "Logical.Attr" and the two-element
						// list form both normalize to the list form.
						if s, ok := value.(string); ok {
							parts := strings.SplitN(s, ".", 2)
							if len(parts) == 2 {
								return map[string]interface{}{marker: []interface{}{parts[0], parts[1]}}
							}
						}
					}
					return map[string]interface{}{marker: normalizeIntrinsics(value)}
				}
			}
		}
		out := make(map[string]interface{}, len(node))
		for key, value := range node {
			out[key] = normalizeIntrinsics(value)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(node))
		for i, item := range node {
			out[i] = normalizeIntrinsics(item)
		}
		return out
	default:
		return v
	}
}

// collectReferences finds every logical ID referenced from a property
// tree via ref / get-attribute markers.
func collectReferences(v interface{}) []string {
	var out []string
	var walk func(interface{})
	walk = func(node interface{}) {
		switch n := node.(type) {
		case map[string]interface{}:
			if len(n) == 1 {
				if ref, ok := n["ref"].(string); ok {
					out = append(out, ref)
					return
				}
				if attr, ok := n["get-attribute"].([]interface{}); ok && len(attr) == 2 {
					if id, ok := attr[0].(string); ok {
						out = append(out, id)
					}
					return
				}
			}
			for _, value := range n {
				walk(value)
			}
		case []interface{}:
			for _, item := range n {
				walk(item)
			}
		}
	}
	walk(v)
	return out
}
