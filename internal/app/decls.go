// harborstackd - local emulator for managed cloud services
// SPDX-License-Identifier: AGPL-3.0-or-later

package app

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/harborstackd/harborstackd/internal/assembly"
	"github.com/harborstackd/harborstackd/internal/config"
	"github.com/harborstackd/harborstackd/internal/eventsource"
	"github.com/harborstackd/harborstackd/internal/functionruntime"
	"github.com/harborstackd/harborstackd/internal/graph"
	"github.com/harborstackd/harborstackd/internal/proxyevent"
	svcapigw "github.com/harborstackd/harborstackd/internal/services/apigateway"
	"github.com/harborstackd/harborstackd/internal/storage/kvstore"
	"github.com/harborstackd/harborstackd/internal/storage/queuestore"
	svcqueue "github.com/harborstackd/harborstackd/internal/services/queue"
	svcworkflow "github.com/harborstackd/harborstackd/internal/services/workflowsvc"
)

// nameProps lists, per kind, the property that names the resource.
var nameProps = map[graph.Kind]string{
	graph.KindFunction:     "FunctionName",
	graph.KindObjectBucket: "BucketName",
	graph.KindMessageQueue: "QueueName",
	graph.KindPubSubTopic:  "TopicName",
	graph.KindKVTable:      "TableName",
	graph.KindEventBus:     "Name",
	graph.KindEventRule:    "Name",
	graph.KindWorkflow:     "StateMachineName",
	graph.KindIdentityPool: "PoolName",
}

// concreteName derives the resource's local concrete name: the naming
// property when declared, "local-" followed by the lowercased logical ID
// otherwise.
func concreteName(node *graph.ResourceNode) string {
	if prop, ok := nameProps[node.Kind]; ok {
		if s, ok := node.Properties[prop].(string); ok && s != "" {
			return s
		}
	}
	return "local-" + strings.ToLower(node.LogicalID)
}

// arnFor synthesizes the concrete local ARN registered under
// "<LogicalID>.Arn".
func arnFor(kind graph.Kind, name string) string {
	service := "unknown"
	suffix := name
	switch kind {
	case graph.KindFunction:
		service, suffix = "function", "function:"+name
	case graph.KindObjectBucket:
		return "arn:local:s3:::" + name
	case graph.KindMessageQueue:
		service = "queue"
	case graph.KindPubSubTopic:
		service = "pubsub"
	case graph.KindEventBus:
		service, suffix = "eventbus", "event-bus/"+name
	case graph.KindEventRule:
		service, suffix = "eventbus", "rule/"+name
	case graph.KindKVTable:
		service, suffix = "kv", "table/"+name
	case graph.KindWorkflow:
		service, suffix = "workflow", "stateMachine:"+name
	case graph.KindIdentityPool:
		service, suffix = "identity", "identitypool/"+name
	}
	return fmt.Sprintf("arn:local:%s:local:000000000000:%s", service, suffix)
}

func stringProp(props map[string]interface{}, key string) string {
	s, _ := props[key].(string)
	return s
}

func intProp(props map[string]interface{}, key string) int {
	switch v := props[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case string:
		var n int
		_, _ = fmt.Sscanf(v, "%d", &n)
		return n
	}
	return 0
}

// boolPropIsFalse reports whether the property is explicitly false
// (boolean false or the strings "false"/"DISABLED").
func boolPropIsFalse(props map[string]interface{}, key string) bool {
	switch v := props[key].(type) {
	case bool:
		return !v
	case string:
		return v == "false" || v == "DISABLED"
	}
	return false
}

// stringListProp extracts, from a list-of-objects property, the named
// string field of every element; bare strings pass through.
func stringListProp(props map[string]interface{}, listKey, field string) []string {
	raw, ok := props[listKey].([]interface{})
	if !ok {
		return nil
	}
	var out []string
	for _, item := range raw {
		switch v := item.(type) {
		case string:
			out = append(out, v)
		case map[string]interface{}:
			if s, ok := v[field].(string); ok {
				out = append(out, s)
			}
		}
	}
	return out
}

// functionDecl maps a function node's resolved properties onto a runtime
// declaration, resolving asset-hash code references through the asset
// manifests.
func functionDecl(name string, props map[string]interface{}, asm *assembly.Assembly) (functionruntime.Function, error) {
	fn := functionruntime.Function{
		Name:     name,
		Runtime:  stringProp(props, "Runtime"),
		Handler:  stringProp(props, "Handler"),
		MemoryMB: intProp(props, "MemorySize"),
	}
	if secs := intProp(props, "Timeout"); secs > 0 {
		fn.Timeout = time.Duration(secs) * time.Second
	}
	if env, ok := props["Environment"].(map[string]interface{}); ok {
		vars := env
		// Both {"Variables": {...}} and a flat map are accepted.
		if nested, ok := env["Variables"].(map[string]interface{}); ok {
			vars = nested
		}
		fn.Environment = map[string]string{}
		for k, v := range vars {
			fn.Environment[k] = fmt.Sprintf("%v", v)
		}
	}

	if code, ok := props["Code"].(map[string]interface{}); ok {
		switch {
		case code["Path"] != nil:
			fn.CodePath = stringProp(code, "Path")
		case code["Asset"] != nil:
			hash := stringProp(code, "Asset")
			asset, ok := asm.Assets[hash]
			if !ok {
				return fn, fmt.Errorf("code asset %q not in any asset manifest", hash)
			}
			if asset.ImageDir != "" {
				fn.Image = stringProp(code, "Image")
				fn.CodePath = filepath.Join(asm.Dir, asset.ImageDir)
			} else {
				fn.CodePath = filepath.Join(asm.Dir, asset.Path)
			}
		case code["Image"] != nil:
			fn.Image = stringProp(code, "Image")
		}
	}
	if !filepath.IsAbs(fn.CodePath) && fn.CodePath != "" && asm.Dir != "" && !strings.HasPrefix(fn.CodePath, asm.Dir) {
		fn.CodePath = filepath.Join(asm.Dir, fn.CodePath)
	}
	if fn.CodePath == "" && fn.Image == "" {
		return fn, errors.New("function declares neither code path nor image")
	}
	return fn, nil
}

// queueDecl maps a queue node's resolved properties onto a store
// declaration, falling back to the configured defaults.
func queueDecl(name string, props map[string]interface{}, cfg *config.Config) svcqueue.Declaration {
	qc := queuestore.QueueConfig{
		VisibilityTimeout: cfg.Queue.DefaultVisibilityTimeout,
		MaxReceiveCount:   0,
	}
	if secs := intProp(props, "VisibilityTimeout"); secs > 0 {
		qc.VisibilityTimeout = time.Duration(secs) * time.Second
	}
	if strings.HasSuffix(name, ".fifo") || props["FifoQueue"] == true {
		qc.FIFO = true
	}
	if redrive, ok := props["RedrivePolicy"].(map[string]interface{}); ok {
		qc.MaxReceiveCount = intProp(redrive, "maxReceiveCount")
		if qc.MaxReceiveCount == 0 {
			qc.MaxReceiveCount = cfg.Queue.DefaultMaxReceiveCount
		}
		qc.DeadLetterQueue = stringProp(redrive, "deadLetterTargetArn")
		// The registered ARN's final path segment is the queue name.
		if i := strings.LastIndexByte(qc.DeadLetterQueue, ':'); i >= 0 {
			qc.DeadLetterQueue = qc.DeadLetterQueue[i+1:]
		}
	}
	return svcqueue.Declaration{Name: name, Config: qc}
}

// tableSpec maps a table node's resolved properties onto a store spec.
func tableSpec(name string, props map[string]interface{}) kvstore.TableSpec {
	spec := kvstore.TableSpec{Name: name}
	if schema, ok := props["KeySchema"].(map[string]interface{}); ok {
		spec.Schema.PartitionKey = stringProp(schema, "PartitionKey")
		spec.Schema.SortKey = stringProp(schema, "SortKey")
	}
	if raw, ok := props["Indexes"].([]interface{}); ok {
		for _, item := range raw {
			if m, ok := item.(map[string]interface{}); ok {
				spec.Indexes = append(spec.Indexes, kvstore.SecondaryIndex{
					Name:         stringProp(m, "Name"),
					PartitionKey: stringProp(m, "PartitionKey"),
					SortKey:      stringProp(m, "SortKey"),
				})
			}
		}
	}
	return spec
}

// workflowDecl maps a workflow node's resolved properties onto an engine
// declaration. The definition may be inline JSON (object or string).
func workflowDecl(name string, props map[string]interface{}) (svcworkflow.Declaration, error) {
	decl := svcworkflow.Declaration{Name: name}
	switch def := props["Definition"].(type) {
	case string:
		decl.Definition = []byte(def)
	case map[string]interface{}:
		encoded, err := json.Marshal(def)
		if err != nil {
			return decl, err
		}
		decl.Definition = encoded
	default:
		if s := stringProp(props, "DefinitionString"); s != "" {
			decl.Definition = []byte(s)
			break
		}
		return decl, errors.New("workflow declares no definition")
	}
	decl.Express = stringProp(props, "StateMachineType") == "EXPRESS"
	return decl, nil
}

// bucketNotifications extracts push-handler declarations from a bucket's
// "Notifications" property.
func bucketNotifications(props map[string]interface{}) []bucketNotification {
	raw, ok := props["Notifications"].([]interface{})
	if !ok {
		return nil
	}
	var out []bucketNotification
	for _, item := range raw {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		fn := stringProp(m, "Function")
		if fn == "" {
			continue
		}
		out = append(out, bucketNotification{
			function: fn,
			selector: eventsource.Selector{
				BucketPrefix: stringProp(m, "Prefix"),
				BucketSuffix: stringProp(m, "Suffix"),
				EventType:    stringProp(m, "Event"),
			},
		})
	}
	return out
}

// eventSourceMappings extracts pull-poller declarations from a
// function's "EventSourceMappings" property.
func eventSourceMappings(props map[string]interface{}, cfg *config.Config) []eventsource.PollerConfig {
	raw, ok := props["EventSourceMappings"].([]interface{})
	if !ok {
		return nil
	}
	fnName := stringProp(props, "FunctionName")
	var out []eventsource.PollerConfig
	for _, item := range raw {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		queue := stringProp(m, "Queue")
		if queue == "" {
			continue
		}
		// Queue references may resolve to ARNs; the final segment names
		// the queue.
		if i := strings.LastIndexByte(queue, ':'); i >= 0 {
			queue = queue[i+1:]
		}
		pc := eventsource.PollerConfig{
			Queue:        queue,
			Function:     fnName,
			BatchSize:    intProp(m, "BatchSize"),
			Enabled:      !boolPropIsFalse(m, "Enabled"),
			BaseInterval: cfg.Queue.PollInterval,
			MaxBackoff:   cfg.Queue.PollBackoffMax,
		}
		out = append(out, pc)
	}
	return out
}

// gatewayRoutes extracts the route table from a gateway's "Routes"
// property.
func gatewayRoutes(props map[string]interface{}, version int) []svcapigw.Route {
	raw, ok := props["Routes"].([]interface{})
	if !ok {
		return nil
	}
	var out []svcapigw.Route
	for _, item := range raw {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		route := svcapigw.Route{
			Method:         strings.ToUpper(stringProp(m, "Method")),
			Path:           stringProp(m, "Path"),
			Function:       stringProp(m, "Function"),
			PayloadVersion: version,
			Authorized:     m["Authorizer"] == true,
		}
		if route.Method == "" || route.Path == "" || route.Function == "" {
			continue
		}
		out = append(out, route)
	}
	return out
}

// proxyConfig extracts the binary-media-type set from a gateway's
// properties.
func proxyConfig(props map[string]interface{}) proxyevent.Config {
	var cfg proxyevent.Config
	if raw, ok := props["BinaryMediaTypes"].([]interface{}); ok {
		for _, item := range raw {
			if s, ok := item.(string); ok {
				cfg.BinaryMediaTypes = append(cfg.BinaryMediaTypes, s)
			}
		}
	}
	return cfg
}
