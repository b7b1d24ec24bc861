// Package intrinsics evaluates the property-tree markers used throughout a
// cloud assembly's templates: reference, get-attribute, join, sub, select
// and conditional nodes, against the graph's ResolvedReferenceMap and a
// condition map.
package intrinsics

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/harborstackd/harborstackd/internal/cache"
	"github.com/harborstackd/harborstackd/internal/graph"
	"github.com/harborstackd/harborstackd/internal/logging"
)

// Marker keys recognized inside a property tree map.
const (
	keyRef      = "ref"
	keyGetAttr  = "get-attribute"
	keyJoin     = "join"
	keySub      = "sub"
	keySelect   = "select"
	keyIf       = "if"
)

// arnTemplates gives a stand-in ARN-shaped value per resource kind when a
// reference target exists but hasn't registered a concrete value yet.
var arnTemplates = map[graph.Kind]string{
	graph.KindFunction:     "arn:local:function:local:000000000000:function:%s",
	graph.KindObjectBucket: "arn:local:s3:::%s",
	graph.KindMessageQueue: "arn:local:queue:local:000000000000:%s",
	graph.KindPubSubTopic:  "arn:local:pubsub:local:000000000000:%s",
	graph.KindEventBus:     "arn:local:eventbus:local:000000000000:event-bus/%s",
	graph.KindEventRule:    "arn:local:eventbus:local:000000000000:rule/%s",
	graph.KindKVTable:      "arn:local:kv:local:000000000000:table/%s",
	graph.KindWorkflow:     "arn:local:workflow:local:000000000000:stateMachine:%s",
	graph.KindIdentityPool: "arn:local:identity:local:000000000000:identitypool/%s",
}

// PseudoParameters resolves local stand-ins for the fixed pseudo-parameter
// table: account id, region, etc.
var PseudoParameters = map[string]string{
	"account-id": "000000000000",
	"region":     "local",
	"partition":  "local",
	"stack-name": "local-stack",
	"stack-id":   "arn:local:cloudformation:local:000000000000:stack/local-stack/local",
	"url-suffix": "localhost.localstack.cloud",
}

// Resolver evaluates property trees against a ResourceKind lookup (for
// unknown-reference ARN synthesis) and a ReferenceMap.
type Resolver struct {
	refs   *graph.ReferenceMap
	kindOf func(logicalID string) (graph.Kind, bool)
	cond   map[string]bool

	// synthesized memoizes stand-in ARNs so repeated unresolved
	// references don't re-derive (or re-warn about) the same value.
	// Consulted only after the reference map misses, so a concrete
	// value registered later still wins.
	synthesized cache.Cacher
}

// New builds a Resolver. kindOf should look up a node's declared kind
// (e.g. graph.ApplicationGraph.Node), used only for unknown-reference ARN
// synthesis.
func New(refs *graph.ReferenceMap, kindOf func(logicalID string) (graph.Kind, bool), conditions map[string]bool) *Resolver {
	if conditions == nil {
		conditions = map[string]bool{}
	}
	return &Resolver{
		refs:        refs,
		kindOf:      kindOf,
		cond:        conditions,
		synthesized: cache.NewLFU(1024, time.Hour),
	}
}

// Resolve evaluates every intrinsic marker in tree, bottom-up, against
// locals (for Sub's two-level lookup) and returns the fully-substituted
// tree.
func (r *Resolver) Resolve(tree interface{}, locals map[string]string) interface{} {
	switch v := tree.(type) {
	case map[string]interface{}:
		return r.resolveMap(v, locals)
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, item := range v {
			out[i] = r.Resolve(item, locals)
		}
		return out
	default:
		return v
	}
}

func (r *Resolver) resolveMap(m map[string]interface{}, locals map[string]string) interface{} {
	// A marker map has exactly one of the recognized keys.
	if len(m) == 1 {
		for key, raw := range m {
			switch strings.ToLower(key) {
			case keyRef:
				return r.resolveRef(raw)
			case keyGetAttr:
				return r.resolveGetAttr(raw)
			case keyJoin:
				return r.resolveJoin(raw, locals)
			case keySub:
				return r.resolveSub(raw, locals)
			case keySelect:
				return r.resolveSelect(raw, locals)
			case keyIf:
				return r.resolveIf(raw, locals)
			}
		}
	}
	// Not a marker: recurse into every value, bottom-up.
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = r.Resolve(v, locals)
	}
	return out
}

func (r *Resolver) resolveRef(raw interface{}) interface{} {
	logicalID, _ := raw.(string)
	return r.lookupOrSynthesize(logicalID, "")
}

func (r *Resolver) resolveGetAttr(raw interface{}) interface{} {
	parts, ok := raw.([]interface{})
	if !ok || len(parts) != 2 {
		logging.Warn().Interface("value", raw).Msg("intrinsics: malformed get-attribute")
		return nil
	}
	logicalID, _ := parts[0].(string)
	attribute, _ := parts[1].(string)
	return r.lookupOrSynthesize(logicalID, attribute)
}

func (r *Resolver) lookupOrSynthesize(logicalID, attribute string) string {
	key := logicalID
	if attribute != "" {
		key = graph.Attr(logicalID, attribute)
	}
	if v, ok := r.refs.Get(key); ok {
		return v
	}
	if v, ok := r.synthesized.Get(key); ok {
		return v.(string)
	}

	// Unknown reference: synthesize from the kind's ARN template if known.
	arn := ""
	kind, known := graph.Kind(""), false
	if r.kindOf != nil {
		kind, known = r.kindOf(logicalID)
	}
	if known {
		if tmpl, ok := arnTemplates[kind]; ok {
			arn = fmt.Sprintf(tmpl, logicalID)
		}
	}
	if arn == "" {
		logging.Warn().Str("logical_id", logicalID).Str("attribute", attribute).
			Msg("intrinsics: unknown reference with unknown kind, synthesizing placeholder arn")
		arn = "arn:local:unknown:local:000000000000:" + logicalID
	}
	r.synthesized.Set(key, arn)
	return arn
}

func (r *Resolver) resolveJoin(raw interface{}, locals map[string]string) interface{} {
	args, ok := raw.([]interface{})
	if !ok || len(args) != 2 {
		logging.Warn().Interface("value", raw).Msg("intrinsics: malformed join")
		return nil
	}
	delim, _ := args[0].(string)
	items, ok := args[1].([]interface{})
	if !ok {
		return nil
	}
	parts := make([]string, 0, len(items))
	for _, item := range items {
		resolved := r.Resolve(item, locals)
		parts = append(parts, fmt.Sprintf("%v", resolved))
	}
	return strings.Join(parts, delim)
}

func (r *Resolver) resolveSub(raw interface{}, locals map[string]string) interface{} {
	var template string
	var extraLocals map[string]string
	switch v := raw.(type) {
	case string:
		template = v
	case []interface{}:
		if len(v) == 0 {
			return ""
		}
		template, _ = v[0].(string)
		if len(v) > 1 {
			if m, ok := v[1].(map[string]interface{}); ok {
				extraLocals = make(map[string]string, len(m))
				for k, val := range m {
					extraLocals[k] = fmt.Sprintf("%v", r.Resolve(val, locals))
				}
			}
		}
	default:
		return nil
	}

	return substitutePlaceholders(template, func(name string) (string, bool) {
		if extraLocals != nil {
			if v, ok := extraLocals[name]; ok {
				return v, true
			}
		}
		if locals != nil {
			if v, ok := locals[name]; ok {
				return v, true
			}
		}
		if v, ok := PseudoParameters[name]; ok {
			return v, true
		}
		// Two-level lookup's second level: the reference map, treating
		// the placeholder as a bare logical id or "Id.Attr" composite.
		if v, ok := r.refs.Get(name); ok {
			return v, true
		}
		return "", false
	})
}

func substitutePlaceholders(template string, lookup func(name string) (string, bool)) string {
	var b strings.Builder
	i := 0
	for i < len(template) {
		if template[i] == '$' && i+1 < len(template) && template[i+1] == '{' {
			end := strings.IndexByte(template[i+2:], '}')
			if end >= 0 {
				name := template[i+2 : i+2+end]
				if v, ok := lookup(name); ok {
					b.WriteString(v)
				} else {
					logging.Warn().Str("placeholder", name).Msg("intrinsics: unresolved sub placeholder, preserving literally")
					b.WriteString(template[i : i+2+end+1])
				}
				i += 2 + end + 1
				continue
			}
		}
		b.WriteByte(template[i])
		i++
	}
	return b.String()
}

func (r *Resolver) resolveSelect(raw interface{}, locals map[string]string) interface{} {
	args, ok := raw.([]interface{})
	if !ok || len(args) != 2 {
		return nil
	}
	resolvedIndex := r.Resolve(args[0], locals)
	var idx int
	switch v := resolvedIndex.(type) {
	case float64:
		idx = int(v)
	case int:
		idx = v
	case string:
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil
		}
		idx = n
	}
	items, ok := args[1].([]interface{})
	if !ok {
		// Allow selecting out of a gjson-style JSON array literal.
		if s, ok := args[1].(string); ok && gjson.Valid(s) {
			result := gjson.Get(s, fmt.Sprintf("%d", idx))
			if result.Exists() {
				return result.Value()
			}
		}
		return nil
	}
	if idx < 0 || idx >= len(items) {
		return nil
	}
	return r.Resolve(items[idx], locals)
}

func (r *Resolver) resolveIf(raw interface{}, locals map[string]string) interface{} {
	args, ok := raw.([]interface{})
	if !ok || len(args) != 3 {
		return nil
	}
	condName, _ := args[0].(string)
	if r.cond[condName] {
		return r.Resolve(args[1], locals)
	}
	return r.Resolve(args[2], locals)
}
