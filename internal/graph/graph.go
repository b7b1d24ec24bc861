// Package graph implements the typed dependency graph of declared cloud
// resources: nodes, edges, topological scheduling and cycle detection.
package graph

import "fmt"

// Kind enumerates the resource kinds the orchestrator knows how to bind to
// a provider. Unrecognized kinds are preserved as opaque strings so the
// graph can still be built even when a provider for them isn't wired yet.
type Kind string

const (
	KindFunction         Kind = "function"
	KindAPIGatewayV1     Kind = "api-gateway-v1"
	KindAPIGatewayV2     Kind = "api-gateway-v2"
	KindKVTable          Kind = "kv-table"
	KindObjectBucket     Kind = "object-bucket"
	KindMessageQueue     Kind = "message-queue"
	KindPubSubTopic      Kind = "pubsub-topic"
	KindEventBus         Kind = "event-bus"
	KindEventRule        Kind = "event-rule"
	KindWorkflow         Kind = "workflow"
	KindIdentityPool     Kind = "identity-pool"
	KindECSService       Kind = "ecs-service"
)

// Relation typifies a ResourceEdge. The orchestrator only schedules
// providers using the subset of relations in OrderingRelations.
type Relation string

const (
	RelationTriggers       Relation = "triggers"
	RelationDataDependency Relation = "data-dependency"
	RelationReferences     Relation = "references"
	RelationSubscribes     Relation = "subscribes"
)

// OrderingRelations lists the edge relations that participate in the
// topological sort. "references" is an intrinsic-resolver
// hint, not a startup-ordering constraint, and is deliberately excluded.
var OrderingRelations = map[Relation]bool{
	RelationDataDependency: true,
	RelationSubscribes:     true,
	RelationTriggers:       true,
}

// ResourceNode is a single declared resource. Created during assembly
// parse; immutable thereafter.
type ResourceNode struct {
	LogicalID  string
	Kind       Kind
	Properties map[string]interface{}
}

// ResourceEdge is a directed "source depends on target" pair: target must
// start before source, and source must stop before target.
type ResourceEdge struct {
	Source   string
	Target   string
	Relation Relation
}

// ApplicationGraph is the immutable-after-build set of nodes and edges for
// one cloud assembly.
type ApplicationGraph struct {
	nodes map[string]*ResourceNode
	order []string // insertion order, for deterministic tie-breaking
	edges []ResourceEdge
	seen  map[string]bool // dedupes (source,target,relation) triples
}

// New returns an empty ApplicationGraph ready for AddNode/AddEdge calls.
func New() *ApplicationGraph {
	return &ApplicationGraph{
		nodes: make(map[string]*ResourceNode),
		seen:  make(map[string]bool),
	}
}

// AddNode registers a resource. Returns an error on duplicate logical ID.
func (g *ApplicationGraph) AddNode(n ResourceNode) error {
	if _, exists := g.nodes[n.LogicalID]; exists {
		return fmt.Errorf("graph: duplicate logical id %q", n.LogicalID)
	}
	node := n
	g.nodes[n.LogicalID] = &node
	g.order = append(g.order, n.LogicalID)
	return nil
}

// AddEdge registers a dependency. Both endpoints must already exist;
// duplicate (source, target, relation) triples are rejected.
func (g *ApplicationGraph) AddEdge(e ResourceEdge) error {
	if _, ok := g.nodes[e.Source]; !ok {
		return fmt.Errorf("graph: edge source %q does not exist", e.Source)
	}
	if _, ok := g.nodes[e.Target]; !ok {
		return fmt.Errorf("graph: edge target %q does not exist", e.Target)
	}
	key := string(e.Relation) + "\x00" + e.Source + "\x00" + e.Target
	if g.seen[key] {
		return fmt.Errorf("graph: duplicate edge %s -%s-> %s", e.Source, e.Relation, e.Target)
	}
	g.seen[key] = true
	g.edges = append(g.edges, e)
	return nil
}

// Node returns the node for a logical ID, if present.
func (g *ApplicationGraph) Node(logicalID string) (*ResourceNode, bool) {
	n, ok := g.nodes[logicalID]
	return n, ok
}

// Nodes returns every node in insertion order.
func (g *ApplicationGraph) Nodes() []*ResourceNode {
	out := make([]*ResourceNode, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.nodes[id])
	}
	return out
}

// DependenciesOf returns the logical IDs that logicalID depends on
// (edge targets) restricted to the ordering relations.
func (g *ApplicationGraph) DependenciesOf(logicalID string) []string {
	var out []string
	for _, e := range g.edges {
		if e.Source == logicalID && OrderingRelations[e.Relation] {
			out = append(out, e.Target)
		}
	}
	return out
}

// DependentsOf returns the logical IDs that depend on logicalID
// (edge sources) restricted to the ordering relations.
func (g *ApplicationGraph) DependentsOf(logicalID string) []string {
	var out []string
	for _, e := range g.edges {
		if e.Target == logicalID && OrderingRelations[e.Relation] {
			out = append(out, e.Source)
		}
	}
	return out
}

// Edges returns every edge in insertion order.
func (g *ApplicationGraph) Edges() []ResourceEdge {
	return append([]ResourceEdge(nil), g.edges...)
}
