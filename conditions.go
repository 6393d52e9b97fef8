package fedplan

import (
	"fmt"
)

// ConditionResolution is the outcome of resolving the condition of an edge.
type ConditionResolution struct {
	Satisfied bool
	Cost      float64
	// PathTree collects the condition selection, rooted at the edge head.
	PathTree *PathTree
	Reason   UnsatisfiedReason
}

// ConditionResolver resolves edge conditions by planning a sub-traversal
// of the condition selection. Resolutions are cached for the duration of
// one planning run and the resolver is not safe for concurrent use.
type ConditionResolver struct {
	graph  *QueryGraph
	policy CostPolicy
	cache  map[string]ConditionResolution

	hits   int
	misses int
}

func newConditionResolver(g *QueryGraph, policy CostPolicy) *ConditionResolver {
	return &ConditionResolver{
		graph:  g,
		policy: policy,
		cache:  map[string]ConditionResolution{},
	}
}

func conditionID(e *Edge) string {
	return fmt.Sprintf("%d:%s", e.Head, e.conditionsKey)
}

// Resolve returns whether the conditions of an edge can be satisfied from
// its head, and at which cost. It must only be called for edges with
// conditions.
func (r *ConditionResolver) Resolve(e *Edge, ctx PathContext, excluded excludedDestinations, excludedConds excludedConditions) ConditionResolution {
	if !e.hasConditions() {
		panic(invariantf("resolving conditions of unconditioned edge %s", e.Label()))
	}

	key := fmt.Sprintf("%d|%s|%s|%s", e.Index, ctx.key(), excluded.key(), excludedConds.key())
	if res, ok := r.cache[key]; ok {
		r.hits++
		return res
	}
	r.misses++
	res := r.resolve(e, ctx, excluded, excludedConds)
	r.cache[key] = res
	return res
}

func (r *ConditionResolver) resolve(e *Edge, ctx PathContext, excluded excludedDestinations, excludedConds excludedConditions) ConditionResolution {
	id := conditionID(e)
	if excludedConds.contains(id) {
		return ConditionResolution{Reason: ReasonExcludedCycle}
	}

	start := newOpGraphPath(r.graph, e.Head).withExcluded(excluded)
	start.context = ctx

	t := newTraversal(r.graph, r, r.policy, excludedConds.with(id))
	t.visit([]*OpGraphPath{start}, e.Conditions, nil)
	if len(t.diagnostics) > 0 {
		reason := ReasonUnsatisfiedCondition
		for _, d := range t.diagnostics {
			if d.Reason == ReasonExcludedCycle {
				reason = ReasonExcludedCycle
			}
		}
		return ConditionResolution{Reason: reason}
	}

	tree, cost, _, err := t.bestTree(e.Head, func(tree *PathTree) (float64, error) {
		return tree.cost(r.policy.FetchCost), nil
	})
	if err != nil {
		panic(err)
	}

	if e.requires && tree.hasKeyHops() {
		head := r.graph.node(e.Head)
		if len(r.graph.subgraph(e.Head).ResolvableKeys(head.Type)) == 0 {
			return ConditionResolution{Reason: ReasonNoPostRequireKey}
		}
	}

	return ConditionResolution{Satisfied: true, Cost: cost, PathTree: tree}
}

// hasKeyHops reports whether any step of the tree leaves the root subgraph.
func (t *PathTree) hasKeyHops() bool {
	for _, n := range t.nodes {
		for _, c := range n.children {
			if c.edge != noEdge && t.graph.edge(c.edge).Kind == KeyResolution {
				return true
			}
		}
	}
	return false
}
