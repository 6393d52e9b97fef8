package fedplan

import (
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"
)

// traversal walks the query graph along the selections of an operation (or
// of an edge condition) and collects, for every leaf selection, the paths
// able to resolve it.
type traversal struct {
	graph         *QueryGraph
	resolver      *ConditionResolver
	policy        CostPolicy
	excludedConds excludedConditions

	diagnostics []Diagnostic
	closed      []closedBranch
}

// closedBranch holds the alternative paths for one fully resolved
// selection.
type closedBranch struct {
	options []*OpGraphPath
}

func newTraversal(g *QueryGraph, resolver *ConditionResolver, policy CostPolicy, excludedConds excludedConditions) *traversal {
	return &traversal{
		graph:         g,
		resolver:      resolver,
		policy:        policy,
		excludedConds: excludedConds,
	}
}

type advanceResult struct {
	paths    []*OpGraphPath
	terminal bool
	reason   UnsatisfiedReason
	message  string
}

func (t *traversal) visit(options []*OpGraphPath, sels []*OpSelection, path []string) {
	for _, sel := range sels {
		elem := sel.Element
		responsePath := path
		if elem.IsField() {
			responsePath = append(append([]string(nil), path...), elem.ResponseKey())
		}

		var next, terminal []*OpGraphPath
		var failure advanceResult
		for _, opt := range options {
			res := t.advance(opt, sel)
			next = append(next, res.paths...)
			if res.terminal {
				terminal = append(terminal, opt)
			}
			if len(res.paths) == 0 && failure.reason == "" {
				failure = res
			}
		}

		if len(next) == 0 {
			if len(terminal) > 0 {
				t.closed = append(t.closed, closedBranch{options: prune(terminal)})
				continue
			}
			t.diagnostics = append(t.diagnostics, t.diagnostic(elem, responsePath, options, failure))
			continue
		}

		next = prune(next)
		if len(sel.SelectionSet) == 0 {
			t.closed = append(t.closed, closedBranch{options: next})
			continue
		}
		t.visit(next, sel.SelectionSet, responsePath)
	}
}

func (t *traversal) diagnostic(elem *OpElement, path []string, options []*OpGraphPath, failure advanceResult) Diagnostic {
	reason := failure.reason
	if reason == "" {
		reason = ReasonNoMatchingEdge
	}
	field := elem.String()
	if elem.IsField() {
		field = fieldCoordinate(elem.ParentType, elem.Name)
	}
	message := failure.message
	if message == "" {
		tails := make([]string, 0, len(options))
		for _, o := range options {
			tails = append(tails, o.Tail().String())
		}
		message = fmt.Sprintf("no subgraph can resolve %s from %s", field, strings.Join(sortedUnique(tails), ", "))
	}
	return Diagnostic{
		Path:    append([]string{}, path...),
		Field:   field,
		Reason:  reason,
		Message: message,
	}
}

// prune drops the paths ending at the same node as a strictly cheaper
// path, and keeps the first of equally cheap ones.
func prune(paths []*OpGraphPath) []*OpGraphPath {
	best := map[int]int{}
	var kept []*OpGraphPath
	for _, p := range paths {
		i, ok := best[p.tail]
		switch {
		case !ok:
			best[p.tail] = len(kept)
			kept = append(kept, p)
		case p.cost < kept[i].cost:
			log.WithFields(log.Fields{"pruned": kept[i].String(), "kept": p.String()}).Debug("pruned dominated path")
			kept[i] = p
		default:
			log.WithFields(log.Fields{"pruned": p.String(), "kept": kept[i].String()}).Debug("pruned dominated path")
		}
	}
	return kept
}

func (t *traversal) advance(opt *OpGraphPath, sel *OpSelection) advanceResult {
	if sel.Element.IsField() {
		return t.advanceField(opt, sel)
	}
	return t.advanceFragment(opt, sel.Element)
}

func (t *traversal) advanceField(opt *OpGraphPath, sel *OpSelection) advanceResult {
	elem := sel.Element
	node := opt.Tail()

	if node.isFederatedRoot() {
		var res advanceResult
		for _, ei := range node.entering {
			entered := opt.add(pathStep{edge: ei}, 0)
			if elem.isTypename() {
				res.paths = append(res.paths, entered.add(pathStep{element: elem, edge: noEdge}, 0))
				continue
			}
			t.collect(&res, entered, elem, opt.excluded)
		}
		return res
	}

	if elem.isTypename() {
		return advanceResult{paths: []*OpGraphPath{opt.add(pathStep{element: elem, edge: noEdge}, 0)}}
	}

	var res advanceResult
	t.collect(&res, opt, elem, opt.excluded)
	if len(res.paths) == 0 || len(sel.SelectionSet) > 0 {
		for _, ind := range t.indirectPaths(opt) {
			t.collect(&res, ind, elem, opt.excluded)
		}
	}
	return res
}

// collect takes the field edge of elem at the tail of p, if any.
// Conditions are resolved with the exclusions of the start of the chain,
// so that a required field can be fetched from a subgraph the chain went
// through.
func (t *traversal) collect(res *advanceResult, p *OpGraphPath, elem *OpElement, excluded excludedDestinations) {
	ei, ok := p.Tail().fieldEdges[elem.Name]
	if !ok {
		return
	}
	e := t.graph.edge(ei)
	if !e.hasConditions() {
		res.paths = append(res.paths, p.add(pathStep{element: elem, edge: ei}, 0))
		return
	}
	cond := t.resolver.Resolve(e, p.context, excluded, t.excludedConds)
	if !cond.Satisfied {
		if res.reason == "" || cond.Reason != ReasonUnsatisfiedCondition {
			res.reason = cond.Reason
			res.message = fmt.Sprintf("cannot satisfy { %s } for %s in %s: %s", e.conditionsKey, fieldCoordinate(elem.ParentType, elem.Name), p.Tail(), cond.Reason)
		}
		return
	}
	res.paths = append(res.paths, p.add(pathStep{element: elem, edge: ei, conditions: cond.PathTree}, cond.Cost))
}

// indirectPaths returns, for every node reachable from the tail of opt
// through a chain of key hops, the cheapest such chain. Chains never go
// back to a subgraph they went through.
func (t *traversal) indirectPaths(opt *OpGraphPath) []*OpGraphPath {
	start := opt.Tail()
	best := map[int]*OpGraphPath{}
	var order []int
	queue := []*OpGraphPath{opt}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		head := cur.Tail()
		for _, ei := range head.keyEdges {
			e := t.graph.edge(ei)
			tail := t.graph.node(e.Tail)
			if e.Tail == e.Head || tail.Subgraph == start.Subgraph || cur.excluded.contains(tail.Subgraph) {
				continue
			}
			excluded := cur.excluded.with(head.Subgraph)
			cond := t.resolver.Resolve(e, cur.context, excluded, t.excludedConds)
			if !cond.Satisfied {
				continue
			}
			next := cur.add(pathStep{edge: ei, conditions: cond.PathTree}, t.policy.FetchCost+cond.Cost).withExcluded(excluded)
			prev, seen := best[e.Tail]
			if seen && prev.cost <= next.cost {
				continue
			}
			if !seen {
				order = append(order, e.Tail)
			}
			best[e.Tail] = next
			queue = append(queue, next)
		}
	}
	paths := make([]*OpGraphPath, 0, len(order))
	for _, n := range order {
		paths = append(paths, best[n])
	}
	return paths
}

func (t *traversal) advanceFragment(opt *OpGraphPath, elem *OpElement) advanceResult {
	node := opt.Tail()
	stay := func(e *OpElement) advanceResult {
		return advanceResult{paths: []*OpGraphPath{opt.add(pathStep{element: e, edge: noEdge}, 0)}}
	}

	if node.isFederatedRoot() {
		if elem.TypeCondition == "" || elem.TypeCondition == node.Type {
			return stay(elem)
		}
		return advanceResult{terminal: true}
	}

	matches := elem.TypeCondition == "" || elem.TypeCondition == node.Type
	if elem.Deferred {
		if matches {
			if res := t.deferredHop(opt, elem); len(res.paths) > 0 {
				return res
			}
		}
		log.WithFields(log.Fields{"fragment": elem.String(), "node": node.String()}).Debug("ignoring @defer that cannot be split into its own fetch")
		elem = elem.withoutDefer()
	}

	if matches {
		return stay(elem)
	}

	schema := t.graph.subgraph(opt.tail).Schema
	if schema.Types[elem.TypeCondition] == nil {
		return advanceResult{terminal: true}
	}
	if node.Kind == AbstractNode {
		if ei, ok := node.downcasts[elem.TypeCondition]; ok {
			return advanceResult{paths: []*OpGraphPath{opt.add(pathStep{element: elem, edge: ei}, 0)}}
		}
		return advanceResult{terminal: true}
	}
	if containsString(possibleObjectTypes(schema, elem.TypeCondition), node.Type) {
		return stay(elem)
	}
	return advanceResult{terminal: true}
}

// deferredHop jumps to another fetch of the same entity, possibly in the
// same subgraph, so that a deferred fragment gets its own fetch.
func (t *traversal) deferredHop(opt *OpGraphPath, elem *OpElement) advanceResult {
	node := opt.Tail()
	var res advanceResult
	excluded := opt.excluded.with(node.Subgraph)
	for _, ei := range node.keyEdges {
		e := t.graph.edge(ei)
		tail := t.graph.node(e.Tail)
		if tail.Subgraph != node.Subgraph && opt.excluded.contains(tail.Subgraph) {
			continue
		}
		cond := t.resolver.Resolve(e, opt.context, excluded, t.excludedConds)
		if !cond.Satisfied {
			continue
		}
		res.paths = append(res.paths, opt.add(pathStep{element: elem, edge: ei, conditions: cond.PathTree}, t.policy.FetchCost+cond.Cost).withExcluded(excluded))
	}
	return res
}

// bestTree combines the closed branches into path trees and returns the
// cheapest according to cost. Branches with a single option are shared by
// every candidate.
func (t *traversal) bestTree(root int, cost func(*PathTree) (float64, error)) (*PathTree, float64, int, error) {
	base := NewPathTree(t.graph, root)
	var multi [][]*OpGraphPath
	for _, b := range t.closed {
		if len(b.options) == 1 {
			base.AddPath(b.options[0])
			continue
		}
		multi = append(multi, b.options)
	}

	limit := t.policy.MaxEvaluatedPlans
	if limit <= 0 {
		limit = defaultMaxEvaluatedPlans
	}
	for planCount(multi) > limit {
		largest := 0
		for i := range multi {
			if len(multi[i]) > len(multi[largest]) {
				largest = i
			}
		}
		multi[largest] = multi[largest][:len(multi[largest])-1]
		log.WithFields(log.Fields{"limit": limit, "plans": planCount(multi)}).Debug("reduced plan space")
	}

	if len(multi) == 0 {
		c, err := cost(base)
		return base, c, 1, err
	}

	var (
		best      *PathTree
		bestCost  float64
		evaluated int
	)
	choice := make([]int, len(multi))
	for {
		candidate := base.Clone()
		for i, options := range multi {
			candidate.AddPath(options[choice[i]])
		}
		c, err := cost(candidate)
		if err != nil {
			return nil, 0, evaluated, err
		}
		evaluated++
		if best == nil || c < bestCost {
			best, bestCost = candidate, c
		}

		i := len(choice) - 1
		for ; i >= 0; i-- {
			choice[i]++
			if choice[i] < len(multi[i]) {
				break
			}
			choice[i] = 0
		}
		if i < 0 {
			break
		}
	}
	return best, bestCost, evaluated, nil
}

func planCount(multi [][]*OpGraphPath) int {
	count := 1
	for _, options := range multi {
		count *= len(options)
		if count > 1<<30 {
			return count
		}
	}
	return count
}
