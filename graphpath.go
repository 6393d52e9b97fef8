package fedplan

import (
	"sort"
	"strings"
)

// pathStep is one step of a path. Steps that stay on the current node
// (__typename, matching fragments) have no edge.
type pathStep struct {
	element    *OpElement
	edge       int
	conditions *PathTree
}

const noEdge = -1

// OpGraphPath is a path in the query graph followed while resolving the
// elements of an operation. Paths are immutable: advancing returns a copy.
type OpGraphPath struct {
	graph    *QueryGraph
	start    int
	steps    []pathStep
	tail     int
	context  PathContext
	excluded excludedDestinations
	cost     float64
}

func newOpGraphPath(g *QueryGraph, start int) *OpGraphPath {
	return &OpGraphPath{graph: g, start: start, tail: start}
}

// Tail is the node the path ends at.
func (p *OpGraphPath) Tail() *Node {
	return p.graph.node(p.tail)
}

// Cost is the accumulated cost of the key hops and conditions of the path.
func (p *OpGraphPath) Cost() float64 {
	return p.cost
}

func (p *OpGraphPath) add(step pathStep, cost float64) *OpGraphPath {
	next := *p
	next.steps = make([]pathStep, len(p.steps), len(p.steps)+1)
	copy(next.steps, p.steps)
	next.steps = append(next.steps, step)
	if step.edge != noEdge {
		e := p.graph.edge(step.edge)
		next.tail = e.Tail
		if e.Kind == FieldCollection {
			next.excluded = nil
		}
	}
	if step.element != nil {
		next.context = p.context.withDirectives(step.element.Directives)
	}
	next.cost += cost
	return &next
}

func (p *OpGraphPath) withExcluded(excluded excludedDestinations) *OpGraphPath {
	next := *p
	next.excluded = excluded
	return &next
}

// lastElementID is the ID of the last operation element of the path.
func (p *OpGraphPath) lastElementID() int {
	for i := len(p.steps) - 1; i >= 0; i-- {
		if p.steps[i].element != nil {
			return p.steps[i].element.ID
		}
	}
	return -1
}

func (p *OpGraphPath) String() string {
	var sb strings.Builder
	sb.WriteString(p.graph.node(p.start).String())
	node := p.start
	for _, s := range p.steps {
		if s.edge == noEdge {
			sb.WriteString(" (")
			sb.WriteString(s.element.String())
			sb.WriteString(")")
			continue
		}
		e := p.graph.edge(s.edge)
		node = e.Tail
		sb.WriteString(" --[")
		sb.WriteString(e.Label())
		sb.WriteString("]--> ")
		sb.WriteString(p.graph.node(node).String())
	}
	return sb.String()
}

// excludedDestinations is the sorted set of subgraphs a chain of key hops
// must not go back to.
type excludedDestinations []string

func (e excludedDestinations) contains(subgraph string) bool {
	i := sort.SearchStrings(e, subgraph)
	return i < len(e) && e[i] == subgraph
}

func (e excludedDestinations) with(subgraph string) excludedDestinations {
	if subgraph == "" || e.contains(subgraph) {
		return e
	}
	next := append(append(excludedDestinations(nil), e...), subgraph)
	sort.Strings(next)
	return next
}

func (e excludedDestinations) key() string {
	return strings.Join(e, ",")
}

// excludedConditions is the set of conditions being resolved on the
// current call stack.
type excludedConditions []string

func (e excludedConditions) contains(key string) bool {
	for _, c := range e {
		if c == key {
			return true
		}
	}
	return false
}

func (e excludedConditions) with(key string) excludedConditions {
	if e.contains(key) {
		return e
	}
	next := append(append(excludedConditions(nil), e...), key)
	sort.Strings(next)
	return next
}

func (e excludedConditions) key() string {
	return strings.Join(e, "|")
}
