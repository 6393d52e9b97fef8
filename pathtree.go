package fedplan

import (
	"fmt"
	"io"
	"math"
	"sort"
	"strings"
)

// PathTree merges paths sharing a prefix. Nodes live in an arena and a
// child always has a higher index than its parent, so the tree cannot
// contain cycles.
type PathTree struct {
	graph *QueryGraph
	nodes []treeNode
}

type treeNode struct {
	graphNode int
	children  []treeChild
}

type childKey struct {
	element string
	edge    int
}

type treeChild struct {
	key   childKey
	order int

	element    *OpElement
	edge       int
	conditions *PathTree
	index      int
}

// NewPathTree returns an empty tree rooted at a graph node.
func NewPathTree(g *QueryGraph, root int) *PathTree {
	return &PathTree{graph: g, nodes: []treeNode{{graphNode: root}}}
}

// RootNode is the graph node of the tree root.
func (t *PathTree) RootNode() *Node {
	return t.graph.node(t.nodes[0].graphNode)
}

func (t *PathTree) children(i int) []treeChild {
	return t.nodes[i].children
}

func (t *PathTree) graphNode(i int) int {
	return t.nodes[i].graphNode
}

// IsEmpty reports whether the root has no children.
func (t *PathTree) IsEmpty() bool {
	return len(t.nodes[0].children) == 0
}

func childLess(a, b treeChild) bool {
	if a.order != b.order {
		return a.order < b.order
	}
	if a.key.element != b.key.element {
		return a.key.element < b.key.element
	}
	return a.key.edge < b.key.edge
}

func (t *PathTree) newNode(graphNode int) int {
	t.nodes = append(t.nodes, treeNode{graphNode: graphNode})
	return len(t.nodes) - 1
}

// child returns the position of the child with the given key.
func (t *PathTree) child(i int, key childKey) (int, bool) {
	for pos, c := range t.nodes[i].children {
		if c.key == key {
			return pos, true
		}
	}
	return -1, false
}

func (t *PathTree) insertChild(i int, c treeChild) {
	children := t.nodes[i].children
	pos := sort.Search(len(children), func(j int) bool { return childLess(c, children[j]) })
	children = append(children, treeChild{})
	copy(children[pos+1:], children[pos:])
	children[pos] = c
	t.nodes[i].children = children
}

// reorder moves a child whose order decreased back into sorted position.
func (t *PathTree) reorder(i, pos int) {
	c := t.nodes[i].children[pos]
	t.nodes[i].children = append(t.nodes[i].children[:pos], t.nodes[i].children[pos+1:]...)
	t.insertChild(i, c)
}

// AddPath inserts a path. Adding the same path twice is a no-op.
func (t *PathTree) AddPath(p *OpGraphPath) {
	if p.start != t.nodes[0].graphNode {
		panic(invariantf("path starting at %s added to tree rooted at %s", p.graph.node(p.start), t.RootNode()))
	}

	// orders[i] is the first element ID at or after step i
	orders := make([]int, len(p.steps))
	next := math.MaxInt32
	for i := len(p.steps) - 1; i >= 0; i-- {
		if p.steps[i].element != nil {
			next = p.steps[i].element.ID
		}
		orders[i] = next
	}

	current := 0
	node := p.start
	for i, s := range p.steps {
		if s.edge != noEdge {
			node = t.graph.edge(s.edge).Tail
		}
		key := childKey{edge: s.edge}
		if s.element != nil {
			key.element = s.element.contentKey()
		}
		pos, found := t.child(current, key)
		if !found {
			index := t.newNode(node)
			c := treeChild{
				key:     key,
				order:   orders[i],
				element: s.element,
				edge:    s.edge,
				index:   index,
			}
			if s.conditions != nil {
				c.conditions = s.conditions.Clone()
			}
			t.insertChild(current, c)
			current = index
			continue
		}
		c := &t.nodes[current].children[pos]
		if s.conditions != nil {
			if c.conditions == nil {
				c.conditions = s.conditions.Clone()
			} else {
				c.conditions.Merge(s.conditions)
			}
		}
		index := c.index
		if orders[i] < c.order {
			c.order = orders[i]
			t.reorder(current, pos)
		}
		current = index
	}
}

// Merge adds all the paths of other into t. Both trees must share the
// same root node.
func (t *PathTree) Merge(other *PathTree) {
	if other == nil {
		return
	}
	if other.nodes[0].graphNode != t.nodes[0].graphNode {
		panic(invariantf("cannot merge tree rooted at %s into tree rooted at %s", other.RootNode(), t.RootNode()))
	}
	t.mergeAt(0, other, 0)
}

func (t *PathTree) mergeAt(i int, other *PathTree, j int) {
	for _, oc := range other.nodes[j].children {
		pos, found := t.child(i, oc.key)
		if !found {
			index := t.newNode(other.nodes[oc.index].graphNode)
			c := oc
			c.index = index
			if oc.conditions != nil {
				c.conditions = oc.conditions.Clone()
			}
			t.insertChild(i, c)
			t.mergeAt(index, other, oc.index)
			continue
		}
		c := &t.nodes[i].children[pos]
		if oc.conditions != nil {
			if c.conditions == nil {
				c.conditions = oc.conditions.Clone()
			} else {
				c.conditions.Merge(oc.conditions)
			}
		}
		index := c.index
		if oc.order < c.order {
			c.order = oc.order
			t.reorder(i, pos)
		}
		t.mergeAt(index, other, oc.index)
	}
}

// Clone returns a deep copy of the tree.
func (t *PathTree) Clone() *PathTree {
	c := &PathTree{graph: t.graph, nodes: make([]treeNode, len(t.nodes))}
	for i, n := range t.nodes {
		c.nodes[i] = treeNode{graphNode: n.graphNode, children: make([]treeChild, len(n.children))}
		for j, ch := range n.children {
			if ch.conditions != nil {
				ch.conditions = ch.conditions.Clone()
			}
			c.nodes[i].children[j] = ch
		}
	}
	return c
}

// CheckAcyclic verifies that every child is allocated after its parent and
// reachable from a single parent, including in condition trees.
func (t *PathTree) CheckAcyclic() error {
	parents := make([]int, len(t.nodes))
	for i := range parents {
		parents[i] = -1
	}
	for i, n := range t.nodes {
		for _, c := range n.children {
			if c.index <= i {
				return fmt.Errorf("tree node %d is a child of later node %d", c.index, i)
			}
			if parents[c.index] != -1 {
				return fmt.Errorf("tree node %d has two parents (%d and %d)", c.index, parents[c.index], i)
			}
			parents[c.index] = i
			if c.conditions != nil {
				if err := c.conditions.CheckAcyclic(); err != nil {
					return fmt.Errorf("conditions of node %d: %w", c.index, err)
				}
			}
		}
	}
	return nil
}

// Cost of a tree used to rank condition plans: every key hop counts as a
// fetch, every other step adds one.
func (t *PathTree) cost(fetchCost float64) float64 {
	total := 0.0
	for _, n := range t.nodes {
		for _, c := range n.children {
			total++
			if c.edge != noEdge {
				switch t.graph.edge(c.edge).Kind {
				case KeyResolution, SubgraphEntering:
					total += fetchCost
				}
			}
			if c.conditions != nil {
				total += c.conditions.cost(fetchCost)
			}
		}
	}
	return total
}

func (t *PathTree) String() string {
	var sb strings.Builder
	sb.WriteString(t.RootNode().String())
	t.write(&sb, 0, 1)
	return sb.String()
}

func (t *PathTree) write(sb *strings.Builder, i, level int) {
	for _, c := range t.nodes[i].children {
		sb.WriteString("\n")
		sb.WriteString(strings.Repeat("  ", level))
		sb.WriteString(t.childLabel(c))
		sb.WriteString(" -> ")
		sb.WriteString(t.graph.node(t.nodes[c.index].graphNode).String())
		if c.conditions != nil {
			cond := strings.ReplaceAll(c.conditions.String(), "\n", "\n"+strings.Repeat("  ", level+2))
			sb.WriteString(" with conditions ")
			sb.WriteString(cond)
		}
		t.write(sb, c.index, level+1)
	}
}

func (t *PathTree) childLabel(c treeChild) string {
	switch {
	case c.edge == noEdge:
		return "(" + c.element.String() + ")"
	case c.element == nil:
		return t.graph.edge(c.edge).Label()
	default:
		return c.element.String() + " [" + t.graph.edge(c.edge).Label() + "]"
	}
}

// WriteDot writes the tree in graphviz format.
func (t *PathTree) WriteDot(w io.Writer) error {
	var sb strings.Builder
	sb.WriteString("digraph \"path tree\" {\n")
	t.writeDot(&sb, "t")
	sb.WriteString("}\n")
	_, err := io.WriteString(w, sb.String())
	return err
}

func (t *PathTree) writeDot(sb *strings.Builder, prefix string) {
	for i, n := range t.nodes {
		fmt.Fprintf(sb, "  %s%d [label=%q]\n", prefix, i, t.graph.node(n.graphNode).String())
	}
	for i, n := range t.nodes {
		for j, c := range n.children {
			fmt.Fprintf(sb, "  %s%d -> %s%d [label=%q]\n", prefix, i, prefix, c.index, t.childLabel(c))
			if c.conditions != nil {
				sub := fmt.Sprintf("%s%d_%d_", prefix, i, j)
				c.conditions.writeDot(sb, sub)
				fmt.Fprintf(sb, "  %s%d -> %s0 [style=dashed]\n", prefix, c.index, sub)
			}
		}
	}
}
