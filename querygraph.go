package fedplan

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/vektah/gqlparser/v2/ast"
)

// NodeKind classifies query graph nodes.
type NodeKind int

const (
	RootNode NodeKind = iota
	EntityNode
	ObjectNode
	AbstractNode
	LeafNode
)

func (k NodeKind) String() string {
	switch k {
	case RootNode:
		return "Root"
	case EntityNode:
		return "Entity"
	case ObjectNode:
		return "Object"
	case AbstractNode:
		return "Abstract"
	case LeafNode:
		return "Leaf"
	default:
		return fmt.Sprintf("NodeKind(%d)", int(k))
	}
}

// EdgeKind classifies query graph edges.
type EdgeKind int

const (
	FieldCollection EdgeKind = iota
	Downcast
	KeyResolution
	SubgraphEntering
)

func (k EdgeKind) String() string {
	switch k {
	case FieldCollection:
		return "FieldCollection"
	case Downcast:
		return "Downcast"
	case KeyResolution:
		return "KeyResolution"
	case SubgraphEntering:
		return "SubgraphEntering"
	default:
		return fmt.Sprintf("EdgeKind(%d)", int(k))
	}
}

// Node is a (type, subgraph) pair of the query graph. Federated root nodes
// have an empty subgraph.
type Node struct {
	Index     int
	Type      string
	Subgraph  string
	Kind      NodeKind
	RootKind  ast.Operation
	ProvideID int

	out        []int
	fieldEdges map[string]int
	downcasts  map[string]int
	keyEdges   []int
	entering   []int
}

func (n *Node) isFederatedRoot() bool {
	return n.Subgraph == ""
}

func (n *Node) String() string {
	if n.isFederatedRoot() {
		return fmt.Sprintf("[%s]", n.Type)
	}
	if n.ProvideID > 0 {
		return fmt.Sprintf("%s(%s)#%d", n.Type, n.Subgraph, n.ProvideID)
	}
	return fmt.Sprintf("%s(%s)", n.Type, n.Subgraph)
}

// Edge is a transition between two nodes. Conditions hold the selection
// that must be available at the head before the edge can be taken.
type Edge struct {
	Index int
	Kind  EdgeKind
	Head  int
	Tail  int

	Field         *ast.FieldDefinition
	TypeCondition string
	Key           *Key

	Conditions    []*OpSelection
	conditionsKey string
	requires      bool
}

func (e *Edge) hasConditions() bool {
	return len(e.Conditions) > 0
}

// collecting edges add data to the response at the current position.
func (e *Edge) isCollecting() bool {
	return e.Kind == FieldCollection || e.Kind == Downcast
}

// Label is a short description of the edge used in dumps.
func (e *Edge) Label() string {
	var label string
	switch e.Kind {
	case FieldCollection:
		label = e.Field.Name
	case Downcast:
		label = "... on " + e.TypeCondition
	case KeyResolution:
		label = "key(" + e.Key.Fields + ")"
	case SubgraphEntering:
		label = "∅"
	}
	if e.requires {
		label = "{ " + e.conditionsKey + " } ⊢ " + label
	}
	return label
}

type nodeKey struct {
	typeName  string
	subgraph  string
	provideID int
}

// QueryGraph is the immutable graph of every way the supergraph can be
// traversed across subgraphs.
type QueryGraph struct {
	supergraph *Supergraph
	nodes      []*Node
	edges      []*Edge
	roots      map[ast.Operation]int
	nodeIndex  map[nodeKey]int
}

// Supergraph returns the supergraph the graph was built from.
func (g *QueryGraph) Supergraph() *Supergraph { return g.supergraph }

// Nodes returns all the nodes, indexed by Node.Index.
func (g *QueryGraph) Nodes() []*Node { return g.nodes }

// Edges returns all the edges, indexed by Edge.Index.
func (g *QueryGraph) Edges() []*Edge { return g.edges }

func (g *QueryGraph) node(i int) *Node { return g.nodes[i] }

func (g *QueryGraph) edge(i int) *Edge { return g.edges[i] }

// Root returns the federated root node for an operation kind.
func (g *QueryGraph) Root(op ast.Operation) (*Node, bool) {
	i, ok := g.roots[op]
	if !ok {
		return nil, false
	}
	return g.nodes[i], true
}

// FieldEdge returns the edge collecting a field at a node.
func (g *QueryGraph) FieldEdge(node int, field string) (*Edge, bool) {
	i, ok := g.nodes[node].fieldEdges[field]
	if !ok {
		return nil, false
	}
	return g.edges[i], true
}

// OutEdges returns the edges leaving a node in creation order.
func (g *QueryGraph) OutEdges(node int) []*Edge {
	out := make([]*Edge, 0, len(g.nodes[node].out))
	for _, i := range g.nodes[node].out {
		out = append(out, g.edges[i])
	}
	return out
}

func (g *QueryGraph) subgraph(node int) *Subgraph {
	return g.supergraph.Subgraph(g.nodes[node].Subgraph)
}

type graphBuilder struct {
	g     *QueryGraph
	queue []pendingNode
}

type pendingNode struct {
	index    int
	provides []*OpSelection
}

// BuildQueryGraph builds the query graph of a supergraph. The result only
// depends on the supergraph.
func BuildQueryGraph(sg *Supergraph) (*QueryGraph, error) {
	b := &graphBuilder{g: &QueryGraph{
		supergraph: sg,
		roots:      map[ast.Operation]int{},
		nodeIndex:  map[nodeKey]int{},
	}}

	for _, op := range operationKinds {
		if rootDefinition(sg.Schema, op) == nil {
			continue
		}
		b.g.roots[op] = b.addNode(&Node{Type: rootObjectName(op), Kind: RootNode, RootKind: op})
	}

	for _, s := range sg.Subgraphs() {
		for _, op := range operationKinds {
			root, ok := b.g.roots[op]
			if !ok || !s.hasRootFields(op) {
				continue
			}
			n := b.nodeFor(s, rootObjectName(op))
			b.addEdge(&Edge{Kind: SubgraphEntering, Head: root, Tail: n})
		}
		for _, name := range sortedTypeNames(s.Schema) {
			if len(s.keys[name]) > 0 {
				b.nodeFor(s, name)
			}
		}
	}

	for len(b.queue) > 0 {
		next := b.queue[0]
		b.queue = b.queue[1:]
		if err := b.expand(next); err != nil {
			return nil, err
		}
	}

	if err := b.addKeyEdges(); err != nil {
		return nil, err
	}
	if err := b.g.validate(); err != nil {
		return nil, err
	}
	return b.g, nil
}

func (b *graphBuilder) addNode(n *Node) int {
	n.Index = len(b.g.nodes)
	n.fieldEdges = map[string]int{}
	n.downcasts = map[string]int{}
	b.g.nodes = append(b.g.nodes, n)
	b.g.nodeIndex[nodeKey{n.Type, n.Subgraph, n.ProvideID}] = n.Index
	return n.Index
}

func (b *graphBuilder) addEdge(e *Edge) int {
	e.Index = len(b.g.edges)
	if len(e.Conditions) > 0 {
		e.conditionsKey = formatOpSelections(e.Conditions)
	}
	b.g.edges = append(b.g.edges, e)
	head := b.g.nodes[e.Head]
	head.out = append(head.out, e.Index)
	switch e.Kind {
	case FieldCollection:
		head.fieldEdges[e.Field.Name] = e.Index
	case Downcast:
		head.downcasts[e.TypeCondition] = e.Index
	case KeyResolution:
		head.keyEdges = append(head.keyEdges, e.Index)
	case SubgraphEntering:
		head.entering = append(head.entering, e.Index)
	}
	return e.Index
}

func nodeKindFor(s *Subgraph, def *ast.Definition) NodeKind {
	switch {
	case def == s.Schema.Query || def == s.Schema.Mutation || def == s.Schema.Subscription:
		return RootNode
	case !isCompositeDefinition(def):
		return LeafNode
	case s.IsEntity(def.Name):
		return EntityNode
	case isAbstractDefinition(def):
		return AbstractNode
	default:
		return ObjectNode
	}
}

// nodeFor returns the regular node of a type in a subgraph, creating it if
// needed.
func (b *graphBuilder) nodeFor(s *Subgraph, typeName string) int {
	if i, ok := b.g.nodeIndex[nodeKey{typeName, s.Name, 0}]; ok {
		return i
	}
	def := s.Schema.Types[typeName]
	n := &Node{Type: typeName, Subgraph: s.Name, Kind: nodeKindFor(s, def)}
	if n.Kind == RootNode {
		for _, op := range operationKinds {
			if rootDefinition(s.Schema, op) == def {
				n.RootKind = op
			}
		}
	}
	i := b.addNode(n)
	if isCompositeDefinition(def) {
		b.queue = append(b.queue, pendingNode{index: i})
	}
	return i
}

// provideNode creates a copy of a type node in which provided external
// fields are resolvable.
func (b *graphBuilder) provideNode(s *Subgraph, typeName string, provides []*OpSelection) int {
	provideID := 1
	for {
		if _, ok := b.g.nodeIndex[nodeKey{typeName, s.Name, provideID}]; !ok {
			break
		}
		provideID++
	}
	def := s.Schema.Types[typeName]
	i := b.addNode(&Node{Type: typeName, Subgraph: s.Name, Kind: nodeKindFor(s, def), ProvideID: provideID})
	b.queue = append(b.queue, pendingNode{index: i, provides: provides})
	return i
}

func (b *graphBuilder) expand(p pendingNode) error {
	n := b.g.nodes[p.index]
	s := b.g.supergraph.Subgraph(n.Subgraph)
	def := s.Schema.Types[n.Type]

	provided := map[string][]*OpSelection{}
	providedFields := map[string]bool{}
	for _, sel := range p.provides {
		if sel.Element.IsField() {
			providedFields[sel.Element.Name] = true
			provided[sel.Element.Name] = append(provided[sel.Element.Name], sel.SelectionSet...)
		}
	}

	if def.Kind == ast.Object || def.Kind == ast.Interface {
		for _, f := range def.Fields {
			if isGraphQLBuiltinName(f.Name) || isFederationField(f.Name) {
				continue
			}
			if !s.Resolves(n.Type, f.Name) && !providedFields[f.Name] {
				continue
			}
			meta := s.Field(n.Type, f.Name)
			target := s.Schema.Types[f.Type.Name()]
			if target == nil {
				return schemaErrorf(s.Name, "field %s.%s has unknown type %s", n.Type, f.Name, f.Type.Name())
			}

			var tail int
			switch {
			case len(provided[f.Name]) > 0 && isCompositeDefinition(target):
				tail = b.provideNode(s, target.Name, provided[f.Name])
			case meta != nil && len(meta.ProvidesSelection) > 0:
				tail = b.provideNode(s, target.Name, meta.ProvidesSelection)
			default:
				tail = b.nodeFor(s, target.Name)
			}

			e := &Edge{Kind: FieldCollection, Head: p.index, Tail: tail, Field: f}
			if meta != nil && len(meta.RequiresSelection) > 0 && !providedFields[f.Name] {
				e.Conditions = meta.RequiresSelection
				e.requires = true
			}
			b.addEdge(e)
		}
	}

	if isAbstractDefinition(def) {
		for _, target := range b.downcastTargets(s, def) {
			b.addEdge(&Edge{
				Kind:          Downcast,
				Head:          p.index,
				Tail:          b.nodeFor(s, target),
				TypeCondition: target,
			})
		}
	}
	return nil
}

// downcastTargets returns the object types of an abstract type and the
// other abstract types sharing at least one of them, in one subgraph.
func (b *graphBuilder) downcastTargets(s *Subgraph, def *ast.Definition) []string {
	possible := possibleObjectTypes(s.Schema, def.Name)
	targets := append([]string(nil), possible...)
	for _, name := range sortedTypeNames(s.Schema) {
		other := s.Schema.Types[name]
		if other.BuiltIn || other.Name == def.Name || !isAbstractDefinition(other) || isFederationTypeName(other.Name) {
			continue
		}
		for _, pt := range possibleObjectTypes(s.Schema, other.Name) {
			if containsString(possible, pt) {
				targets = append(targets, other.Name)
				break
			}
		}
	}
	return targets
}

func isFederationTypeName(name string) bool {
	return federationTypeNames[name]
}

// addKeyEdges links every composite node to the nodes of the same type in
// the subgraphs that can resolve it by key.
func (b *graphBuilder) addKeyEdges() error {
	nodes := append([]*Node(nil), b.g.nodes...)
	for _, n := range nodes {
		if n.isFederatedRoot() || n.Kind == RootNode || n.Kind == LeafNode {
			continue
		}
		for _, s := range b.g.supergraph.Subgraphs() {
			for _, key := range s.ResolvableKeys(n.Type) {
				tail, ok := b.g.nodeIndex[nodeKey{n.Type, s.Name, 0}]
				if !ok {
					return schemaErrorf(s.Name, "entity %s has no node", n.Type)
				}
				b.addEdge(&Edge{
					Kind:       KeyResolution,
					Head:       n.Index,
					Tail:       tail,
					Key:        key,
					Conditions: key.Selection,
				})
			}
		}
	}
	return nil
}

func (g *QueryGraph) validate() error {
	for _, e := range g.edges {
		head, tail := g.nodes[e.Head], g.nodes[e.Tail]
		switch e.Kind {
		case FieldCollection:
			if e.Field.Type.Name() != tail.Type {
				return schemaErrorf(head.Subgraph, "edge %s.%s leads to %s instead of %s", head.Type, e.Field.Name, tail.Type, e.Field.Type.Name())
			}
		case KeyResolution:
			if len(e.Conditions) == 0 {
				return schemaErrorf(tail.Subgraph, "key on %s has no fields", tail.Type)
			}
			if head.Type != tail.Type {
				return schemaErrorf(tail.Subgraph, "key edge from %s to %s changes type", head, tail)
			}
			if err := checkSelectionDefined(g.supergraph.Subgraph(tail.Subgraph), tail.Type, e.Conditions); err != nil {
				return err
			}
		}
	}
	return nil
}

func checkSelectionDefined(s *Subgraph, typeName string, sels []*OpSelection) error {
	def := s.Schema.Types[typeName]
	for _, sel := range sels {
		if !sel.Element.IsField() {
			if err := checkSelectionDefined(s, sel.Element.TypeCondition, sel.SelectionSet); err != nil {
				return err
			}
			continue
		}
		f := fieldDefinition(def, sel.Element.Name)
		if f == nil {
			return schemaErrorf(s.Name, "key field %s.%s is not defined", typeName, sel.Element.Name)
		}
		if len(sel.SelectionSet) > 0 {
			if err := checkSelectionDefined(s, f.Type.Name(), sel.SelectionSet); err != nil {
				return err
			}
		}
	}
	return nil
}

// GraphDump is a JSON friendly representation of the query graph.
type GraphDump struct {
	Nodes []NodeDump `json:"nodes"`
	Edges []EdgeDump `json:"edges"`
}

type NodeDump struct {
	ID       int    `json:"id"`
	Type     string `json:"type"`
	Subgraph string `json:"subgraph,omitempty"`
	Kind     string `json:"kind"`
	Label    string `json:"label"`
}

type EdgeDump struct {
	ID    int    `json:"id"`
	Kind  string `json:"kind"`
	Head  int    `json:"head"`
	Tail  int    `json:"tail"`
	Label string `json:"label"`
}

// Dump returns the nodes and edges of the graph with their labels.
func (g *QueryGraph) Dump() GraphDump {
	var d GraphDump
	for _, n := range g.nodes {
		d.Nodes = append(d.Nodes, NodeDump{ID: n.Index, Type: n.Type, Subgraph: n.Subgraph, Kind: n.Kind.String(), Label: n.String()})
	}
	for _, e := range g.edges {
		d.Edges = append(d.Edges, EdgeDump{ID: e.Index, Kind: e.Kind.String(), Head: e.Head, Tail: e.Tail, Label: e.Label()})
	}
	return d
}

// MarshalJSON encodes the graph dump.
func (g *QueryGraph) MarshalJSON() ([]byte, error) {
	return json.Marshal(g.Dump())
}

// WriteDot writes the graph in graphviz format, one cluster per subgraph.
func (g *QueryGraph) WriteDot(w io.Writer) error {
	var sb strings.Builder
	sb.WriteString("digraph \"query graph\" {\n")
	bySubgraph := map[string][]*Node{}
	var names []string
	for _, n := range g.nodes {
		if _, ok := bySubgraph[n.Subgraph]; !ok {
			names = append(names, n.Subgraph)
		}
		bySubgraph[n.Subgraph] = append(bySubgraph[n.Subgraph], n)
	}
	sort.Strings(names)
	for _, name := range names {
		indent := "  "
		if name != "" {
			fmt.Fprintf(&sb, "  subgraph \"cluster_%s\" {\n    label = %q\n", name, name)
			indent = "    "
		}
		for _, n := range bySubgraph[name] {
			fmt.Fprintf(&sb, "%s%d [label=%q]\n", indent, n.Index, n.String())
		}
		if name != "" {
			sb.WriteString("  }\n")
		}
	}
	for _, e := range g.edges {
		fmt.Fprintf(&sb, "  %d -> %d [label=%q]\n", e.Head, e.Tail, e.Label())
	}
	sb.WriteString("}\n")
	_, err := io.WriteString(w, sb.String())
	return err
}
