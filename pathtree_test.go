package fedplan

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vektah/gqlparser/v2/ast"
)

type pathTreeFixture struct {
	graph  *QueryGraph
	root   int
	accts  *Edge
	me     *Edge
	userID *Edge
	name   *Edge
}

func newPathTreeFixture(t *testing.T) *pathTreeFixture {
	g, err := BuildQueryGraph(shopFixture.Supergraph(t))
	require.NoError(t, err)
	root, ok := g.Root(ast.Query)
	require.True(t, ok)

	f := &pathTreeFixture{graph: g, root: root.Index}
	for _, e := range edgesOfKind(g, root.Index, SubgraphEntering) {
		if g.Nodes()[e.Tail].Subgraph == "accounts" {
			f.accts = e
		}
	}
	require.NotNil(t, f.accts)
	f.me, ok = g.FieldEdge(f.accts.Tail, "me")
	require.True(t, ok)
	f.userID, ok = g.FieldEdge(f.me.Tail, "id")
	require.True(t, ok)
	f.name, ok = g.FieldEdge(f.me.Tail, "name")
	require.True(t, ok)
	return f
}

func field(id int, name, parent string) *OpElement {
	return &OpElement{ID: id, Alias: name, Name: name, ParentType: parent}
}

// path follows the accounts subgraph to me and then to leaf.
func (f *pathTreeFixture) path(leaf *Edge, leafID int) *OpGraphPath {
	return newOpGraphPath(f.graph, f.root).
		add(pathStep{edge: f.accts.Index}, 0).
		add(pathStep{element: field(0, "me", "Query"), edge: f.me.Index}, 0).
		add(pathStep{element: field(leafID, leaf.Field.Name, "User"), edge: leaf.Index}, 0)
}

func TestPathTreeOrderIndependence(t *testing.T) {
	f := newPathTreeFixture(t)
	name := f.path(f.name, 1)
	id := f.path(f.userID, 2)

	a := NewPathTree(f.graph, f.root)
	a.AddPath(name)
	a.AddPath(id)

	b := NewPathTree(f.graph, f.root)
	b.AddPath(id)
	b.AddPath(name)

	assert.Equal(t, a.String(), b.String())
	assert.Equal(t, "[Query]\n  ∅ -> Query(accounts)\n    me [me] -> User(accounts)\n      name [name] -> String(accounts)\n      id [id] -> ID(accounts)", a.String())
}

func TestPathTreeAddPathIsIdempotent(t *testing.T) {
	f := newPathTreeFixture(t)
	p := f.path(f.name, 1)

	tree := NewPathTree(f.graph, f.root)
	tree.AddPath(p)
	once := tree.String()
	tree.AddPath(p)
	assert.Equal(t, once, tree.String())
	assert.False(t, tree.IsEmpty())
	assert.NoError(t, tree.CheckAcyclic())
	assert.False(t, tree.hasKeyHops())
}

func TestPathTreeMergeAndClone(t *testing.T) {
	f := newPathTreeFixture(t)

	a := NewPathTree(f.graph, f.root)
	a.AddPath(f.path(f.name, 1))
	b := NewPathTree(f.graph, f.root)
	b.AddPath(f.path(f.userID, 2))

	clone := a.Clone()
	a.Merge(b)

	both := NewPathTree(f.graph, f.root)
	both.AddPath(f.path(f.name, 1))
	both.AddPath(f.path(f.userID, 2))

	assert.Equal(t, both.String(), a.String())
	assert.NotEqual(t, clone.String(), a.String())
	assert.NoError(t, a.CheckAcyclic())
}

func TestPathTreeRejectsForeignPaths(t *testing.T) {
	f := newPathTreeFixture(t)
	tree := NewPathTree(f.graph, f.accts.Tail)

	assert.Panics(t, func() { tree.AddPath(f.path(f.name, 1)) })
}

func TestPathTreeCheckAcyclic(t *testing.T) {
	f := newPathTreeFixture(t)
	tree := NewPathTree(f.graph, f.root)
	tree.AddPath(f.path(f.name, 1))

	// point the leaf back at the root
	leaf := tree.nodes[len(tree.nodes)-2].children[0]
	leaf.index = 0
	tree.nodes[len(tree.nodes)-2].children[0] = leaf
	assert.Error(t, tree.CheckAcyclic())

	err := checkPathTree(tree)
	var invariant *InternalInvariantViolation
	require.True(t, errors.As(err, &invariant), "got %v", err)
	assert.Equal(t, "invariant", errorKind(err))
}

func TestPathTreeWriteDot(t *testing.T) {
	f := newPathTreeFixture(t)
	tree := NewPathTree(f.graph, f.root)
	tree.AddPath(f.path(f.name, 1))

	var buf bytes.Buffer
	require.NoError(t, tree.WriteDot(&buf))
	assert.Contains(t, buf.String(), `digraph "path tree"`)
	assert.Contains(t, buf.String(), `t0 -> t1 [label="∅"]`)
}
