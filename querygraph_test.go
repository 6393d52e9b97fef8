package fedplan

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vektah/gqlparser/v2/ast"
)

func findNode(t *testing.T, g *QueryGraph, typeName, subgraph string) *Node {
	t.Helper()
	for _, n := range g.Nodes() {
		if n.Type == typeName && n.Subgraph == subgraph && n.ProvideID == 0 {
			return n
		}
	}
	t.Fatalf("no node for %s in %s", typeName, subgraph)
	return nil
}

func edgesOfKind(g *QueryGraph, node int, kind EdgeKind) []*Edge {
	var edges []*Edge
	for _, e := range g.OutEdges(node) {
		if e.Kind == kind {
			edges = append(edges, e)
		}
	}
	return edges
}

func TestQueryGraphRoots(t *testing.T) {
	g, err := BuildQueryGraph(shopFixture.Supergraph(t))
	require.NoError(t, err)

	root, ok := g.Root(ast.Query)
	require.True(t, ok)
	assert.Equal(t, RootNode, root.Kind)
	assert.Equal(t, "[Query]", root.String())

	var entered []string
	for _, e := range edgesOfKind(g, root.Index, SubgraphEntering) {
		entered = append(entered, g.Nodes()[e.Tail].Subgraph)
	}
	// subgraphs without query fields besides _entities cannot be entered
	assert.Equal(t, []string{"accounts", "products"}, entered)

	mutation, ok := g.Root(ast.Mutation)
	require.True(t, ok)
	require.Len(t, edgesOfKind(g, mutation.Index, SubgraphEntering), 1)
	_, ok = g.Root(ast.Subscription)
	assert.True(t, ok)
}

func TestQueryGraphFieldEdges(t *testing.T) {
	g, err := BuildQueryGraph(shopFixture.Supergraph(t))
	require.NoError(t, err)

	product := findNode(t, g, "Product", "inventory")
	assert.Equal(t, EntityNode, product.Kind)

	_, ok := g.FieldEdge(product.Index, "price")
	assert.False(t, ok, "external fields have no edge")

	e, ok := g.FieldEdge(product.Index, "shippingEstimate")
	require.True(t, ok)
	assert.True(t, e.hasConditions())
	assert.Equal(t, "{ price weight } ⊢ shippingEstimate", e.Label())
	assert.Equal(t, LeafNode, g.Nodes()[e.Tail].Kind)

	review := findNode(t, g, "Review", "reviews")
	assert.Equal(t, ObjectNode, review.Kind)
	e, ok = g.FieldEdge(review.Index, "product")
	require.True(t, ok)
	assert.Equal(t, findNode(t, g, "Product", "reviews").Index, e.Tail)
}

func TestQueryGraphKeyEdges(t *testing.T) {
	g, err := BuildQueryGraph(shopFixture.Supergraph(t))
	require.NoError(t, err)

	product := findNode(t, g, "Product", "reviews")
	var tails []string
	for _, e := range edgesOfKind(g, product.Index, KeyResolution) {
		assert.Equal(t, "key(upc)", e.Label())
		assert.Equal(t, "Product", g.Nodes()[e.Tail].Type)
		tails = append(tails, g.Nodes()[e.Tail].Subgraph)
	}
	assert.Equal(t, []string{"inventory", "products", "reviews"}, tails)
}

func TestQueryGraphUnresolvableKey(t *testing.T) {
	g, err := BuildQueryGraph(unreachableFixture.Supergraph(t))
	require.NoError(t, err)

	user := findNode(t, g, "User", "accounts")
	for _, e := range edgesOfKind(g, user.Index, KeyResolution) {
		assert.NotEqual(t, "secrets", g.Nodes()[e.Tail].Subgraph)
	}
}

func TestQueryGraphProvides(t *testing.T) {
	reviews, err := LoadSubgraph("reviews", "", `
	type Query { latest: Review }
	type Review { body: String author: User @provides(fields: "name") }
	type User @key(fields: "id") { id: ID! name: String @external }`)
	require.NoError(t, err)
	accounts, err := LoadSubgraph("accounts", "", `
	type Query { me: User }
	type User @key(fields: "id") { id: ID! name: String }`)
	require.NoError(t, err)
	sg, err := NewSupergraph(reviews, accounts)
	require.NoError(t, err)

	g, err := BuildQueryGraph(sg)
	require.NoError(t, err)

	review := findNode(t, g, "Review", "reviews")
	e, ok := g.FieldEdge(review.Index, "author")
	require.True(t, ok)
	provided := g.Nodes()[e.Tail]
	assert.Equal(t, 1, provided.ProvideID)
	assert.Equal(t, "User(reviews)#1", provided.String())
	_, ok = g.FieldEdge(provided.Index, "name")
	assert.True(t, ok)

	_, ok = g.FieldEdge(findNode(t, g, "User", "reviews").Index, "name")
	assert.False(t, ok)

	planner, err := NewQueryPlanner(sg, PlannerConfig{})
	require.NoError(t, err)
	doc := parseTestQuery(t, sg.Schema, "{ latest { body author { name } } }")
	plan, err := planner.BuildQueryPlan(context.Background(), doc, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"reviews"}, serviceNames(plan))
	assert.NoError(t, CheckQueryPlan(sg, doc, "", plan))
}

func TestQueryGraphAbstractTypes(t *testing.T) {
	s, err := LoadSubgraph("media", "", `
	type Query { search: [Result!]! }
	union Result = Book | Movie
	type Book { title: String }
	type Movie { title: String }`)
	require.NoError(t, err)
	sg, err := NewSupergraph(s)
	require.NoError(t, err)

	g, err := BuildQueryGraph(sg)
	require.NoError(t, err)
	result := findNode(t, g, "Result", "media")
	assert.Equal(t, AbstractNode, result.Kind)

	var targets []string
	for _, e := range edgesOfKind(g, result.Index, Downcast) {
		targets = append(targets, e.TypeCondition)
	}
	assert.Equal(t, []string{"Book", "Movie"}, targets)
}

func TestQueryGraphDump(t *testing.T) {
	g, err := BuildQueryGraph(shopFixture.Supergraph(t))
	require.NoError(t, err)

	data, err := json.Marshal(g)
	require.NoError(t, err)
	var dump GraphDump
	require.NoError(t, json.Unmarshal(data, &dump))
	assert.Len(t, dump.Nodes, len(g.Nodes()))
	assert.Len(t, dump.Edges, len(g.Edges()))

	var buf bytes.Buffer
	require.NoError(t, g.WriteDot(&buf))
	assert.Contains(t, buf.String(), `subgraph "cluster_inventory"`)
	assert.Contains(t, buf.String(), `label="key(upc)"`)
}

func TestQueryGraphIsDeterministic(t *testing.T) {
	g1, err := BuildQueryGraph(shopFixture.Supergraph(t))
	require.NoError(t, err)
	g2, err := BuildQueryGraph(shopFixture.Supergraph(t))
	require.NoError(t, err)

	assert.Equal(t, g1.Dump(), g2.Dump())
}
