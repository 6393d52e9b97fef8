package fedplan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func keyEdge(t *testing.T, g *QueryGraph, typeName, from, to string) *Edge {
	t.Helper()
	head := findNode(t, g, typeName, from)
	for _, e := range edgesOfKind(g, head.Index, KeyResolution) {
		if g.Nodes()[e.Tail].Subgraph == to {
			return e
		}
	}
	t.Fatalf("no key edge for %s from %s to %s", typeName, from, to)
	return nil
}

func TestConditionResolverCachesResolutions(t *testing.T) {
	g, err := BuildQueryGraph(shopFixture.Supergraph(t))
	require.NoError(t, err)
	r := newConditionResolver(g, DefaultCostPolicy())
	e := keyEdge(t, g, "User", "accounts", "reviews")

	first := r.Resolve(e, PathContext{}, nil, nil)
	require.True(t, first.Satisfied)
	assert.False(t, first.PathTree.hasKeyHops())
	assert.Equal(t, 0, r.hits)
	assert.Equal(t, 1, r.misses)

	second := r.Resolve(e, PathContext{}, nil, nil)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, r.hits)

	// a different exclusion set is a different resolution
	r.Resolve(e, PathContext{}, excludedDestinations{"products"}, nil)
	assert.Equal(t, 2, r.misses)
}

func TestConditionResolverRequiresWithKeyHops(t *testing.T) {
	g, err := BuildQueryGraph(shopFixture.Supergraph(t))
	require.NoError(t, err)
	r := newConditionResolver(g, DefaultCostPolicy())

	product := findNode(t, g, "Product", "inventory")
	e, ok := g.FieldEdge(product.Index, "shippingEstimate")
	require.True(t, ok)

	res := r.Resolve(e, PathContext{}, nil, nil)
	require.True(t, res.Satisfied)
	assert.True(t, res.PathTree.hasKeyHops())
	assert.GreaterOrEqual(t, res.Cost, DefaultCostPolicy().FetchCost)

	// price and weight only live in products
	res = r.Resolve(e, PathContext{}, excludedDestinations{"products"}, nil)
	assert.False(t, res.Satisfied)
}

func TestConditionResolverDetectsCycles(t *testing.T) {
	g, err := BuildQueryGraph(shopFixture.Supergraph(t))
	require.NoError(t, err)
	r := newConditionResolver(g, DefaultCostPolicy())
	e := keyEdge(t, g, "User", "accounts", "reviews")

	res := r.Resolve(e, PathContext{}, nil, excludedConditions{conditionID(e)})
	assert.False(t, res.Satisfied)
	assert.Equal(t, ReasonExcludedCycle, res.Reason)
}

func TestConditionResolverRejectsUnconditionedEdges(t *testing.T) {
	g, err := BuildQueryGraph(shopFixture.Supergraph(t))
	require.NoError(t, err)
	r := newConditionResolver(g, DefaultCostPolicy())
	user := findNode(t, g, "User", "accounts")
	e, ok := g.FieldEdge(user.Index, "name")
	require.True(t, ok)

	assert.Panics(t, func() { r.Resolve(e, PathContext{}, nil, nil) })
}
