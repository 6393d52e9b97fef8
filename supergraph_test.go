package fedplan

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadSubgraphMetadata(t *testing.T) {
	s, err := LoadSubgraph("inventory", "http://inventory", shopFixture.Subgraphs["inventory"])
	require.NoError(t, err)

	assert.True(t, s.IsEntity("Product"))
	require.Len(t, s.ResolvableKeys("Product"), 1)
	assert.Equal(t, "upc", s.Keys("Product")[0].Fields)

	assert.True(t, s.Field("Product", "price").External)
	assert.False(t, s.Resolves("Product", "price"))
	assert.True(t, s.Resolves("Product", "inStock"))

	meta := s.Field("Product", "shippingEstimate")
	require.NotNil(t, meta)
	assert.Equal(t, "price weight", meta.Requires)
	assert.Len(t, meta.RequiresSelection, 2)

	// the _entities field is declared for entity fetches
	assert.NotNil(t, s.Schema.Query.Fields.ForName("_entities"))
	assert.NotNil(t, s.Schema.Types["_Entity"])
}

func TestLoadSubgraphUnresolvableKey(t *testing.T) {
	s, err := LoadSubgraph("secrets", "", unreachableFixture.Subgraphs["secrets"])
	require.NoError(t, err)

	assert.True(t, s.IsEntity("User"))
	assert.Len(t, s.Keys("User"), 1)
	assert.Empty(t, s.ResolvableKeys("User"))
}

func TestLoadSubgraphErrors(t *testing.T) {
	cases := []struct {
		name string
		sdl  string
		msg  string
	}{
		{"syntax", "type Query {", "invalid schema"},
		{"unknown key field", `type Query { a: A } type A @key(fields: "nope") { id: ID! }`, "invalid @key on A"},
		{"empty key", `type Query { a: A } type A @key(fields: "") { id: ID! }`, "empty field set"},
		{"requires unknown field", `type Query { a: A } type A @key(fields: "id") { id: ID! b: Int @requires(fields: "c") }`, "invalid @requires on A.b"},
		{"provides on leaf", `type Query { a: Int @provides(fields: "x") }`, "requires a composite type"},
		{"interface object", `type Query { a: A } type A @key(fields: "id") @interfaceObject { id: ID! }`, "@interfaceObject"},
		{"renamed root", `schema { query: Root } type Root { a: Int }`, "must be named Query"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := LoadSubgraph("test", "", c.sdl)
			var schemaErr *SchemaConstructionError
			require.True(t, errors.As(err, &schemaErr), "got %v", err)
			assert.Equal(t, "test", schemaErr.Subgraph)
			assert.Contains(t, err.Error(), c.msg)
		})
	}

	_, err := LoadSubgraph("", "", "type Query { a: Int }")
	assert.Error(t, err)
}

func TestSupergraphMergesSubgraphs(t *testing.T) {
	sg := shopFixture.Supergraph(t)

	query := sg.Schema.Query
	require.NotNil(t, query)
	assert.NotNil(t, query.Fields.ForName("me"))
	assert.NotNil(t, query.Fields.ForName("topProducts"))
	assert.Nil(t, query.Fields.ForName("_entities"))
	assert.NotNil(t, sg.Schema.Mutation)
	assert.NotNil(t, sg.Schema.Subscription)

	product := sg.Schema.Types["Product"]
	require.NotNil(t, product)
	for _, f := range []string{"upc", "name", "price", "weight", "inStock", "shippingEstimate"} {
		assert.NotNil(t, product.Fields.ForName(f), f)
	}
	assert.Nil(t, sg.Schema.Types["_Entity"])
	assert.NotNil(t, sg.Schema.Directives["defer"])

	assert.Equal(t, []string{"products"}, sg.FieldSubgraphs("Product", "price"))
	assert.Equal(t, []string{"inventory"}, sg.FieldSubgraphs("Product", "shippingEstimate"))
	assert.ElementsMatch(t, []string{"accounts", "reviews"}, sg.FieldSubgraphs("User", "id"))
	assert.Contains(t, sg.SDL, "type Product")
}

func TestSupergraphOrdersSubgraphs(t *testing.T) {
	a, err := LoadSubgraph("a", "", "type Query { a: Int }")
	require.NoError(t, err)
	b, err := LoadSubgraph("b", "", "type Query { b: Int }")
	require.NoError(t, err)

	ab, err := NewSupergraph(a, b)
	require.NoError(t, err)
	ba, err := NewSupergraph(b, a)
	require.NoError(t, err)

	assert.Equal(t, ab.Hash(), ba.Hash())
	assert.Equal(t, ab.SDL, ba.SDL)
	assert.Equal(t, "a", ab.Subgraphs()[0].Name)
	assert.Same(t, b, ba.Subgraph("b"))
	assert.Nil(t, ab.Subgraph("c"))

	_, err = NewSupergraph(a, a)
	assert.Error(t, err)
}

func TestSupergraphHashChangesWithSchema(t *testing.T) {
	a1, err := LoadSubgraph("a", "", "type Query { a: Int }")
	require.NoError(t, err)
	a2, err := LoadSubgraph("a", "", "type Query { a: Int b: Int }")
	require.NoError(t, err)

	sg1, err := NewSupergraph(a1)
	require.NoError(t, err)
	sg2, err := NewSupergraph(a2)
	require.NoError(t, err)
	assert.NotEqual(t, sg1.Hash(), sg2.Hash())
}

func TestSupergraphOverride(t *testing.T) {
	a, err := LoadSubgraph("a", "", `
	type Query { p: Product }
	type Product @key(fields: "id") { id: ID! price: Int }`)
	require.NoError(t, err)
	b, err := LoadSubgraph("b", "", `
	type Product @key(fields: "id") { id: ID! price: Int @override(from: "a") }`)
	require.NoError(t, err)

	sg, err := NewSupergraph(a, b)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, sg.FieldSubgraphs("Product", "price"))
	assert.False(t, a.Resolves("Product", "price"))
}

func TestSupergraphConflictingFieldTypes(t *testing.T) {
	a, err := LoadSubgraph("a", "", `type Query { a: Int } type T @shareable { x: Int }`)
	require.NoError(t, err)
	b, err := LoadSubgraph("b", "", `type Query { b: Int } type T @shareable { x: String }`)
	require.NoError(t, err)

	_, err = NewSupergraph(a, b)
	var schemaErr *SchemaConstructionError
	require.True(t, errors.As(err, &schemaErr), "got %v", err)
	assert.Contains(t, err.Error(), "conflicting types for field T.x")
}

func TestMergeSubgraphsLoosensNullability(t *testing.T) {
	a, err := LoadSubgraph("a", "", `type Query { a: T } type T @shareable { x: Int! }`)
	require.NoError(t, err)
	b, err := LoadSubgraph("b", "", `type Query { b: T } type T @shareable { x: Int }`)
	require.NoError(t, err)

	schema, _, err := MergeSubgraphs(a, b)
	require.NoError(t, err)
	assert.Equal(t, "Int", schema.Types["T"].Fields.ForName("x").Type.String())
}

func TestMergeSubgraphsRemovesInaccessible(t *testing.T) {
	a, err := LoadSubgraph("a", "", `
	type Query { a: Int hidden: Int @inaccessible }
	type Secret @inaccessible { x: Int }`)
	require.NoError(t, err)

	schema, _, err := MergeSubgraphs(a)
	require.NoError(t, err)
	assert.Nil(t, schema.Query.Fields.ForName("hidden"))
	assert.Nil(t, schema.Types["Secret"])
}
