package fedplan

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vektah/gqlparser/v2"
	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/parser"
)

type PlannerTestFixture struct {
	Subgraphs map[string]string
	Config    PlannerConfig
}

var shopFixture = &PlannerTestFixture{
	Subgraphs: map[string]string{
		"accounts": `
		type Query {
			me: User
		}

		type User @key(fields: "id") {
			id: ID!
			name: String!
		}`,

		"reviews": `
		type User @key(fields: "id") {
			id: ID!
			reviews: [Review!]!
		}

		type Review {
			body: String!
			product: Product
		}

		type Product @key(fields: "upc") {
			upc: String!
		}

		type Mutation {
			addReview(body: String!): Review
		}

		type Subscription {
			reviewAdded: Review
		}`,

		"products": `
		type Query {
			topProducts(first: Int = 5): [Product!]!
		}

		type Product @key(fields: "upc") {
			upc: String!
			name: String
			price: Int
			weight: Int
		}`,

		"inventory": `
		type Product @key(fields: "upc") {
			upc: String!
			price: Int @external
			weight: Int @external
			inStock: Boolean
			shippingEstimate: Int @requires(fields: "price weight")
		}`,
	},
}

// unreachableFixture has a field that only a subgraph without a resolvable
// key defines.
var unreachableFixture = &PlannerTestFixture{
	Subgraphs: map[string]string{
		"accounts": `
		type Query {
			me: User
		}

		type User @key(fields: "id") {
			id: ID!
		}`,

		"secrets": `
		type Query {
			ping: Boolean
		}

		type User @key(fields: "id", resolvable: false) {
			id: ID!
			secret: String
		}`,
	},
}

func (f *PlannerTestFixture) subgraphs(t *testing.T) []*Subgraph {
	t.Helper()
	var subgraphs []*Subgraph
	for name, sdl := range f.Subgraphs {
		s, err := LoadSubgraph(name, "http://"+name, sdl)
		require.NoError(t, err, "loading %s", name)
		subgraphs = append(subgraphs, s)
	}
	return subgraphs
}

func (f *PlannerTestFixture) Supergraph(t *testing.T) *Supergraph {
	t.Helper()
	sg, err := NewSupergraph(f.subgraphs(t)...)
	require.NoError(t, err)
	return sg
}

func (f *PlannerTestFixture) Planner(t *testing.T) *QueryPlanner {
	t.Helper()
	planner, err := NewQueryPlanner(f.Supergraph(t), f.Config)
	require.NoError(t, err)
	return planner
}

// Plan plans query and checks the plan against the operation.
func (f *PlannerTestFixture) Plan(t *testing.T, query string) *QueryPlan {
	t.Helper()
	planner := f.Planner(t)
	doc := parseTestQuery(t, planner.Supergraph().Schema, query)
	plan, err := planner.BuildQueryPlan(context.Background(), doc, "")
	require.NoError(t, err)
	require.NoError(t, CheckQueryPlan(planner.Supergraph(), doc, "", plan), plan.String())
	return plan
}

func parseTestQuery(t *testing.T, schema *ast.Schema, query string) *ast.QueryDocument {
	t.Helper()
	doc, errs := gqlparser.LoadQuery(schema, query)
	require.Nil(t, errs)
	return doc
}

// selectionSet parses the selection set of a fetch or of its requirements.
func parseSelectionSet(t *testing.T, set string) ast.SelectionSet {
	t.Helper()
	doc, err := parser.ParseQuery(&ast.Source{Input: set})
	require.NoError(t, err)
	return doc.Operations[0].SelectionSet
}

func serviceNames(plan *QueryPlan) []string {
	var names []string
	for _, f := range plan.Fetches() {
		names = append(names, f.ServiceName)
	}
	return names
}

func singleLine(set ast.SelectionSet) string {
	return strings.TrimSpace(formatSelectionSetSingleLine(set))
}
