package fedplan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vektah/gqlparser/v2"
	"github.com/vektah/gqlparser/v2/ast"
)

func loadSchema(t *testing.T, input string) *ast.Schema {
	t.Helper()
	schema, err := gqlparser.LoadSchema(&ast.Source{Name: "schema", Input: input})
	require.NoError(t, err)
	return schema
}

const gizmoSchema = `
	type Gizmo {
		name: String!
		weight: Float!
		parts(first: Int): [Gizmo!]!
	}
	type Query {
		gizmo: Gizmo
	}`

func TestFormatSelectionSetVerySimple(t *testing.T) {
	schema := loadSchema(t, gizmoSchema)
	selectionSet := []ast.Selection{
		&ast.Field{
			Alias:            "gizmo",
			Name:             "gizmo",
			Definition:       schema.Query.Fields.ForName("gizmo"),
			ObjectDefinition: schema.Query,
			SelectionSet: []ast.Selection{
				&ast.Field{
					Alias:            "name",
					Name:             "name",
					Definition:       schema.Types["Gizmo"].Fields.ForName("name"),
					ObjectDefinition: schema.Types["Gizmo"],
				},
				&ast.Field{
					Alias:            "weight",
					Name:             "weight",
					Definition:       schema.Types["Gizmo"].Fields.ForName("weight"),
					ObjectDefinition: schema.Types["Gizmo"],
				},
			},
		},
	}
	assert.Equal(t, `{ gizmo { name weight } }`, formatSelectionSetSingleLine(selectionSet))
}

func TestFormatSelectionSetWithAliasAndArguments(t *testing.T) {
	set := parseSelectionSet(t, `{ g: gizmo { parts(first: 2) { name } } }`)
	assert.Equal(t, `{ g: gizmo { parts(first: 2) { name } } }`, formatSelectionSetSingleLine(set))
}

func TestFormatSelectionSetWithFragments(t *testing.T) {
	set := parseSelectionSet(t, `{ ... on Gizmo @include(if: $x) { __typename name } ...Named }`)
	assert.Equal(t, `{ ... on Gizmo @include(if: $x) { __typename name } ...Named }`, formatSelectionSetSingleLine(set))
}

func TestFormatSelectionSetMultiline(t *testing.T) {
	set := parseSelectionSet(t, `{ gizmo { name } }`)
	expected := "{\n    gizmo {\n        name\n    }\n}"
	assert.Equal(t, expected, formatSelectionSet(set))
}

func TestFormatQueryDocument(t *testing.T) {
	schema := loadSchema(t, gizmoSchema)
	doc := parseTestQuery(t, schema, `query Q { gizmo { name } }`)
	assert.Contains(t, formatQueryDocument(doc), "query Q {")
}

func TestFormatSchema(t *testing.T) {
	schema := loadSchema(t, gizmoSchema)
	assert.Contains(t, formatSchema(schema), "type Gizmo {")
}
