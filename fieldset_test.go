package fedplan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fieldSetSchema = `
	type Query { user: User }
	type User {
		id: ID!
		organization(active: Boolean): Organization
	}
	type Organization {
		id: ID!
		region: String
	}`

func TestParseFieldSet(t *testing.T) {
	schema := loadSchema(t, fieldSetSchema)

	sels, err := ParseFieldSet(schema, "User", "id organization { id region }")
	require.NoError(t, err)
	require.Len(t, sels, 2)
	assert.Equal(t, "id", sels[0].Element.Name)
	assert.Equal(t, "User", sels[0].Element.ParentType)
	assert.Equal(t, "Organization", sels[1].Element.Definition.Type.Name())
	require.Len(t, sels[1].SelectionSet, 2)
	assert.Equal(t, "Organization", sels[1].SelectionSet[1].Element.ParentType)
	assert.Equal(t, "id organization { id region }", fieldSetString(sels))

	// element ids are unique within the field set
	ids := map[int]bool{}
	for _, s := range append(sels, sels[1].SelectionSet...) {
		assert.False(t, ids[s.Element.ID])
		ids[s.Element.ID] = true
	}
}

func TestParseFieldSetErrors(t *testing.T) {
	schema := loadSchema(t, fieldSetSchema)

	for fields, msg := range map[string]string{
		"nope":                              "field User.nope does not exist",
		"organization":                      "needs a selection",
		"id { x }":                          "leaf type cannot have a selection",
		"organization(active: true) { id }": "cannot have arguments",
		"id {":                              "cannot parse field set",
		"... on Nope { id }":                "unknown type condition",
		"...Frag":                           "unsupported selection",
	} {
		_, err := ParseFieldSet(schema, "User", fields)
		require.Error(t, err, fields)
		assert.Contains(t, err.Error(), msg, fields)
	}

	_, err := ParseFieldSet(schema, "Missing", "id")
	assert.EqualError(t, err, `unknown type "Missing"`)
}
