package fedplan

import (
	"sort"
	"strings"

	"github.com/vektah/gqlparser/v2/ast"
)

const (
	queryObjectName        = "Query"
	mutationObjectName     = "Mutation"
	subscriptionObjectName = "Subscription"

	typenameFieldName      = "__typename"
	entitiesFieldName      = "_entities"
	serviceFieldName       = "_service"
	entityUnionName        = "_Entity"
	anyScalarName          = "_Any"
	representationsArgName = "representations"

	keyDirectiveName             = "key"
	requiresDirectiveName        = "requires"
	providesDirectiveName        = "provides"
	externalDirectiveName        = "external"
	shareableDirectiveName       = "shareable"
	inaccessibleDirectiveName    = "inaccessible"
	overrideDirectiveName        = "override"
	interfaceObjectDirectiveName = "interfaceObject"

	skipDirectiveName    = "skip"
	includeDirectiveName = "include"
	deferDirectiveName   = "defer"
)

var operationKinds = []ast.Operation{ast.Query, ast.Mutation, ast.Subscription}

// federationTypeNames are the types declared by the federation prelude.
// Subgraphs often redeclare them, the first declaration wins.
var federationTypeNames = map[string]bool{
	anyScalarName:   true,
	"_FieldSet":     true,
	"FieldSet":      true,
	"link__Import":  true,
	"link__Purpose": true,
	entityUnionName: true,
	"_Service":      true,
}

func isGraphQLBuiltinName(s string) bool {
	return strings.HasPrefix(s, "__")
}

func isFederationField(name string) bool {
	return name == entitiesFieldName || name == serviceFieldName
}

func rootObjectName(op ast.Operation) string {
	switch op {
	case ast.Mutation:
		return mutationObjectName
	case ast.Subscription:
		return subscriptionObjectName
	default:
		return queryObjectName
	}
}

func rootDefinition(schema *ast.Schema, op ast.Operation) *ast.Definition {
	switch op {
	case ast.Mutation:
		return schema.Mutation
	case ast.Subscription:
		return schema.Subscription
	default:
		return schema.Query
	}
}

func isCompositeDefinition(def *ast.Definition) bool {
	return def != nil && (def.Kind == ast.Object || def.Kind == ast.Interface || def.Kind == ast.Union)
}

func isAbstractDefinition(def *ast.Definition) bool {
	return def != nil && (def.Kind == ast.Interface || def.Kind == ast.Union)
}

var typenameFieldDefinition = &ast.FieldDefinition{
	Name: typenameFieldName,
	Type: ast.NonNullNamedType("String", nil),
}

// fieldDefinition looks up a field on a definition, including __typename.
func fieldDefinition(def *ast.Definition, name string) *ast.FieldDefinition {
	if name == typenameFieldName {
		return typenameFieldDefinition
	}
	if def == nil {
		return nil
	}
	return def.Fields.ForName(name)
}

// possibleObjectTypes returns the sorted object type names a type can have
// at runtime in the given schema.
func possibleObjectTypes(schema *ast.Schema, typeName string) []string {
	def := schema.Types[typeName]
	if def == nil {
		return nil
	}
	if def.Kind == ast.Object {
		return []string{def.Name}
	}
	var names []string
	for _, pt := range schema.GetPossibleTypes(def) {
		if pt.Kind == ast.Object {
			names = append(names, pt.Name)
		}
	}
	return sortedUnique(names)
}

// listDepth returns the number of list wrappers around the named type.
func listDepth(t *ast.Type) int {
	depth := 0
	for t != nil && t.Elem != nil {
		depth++
		t = t.Elem
	}
	return depth
}

func sortedUnique(values []string) []string {
	if len(values) == 0 {
		return values
	}
	sorted := append([]string(nil), values...)
	sort.Strings(sorted)
	out := sorted[:1]
	for _, v := range sorted[1:] {
		if v != out[len(out)-1] {
			out = append(out, v)
		}
	}
	return out
}

func containsString(values []string, s string) bool {
	for _, v := range values {
		if v == s {
			return true
		}
	}
	return false
}
