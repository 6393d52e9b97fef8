package fedplan

import (
	"fmt"
	"sort"
	"strings"

	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/parser"
	"github.com/vektah/gqlparser/v2/validator"
)

var federationPrelude = &ast.Source{
	Name:    "federation.graphql",
	BuiltIn: true,
	Input: `
scalar _Any
scalar _FieldSet
scalar FieldSet
scalar link__Import

enum link__Purpose {
	SECURITY
	EXECUTION
}

directive @link(url: String!, as: String, for: link__Purpose, import: [link__Import]) repeatable on SCHEMA
directive @key(fields: _FieldSet!, resolvable: Boolean = true) repeatable on OBJECT | INTERFACE
directive @requires(fields: _FieldSet!) on FIELD_DEFINITION
directive @provides(fields: _FieldSet!) on FIELD_DEFINITION
directive @external(reason: String) on OBJECT | FIELD_DEFINITION
directive @shareable repeatable on OBJECT | FIELD_DEFINITION
directive @extends on OBJECT | INTERFACE
directive @override(from: String!, label: String) on FIELD_DEFINITION
directive @inaccessible on FIELD_DEFINITION | OBJECT | INTERFACE | UNION | ARGUMENT_DEFINITION | SCALAR | ENUM | ENUM_VALUE | INPUT_OBJECT | INPUT_FIELD_DEFINITION
directive @tag(name: String!) repeatable on FIELD_DEFINITION | OBJECT | INTERFACE | UNION | ARGUMENT_DEFINITION | SCALAR | ENUM | ENUM_VALUE | INPUT_OBJECT | INPUT_FIELD_DEFINITION
directive @composeDirective(name: String!) repeatable on SCHEMA
directive @interfaceObject on OBJECT
`,
}

// Key is one @key directive of an entity type in a subgraph.
type Key struct {
	TypeName   string
	Fields     string
	Resolvable bool
	Selection  []*OpSelection
}

// FieldMetadata holds the federation directives applied to a field in
// one subgraph.
type FieldMetadata struct {
	External     bool
	Shareable    bool
	Inaccessible bool
	Override     string
	Requires     string
	Provides     string

	RequiresSelection []*OpSelection
	ProvidesSelection []*OpSelection
}

// Subgraph is one federated service with its federation metadata.
type Subgraph struct {
	Name   string
	URL    string
	SDL    string
	Schema *ast.Schema

	keys       map[string][]*Key
	fields     map[string]*FieldMetadata
	overridden map[string]bool
}

func fieldCoordinate(typeName, fieldName string) string {
	return typeName + "." + fieldName
}

// LoadSubgraph parses and validates a federation 2 subgraph schema.
func LoadSubgraph(name, url, sdl string) (*Subgraph, error) {
	if name == "" {
		return nil, schemaErrorf("", "subgraph name cannot be empty")
	}
	src := &ast.Source{Name: name + ".graphql", Input: sdl}

	raw, err := parser.ParseSchema(src)
	if err != nil {
		return nil, schemaErrorf(name, "invalid schema: %s", err)
	}
	extra, err := entitiesSource(name, raw)
	if err != nil {
		return nil, err
	}

	sources := []*ast.Source{validator.Prelude, federationPrelude, src}
	if extra != nil {
		sources = append(sources, extra)
	}
	doc, err := parser.ParseSchemas(sources...)
	if err != nil {
		return nil, schemaErrorf(name, "invalid schema: %s", err)
	}
	dedupeFederationDeclarations(doc)

	schema, err := validator.ValidateSchemaDocument(doc)
	if err != nil {
		return nil, schemaErrorf(name, "invalid schema: %s", err)
	}

	s := &Subgraph{
		Name:       name,
		URL:        url,
		SDL:        sdl,
		Schema:     schema,
		keys:       map[string][]*Key{},
		fields:     map[string]*FieldMetadata{},
		overridden: map[string]bool{},
	}
	if err := s.loadMetadata(); err != nil {
		return nil, err
	}
	return s, nil
}

// entitiesSource declares the _Entity union and the _entities root field
// for the entities of a subgraph, so that entity fetches validate against
// the subgraph schema.
func entitiesSource(subgraph string, doc *ast.SchemaDocument) (*ast.Source, error) {
	for _, sd := range append(append(ast.SchemaDefinitionList{}, doc.Schema...), doc.SchemaExtension...) {
		for _, ot := range sd.OperationTypes {
			if ot.Type != rootObjectName(ot.Operation) {
				return nil, schemaErrorf(subgraph, "root %s type must be named %s, got %s", ot.Operation, rootObjectName(ot.Operation), ot.Type)
			}
		}
	}

	var entities []string
	hasQuery := false
	for _, def := range doc.Definitions {
		switch {
		case def.Name == entityUnionName:
			return nil, nil
		case def.Name == queryObjectName && def.Kind == ast.Object:
			if def.Fields.ForName(entitiesFieldName) != nil {
				return nil, nil
			}
			hasQuery = true
		}
	}
	for _, def := range append(append(ast.DefinitionList{}, doc.Definitions...), doc.Extensions...) {
		if def.Kind == ast.Object && len(def.Directives.ForNames(keyDirectiveName)) > 0 {
			entities = append(entities, def.Name)
		}
	}
	entities = sortedUnique(entities)
	if len(entities) == 0 {
		return nil, nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "union %s = %s\n", entityUnionName, strings.Join(entities, " | "))
	if hasQuery {
		sb.WriteString("extend ")
	}
	fmt.Fprintf(&sb, "type %s {\n\t%s(%s: [%s!]!): [%s]!\n}\n",
		queryObjectName, entitiesFieldName, representationsArgName, anyScalarName, entityUnionName)

	return &ast.Source{Name: subgraph + ".entities.graphql", Input: sb.String()}, nil
}

// dedupeFederationDeclarations drops the redeclarations of federation
// directives and types that subgraphs commonly carry.
func dedupeFederationDeclarations(doc *ast.SchemaDocument) {
	seenDirectives := map[string]bool{}
	var directives ast.DirectiveDefinitionList
	for _, d := range doc.Directives {
		if seenDirectives[d.Name] {
			continue
		}
		seenDirectives[d.Name] = true
		directives = append(directives, d)
	}
	doc.Directives = directives

	seenTypes := map[string]bool{}
	var defs ast.DefinitionList
	for _, def := range doc.Definitions {
		if federationTypeNames[def.Name] {
			if seenTypes[def.Name] {
				continue
			}
			seenTypes[def.Name] = true
		}
		defs = append(defs, def)
	}
	doc.Definitions = defs
}

func (s *Subgraph) loadMetadata() error {
	for _, name := range sortedTypeNames(s.Schema) {
		def := s.Schema.Types[name]
		if def.BuiltIn || isGraphQLBuiltinName(name) {
			continue
		}
		if def.Directives.ForName(interfaceObjectDirectiveName) != nil {
			return schemaErrorf(s.Name, "@interfaceObject on %s is not supported", name)
		}
		for _, d := range def.Directives.ForNames(keyDirectiveName) {
			if def.Kind != ast.Object && def.Kind != ast.Interface {
				return schemaErrorf(s.Name, "@key is not allowed on %s %s", strings.ToLower(string(def.Kind)), name)
			}
			key, err := s.parseKey(def, d)
			if err != nil {
				return err
			}
			s.keys[name] = append(s.keys[name], key)
		}
		if def.Kind != ast.Object && def.Kind != ast.Interface {
			continue
		}

		typeExternal := def.Directives.ForName(externalDirectiveName) != nil
		typeShareable := def.Directives.ForName(shareableDirectiveName) != nil
		for _, f := range def.Fields {
			if isGraphQLBuiltinName(f.Name) || isFederationField(f.Name) {
				continue
			}
			meta := &FieldMetadata{
				External:     typeExternal || f.Directives.ForName(externalDirectiveName) != nil,
				Shareable:    typeShareable || f.Directives.ForName(shareableDirectiveName) != nil,
				Inaccessible: f.Directives.ForName(inaccessibleDirectiveName) != nil,
				Override:     directiveArgument(f.Directives.ForName(overrideDirectiveName), "from"),
				Requires:     directiveArgument(f.Directives.ForName(requiresDirectiveName), "fields"),
				Provides:     directiveArgument(f.Directives.ForName(providesDirectiveName), "fields"),
			}
			if meta.Requires != "" {
				sel, err := parseFieldSet(s.Schema, def, meta.Requires)
				if err != nil {
					return schemaErrorf(s.Name, "invalid @requires on %s.%s: %s", name, f.Name, err)
				}
				meta.RequiresSelection = sel
			}
			if meta.Provides != "" {
				target := s.Schema.Types[f.Type.Name()]
				if !isCompositeDefinition(target) {
					return schemaErrorf(s.Name, "@provides on %s.%s requires a composite type", name, f.Name)
				}
				sel, err := parseFieldSet(s.Schema, target, meta.Provides)
				if err != nil {
					return schemaErrorf(s.Name, "invalid @provides on %s.%s: %s", name, f.Name, err)
				}
				meta.ProvidesSelection = sel
			}
			s.fields[fieldCoordinate(name, f.Name)] = meta
		}
	}
	return nil
}

func (s *Subgraph) parseKey(def *ast.Definition, d *ast.Directive) (*Key, error) {
	fields := directiveArgument(d, "fields")
	if strings.TrimSpace(fields) == "" {
		return nil, schemaErrorf(s.Name, "@key on %s has an empty field set", def.Name)
	}
	sel, err := parseFieldSet(s.Schema, def, fields)
	if err != nil {
		return nil, schemaErrorf(s.Name, "invalid @key on %s: %s", def.Name, err)
	}
	return &Key{
		TypeName:   def.Name,
		Fields:     fields,
		Resolvable: directiveArgument(d, "resolvable") != "false",
		Selection:  sel,
	}, nil
}

func directiveArgument(d *ast.Directive, name string) string {
	if d == nil {
		return ""
	}
	arg := d.Arguments.ForName(name)
	if arg == nil || arg.Value == nil {
		return ""
	}
	return arg.Value.Raw
}

func sortedTypeNames(schema *ast.Schema) []string {
	names := make([]string, 0, len(schema.Types))
	for name := range schema.Types {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Keys returns all the keys declared for a type, resolvable or not.
func (s *Subgraph) Keys(typeName string) []*Key {
	return s.keys[typeName]
}

// ResolvableKeys returns the keys usable to enter the subgraph.
func (s *Subgraph) ResolvableKeys(typeName string) []*Key {
	var keys []*Key
	for _, k := range s.keys[typeName] {
		if k.Resolvable {
			keys = append(keys, k)
		}
	}
	return keys
}

// IsEntity reports whether the type has a @key in the subgraph.
func (s *Subgraph) IsEntity(typeName string) bool {
	return len(s.keys[typeName]) > 0
}

// Field returns the federation metadata of a field, or nil if the subgraph
// does not define it.
func (s *Subgraph) Field(typeName, fieldName string) *FieldMetadata {
	return s.fields[fieldCoordinate(typeName, fieldName)]
}

// Resolves reports whether the subgraph can resolve the field itself.
func (s *Subgraph) Resolves(typeName, fieldName string) bool {
	meta := s.Field(typeName, fieldName)
	if meta == nil {
		return false
	}
	return !meta.External && !s.overridden[fieldCoordinate(typeName, fieldName)]
}

func (s *Subgraph) hasRootFields(op ast.Operation) bool {
	def := rootDefinition(s.Schema, op)
	if def == nil {
		return false
	}
	for _, f := range def.Fields {
		if !isGraphQLBuiltinName(f.Name) && !isFederationField(f.Name) {
			return true
		}
	}
	return false
}
