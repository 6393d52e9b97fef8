package fedplan

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/vektah/gqlparser/v2"
	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/formatter"
)

const deferDirectiveSource = `directive @defer(if: Boolean = true, label: String) on FRAGMENT_SPREAD | INLINE_FRAGMENT`

// MergeSubgraphs merges the subgraph schemas into the API schema exposed to
// clients. Federation types, directives and internal fields are removed.
func MergeSubgraphs(subgraphs ...*Subgraph) (*ast.Schema, string, error) {
	if len(subgraphs) < 1 {
		return nil, "", fmt.Errorf("no source schemas")
	}

	merged := map[string]*ast.Definition{}
	owners := map[string]string{}
	for _, s := range subgraphs {
		if err := mergeTypes(merged, owners, s); err != nil {
			return nil, "", err
		}
	}
	if q := merged[queryObjectName]; q == nil || len(q.Fields) == 0 {
		return nil, "", fmt.Errorf("supergraph has no query fields")
	}

	names := make([]string, 0, len(merged))
	for name := range merged {
		names = append(names, name)
	}
	sort.Strings(names)

	doc := &ast.SchemaDocument{}
	for _, name := range names {
		def := merged[name]
		if (def.Kind == ast.Object || def.Kind == ast.Interface) && len(def.Fields) == 0 {
			continue
		}
		doc.Definitions = append(doc.Definitions, def)
	}

	var buf bytes.Buffer
	formatter.NewFormatter(&buf).FormatSchemaDocument(doc)
	sdl := buf.String()

	schema, err := gqlparser.LoadSchema(&ast.Source{Name: "supergraph.graphql", Input: sdl})
	if err != nil {
		return nil, "", fmt.Errorf("invalid merged schema: %w", err)
	}
	if schema.Directives[deferDirectiveName] == nil {
		schema, err = gqlparser.LoadSchema(
			&ast.Source{Name: "supergraph.graphql", Input: sdl},
			&ast.Source{Name: "defer.graphql", Input: deferDirectiveSource, BuiltIn: true},
		)
		if err != nil {
			return nil, "", fmt.Errorf("invalid merged schema: %w", err)
		}
	}
	return schema, sdl, nil
}

func mergeTypes(merged map[string]*ast.Definition, owners map[string]string, s *Subgraph) error {
	for _, name := range sortedTypeNames(s.Schema) {
		def := s.Schema.Types[name]
		if def.BuiltIn || isGraphQLBuiltinName(name) || isFederationTypeName(name) {
			continue
		}
		if def.Directives.ForName(inaccessibleDirectiveName) != nil {
			continue
		}

		existing, found := merged[name]
		if !found {
			merged[name] = &ast.Definition{
				Kind:        def.Kind,
				Description: def.Description,
				Name:        def.Name,
			}
			owners[name] = s.Name
			existing = merged[name]
		} else if existing.Kind != def.Kind {
			return fmt.Errorf("name collision: %s(%s) in %s conflicts with %s(%s) in %s",
				def.Name, def.Kind, s.Name, existing.Name, existing.Kind, owners[name])
		}
		if existing.Description == "" {
			existing.Description = def.Description
		}

		switch def.Kind {
		case ast.Object, ast.Interface:
			existing.Interfaces = mergeNames(existing.Interfaces, def.Interfaces)
			for _, f := range def.Fields {
				if isGraphQLBuiltinName(f.Name) || isFederationField(f.Name) {
					continue
				}
				if meta := s.Field(name, f.Name); meta != nil && (meta.External || meta.Inaccessible) {
					continue
				}
				if err := mergeField(existing, f, s.Name); err != nil {
					return err
				}
			}
		case ast.InputObject:
			for _, f := range def.Fields {
				if existing.Fields.ForName(f.Name) == nil {
					existing.Fields = append(existing.Fields, cleanField(f))
				}
			}
		case ast.Union:
			existing.Types = mergeNames(existing.Types, def.Types)
		case ast.Enum:
			for _, v := range def.EnumValues {
				if v.Directives.ForName(inaccessibleDirectiveName) != nil || existing.EnumValues.ForName(v.Name) != nil {
					continue
				}
				existing.EnumValues = append(existing.EnumValues, &ast.EnumValueDefinition{
					Description: v.Description,
					Name:        v.Name,
					Directives:  cleanDirectives(v.Directives),
				})
			}
		}
	}
	return nil
}

func mergeField(def *ast.Definition, f *ast.FieldDefinition, subgraph string) error {
	existing := def.Fields.ForName(f.Name)
	if existing == nil {
		def.Fields = append(def.Fields, cleanField(f))
		return nil
	}
	if !sameTypeShape(existing.Type, f.Type) {
		return fmt.Errorf("conflicting types for field %s.%s: %s and %s (in %s)",
			def.Name, f.Name, existing.Type.String(), f.Type.String(), subgraph)
	}
	existing.Type = looserType(existing.Type, f.Type)
	if existing.Description == "" {
		existing.Description = f.Description
	}
	return nil
}

func cleanField(f *ast.FieldDefinition) *ast.FieldDefinition {
	var args ast.ArgumentDefinitionList
	for _, a := range f.Arguments {
		if a.Directives.ForName(inaccessibleDirectiveName) != nil {
			continue
		}
		args = append(args, &ast.ArgumentDefinition{
			Description:  a.Description,
			Name:         a.Name,
			DefaultValue: a.DefaultValue,
			Type:         a.Type,
			Directives:   cleanDirectives(a.Directives),
		})
	}
	return &ast.FieldDefinition{
		Description:  f.Description,
		Name:         f.Name,
		Arguments:    args,
		DefaultValue: f.DefaultValue,
		Type:         copyType(f.Type),
		Directives:   cleanDirectives(f.Directives),
	}
}

func cleanDirectives(directives ast.DirectiveList) ast.DirectiveList {
	var res ast.DirectiveList
	for _, d := range directives {
		if allowedDirective(d.Name) {
			res = append(res, d)
		}
	}
	return res
}

func allowedDirective(name string) bool {
	return name == "deprecated" || name == "specifiedBy"
}

func mergeNames(a, b []string) []string {
	result := append([]string(nil), a...)
	for _, name := range b {
		if !containsString(result, name) {
			result = append(result, name)
		}
	}
	return result
}

// sameTypeShape compares two types ignoring nullability.
func sameTypeShape(a, b *ast.Type) bool {
	if (a.Elem == nil) != (b.Elem == nil) {
		return false
	}
	if a.Elem != nil {
		return sameTypeShape(a.Elem, b.Elem)
	}
	return a.NamedType == b.NamedType
}

// looserType returns the type that is nullable wherever one of a or b is.
func looserType(a, b *ast.Type) *ast.Type {
	t := &ast.Type{NamedType: a.NamedType, NonNull: a.NonNull && b.NonNull}
	if a.Elem != nil {
		t.Elem = looserType(a.Elem, b.Elem)
	}
	return t
}

func copyType(t *ast.Type) *ast.Type {
	if t == nil {
		return nil
	}
	return &ast.Type{NamedType: t.NamedType, Elem: copyType(t.Elem), NonNull: t.NonNull}
}
