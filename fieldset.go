package fedplan

import (
	"fmt"

	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/parser"
)

// ParseFieldSet parses a _FieldSet string against a type of the schema.
func ParseFieldSet(schema *ast.Schema, typeName string, fields string) ([]*OpSelection, error) {
	parent := schema.Types[typeName]
	if parent == nil {
		return nil, fmt.Errorf("unknown type %q", typeName)
	}
	return parseFieldSet(schema, parent, fields)
}

// parseFieldSet parses a _FieldSet argument ("id organization { id }") and
// binds it to the given parent type of the schema.
func parseFieldSet(schema *ast.Schema, parent *ast.Definition, fields string) ([]*OpSelection, error) {
	doc, err := parser.ParseQuery(&ast.Source{Name: "fieldset", Input: "{" + fields + "}"})
	if err != nil {
		return nil, fmt.Errorf("cannot parse field set %q: %s", fields, err)
	}
	if len(doc.Operations) != 1 || len(doc.Fragments) > 0 {
		return nil, fmt.Errorf("invalid field set %q", fields)
	}
	ids := 0
	return bindFieldSet(schema, parent, doc.Operations[0].SelectionSet, &ids)
}

func bindFieldSet(schema *ast.Schema, parent *ast.Definition, set ast.SelectionSet, ids *int) ([]*OpSelection, error) {
	var result []*OpSelection
	for _, s := range set {
		switch s := s.(type) {
		case *ast.Field:
			def := fieldDefinition(parent, s.Name)
			if def == nil {
				return nil, fmt.Errorf("field %s.%s does not exist", parent.Name, s.Name)
			}
			if len(s.Arguments) > 0 {
				return nil, fmt.Errorf("field %s.%s cannot have arguments in a field set", parent.Name, s.Name)
			}
			elem := &OpElement{
				ID:         *ids,
				Alias:      s.Name,
				Name:       s.Name,
				Definition: def,
				ParentType: parent.Name,
			}
			*ids++
			sel := &OpSelection{Element: elem}
			target := schema.Types[def.Type.Name()]
			if isCompositeDefinition(target) {
				if len(s.SelectionSet) == 0 {
					return nil, fmt.Errorf("field %s.%s of composite type %s needs a selection", parent.Name, s.Name, target.Name)
				}
				sub, err := bindFieldSet(schema, target, s.SelectionSet, ids)
				if err != nil {
					return nil, err
				}
				sel.SelectionSet = sub
			} else if len(s.SelectionSet) > 0 {
				return nil, fmt.Errorf("field %s.%s of leaf type cannot have a selection", parent.Name, s.Name)
			}
			result = append(result, sel)
		case *ast.InlineFragment:
			target := parent
			if s.TypeCondition != "" {
				target = schema.Types[s.TypeCondition]
			}
			if !isCompositeDefinition(target) {
				return nil, fmt.Errorf("unknown type condition %q", s.TypeCondition)
			}
			elem := &OpElement{ID: *ids, TypeCondition: target.Name}
			*ids++
			sub, err := bindFieldSet(schema, target, s.SelectionSet, ids)
			if err != nil {
				return nil, err
			}
			result = append(result, &OpSelection{Element: elem, SelectionSet: sub})
		default:
			return nil, fmt.Errorf("unsupported selection in field set")
		}
	}
	return result, nil
}

// fieldSetString renders a bound field set back to its canonical form.
func fieldSetString(sels []*OpSelection) string {
	return formatOpSelections(sels)
}
