package fedplan

import (
	"fmt"
	"sort"
	"strings"

	"github.com/vektah/gqlparser/v2/ast"
)

// NormalizedTypeCondition is a type condition together with the object
// types it matches.
type NormalizedTypeCondition struct {
	Name   string
	Ground []string
}

func typeCondition(schema *ast.Schema, name string) NormalizedTypeCondition {
	return NormalizedTypeCondition{Name: name, Ground: possibleObjectTypes(schema, name)}
}

// narrow restricts the condition to the object types of typeName.
func (c NormalizedTypeCondition) narrow(schema *ast.Schema, typeName string) NormalizedTypeCondition {
	return NormalizedTypeCondition{
		Name:   typeName,
		Ground: intersectStrings(c.Ground, possibleObjectTypes(schema, typeName)),
	}
}

func (c NormalizedTypeCondition) String() string {
	return c.Name + "[" + strings.Join(c.Ground, ",") + "]"
}

// Literal is the condition of a @include(if: $v) directive, or of a
// @skip(if: $v) directive when Negated.
type Literal struct {
	Variable string
	Negated  bool
}

func (l Literal) String() string {
	if l.Negated {
		return "!$" + l.Variable
	}
	return "$" + l.Variable
}

// Clause is a conjunction of literals, sorted by variable.
type Clause []Literal

func (c Clause) with(dirs ast.DirectiveList) Clause {
	if len(dirs) == 0 {
		return c
	}
	out := append(Clause(nil), c...)
	for _, d := range dirs {
		arg := d.Arguments.ForName("if")
		if arg == nil || arg.Value == nil || arg.Value.Kind != ast.Variable {
			continue
		}
		l := Literal{Variable: arg.Value.Raw, Negated: d.Name == skipDirectiveName}
		if !out.contains(l) {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Variable != out[j].Variable {
			return out[i].Variable < out[j].Variable
		}
		return !out[i].Negated && out[j].Negated
	})
	return out
}

func (c Clause) contains(l Literal) bool {
	for _, o := range c {
		if o == l {
			return true
		}
	}
	return false
}

func (c Clause) subsetOf(other Clause) bool {
	for _, l := range c {
		if !other.contains(l) {
			return false
		}
	}
	return true
}

func (c Clause) String() string {
	parts := make([]string, 0, len(c))
	for _, l := range c {
		parts = append(parts, l.String())
	}
	return strings.Join(parts, " && ")
}

// FieldSignature identifies the field producing a response key.
type FieldSignature struct {
	Name      string
	Arguments string
	Type      *ast.Type
}

// DefinitionVariant is one way a response key can be produced: by a field,
// for some object types, under some variable conditions.
type DefinitionVariant struct {
	TypeCondition NormalizedTypeCondition
	Clause        Clause
	Field         FieldSignature
	// Sub is nil for leaf fields.
	Sub *ResponseShape
}

func (v *DefinitionVariant) key() string {
	return v.TypeCondition.String() + "|" + v.Clause.String() + "|" + v.Field.Name + v.Field.Arguments + ": " + v.Field.Type.String()
}

func (v *DefinitionVariant) clone() *DefinitionVariant {
	c := *v
	if v.Sub != nil {
		c.Sub = v.Sub.clone()
	}
	return &c
}

// ResponseShape describes every possible content of a response object.
type ResponseShape struct {
	// Ground is the set of object types the object can have.
	Ground []string

	keys    []string
	entries map[string][]*DefinitionVariant
}

func newResponseShape(ground []string) *ResponseShape {
	return &ResponseShape{Ground: ground, entries: map[string][]*DefinitionVariant{}}
}

// Keys returns the response keys in insertion order.
func (s *ResponseShape) Keys() []string {
	return s.keys
}

// Variants returns the possible definitions of a response key.
func (s *ResponseShape) Variants(key string) []*DefinitionVariant {
	return s.entries[key]
}

func (s *ResponseShape) add(key string, v *DefinitionVariant) {
	k := v.key()
	for _, existing := range s.entries[key] {
		if existing.key() != k {
			continue
		}
		if v.Sub != nil {
			if existing.Sub == nil {
				existing.Sub = newResponseShape(nil)
			}
			existing.Sub.merge(v.Sub)
		}
		return
	}
	if _, ok := s.entries[key]; !ok {
		s.keys = append(s.keys, key)
	}
	s.entries[key] = append(s.entries[key], v.clone())
}

// addAll adds the variants of other, keeping the ground of s.
func (s *ResponseShape) addAll(other *ResponseShape) {
	for _, key := range other.keys {
		for _, v := range other.entries[key] {
			s.add(key, v)
		}
	}
}

func (s *ResponseShape) merge(other *ResponseShape) {
	s.Ground = sortedUnique(append(append([]string(nil), s.Ground...), other.Ground...))
	s.addAll(other)
}

func (s *ResponseShape) clone() *ResponseShape {
	c := newResponseShape(append([]string(nil), s.Ground...))
	c.addAll(s)
	return c
}

// at returns the objects found at a response path. "@" elements step into
// list items and are skipped.
func (s *ResponseShape) at(path []string) []*ResponseShape {
	current := []*ResponseShape{s}
	for _, key := range path {
		if key == "@" {
			continue
		}
		var next []*ResponseShape
		for _, c := range current {
			for _, v := range c.entries[key] {
				if v.Sub != nil {
					next = append(next, v.Sub)
				}
			}
		}
		current = next
	}
	return current
}

func (s *ResponseShape) String() string {
	var sb strings.Builder
	s.write(&sb, 0)
	return sb.String()
}

func (s *ResponseShape) write(sb *strings.Builder, level int) {
	sb.WriteString("{\n")
	for _, key := range s.keys {
		for _, v := range s.entries[key] {
			sb.WriteString(strings.Repeat("  ", level+1))
			fmt.Fprintf(sb, "%s -> %s on %s", key, v.Field.Name+v.Field.Arguments, v.TypeCondition)
			if len(v.Clause) > 0 {
				fmt.Fprintf(sb, " if %s", v.Clause)
			}
			if v.Sub != nil {
				sb.WriteString(" ")
				v.Sub.write(sb, level+1)
			}
			sb.WriteString("\n")
		}
	}
	sb.WriteString(strings.Repeat("  ", level))
	sb.WriteString("}")
}

// ComputeResponseShapeForOperation returns the shape of the response of an
// operation executed directly against schema.
func ComputeResponseShapeForOperation(schema *ast.Schema, doc *ast.QueryDocument, operationName string) (*ResponseShape, error) {
	op, err := normalizeOperation(schema, doc, operationName, nil)
	if err != nil {
		return nil, err
	}
	root := rootDefinition(schema, op.Kind)
	shape := newResponseShape([]string{root.Name})
	addShapeSelections(schema, shape, typeCondition(schema, root.Name), nil, op.SelectionSet)
	return shape, nil
}

// ComputeResponseShapeForEntityFetchOperation returns the shape of one
// entity of an _entities fetch.
func ComputeResponseShapeForEntityFetchOperation(schema *ast.Schema, doc *ast.QueryDocument) (*ResponseShape, error) {
	op, err := normalizeOperation(schema, doc, "", nil)
	if err != nil {
		return nil, err
	}
	for _, sel := range op.SelectionSet {
		if sel.Element.Name != entitiesFieldName {
			continue
		}
		shape := newResponseShape(possibleObjectTypes(schema, entityUnionName))
		addShapeSelections(schema, shape, typeCondition(schema, entityUnionName), nil, sel.SelectionSet)
		return shape, nil
	}
	return nil, fmt.Errorf("entity fetch does not select %s", entitiesFieldName)
}

func addShapeSelections(schema *ast.Schema, shape *ResponseShape, cond NormalizedTypeCondition, clause Clause, sels []*OpSelection) {
	for _, sel := range sels {
		elem := sel.Element
		if !elem.IsField() {
			narrowed := cond
			if elem.TypeCondition != "" && elem.TypeCondition != cond.Name {
				narrowed = cond.narrow(schema, elem.TypeCondition)
			}
			if len(narrowed.Ground) > 0 {
				addShapeSelections(schema, shape, narrowed, clause.with(elem.Directives), sel.SelectionSet)
			}
			continue
		}

		var args strings.Builder
		writeArguments(&args, elem.Arguments)
		t := elem.Definition.Type
		v := &DefinitionVariant{
			TypeCondition: cond,
			Clause:        clause.with(elem.Directives),
			Field:         FieldSignature{Name: elem.Name, Arguments: args.String(), Type: t},
		}
		if target := schema.Types[t.Name()]; isCompositeDefinition(target) {
			v.Sub = newResponseShape(possibleObjectTypes(schema, target.Name))
			addShapeSelections(schema, v.Sub, typeCondition(schema, target.Name), nil, sel.SelectionSet)
		}
		shape.add(elem.ResponseKey(), v)
	}
}

func intersectStrings(a, b []string) []string {
	var out []string
	for _, s := range a {
		if containsString(b, s) {
			out = append(out, s)
		}
	}
	return out
}

// looserThan reports whether a is nullable somewhere b is not.
func looserThan(a, b *ast.Type) bool {
	if a == nil || b == nil {
		return false
	}
	if b.NonNull && !a.NonNull {
		return true
	}
	return looserThan(a.Elem, b.Elem)
}
