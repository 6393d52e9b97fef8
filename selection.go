package fedplan

import (
	"github.com/vektah/gqlparser/v2/ast"
)

// selectionSet is the mutable selection of a fetch group. Items with the
// same content are merged, and items keep their insertion order.
type selectionSet struct {
	items []*selectionItem
	index map[string]int
}

type selectionItem struct {
	element *OpElement
	// sub is nil for leaf fields.
	sub *selectionSet
}

func newSelectionSet() *selectionSet {
	return &selectionSet{index: map[string]int{}}
}

func typenameElement(parentType string) *OpElement {
	return &OpElement{Alias: typenameFieldName, Name: typenameFieldName, ParentType: parentType}
}

func fragmentElement(typeName string) *OpElement {
	return &OpElement{TypeCondition: typeName}
}

// add returns the sub-selection of elem, adding elem if needed. Leaf
// elements return nil.
func (s *selectionSet) add(elem *OpElement, composite bool) *selectionSet {
	if elem.IsField() && elem.Alias == "" {
		c := *elem
		c.Alias = elem.Name
		elem = &c
	}
	key := elem.contentKey()
	if i, ok := s.index[key]; ok {
		item := s.items[i]
		if composite && item.sub == nil {
			item.sub = newSelectionSet()
		}
		return item.sub
	}
	item := &selectionItem{element: elem}
	if composite {
		item.sub = newSelectionSet()
	}
	s.index[key] = len(s.items)
	s.items = append(s.items, item)
	return item.sub
}

func (s *selectionSet) addTypename(parentType string) {
	s.add(typenameElement(parentType), false)
}

func (s *selectionSet) addAll(sels []*OpSelection) {
	for _, sel := range sels {
		sub := s.add(sel.Element, !sel.Element.IsField() || len(sel.SelectionSet) > 0)
		if sub != nil {
			sub.addAll(sel.SelectionSet)
		}
	}
}

func (s *selectionSet) merge(other *selectionSet) {
	for _, item := range other.items {
		sub := s.add(item.element, item.sub != nil)
		if sub != nil {
			sub.merge(item.sub)
		}
	}
}

func (s *selectionSet) size() int {
	total := 0
	for _, item := range s.items {
		total++
		if item.sub != nil {
			total += item.sub.size()
		}
	}
	return total
}

// isEmpty reports whether the selection has no field once empty fragments
// are ignored.
func (s *selectionSet) isEmpty() bool {
	for _, item := range s.items {
		if item.element.IsField() || (item.sub != nil && !item.sub.isEmpty()) {
			return false
		}
	}
	return true
}

// toAST renders the selection, dropping empty fragments. Composite fields
// whose sub-selection ended up empty select __typename.
func (s *selectionSet) toAST() ast.SelectionSet {
	var set ast.SelectionSet
	for _, item := range s.items {
		elem := item.element
		if !elem.IsField() {
			if item.sub == nil || item.sub.isEmpty() {
				continue
			}
			set = append(set, &ast.InlineFragment{
				TypeCondition: elem.TypeCondition,
				Directives:    elem.Directives,
				SelectionSet:  item.sub.toAST(),
			})
			continue
		}
		f := &ast.Field{
			Alias:      elem.ResponseKey(),
			Name:       elem.Name,
			Arguments:  elem.Arguments,
			Directives: elem.Directives,
			Definition: elem.Definition,
		}
		if item.sub != nil {
			f.SelectionSet = item.sub.toAST()
			if len(f.SelectionSet) == 0 {
				f.SelectionSet = ast.SelectionSet{&ast.Field{Alias: typenameFieldName, Name: typenameFieldName}}
			}
		}
		set = append(set, f)
	}
	return set
}

// commonCondition returns the variable @skip or @include shared by every
// top-level item, if any.
func (s *selectionSet) commonCondition() (*ast.Directive, bool) {
	var live []*selectionItem
	for _, item := range s.items {
		if item.element.IsField() || (item.sub != nil && !item.sub.isEmpty()) {
			live = append(live, item)
		}
	}
	if len(live) == 0 {
		return nil, false
	}
	for _, candidate := range live[0].element.Directives {
		shared := true
		for _, item := range live[1:] {
			if !hasDirective(item.element.Directives, candidate) {
				shared = false
				break
			}
		}
		if shared {
			return candidate, true
		}
	}
	return nil, false
}

func hasDirective(list ast.DirectiveList, d *ast.Directive) bool {
	for _, other := range list {
		if sameDirective(other, d) {
			return true
		}
	}
	return false
}

func sameDirective(a, b *ast.Directive) bool {
	if a.Name != b.Name {
		return false
	}
	av, bv := a.Arguments.ForName("if"), b.Arguments.ForName("if")
	return av != nil && bv != nil && av.Value.String() == bv.Value.String()
}

// variables appends the variables used by the arguments and directives of
// the selection.
func (s *selectionSet) variables(vars []string) []string {
	for _, item := range s.items {
		for _, arg := range item.element.Arguments {
			vars = valueVariables(arg.Value, vars)
		}
		for _, d := range item.element.Directives {
			for _, arg := range d.Arguments {
				vars = valueVariables(arg.Value, vars)
			}
		}
		if item.sub != nil {
			vars = item.sub.variables(vars)
		}
	}
	return vars
}

func valueVariables(v *ast.Value, vars []string) []string {
	if v == nil {
		return vars
	}
	if v.Kind == ast.Variable {
		return append(vars, v.Raw)
	}
	for _, child := range v.Children {
		vars = valueVariables(child.Value, vars)
	}
	return vars
}
