package fedplan

import (
	"fmt"
	"sort"
	"strings"

	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/gqlerror"
)

// OpElement is one element of a normalized operation: either a field or an
// inline fragment.
type OpElement struct {
	// ID is the pre-order position of the element in its operation.
	ID int

	Alias      string
	Name       string
	Arguments  ast.ArgumentList
	Definition *ast.FieldDefinition
	ParentType string

	TypeCondition string

	// Directives only holds @skip and @include conditioned on variables.
	Directives ast.DirectiveList
	Deferred   bool
	DeferID    string
	DeferLabel string
}

// IsField reports whether the element is a field.
func (e *OpElement) IsField() bool {
	return e.Name != ""
}

// ResponseKey is the alias of the field in the response.
func (e *OpElement) ResponseKey() string {
	if e.Alias != "" {
		return e.Alias
	}
	return e.Name
}

func (e *OpElement) isTypename() bool {
	return e.Name == typenameFieldName
}

// contentKey identifies elements that can be merged together.
func (e *OpElement) contentKey() string {
	var sb strings.Builder
	if e.IsField() {
		if e.Alias != "" && e.Alias != e.Name {
			sb.WriteString(e.Alias)
			sb.WriteString(": ")
		}
		sb.WriteString(e.Name)
		writeArguments(&sb, e.Arguments)
	} else {
		sb.WriteString("...")
		if e.TypeCondition != "" {
			sb.WriteString(" on ")
			sb.WriteString(e.TypeCondition)
		}
		if e.Deferred {
			fmt.Fprintf(&sb, " @defer(id: %s)", e.DeferID)
		}
	}
	writeDirectives(&sb, e.Directives)
	return sb.String()
}

func (e *OpElement) String() string {
	return e.contentKey()
}

// withoutDefer returns a copy of a fragment element that is no longer deferred.
func (e *OpElement) withoutDefer() *OpElement {
	c := *e
	c.Deferred = false
	c.DeferID = ""
	c.DeferLabel = ""
	return &c
}

// OpSelection is an element with its sub-selection.
type OpSelection struct {
	Element      *OpElement
	SelectionSet []*OpSelection
}

// Operation is a normalized executable operation.
type Operation struct {
	Name                string
	Kind                ast.Operation
	VariableDefinitions ast.VariableDefinitionList
	SelectionSet        []*OpSelection
	Defers              []*DeferInfo

	definition *ast.OperationDefinition
}

// DeferInfo describes one deferred fragment of an operation.
type DeferInfo struct {
	ID    string
	Label string
	Path  []string
}

func (o *Operation) deferInfo(id string) *DeferInfo {
	for _, d := range o.Defers {
		if d.ID == id {
			return d
		}
	}
	return nil
}

// selectOperation returns the operation definition to plan.
func selectOperation(doc *ast.QueryDocument, operationName string) (*ast.OperationDefinition, error) {
	if operationName != "" {
		op := doc.Operations.ForName(operationName)
		if op == nil {
			return nil, gqlerror.List{gqlerror.Errorf("operation %q not found", operationName)}
		}
		return op, nil
	}
	if len(doc.Operations) != 1 {
		return nil, gqlerror.List{gqlerror.Errorf("operation name is required when the document has %d operations", len(doc.Operations))}
	}
	return doc.Operations[0], nil
}

// deferVariables returns the variables used in @defer(if:) arguments.
func deferVariables(doc *ast.QueryDocument, op *ast.OperationDefinition) []string {
	var vars []string
	var walk func(set ast.SelectionSet)
	visited := map[string]bool{}
	collect := func(dirs ast.DirectiveList) {
		if d := dirs.ForName(deferDirectiveName); d != nil {
			if arg := d.Arguments.ForName("if"); arg != nil && arg.Value != nil && arg.Value.Kind == ast.Variable {
				vars = append(vars, arg.Value.Raw)
			}
		}
	}
	walk = func(set ast.SelectionSet) {
		for _, s := range set {
			switch s := s.(type) {
			case *ast.Field:
				walk(s.SelectionSet)
			case *ast.InlineFragment:
				collect(s.Directives)
				walk(s.SelectionSet)
			case *ast.FragmentSpread:
				collect(s.Directives)
				if visited[s.Name] {
					continue
				}
				visited[s.Name] = true
				if f := doc.Fragments.ForName(s.Name); f != nil {
					walk(f.SelectionSet)
				}
			}
		}
	}
	walk(op.SelectionSet)
	return sortedUnique(vars)
}

type normalizer struct {
	schema   *ast.Schema
	doc      *ast.QueryDocument
	deferIf  map[string]bool
	defers   []*DeferInfo
	deferSeq int
}

// normalizeOperation inlines fragments, evaluates constant @skip/@include,
// flattens redundant fragments and merges duplicate fields.
// deferIf assigns the variables used by @defer(if:).
func normalizeOperation(schema *ast.Schema, doc *ast.QueryDocument, operationName string, deferIf map[string]bool) (*Operation, error) {
	def, err := selectOperation(doc, operationName)
	if err != nil {
		return nil, err
	}
	root := rootDefinition(schema, def.Operation)
	if root == nil {
		return nil, gqlerror.List{gqlerror.Errorf("schema does not support %s operations", def.Operation)}
	}

	n := &normalizer{schema: schema, doc: doc, deferIf: deferIf}
	sels, err := n.selectionSet(root, def.SelectionSet, nil)
	if err != nil {
		return nil, err
	}
	ids := 0
	assignIDs(sels, &ids)

	return &Operation{
		Name:                def.Name,
		Kind:                def.Operation,
		VariableDefinitions: def.VariableDefinitions,
		SelectionSet:        sels,
		Defers:              n.defers,
		definition:          def,
	}, nil
}

func assignIDs(sels []*OpSelection, ids *int) {
	for _, s := range sels {
		s.Element.ID = *ids
		*ids++
		assignIDs(s.SelectionSet, ids)
	}
}

func (n *normalizer) selectionSet(parent *ast.Definition, set ast.SelectionSet, path []string) ([]*OpSelection, error) {
	var result []*OpSelection
	for _, s := range set {
		switch s := s.(type) {
		case *ast.Field:
			dirs, included := conditionalDirectives(s.Directives)
			if !included {
				continue
			}
			def := s.Definition
			if def == nil || def.Name != s.Name {
				def = fieldDefinition(parent, s.Name)
			}
			if def == nil {
				return nil, gqlerror.List{gqlerror.Errorf("cannot query field %q on type %q", s.Name, parent.Name)}
			}
			alias := s.Alias
			if alias == "" {
				alias = s.Name
			}
			elem := &OpElement{
				Alias:      alias,
				Name:       s.Name,
				Arguments:  s.Arguments,
				Definition: def,
				ParentType: parent.Name,
				Directives: dirs,
			}
			sel := &OpSelection{Element: elem}
			if target := n.schema.Types[def.Type.Name()]; isCompositeDefinition(target) {
				sub, err := n.selectionSet(target, s.SelectionSet, append(path, alias))
				if err != nil {
					return nil, err
				}
				sel.SelectionSet = sub
			}
			result = mergeOpSelection(result, sel)
		case *ast.InlineFragment:
			sels, err := n.fragment(parent, s.TypeCondition, s.Directives, s.SelectionSet, path)
			if err != nil {
				return nil, err
			}
			for _, sel := range sels {
				result = mergeOpSelection(result, sel)
			}
		case *ast.FragmentSpread:
			f := s.Definition
			if f == nil {
				f = n.doc.Fragments.ForName(s.Name)
			}
			if f == nil {
				return nil, gqlerror.List{gqlerror.Errorf("unknown fragment %q", s.Name)}
			}
			sels, err := n.fragment(parent, f.TypeCondition, s.Directives, f.SelectionSet, path)
			if err != nil {
				return nil, err
			}
			for _, sel := range sels {
				result = mergeOpSelection(result, sel)
			}
		}
	}
	return result, nil
}

func (n *normalizer) fragment(parent *ast.Definition, typeCondition string, directives ast.DirectiveList, set ast.SelectionSet, path []string) ([]*OpSelection, error) {
	dirs, included := conditionalDirectives(directives)
	if !included {
		return nil, nil
	}
	target := parent
	if typeCondition != "" {
		target = n.schema.Types[typeCondition]
		if target == nil {
			return nil, gqlerror.List{gqlerror.Errorf("unknown type %q", typeCondition)}
		}
	}
	deferred, label := n.isDeferred(directives)

	sub, err := n.selectionSet(target, set, path)
	if err != nil {
		return nil, err
	}
	if !deferred && len(dirs) == 0 && target.Name == parent.Name {
		return sub, nil
	}
	elem := &OpElement{TypeCondition: target.Name, Directives: dirs}
	if deferred {
		elem.Deferred = true
		elem.DeferID = fmt.Sprintf("%d", n.deferSeq)
		elem.DeferLabel = label
		n.deferSeq++
		n.defers = append(n.defers, &DeferInfo{
			ID:    elem.DeferID,
			Label: label,
			Path:  append([]string(nil), path...),
		})
	}
	return []*OpSelection{{Element: elem, SelectionSet: sub}}, nil
}

func (n *normalizer) isDeferred(directives ast.DirectiveList) (bool, string) {
	d := directives.ForName(deferDirectiveName)
	if d == nil {
		return false, ""
	}
	if arg := d.Arguments.ForName("if"); arg != nil && arg.Value != nil {
		switch arg.Value.Kind {
		case ast.BooleanValue:
			if arg.Value.Raw == "false" {
				return false, ""
			}
		case ast.Variable:
			if enabled, ok := n.deferIf[arg.Value.Raw]; ok && !enabled {
				return false, ""
			}
		}
	}
	return true, directiveArgument(d, "label")
}

// conditionalDirectives evaluates constant @skip/@include directives and
// returns the ones conditioned on variables.
func conditionalDirectives(directives ast.DirectiveList) (ast.DirectiveList, bool) {
	var kept ast.DirectiveList
	for _, d := range directives {
		if d.Name != skipDirectiveName && d.Name != includeDirectiveName {
			continue
		}
		arg := d.Arguments.ForName("if")
		if arg == nil || arg.Value == nil {
			continue
		}
		if arg.Value.Kind == ast.Variable {
			kept = append(kept, d)
			continue
		}
		value := arg.Value.Raw == "true"
		if (d.Name == skipDirectiveName) == value {
			return nil, false
		}
	}
	return kept, true
}

// mergeOpSelection adds a selection to a list, merging it with an existing
// selection of the same content.
func mergeOpSelection(list []*OpSelection, sel *OpSelection) []*OpSelection {
	key := sel.Element.contentKey()
	for _, existing := range list {
		if existing.Element.contentKey() == key {
			for _, sub := range sel.SelectionSet {
				existing.SelectionSet = mergeOpSelection(existing.SelectionSet, sub)
			}
			return list
		}
	}
	return append(list, sel)
}

// PathContext holds the @skip/@include conditions active on a path.
type PathContext struct {
	conditions []pathCondition
}

type pathCondition struct {
	variable string
	negated  bool
}

func (c PathContext) withDirectives(dirs ast.DirectiveList) PathContext {
	if len(dirs) == 0 {
		return c
	}
	conds := append([]pathCondition(nil), c.conditions...)
	for _, d := range dirs {
		arg := d.Arguments.ForName("if")
		if arg == nil || arg.Value == nil || arg.Value.Kind != ast.Variable {
			continue
		}
		cond := pathCondition{variable: arg.Value.Raw, negated: d.Name == skipDirectiveName}
		found := false
		for _, existing := range conds {
			if existing == cond {
				found = true
				break
			}
		}
		if !found {
			conds = append(conds, cond)
		}
	}
	sort.Slice(conds, func(i, j int) bool {
		if conds[i].variable != conds[j].variable {
			return conds[i].variable < conds[j].variable
		}
		return !conds[i].negated && conds[j].negated
	})
	return PathContext{conditions: conds}
}

func (c PathContext) key() string {
	parts := make([]string, 0, len(c.conditions))
	for _, cond := range c.conditions {
		if cond.negated {
			parts = append(parts, "!"+cond.variable)
		} else {
			parts = append(parts, cond.variable)
		}
	}
	return strings.Join(parts, ",")
}

func (c PathContext) String() string {
	return "[" + c.key() + "]"
}

func writeArguments(sb *strings.Builder, args ast.ArgumentList) {
	if len(args) == 0 {
		return
	}
	sb.WriteString("(")
	for i, arg := range args {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(arg.Name)
		sb.WriteString(": ")
		sb.WriteString(arg.Value.String())
	}
	sb.WriteString(")")
}

func writeDirectives(sb *strings.Builder, dirs ast.DirectiveList) {
	for _, d := range dirs {
		sb.WriteString(" @")
		sb.WriteString(d.Name)
		writeArguments(sb, d.Arguments)
	}
}

// formatOpSelections renders normalized selections on a single line.
func formatOpSelections(sels []*OpSelection) string {
	var sb strings.Builder
	for i, s := range sels {
		if i > 0 {
			sb.WriteString(" ")
		}
		sb.WriteString(s.Element.contentKey())
		if len(s.SelectionSet) > 0 {
			sb.WriteString(" { ")
			sb.WriteString(formatOpSelections(s.SelectionSet))
			sb.WriteString(" }")
		}
	}
	return sb.String()
}
