package fedplan

import (
	"fmt"
	"strings"

	"github.com/vektah/gqlparser/v2"
	"github.com/vektah/gqlparser/v2/ast"
)

// ShapeViolation is a path where a plan does not produce what its
// operation asks for.
type ShapeViolation struct {
	Path    []string
	Message string
}

func (v ShapeViolation) String() string {
	if len(v.Path) == 0 {
		return v.Message
	}
	return strings.Join(v.Path, ".") + ": " + v.Message
}

// PathConstraint restricts the object types compared at a response path.
type PathConstraint interface {
	PossibleTypes(path []string, types []string) []string
}

type anyTypeConstraint struct{}

// AnyTypeConstraint compares every object type.
func AnyTypeConstraint() PathConstraint {
	return anyTypeConstraint{}
}

func (anyTypeConstraint) PossibleTypes(_ []string, types []string) []string {
	return types
}

type possibleTypesConstraint struct {
	schema *ast.Schema
}

// PossibleTypesConstraint only compares object types defined by schema.
func PossibleTypesConstraint(schema *ast.Schema) PathConstraint {
	return possibleTypesConstraint{schema: schema}
}

func (c possibleTypesConstraint) PossibleTypes(_ []string, types []string) []string {
	var out []string
	for _, t := range types {
		if def := c.schema.Types[t]; def != nil && def.Kind == ast.Object {
			out = append(out, t)
		}
	}
	return out
}

// CheckQueryPlan checks that executing plan would produce the response of
// the operation.
func CheckQueryPlan(sg *Supergraph, doc *ast.QueryDocument, operationName string, plan *QueryPlan) error {
	opShape, err := ComputeResponseShapeForOperation(sg.Schema, doc, operationName)
	if err != nil {
		return err
	}
	planShape, violations := InterpretQueryPlan(sg, plan)
	violations = append(violations, CompareResponseShapesWithConstraint(PossibleTypesConstraint(sg.Schema), planShape, opShape)...)
	if len(violations) > 0 {
		return &CorrectnessCheckFailure{Violations: violations}
	}
	return nil
}

type interpreter struct {
	sg         *Supergraph
	violations []ShapeViolation
}

// InterpretQueryPlan returns the response shape produced by executing a
// plan, along with the fetches that cannot be executed.
func InterpretQueryPlan(sg *Supergraph, plan *QueryPlan) (*ResponseShape, []ShapeViolation) {
	kind := ast.Query
	for _, f := range plan.Fetches() {
		if len(f.Requires) == 0 {
			kind = f.OperationKind
			break
		}
	}
	in := &interpreter{sg: sg}
	root := rootObjectName(kind)
	shape := in.node(plan.Node, newResponseShape([]string{root}))
	return shape, in.violations
}

func (in *interpreter) violation(path []string, format string, args ...interface{}) {
	in.violations = append(in.violations, ShapeViolation{
		Path:    append([]string(nil), path...),
		Message: fmt.Sprintf(format, args...),
	})
}

// node returns the state after executing n. state is never modified.
func (in *interpreter) node(n PlanNode, state *ResponseShape) *ResponseShape {
	switch n := n.(type) {
	case nil:
		return state
	case *FetchNode:
		return in.fetch(n, nil, state)
	case *FlattenNode:
		f, ok := n.Node.(*FetchNode)
		if !ok {
			in.violation(n.Path, "flatten node does not wrap a fetch")
			return state
		}
		return in.fetch(f, n.Path, state)
	case *SequenceNode:
		for _, c := range n.Nodes {
			state = in.node(c, state)
		}
		return state
	case *ParallelNode:
		return in.parallel(state, n.Nodes...)
	case *ConditionNode:
		return in.parallel(state, n.If, n.Else)
	case *DeferNode:
		state = in.node(n.Primary, state)
		for _, d := range n.Deferred {
			state = in.node(d.Node, state)
		}
		return state
	case *SubscriptionNode:
		if n.Primary != nil {
			state = in.fetch(n.Primary, nil, state)
		}
		return in.node(n.Rest, state)
	default:
		in.violation(nil, "unknown plan node %T", n)
		return state
	}
}

// parallel runs every node against the same state and merges the results.
func (in *interpreter) parallel(state *ResponseShape, nodes ...PlanNode) *ResponseShape {
	out := state.clone()
	for _, n := range nodes {
		if n == nil {
			continue
		}
		out.merge(in.node(n, state))
	}
	return out
}

func (in *interpreter) fetch(f *FetchNode, path []string, state *ResponseShape) *ResponseShape {
	s := in.sg.Subgraph(f.ServiceName)
	if s == nil {
		in.violation(path, "fetch %d targets unknown subgraph %q", f.ID, f.ServiceName)
		return state
	}
	doc, errs := gqlparser.LoadQuery(s.Schema, f.Operation)
	if errs != nil {
		in.violation(path, "fetch %d to %s is invalid: %s", f.ID, s.Name, errs.Error())
		return state
	}

	next := state.clone()
	if len(f.Requires) == 0 && len(path) == 0 {
		shape, err := ComputeResponseShapeForOperation(s.Schema, doc, "")
		if err != nil {
			in.violation(path, "fetch %d to %s: %s", f.ID, s.Name, err)
			return state
		}
		next.addAll(shape)
		return next
	}

	shape, err := ComputeResponseShapeForEntityFetchOperation(s.Schema, doc)
	if err != nil {
		in.violation(path, "fetch %d to %s: %s", f.ID, s.Name, err)
		return state
	}
	targets := next.at(path)
	if len(targets) == 0 {
		in.violation(path, "fetch %d to %s: no object at the flatten path", f.ID, s.Name)
		return state
	}
	for _, t := range targets {
		for _, missing := range in.missingRequires(t, f.Requires, nil, nil) {
			in.violation(append(append([]string(nil), path...), missing...), "fetch %d to %s requires a field that is not fetched before", f.ID, s.Name)
		}
		t.addAll(shape)
	}
	return next
}

// missingRequires returns the paths of the required fields absent from
// shape. types is nil when every object type is acceptable.
func (in *interpreter) missingRequires(shape *ResponseShape, set ast.SelectionSet, types []string, path []string) [][]string {
	var missing [][]string
	for _, sel := range set {
		switch sel := sel.(type) {
		case *ast.InlineFragment:
			narrowed := possibleObjectTypes(in.sg.Schema, sel.TypeCondition)
			if types != nil {
				narrowed = intersectStrings(types, narrowed)
			}
			missing = append(missing, in.missingRequires(shape, sel.SelectionSet, narrowed, path)...)
		case *ast.Field:
			key := sel.Alias
			if key == "" {
				key = sel.Name
			}
			fieldPath := append(append([]string(nil), path...), key)
			var sub *ResponseShape
			found := false
			for _, v := range shape.entries[key] {
				if types != nil && len(intersectStrings(types, v.TypeCondition.Ground)) == 0 {
					continue
				}
				found = true
				if v.Sub != nil {
					if sub == nil {
						sub = newResponseShape(nil)
					}
					sub.merge(v.Sub)
				}
			}
			switch {
			case !found:
				missing = append(missing, fieldPath)
			case len(sel.SelectionSet) > 0 && sub == nil:
				missing = append(missing, fieldPath)
			case len(sel.SelectionSet) > 0:
				missing = append(missing, in.missingRequires(sub, sel.SelectionSet, nil, fieldPath)...)
			}
		}
	}
	return missing
}

type shapeComparer struct {
	constraint PathConstraint
	violations []ShapeViolation
	seen       map[string]bool
}

// CompareResponseShapesWithConstraint reports the paths where the plan
// shape is not subsumed by the operation shape. Fields of the plan shape
// that the operation does not select are internal to the plan and ignored.
func CompareResponseShapesWithConstraint(constraint PathConstraint, plan, op *ResponseShape) []ShapeViolation {
	c := &shapeComparer{constraint: constraint, seen: map[string]bool{}}
	c.compare(nil, plan, op, plan.Ground)
	return c.violations
}

func (c *shapeComparer) violation(path []string, format string, args ...interface{}) {
	v := ShapeViolation{Path: path, Message: fmt.Sprintf(format, args...)}
	if c.seen[v.String()] {
		return
	}
	c.seen[v.String()] = true
	c.violations = append(c.violations, v)
}

func (c *shapeComparer) compare(path []string, plan, op *ResponseShape, possible []string) {
	for _, key := range op.keys {
		// the executor answers the root __typename itself
		if len(path) == 0 && key == typenameFieldName {
			continue
		}
		keyPath := append(append([]string(nil), path...), key)
		for _, ov := range op.entries[key] {
			types := c.constraint.PossibleTypes(keyPath, intersectStrings(ov.TypeCondition.Ground, possible))
			for _, t := range types {
				c.compareVariant(keyPath, t, plan.entries[key], ov)
			}
		}
	}
}

func (c *shapeComparer) compareVariant(path []string, typeName string, planVariants []*DefinitionVariant, ov *DefinitionVariant) {
	var matched []*DefinitionVariant
	for _, pv := range planVariants {
		if containsString(pv.TypeCondition.Ground, typeName) && pv.Clause.subsetOf(ov.Clause) {
			matched = append(matched, pv)
		}
	}
	if len(matched) == 0 {
		c.violation(path, "%s is not fetched for %s", ov.Field.Name, typeName)
		return
	}

	var sub *ResponseShape
	for _, pv := range matched {
		switch {
		case pv.Field.Name != ov.Field.Name || pv.Field.Arguments != ov.Field.Arguments:
			c.violation(path, "plan produces %s%s instead of %s%s", pv.Field.Name, pv.Field.Arguments, ov.Field.Name, ov.Field.Arguments)
			continue
		case !sameTypeShape(pv.Field.Type, ov.Field.Type):
			c.violation(path, "plan produces type %s instead of %s", pv.Field.Type, ov.Field.Type)
			continue
		case looserThan(pv.Field.Type, ov.Field.Type):
			c.violation(path, "plan type %s is nullable where %s is not", pv.Field.Type, ov.Field.Type)
		}
		if pv.Sub != nil {
			if sub == nil {
				sub = newResponseShape(nil)
			}
			sub.merge(pv.Sub)
		}
	}
	if ov.Sub == nil {
		return
	}
	if sub == nil {
		c.violation(path, "plan does not select the fields of %s", ov.Field.Name)
		return
	}
	c.compare(path, sub, ov.Sub, sub.Ground)
}
