package fedplan

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/vektah/gqlparser/v2/ast"
)

// PlanNode is a node of a query plan.
type PlanNode interface {
	writeTo(w *planWriter)
}

// QueryPlan is the result of planning an operation. Node is nil when the
// operation needs no fetch.
type QueryPlan struct {
	Node PlanNode
}

// FetchNode sends one operation to one subgraph. Entity fetches carry the
// selection of the representations in Requires.
type FetchNode struct {
	ID             int
	ServiceName    string
	ServiceURL     string
	OperationKind  ast.Operation
	OperationName  string
	Operation      string
	SelectionSet   ast.SelectionSet
	Requires       ast.SelectionSet
	VariableUsages []string
}

// SequenceNode runs its nodes one after the other.
type SequenceNode struct {
	Nodes []PlanNode
}

// ParallelNode runs independent nodes concurrently.
type ParallelNode struct {
	Nodes []PlanNode
}

// FlattenNode applies its node to every object at Path. "@" stands for
// every element of a list.
type FlattenNode struct {
	Path []string
	Node PlanNode
}

// ConditionNode runs If when the variable is true and Else otherwise.
type ConditionNode struct {
	Condition string
	If        PlanNode
	Else      PlanNode
}

// DeferNode runs Primary and then the deferred nodes, each as soon as the
// fetches it depends on are done.
type DeferNode struct {
	Primary  PlanNode
	Deferred []*DeferredNode
}

type DeferredNode struct {
	ID      string
	Label   string
	Path    []string
	Depends []int
	Node    PlanNode
}

// SubscriptionNode subscribes with Primary and runs Rest for every event.
type SubscriptionNode struct {
	Primary *FetchNode
	Rest    PlanNode
}

// MarshalJSON marshals the plan to JSON
func (p *QueryPlan) MarshalJSON() ([]byte, error) {
	return json.Marshal(&struct {
		Kind string   `json:"kind"`
		Node PlanNode `json:"node,omitempty"`
	}{
		Kind: "QueryPlan",
		Node: p.Node,
	})
}

// MarshalJSON marshals the fetch to JSON
func (n *FetchNode) MarshalJSON() ([]byte, error) {
	var requires string
	if len(n.Requires) > 0 {
		requires = formatSelectionSetSingleLine(n.Requires)
	}
	variables := n.VariableUsages
	if variables == nil {
		variables = []string{}
	}
	return json.Marshal(&struct {
		Kind           string   `json:"kind"`
		ID             int      `json:"id"`
		ServiceName    string   `json:"serviceName"`
		OperationKind  string   `json:"operationKind"`
		OperationName  string   `json:"operationName,omitempty"`
		VariableUsages []string `json:"variableUsages"`
		Requires       string   `json:"requires,omitempty"`
		SelectionSet   string   `json:"selectionSet"`
		Operation      string   `json:"operation"`
	}{
		Kind:           "Fetch",
		ID:             n.ID,
		ServiceName:    n.ServiceName,
		OperationKind:  string(n.OperationKind),
		OperationName:  n.OperationName,
		VariableUsages: variables,
		Requires:       requires,
		SelectionSet:   formatSelectionSetSingleLine(n.SelectionSet),
		Operation:      n.Operation,
	})
}

func (n *SequenceNode) MarshalJSON() ([]byte, error) {
	return json.Marshal(&struct {
		Kind  string     `json:"kind"`
		Nodes []PlanNode `json:"nodes"`
	}{"Sequence", n.Nodes})
}

func (n *ParallelNode) MarshalJSON() ([]byte, error) {
	return json.Marshal(&struct {
		Kind  string     `json:"kind"`
		Nodes []PlanNode `json:"nodes"`
	}{"Parallel", n.Nodes})
}

func (n *FlattenNode) MarshalJSON() ([]byte, error) {
	return json.Marshal(&struct {
		Kind string   `json:"kind"`
		Path []string `json:"path"`
		Node PlanNode `json:"node"`
	}{"Flatten", n.Path, n.Node})
}

func (n *ConditionNode) MarshalJSON() ([]byte, error) {
	return json.Marshal(&struct {
		Kind      string   `json:"kind"`
		Condition string   `json:"condition"`
		If        PlanNode `json:"ifClause,omitempty"`
		Else      PlanNode `json:"elseClause,omitempty"`
	}{"Condition", n.Condition, n.If, n.Else})
}

func (n *DeferNode) MarshalJSON() ([]byte, error) {
	type primary struct {
		Node PlanNode `json:"node,omitempty"`
	}
	return json.Marshal(&struct {
		Kind     string          `json:"kind"`
		Primary  primary         `json:"primary"`
		Deferred []*DeferredNode `json:"deferred"`
	}{"Defer", primary{n.Primary}, n.Deferred})
}

func (n *DeferredNode) MarshalJSON() ([]byte, error) {
	depends := make([]map[string]int, 0, len(n.Depends))
	for _, id := range n.Depends {
		depends = append(depends, map[string]int{"id": id})
	}
	return json.Marshal(&struct {
		Depends []map[string]int `json:"depends"`
		Label   string           `json:"label,omitempty"`
		Path    []string         `json:"path"`
		Node    PlanNode         `json:"node,omitempty"`
	}{depends, n.Label, n.Path, n.Node})
}

func (n *SubscriptionNode) MarshalJSON() ([]byte, error) {
	return json.Marshal(&struct {
		Kind    string     `json:"kind"`
		Primary *FetchNode `json:"primary"`
		Rest    PlanNode   `json:"rest,omitempty"`
	}{"Subscription", n.Primary, n.Rest})
}

// Fetches returns the fetch nodes of the plan in depth-first order.
func (p *QueryPlan) Fetches() []*FetchNode {
	var fetches []*FetchNode
	walkPlan(p.Node, func(n PlanNode) {
		if f, ok := n.(*FetchNode); ok {
			fetches = append(fetches, f)
		}
	})
	return fetches
}

func walkPlan(n PlanNode, fn func(PlanNode)) {
	if n == nil {
		return
	}
	fn(n)
	switch n := n.(type) {
	case *SequenceNode:
		for _, c := range n.Nodes {
			walkPlan(c, fn)
		}
	case *ParallelNode:
		for _, c := range n.Nodes {
			walkPlan(c, fn)
		}
	case *FlattenNode:
		walkPlan(n.Node, fn)
	case *ConditionNode:
		walkPlan(n.If, fn)
		walkPlan(n.Else, fn)
	case *DeferNode:
		walkPlan(n.Primary, fn)
		for _, d := range n.Deferred {
			walkPlan(d.Node, fn)
		}
	case *SubscriptionNode:
		walkPlan(n.Primary, fn)
		walkPlan(n.Rest, fn)
	}
}

type planWriter struct {
	sb    strings.Builder
	level int
}

func (w *planWriter) line(s string) {
	w.sb.WriteString(strings.Repeat("  ", w.level))
	w.sb.WriteString(s)
	w.sb.WriteString("\n")
}

func (w *planWriter) block(header string, body func()) {
	w.line(header + " {")
	w.level++
	body()
	w.level--
	w.line("},")
}

func (w *planWriter) selection(set ast.SelectionSet) {
	for _, l := range strings.Split(formatSelectionSet(set), "\n") {
		w.line(l)
	}
}

func (w *planWriter) node(n PlanNode) {
	if n != nil {
		n.writeTo(w)
	}
}

// String renders the plan in a human readable form.
func (p *QueryPlan) String() string {
	w := &planWriter{}
	w.line("QueryPlan {")
	w.level++
	w.node(p.Node)
	w.level--
	w.line("}")
	return w.sb.String()
}

func (n *FetchNode) writeTo(w *planWriter) {
	w.block(fmt.Sprintf("Fetch(service: %q)", n.ServiceName), func() {
		if len(n.Requires) > 0 {
			lines := strings.Split(formatSelectionSet(n.Requires), "\n")
			lines[len(lines)-1] += " =>"
			for _, l := range lines {
				w.line(l)
			}
		}
		w.selection(n.SelectionSet)
	})
}

func (n *SequenceNode) writeTo(w *planWriter) {
	w.block("Sequence", func() {
		for _, c := range n.Nodes {
			w.node(c)
		}
	})
}

func (n *ParallelNode) writeTo(w *planWriter) {
	w.block("Parallel", func() {
		for _, c := range n.Nodes {
			w.node(c)
		}
	})
}

func (n *FlattenNode) writeTo(w *planWriter) {
	w.block(fmt.Sprintf("Flatten(path: %q)", strings.Join(n.Path, ".")), func() {
		w.node(n.Node)
	})
}

func (n *ConditionNode) writeTo(w *planWriter) {
	switch {
	case n.Else == nil:
		w.block(fmt.Sprintf("Include(if: $%s)", n.Condition), func() { w.node(n.If) })
	case n.If == nil:
		w.block(fmt.Sprintf("Skip(if: $%s)", n.Condition), func() { w.node(n.Else) })
	default:
		w.block(fmt.Sprintf("Condition(if: $%s)", n.Condition), func() {
			w.block("Then", func() { w.node(n.If) })
			w.block("Else", func() { w.node(n.Else) })
		})
	}
}

func (n *DeferNode) writeTo(w *planWriter) {
	w.block("Defer", func() {
		w.block("Primary", func() { w.node(n.Primary) })
		for _, d := range n.Deferred {
			depends := make([]string, 0, len(d.Depends))
			for _, id := range d.Depends {
				depends = append(depends, fmt.Sprintf("%d", id))
			}
			header := fmt.Sprintf("Deferred(depends: [%s], path: %q", strings.Join(depends, ", "), strings.Join(d.Path, "/"))
			if d.Label != "" {
				header += fmt.Sprintf(", label: %q", d.Label)
			}
			w.block(header+")", func() { w.node(d.Node) })
		}
	})
}

func (n *SubscriptionNode) writeTo(w *planWriter) {
	w.block("Subscription", func() {
		w.block("Primary", func() { w.node(n.Primary) })
		if n.Rest != nil {
			w.block("Rest", func() { w.node(n.Rest) })
		}
	})
}
