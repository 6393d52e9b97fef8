package fedplan

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/vektah/gqlparser/v2/ast"
)

// fetchGroup is one future fetch to a subgraph.
type fetchGroup struct {
	id       int
	fetchID  int
	subgraph string
	kind     ast.Operation
	isEntity bool
	mergeAt  []string
	deferRef string

	selection *selectionSet
	// inputs is the selection of the representations of an entity fetch.
	inputs  *selectionSet
	parents []*fetchGroup

	mutationOrder int
	removed       bool
}

func (g *fetchGroup) hasParent(p *fetchGroup) bool {
	for _, existing := range g.parents {
		if existing == p {
			return true
		}
	}
	return false
}

func (g *fetchGroup) addParent(p *fetchGroup) {
	if p == nil || p == g || g.hasParent(p) {
		return
	}
	g.parents = append(g.parents, p)
	sort.Slice(g.parents, func(i, j int) bool { return g.parents[i].id < g.parents[j].id })
}

func (g *fetchGroup) removeParent(p *fetchGroup) {
	for i, existing := range g.parents {
		if existing == p {
			g.parents = append(g.parents[:i:i], g.parents[i+1:]...)
			return
		}
	}
}

func (g *fetchGroup) String() string {
	return fmt.Sprintf("%s#%d", g.subgraph, g.id)
}

// FetchDependencyGraph groups the selections of a path tree into fetches,
// with the data dependencies between them.
type FetchDependencyGraph struct {
	graph  *QueryGraph
	op     *Operation
	policy CostPolicy

	groups       []*fetchGroup
	rootGroups   map[string]*fetchGroup
	entityGroups map[string]*fetchGroup
	mutations    []*fetchGroup
}

// entryPoint is set when a selection is the representation fragment of an
// entity fetch.
type entryPoint struct {
	key       *Key
	parent    *fetchGroup
	parentSel *selectionSet
}

type processContext struct {
	group     *fetchGroup
	sel       *selectionSet
	path      []string
	deferRef  string
	fragments []*OpElement
	entry     *entryPoint
	// touched collects the groups receiving condition data.
	touched map[*fetchGroup]bool
}

func (c processContext) touch(groups ...*fetchGroup) {
	if c.touched == nil {
		return
	}
	for _, g := range groups {
		if g != nil {
			c.touched[g] = true
		}
	}
}

func buildFetchGraph(g *QueryGraph, op *Operation, tree *PathTree, policy CostPolicy) (*FetchDependencyGraph, error) {
	fg := &FetchDependencyGraph{
		graph:        g,
		op:           op,
		policy:       policy,
		rootGroups:   map[string]*fetchGroup{},
		entityGroups: map[string]*fetchGroup{},
	}
	var err error
	if op.Kind == ast.Mutation {
		err = fg.processMutationRoot(tree)
	} else {
		err = fg.processTree(processContext{}, tree, 0)
	}
	if err != nil {
		return nil, err
	}
	fg.removeEmptyGroups()
	fg.mergeGroups()
	fg.reduceParents()
	if err := fg.sort(); err != nil {
		return nil, err
	}
	return fg, nil
}

func (fg *FetchDependencyGraph) newGroup(subgraph string, kind ast.Operation, isEntity bool, mergeAt []string, deferRef string) *fetchGroup {
	g := &fetchGroup{
		id:        len(fg.groups),
		subgraph:  subgraph,
		kind:      kind,
		isEntity:  isEntity,
		mergeAt:   append([]string(nil), mergeAt...),
		deferRef:  deferRef,
		selection: newSelectionSet(),
		inputs:    newSelectionSet(),
	}
	fg.groups = append(fg.groups, g)
	return g
}

func (fg *FetchDependencyGraph) rootGroup(subgraph, deferRef string) *fetchGroup {
	key := subgraph + "|" + deferRef
	if g, ok := fg.rootGroups[key]; ok {
		return g
	}
	g := fg.newGroup(subgraph, fg.op.Kind, false, nil, deferRef)
	fg.rootGroups[key] = g
	return g
}

func (fg *FetchDependencyGraph) entityGroup(subgraph string, path []string, deferRef string, parent *fetchGroup) *fetchGroup {
	key := fmt.Sprintf("%s|%s|%s|%d", subgraph, strings.Join(path, "."), deferRef, parent.id)
	if g, ok := fg.entityGroups[key]; ok {
		return g
	}
	g := fg.newGroup(subgraph, ast.Query, true, path, deferRef)
	fg.entityGroups[key] = g
	return g
}

func (fg *FetchDependencyGraph) live() []*fetchGroup {
	var groups []*fetchGroup
	for _, g := range fg.groups {
		if !g.removed {
			groups = append(groups, g)
		}
	}
	return groups
}

func (fg *FetchDependencyGraph) processTree(ctx processContext, tree *PathTree, i int) error {
	for _, c := range tree.children(i) {
		if err := fg.processChild(ctx, tree, c); err != nil {
			return err
		}
	}
	return nil
}

func (fg *FetchDependencyGraph) processChild(ctx processContext, tree *PathTree, c treeChild) error {
	if c.edge == noEdge {
		elem := c.element
		if ctx.group == nil {
			if elem.IsField() {
				return invariantf("field %s selected at the federated root", elem)
			}
			next := ctx
			next.fragments = append(append([]*OpElement(nil), ctx.fragments...), elem)
			if elem.Deferred {
				next.deferRef = elem.DeferID
			}
			return fg.processTree(next, tree, c.index)
		}
		if elem.IsField() {
			ctx.sel.add(elem, false)
			ctx.touch(ctx.group)
			return nil
		}
		next := ctx
		next.sel = ctx.sel.add(elem.withoutDefer(), true)
		next.entry = nil
		return fg.processTree(next, tree, c.index)
	}

	e := fg.graph.edge(c.edge)
	switch e.Kind {
	case SubgraphEntering:
		return fg.enterSubgraph(ctx, tree, c, fg.rootGroup(fg.graph.node(e.Tail).Subgraph, ctx.deferRef))
	case FieldCollection:
		if e.requires {
			return fg.processRequires(ctx, tree, c, e)
		}
		return fg.processField(ctx, tree, c, e)
	case Downcast:
		next := ctx
		next.sel = ctx.sel.add(c.element.withoutDefer(), true)
		next.entry = nil
		return fg.processTree(next, tree, c.index)
	case KeyResolution:
		return fg.processKey(ctx, tree, c, e)
	}
	return invariantf("unexpected edge %s", e.Label())
}

func (fg *FetchDependencyGraph) enterSubgraph(ctx processContext, tree *PathTree, c treeChild, group *fetchGroup) error {
	sel := group.selection
	root := fg.graph.node(fg.graph.edge(c.edge).Tail)
	for _, f := range ctx.fragments {
		f = f.withoutDefer()
		if len(f.Directives) == 0 && (f.TypeCondition == "" || f.TypeCondition == root.Type) {
			continue
		}
		sel = sel.add(f, true)
	}
	next := processContext{
		group:    group,
		sel:      sel,
		deferRef: ctx.deferRef,
		touched:  ctx.touched,
	}
	return fg.processTree(next, tree, c.index)
}

type mutationEntry struct {
	fragments []*OpElement
	deferRef  string
	entering  treeChild
	field     treeChild
}

// processMutationRoot creates one root fetch per run of consecutive
// mutation fields resolved by the same subgraph.
func (fg *FetchDependencyGraph) processMutationRoot(tree *PathTree) error {
	var entries []mutationEntry
	var walk func(i int, fragments []*OpElement, deferRef string)
	walk = func(i int, fragments []*OpElement, deferRef string) {
		for _, c := range tree.children(i) {
			if c.edge == noEdge {
				ref := deferRef
				if c.element.Deferred {
					ref = c.element.DeferID
				}
				walk(c.index, append(append([]*OpElement(nil), fragments...), c.element), ref)
				continue
			}
			for _, f := range tree.children(c.index) {
				entries = append(entries, mutationEntry{fragments: fragments, deferRef: deferRef, entering: c, field: f})
			}
		}
	}
	walk(0, nil, "")
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].field.order < entries[j].field.order })

	var last *fetchGroup
	for _, en := range entries {
		subgraph := fg.graph.node(fg.graph.edge(en.entering.edge).Tail).Subgraph
		if last == nil || last.subgraph != subgraph || last.deferRef != en.deferRef {
			last = fg.newGroup(subgraph, ast.Mutation, false, nil, en.deferRef)
			last.mutationOrder = len(fg.mutations)
			fg.mutations = append(fg.mutations, last)
		}
		sel := last.selection
		for _, f := range en.fragments {
			f = f.withoutDefer()
			if len(f.Directives) == 0 {
				continue
			}
			sel = sel.add(f, true)
		}
		ctx := processContext{group: last, sel: sel, deferRef: en.deferRef}
		if err := fg.processChild(ctx, tree, en.field); err != nil {
			return err
		}
	}
	return nil
}

func fieldPath(path []string, elem *OpElement, t *ast.Type) []string {
	next := append(append([]string(nil), path...), elem.ResponseKey())
	for i := 0; i < listDepth(t); i++ {
		next = append(next, "@")
	}
	return next
}

func (fg *FetchDependencyGraph) processField(ctx processContext, tree *PathTree, c treeChild, e *Edge) error {
	composite := fg.graph.node(e.Tail).Kind != LeafNode
	sub := ctx.sel.add(c.element, composite)
	ctx.touch(ctx.group)
	if !composite {
		return nil
	}
	next := ctx
	next.sel = sub
	next.path = fieldPath(ctx.path, c.element, e.Field.Type)
	next.entry = nil
	return fg.processTree(next, tree, c.index)
}

func (fg *FetchDependencyGraph) processKey(ctx processContext, tree *PathTree, c treeChild, e *Edge) error {
	head, tail := fg.graph.node(e.Head), fg.graph.node(e.Tail)
	if ctx.group == nil {
		return invariantf("key edge %s taken outside of a fetch", e.Label())
	}

	ctx.sel.addTypename(head.Type)
	ctx.touch(ctx.group)
	touched := map[*fetchGroup]bool{}
	if c.conditions != nil {
		cctx := ctx
		cctx.touched = touched
		cctx.entry = nil
		if err := fg.processTree(cctx, c.conditions, 0); err != nil {
			return err
		}
	}

	deferRef := ctx.deferRef
	if c.element != nil && c.element.Deferred {
		deferRef = c.element.DeferID
	}
	child := fg.entityGroup(tail.Subgraph, ctx.path, deferRef, ctx.group)
	child.addParent(ctx.group)
	for _, g := range sortedGroups(touched) {
		child.addParent(g)
		ctx.touch(g)
	}

	in := child.inputs.add(fragmentElement(tail.Type), true)
	in.addTypename(tail.Type)
	in.addAll(e.Key.Selection)

	next := processContext{
		group:    child,
		sel:      child.selection.add(fragmentElement(tail.Type), true),
		path:     ctx.path,
		deferRef: deferRef,
		entry:    &entryPoint{key: e.Key, parent: ctx.group, parentSel: ctx.sel},
		touched:  ctx.touched,
	}
	return fg.processTree(next, tree, c.index)
}

// processRequires places a field with @requires. Required fields that are
// local are fetched alongside the field. Otherwise the field moves to a
// new entity fetch depending on the fetches providing the requirements;
// requirements the parent fetch can resolve are added to it.
func (fg *FetchDependencyGraph) processRequires(ctx processContext, tree *PathTree, c treeChild, e *Edge) error {
	cond := c.conditions
	if cond == nil {
		return invariantf("field %s has requirements but no condition tree", fieldCoordinate(c.element.ParentType, c.element.Name))
	}
	if !cond.hasKeyHops() {
		if err := fg.processTree(ctx, cond, 0); err != nil {
			return err
		}
		return fg.processField(ctx, tree, c, e)
	}

	head := fg.graph.node(e.Head)
	touched := map[*fetchGroup]bool{}
	cctx := ctx
	cctx.touched = touched
	cctx.entry = nil

	if ctx.entry != nil && ctx.entry.parent != nil {
		parent := ctx.entry.parent
		pctx := processContext{
			group:    parent,
			sel:      ctx.entry.parentSel,
			path:     ctx.path,
			deferRef: ctx.deferRef,
			touched:  touched,
		}
		for _, cc := range cond.children(0) {
			if cc.edge != noEdge {
				ce := fg.graph.edge(cc.edge)
				if ce.Kind == KeyResolution && fg.graph.node(ce.Tail).Subgraph == parent.subgraph {
					pctx.touch(parent)
					if err := fg.processTree(pctx, cond, cc.index); err != nil {
						return err
					}
					continue
				}
			}
			if err := fg.processChild(cctx, cond, cc); err != nil {
				return err
			}
		}
	} else if err := fg.processTree(cctx, cond, 0); err != nil {
		return err
	}

	var key *Key
	if ctx.entry != nil {
		key = ctx.entry.key
		touched[ctx.entry.parent] = true
	} else {
		keys := fg.graph.subgraph(e.Head).ResolvableKeys(head.Type)
		if len(keys) == 0 {
			return invariantf("no key to fetch %s after its requirements", head)
		}
		key = keys[0]
		ctx.sel.addTypename(head.Type)
		ctx.sel.addAll(key.Selection)
		touched[ctx.group] = true
	}

	g := fg.newGroup(ctx.group.subgraph, ast.Query, true, ctx.path, ctx.deferRef)
	for _, p := range sortedGroups(touched) {
		g.addParent(p)
		ctx.touch(p)
	}
	ctx.touch(g)

	in := g.inputs.add(fragmentElement(head.Type), true)
	in.addTypename(head.Type)
	in.addAll(key.Selection)
	in.addAll(e.Conditions)

	next := ctx
	next.group = g
	next.sel = g.selection.add(fragmentElement(head.Type), true)
	next.entry = nil
	return fg.processField(next, tree, c, e)
}

func sortedGroups(set map[*fetchGroup]bool) []*fetchGroup {
	groups := make([]*fetchGroup, 0, len(set))
	for g := range set {
		groups = append(groups, g)
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].id < groups[j].id })
	return groups
}

// removeEmptyGroups drops the groups without fields; their children
// depend on their parents instead.
func (fg *FetchDependencyGraph) removeEmptyGroups() {
	for changed := true; changed; {
		changed = false
		for _, g := range fg.live() {
			if !g.selection.isEmpty() {
				continue
			}
			g.removed = true
			changed = true
			for _, h := range fg.live() {
				if !h.hasParent(g) {
					continue
				}
				h.removeParent(g)
				for _, p := range g.parents {
					h.addParent(p)
				}
			}
		}
	}
}

func sameStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func sameParents(a, b *fetchGroup) bool {
	if len(a.parents) != len(b.parents) {
		return false
	}
	for i := range a.parents {
		if a.parents[i] != b.parents[i] {
			return false
		}
	}
	return true
}

func canMerge(a, b *fetchGroup) bool {
	if a.kind == ast.Mutation || b.kind == ast.Mutation {
		return false
	}
	return a.subgraph == b.subgraph &&
		a.isEntity == b.isEntity &&
		a.kind == b.kind &&
		a.deferRef == b.deferRef &&
		sameStrings(a.mergeAt, b.mergeAt) &&
		sameParents(a, b)
}

// mergeGroups merges the groups fetching from the same subgraph at the same
// place with the same dependencies.
func (fg *FetchDependencyGraph) mergeGroups() {
	for changed := true; changed; {
		changed = false
		groups := fg.live()
	search:
		for i, g := range groups {
			for _, h := range groups[i+1:] {
				if canMerge(g, h) {
					fg.mergeInto(g, h)
					changed = true
					break search
				}
			}
		}
	}
}

func (fg *FetchDependencyGraph) mergeInto(g, h *fetchGroup) {
	g.selection.merge(h.selection)
	g.inputs.merge(h.inputs)
	h.removed = true
	for _, x := range fg.live() {
		if x.hasParent(h) {
			x.removeParent(h)
			x.addParent(g)
		}
	}
}

// reduceParents removes the parents that are ancestors of another parent.
func (fg *FetchDependencyGraph) reduceParents() {
	memo := map[*fetchGroup]map[*fetchGroup]bool{}
	var ancestors func(g *fetchGroup, visiting map[*fetchGroup]bool) map[*fetchGroup]bool
	ancestors = func(g *fetchGroup, visiting map[*fetchGroup]bool) map[*fetchGroup]bool {
		if a, ok := memo[g]; ok {
			return a
		}
		result := map[*fetchGroup]bool{}
		if visiting[g] {
			return result
		}
		visiting[g] = true
		for _, p := range g.parents {
			result[p] = true
			for a := range ancestors(p, visiting) {
				result[a] = true
			}
		}
		delete(visiting, g)
		memo[g] = result
		return result
	}

	groups := fg.live()
	for _, g := range groups {
		ancestors(g, map[*fetchGroup]bool{})
	}
	for _, g := range groups {
		var kept []*fetchGroup
		for _, p := range g.parents {
			redundant := false
			for _, q := range g.parents {
				if p != q && memo[q][p] {
					redundant = true
					break
				}
			}
			if !redundant {
				kept = append(kept, p)
			}
		}
		g.parents = kept
	}
}

// sort orders the groups topologically and assigns fetch ids. A cycle is a
// planner bug.
func (fg *FetchDependencyGraph) sort() error {
	groups := fg.live()
	indegree := map[*fetchGroup]int{}
	children := map[*fetchGroup][]*fetchGroup{}
	var ready []*fetchGroup
	for _, g := range groups {
		indegree[g] = len(g.parents)
		for _, p := range g.parents {
			if p.removed {
				return invariantf("group %s depends on removed group %s", g, p)
			}
			children[p] = append(children[p], g)
		}
		if len(g.parents) == 0 {
			ready = append(ready, g)
		}
	}

	var sorted []*fetchGroup
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool { return ready[i].id < ready[j].id })
		g := ready[0]
		ready = ready[1:]
		sorted = append(sorted, g)
		for _, c := range children[g] {
			indegree[c]--
			if indegree[c] == 0 {
				ready = append(ready, c)
			}
		}
	}
	if len(sorted) != len(groups) {
		var cyclic []string
		for _, g := range groups {
			if indegree[g] > 0 {
				cyclic = append(cyclic, g.String())
			}
		}
		return invariantf("cycle in fetch dependencies between %s", strings.Join(cyclic, ", "))
	}
	for i, g := range sorted {
		g.fetchID = i
	}
	var removed []*fetchGroup
	for _, g := range fg.groups {
		if g.removed {
			removed = append(removed, g)
		}
	}
	fg.groups = append(sorted, removed...)
	return nil
}

func (fg *FetchDependencyGraph) children(g *fetchGroup) []*fetchGroup {
	var children []*fetchGroup
	for _, c := range fg.live() {
		if c.hasParent(g) {
			children = append(children, c)
		}
	}
	return children
}

// Cost ranks candidate plans: every fetch costs FetchCost plus the size of
// its selection, and every level of dependent fetches adds PipeliningCost.
func (fg *FetchDependencyGraph) Cost() float64 {
	depth := map[*fetchGroup]int{}
	maxDepth := 0
	total := 0.0
	for _, g := range fg.live() {
		d := 1
		for _, p := range g.parents {
			if depth[p]+1 > d {
				d = depth[p] + 1
			}
		}
		depth[g] = d
		if d > maxDepth {
			maxDepth = d
		}
		total += fg.policy.FetchCost + float64(g.selection.size()+g.inputs.size())
	}
	return total + fg.policy.PipeliningCost*float64(maxDepth)
}

// FetchCount is the number of fetches of the graph.
func (fg *FetchDependencyGraph) FetchCount() int {
	return len(fg.live())
}

var invalidNameChars = regexp.MustCompile(`[^_0-9A-Za-z]`)

func (fg *FetchDependencyGraph) fetchNode(g *fetchGroup) *FetchNode {
	selection := g.selection.toAST()
	variables := sortedUnique(g.selection.variables(nil))

	def := &ast.OperationDefinition{Operation: g.kind}
	if fg.op.Name != "" {
		def.Name = fmt.Sprintf("%s__%s__%d", fg.op.Name, invalidNameChars.ReplaceAllString(g.subgraph, "_"), g.fetchID)
	}
	var requires ast.SelectionSet
	if g.isEntity {
		requires = g.inputs.toAST()
		def.VariableDefinitions = ast.VariableDefinitionList{{
			Variable: representationsArgName,
			Type:     ast.NonNullListType(ast.NonNullNamedType(anyScalarName, nil), nil),
		}}
		def.SelectionSet = ast.SelectionSet{&ast.Field{
			Alias: entitiesFieldName,
			Name:  entitiesFieldName,
			Arguments: ast.ArgumentList{{
				Name:  representationsArgName,
				Value: &ast.Value{Kind: ast.Variable, Raw: representationsArgName},
			}},
			SelectionSet: selection,
		}}
	} else {
		def.SelectionSet = selection
	}
	for _, v := range variables {
		if vd := fg.op.VariableDefinitions.ForName(v); vd != nil {
			def.VariableDefinitions = append(def.VariableDefinitions, vd)
		}
	}

	var url string
	if s := fg.graph.supergraph.Subgraph(g.subgraph); s != nil {
		url = s.URL
	}
	return &FetchNode{
		ID:             g.fetchID,
		ServiceName:    g.subgraph,
		ServiceURL:     url,
		OperationKind:  def.Operation,
		OperationName:  def.Name,
		Operation:      formatQueryDocument(&ast.QueryDocument{Operations: ast.OperationList{def}}),
		SelectionSet:   selection,
		Requires:       requires,
		VariableUsages: variables,
	}
}

func (fg *FetchDependencyGraph) planNode(g *fetchGroup) PlanNode {
	var node PlanNode = fg.fetchNode(g)
	if g.isEntity {
		return &FlattenNode{Path: append([]string(nil), g.mergeAt...), Node: node}
	}
	if d, ok := g.selection.commonCondition(); ok {
		arg := d.Arguments.ForName("if")
		if d.Name == includeDirectiveName {
			return &ConditionNode{Condition: arg.Value.Raw, If: node}
		}
		return &ConditionNode{Condition: arg.Value.Raw, Else: node}
	}
	return node
}

type planEmitter struct {
	fg        *FetchDependencyGraph
	processed map[*fetchGroup]bool
	inScope   func(*fetchGroup) bool
}

// processRoots emits the groups reachable from roots. A group with a
// single parent runs right after it; groups with several parents run in
// a later stage, once all their parents are done.
func (e *planEmitter) processRoots(roots, waiting []*fetchGroup) (PlanNode, []*fetchGroup) {
	var stages []PlanNode
	ready := roots
	for len(ready) > 0 {
		var nodes []PlanNode
		for _, g := range ready {
			node, rest := e.processGroup(g)
			nodes = append(nodes, node)
			for _, r := range rest {
				if !containsGroup(waiting, r) {
					waiting = append(waiting, r)
				}
			}
		}
		stages = append(stages, parallelNode(nodes))

		ready = nil
		var still []*fetchGroup
		for _, g := range waiting {
			if e.processed[g] {
				continue
			}
			if e.parentsDone(g) {
				ready = append(ready, g)
			} else {
				still = append(still, g)
			}
		}
		sort.Slice(ready, func(i, j int) bool { return ready[i].fetchID < ready[j].fetchID })
		waiting = still
	}
	return sequenceNode(stages), waiting
}

func (e *planEmitter) parentsDone(g *fetchGroup) bool {
	for _, p := range g.parents {
		if e.inScope(p) && !e.processed[p] {
			return false
		}
	}
	return true
}

func (e *planEmitter) processGroup(g *fetchGroup) (PlanNode, []*fetchGroup) {
	e.processed[g] = true
	node := e.fg.planNode(g)
	var nested []PlanNode
	var rest []*fetchGroup
	for _, c := range e.fg.children(g) {
		if !e.inScope(c) || e.processed[c] {
			continue
		}
		if len(c.parents) == 1 {
			n, r := e.processGroup(c)
			nested = append(nested, n)
			rest = append(rest, r...)
			continue
		}
		rest = append(rest, c)
	}
	if len(nested) > 0 {
		node = sequenceNode([]PlanNode{node, parallelNode(nested)})
	}
	return node, rest
}

func containsGroup(list []*fetchGroup, g *fetchGroup) bool {
	for _, existing := range list {
		if existing == g {
			return true
		}
	}
	return false
}

func sequenceNode(nodes []PlanNode) PlanNode {
	var flat []PlanNode
	for _, n := range nodes {
		switch n := n.(type) {
		case nil:
		case *SequenceNode:
			flat = append(flat, n.Nodes...)
		default:
			flat = append(flat, n)
		}
	}
	switch len(flat) {
	case 0:
		return nil
	case 1:
		return flat[0]
	}
	return &SequenceNode{Nodes: flat}
}

func parallelNode(nodes []PlanNode) PlanNode {
	var flat []PlanNode
	for _, n := range nodes {
		switch n := n.(type) {
		case nil:
		case *ParallelNode:
			flat = append(flat, n.Nodes...)
		default:
			flat = append(flat, n)
		}
	}
	switch len(flat) {
	case 0:
		return nil
	case 1:
		return flat[0]
	}
	return &ParallelNode{Nodes: flat}
}

// toPlan emits the query plan of the graph.
func (fg *FetchDependencyGraph) toPlan() (*QueryPlan, error) {
	groups := fg.live()
	e := &planEmitter{fg: fg, processed: map[*fetchGroup]bool{}}

	if fg.op.Kind == ast.Subscription {
		return fg.subscriptionPlan(e, groups)
	}

	e.inScope = func(g *fetchGroup) bool { return g.deferRef == "" }
	var main PlanNode
	var waiting []*fetchGroup
	if fg.op.Kind == ast.Mutation {
		var steps []PlanNode
		for _, m := range fg.mutations {
			if m.removed || m.deferRef != "" {
				continue
			}
			var node PlanNode
			node, waiting = e.processRoots([]*fetchGroup{m}, waiting)
			steps = append(steps, node)
		}
		main = sequenceNode(steps)
	} else {
		var roots []*fetchGroup
		for _, g := range groups {
			if e.inScope(g) && len(g.parents) == 0 {
				roots = append(roots, g)
			}
		}
		main, waiting = e.processRoots(roots, nil)
	}
	if len(waiting) > 0 {
		return nil, invariantf("fetches %s were never ready", groupNames(waiting))
	}

	var deferred []*DeferredNode
	for _, info := range fg.op.Defers {
		id := info.ID
		e.inScope = func(g *fetchGroup) bool { return g.deferRef == id }
		var roots []*fetchGroup
		depends := map[int]bool{}
		for _, g := range groups {
			if g.deferRef != id {
				continue
			}
			outside := true
			for _, p := range g.parents {
				if p.deferRef == id {
					outside = false
				} else {
					depends[p.fetchID] = true
				}
			}
			if outside {
				roots = append(roots, g)
			}
		}
		if len(roots) == 0 {
			continue
		}
		node, waiting := e.processRoots(roots, nil)
		if len(waiting) > 0 {
			return nil, invariantf("deferred fetches %s were never ready", groupNames(waiting))
		}
		ids := make([]int, 0, len(depends))
		for d := range depends {
			ids = append(ids, d)
		}
		sort.Ints(ids)
		deferred = append(deferred, &DeferredNode{
			ID:      id,
			Label:   info.Label,
			Path:    append([]string(nil), info.Path...),
			Depends: ids,
			Node:    node,
		})
	}

	if len(deferred) == 0 {
		return &QueryPlan{Node: main}, nil
	}
	return &QueryPlan{Node: &DeferNode{Primary: main, Deferred: deferred}}, nil
}

func (fg *FetchDependencyGraph) subscriptionPlan(e *planEmitter, groups []*fetchGroup) (*QueryPlan, error) {
	var primary *fetchGroup
	for _, g := range groups {
		if !g.isEntity && len(g.parents) == 0 {
			primary = g
			break
		}
	}
	if primary == nil {
		return &QueryPlan{}, nil
	}
	e.inScope = func(g *fetchGroup) bool { return g != primary }
	e.processed[primary] = true

	var roots []*fetchGroup
	for _, g := range groups {
		if g == primary {
			continue
		}
		if len(g.parents) == 0 || (len(g.parents) == 1 && g.parents[0] == primary) {
			roots = append(roots, g)
		}
	}
	var waiting []*fetchGroup
	for _, g := range groups {
		if g != primary && len(g.parents) > 1 {
			waiting = append(waiting, g)
		}
	}
	rest, waiting := e.processRoots(roots, waiting)
	if len(waiting) > 0 {
		return nil, invariantf("fetches %s were never ready", groupNames(waiting))
	}
	return &QueryPlan{Node: &SubscriptionNode{Primary: fg.fetchNode(primary), Rest: rest}}, nil
}

func groupNames(groups []*fetchGroup) string {
	names := make([]string, 0, len(groups))
	for _, g := range groups {
		names = append(names, g.String())
	}
	return strings.Join(names, ", ")
}
