package fedplan

import (
	"context"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/vektah/gqlparser/v2"
	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/gqlerror"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultFetchCost         = 1000
	defaultPipeliningCost    = 100
	defaultMaxEvaluatedPlans = 10000

	// maxDeferConditions bounds the number of @defer(if:) variables, each of
	// which doubles the planning work.
	maxDeferConditions = 4
)

// CostPolicy holds the constants of the plan cost model.
type CostPolicy struct {
	FetchCost         float64
	PipeliningCost    float64
	MaxEvaluatedPlans int
}

// DefaultCostPolicy returns the default cost model.
func DefaultCostPolicy() CostPolicy {
	return CostPolicy{
		FetchCost:         defaultFetchCost,
		PipeliningCost:    defaultPipeliningCost,
		MaxEvaluatedPlans: defaultMaxEvaluatedPlans,
	}
}

// PlannerConfig configures a QueryPlanner. Zero values use the defaults.
type PlannerConfig struct {
	MaxEvaluatedPlans   int           `json:"max-evaluated-plans" yaml:"max-evaluated-plans"`
	CheckCorrectness    bool          `json:"check-correctness" yaml:"check-correctness"`
	PlanTimeout         string        `json:"plan-timeout" yaml:"plan-timeout"`
	PlanTimeoutDuration time.Duration `json:"-" yaml:"-"`
	FetchCost           float64       `json:"fetch-cost" yaml:"fetch-cost"`
	PipeliningCost      float64       `json:"pipelining-cost" yaml:"pipelining-cost"`
}

func (c PlannerConfig) policy() CostPolicy {
	p := DefaultCostPolicy()
	if c.MaxEvaluatedPlans > 0 {
		p.MaxEvaluatedPlans = c.MaxEvaluatedPlans
	}
	if c.FetchCost > 0 {
		p.FetchCost = c.FetchCost
	}
	if c.PipeliningCost > 0 {
		p.PipeliningCost = c.PipeliningCost
	}
	return p
}

// QueryPlanner plans operations against a supergraph. It is immutable once
// built and safe for concurrent use.
type QueryPlanner struct {
	supergraph *Supergraph
	graph      *QueryGraph
	config     PlannerConfig
	policy     CostPolicy
	tracer     trace.Tracer
}

// NewQueryPlanner builds the query graph of the supergraph.
func NewQueryPlanner(sg *Supergraph, cfg PlannerConfig) (*QueryPlanner, error) {
	g, err := BuildQueryGraph(sg)
	if err != nil {
		return nil, err
	}
	return &QueryPlanner{
		supergraph: sg,
		graph:      g,
		config:     cfg,
		policy:     cfg.policy(),
		tracer:     otel.GetTracerProvider().Tracer(instrumentationName),
	}, nil
}

// Supergraph returns the supergraph the planner plans against.
func (p *QueryPlanner) Supergraph() *Supergraph {
	return p.supergraph
}

// Graph returns the query graph of the supergraph.
func (p *QueryPlanner) Graph() *QueryGraph {
	return p.graph
}

// Plan parses and validates query against the API schema and plans the
// selected operation.
func (p *QueryPlanner) Plan(ctx context.Context, query, operationName string) (*QueryPlan, error) {
	doc, errs := gqlparser.LoadQuery(p.supergraph.Schema, query)
	if errs != nil {
		return nil, errs
	}
	return p.BuildQueryPlan(ctx, doc, operationName)
}

// BuildQueryPlan plans an operation of an already validated document.
func (p *QueryPlanner) BuildQueryPlan(ctx context.Context, doc *ast.QueryDocument, operationName string) (*QueryPlan, error) {
	exp, err := p.Explain(ctx, doc, operationName)
	if err != nil {
		return nil, err
	}
	return exp.Plan, nil
}

// Explanation is a plan together with how it was found.
type Explanation struct {
	Plan *QueryPlan
	// Tree is the rendering of the chosen path tree(s).
	Tree           string
	EvaluatedPlans int
	Duration       time.Duration
}

// Explain plans an operation and reports the chosen path tree and the
// number of evaluated candidate plans.
func (p *QueryPlanner) Explain(ctx context.Context, doc *ast.QueryDocument, operationName string) (exp *Explanation, err error) {
	start := time.Now()
	ctx, span := p.tracer.Start(ctx, "Query Planning",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("graphql.operation.name", operationName)),
	)
	defer span.End()

	defer func() {
		duration := time.Since(start)
		kind := errorKind(err)
		promPlanDuration.WithLabelValues(kind).Observe(duration.Seconds())
		promPlanOutcomes.WithLabelValues(kind).Inc()
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return
		}
		exp.Duration = duration
		fetches := len(exp.Plan.Fetches())
		promPlanFetches.Observe(float64(fetches))
		promEvaluatedPlans.Observe(float64(exp.EvaluatedPlans))
		span.SetAttributes(
			attribute.Int("fedplan.fetches", fetches),
			attribute.Int("fedplan.evaluated_plans", exp.EvaluatedPlans),
		)
		log.WithFields(log.Fields{
			"operation": operationName,
			"fetches":   fetches,
			"evaluated": exp.EvaluatedPlans,
			"duration":  duration.String(),
		}).Debug("planned operation")
	}()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	def, err := selectOperation(doc, operationName)
	if err != nil {
		return nil, err
	}
	vars := deferVariables(doc, def)
	if len(vars) > maxDeferConditions {
		return nil, gqlerror.List{gqlerror.Errorf("operation uses %d @defer(if:) variables, at most %d are supported", len(vars), maxDeferConditions)}
	}

	exp, err = p.planDeferAssignments(ctx, doc, operationName, vars, map[string]bool{})
	if err != nil {
		return nil, err
	}

	if p.config.CheckCorrectness {
		if err := CheckQueryPlan(p.supergraph, doc, operationName, exp.Plan); err != nil {
			log.WithError(err).WithField("operation", operationName).Error("query plan failed the correctness check")
			return nil, err
		}
	}
	return exp, nil
}

// planDeferAssignments plans every assignment of the @defer(if:) variables
// and combines the plans with Condition nodes.
func (p *QueryPlanner) planDeferAssignments(ctx context.Context, doc *ast.QueryDocument, operationName string, vars []string, assignment map[string]bool) (*Explanation, error) {
	if len(vars) == 0 {
		return p.planOperation(ctx, doc, operationName, assignment)
	}
	v := vars[0]
	branch := func(value bool) (*Explanation, error) {
		next := make(map[string]bool, len(assignment)+1)
		for k, b := range assignment {
			next[k] = b
		}
		next[v] = value
		return p.planDeferAssignments(ctx, doc, operationName, vars[1:], next)
	}
	deferred, err := branch(true)
	if err != nil {
		return nil, err
	}
	inline, err := branch(false)
	if err != nil {
		return nil, err
	}
	return &Explanation{
		Plan: &QueryPlan{Node: &ConditionNode{
			Condition: v,
			If:        deferred.Plan.Node,
			Else:      inline.Plan.Node,
		}},
		Tree:           fmt.Sprintf("$%s:\n%s\n!$%s:\n%s", v, deferred.Tree, v, inline.Tree),
		EvaluatedPlans: deferred.EvaluatedPlans + inline.EvaluatedPlans,
	}, nil
}

func (p *QueryPlanner) planOperation(ctx context.Context, doc *ast.QueryDocument, operationName string, deferIf map[string]bool) (exp *Explanation, err error) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		if v, ok := r.(*InternalInvariantViolation); ok {
			err = v
		} else {
			err = invariantf("panic during planning: %v", r)
		}
		exp = nil
		log.WithError(err).WithField("operation", operationName).Error("query planner invariant violation")
	}()

	op, err := normalizeOperation(p.supergraph.Schema, doc, operationName, deferIf)
	if err != nil {
		return nil, err
	}
	root, ok := p.graph.Root(op.Kind)
	if !ok {
		return nil, gqlerror.List{gqlerror.Errorf("no subgraph defines %s root fields", op.Kind)}
	}

	resolver := newConditionResolver(p.graph, p.policy)
	defer func() {
		promConditionResolutions.WithLabelValues("hit").Add(float64(resolver.hits))
		promConditionResolutions.WithLabelValues("miss").Add(float64(resolver.misses))
	}()

	t := newTraversal(p.graph, resolver, p.policy, nil)
	t.visit([]*OpGraphPath{newOpGraphPath(p.graph, root.Index)}, op.SelectionSet, nil)
	if len(t.diagnostics) > 0 {
		return nil, &UnplannableOperationError{Diagnostics: t.diagnostics}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	tree, _, evaluated, err := t.bestTree(root.Index, func(tree *PathTree) (float64, error) {
		fg, err := buildFetchGraph(p.graph, op, tree, p.policy)
		if err != nil {
			return 0, err
		}
		return fg.Cost(), nil
	})
	if err != nil {
		return nil, err
	}
	if err := checkPathTree(tree); err != nil {
		return nil, err
	}

	fg, err := buildFetchGraph(p.graph, op, tree, p.policy)
	if err != nil {
		return nil, err
	}
	plan, err := fg.toPlan()
	if err != nil {
		return nil, err
	}
	return &Explanation{
		Plan:           plan,
		Tree:           strings.TrimSpace(tree.String()),
		EvaluatedPlans: evaluated,
	}, nil
}

// checkPathTree reports a cycle in the chosen tree as a planner bug.
func checkPathTree(tree *PathTree) error {
	if err := tree.CheckAcyclic(); err != nil {
		return invariantf("%v", err)
	}
	return nil
}
