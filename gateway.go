package fedplan

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/99designs/gqlgen/graphql"
	log "github.com/sirupsen/logrus"
	"github.com/vektah/gqlparser/v2"
	"github.com/vektah/gqlparser/v2/gqlerror"
)

// Gateway serves the plans of the current supergraph over HTTP.
type Gateway struct {
	registry *Registry
}

// NewGateway returns the planner service
func NewGateway(registry *Registry) *Gateway {
	return &Gateway{registry: registry}
}

// Router returns the public router: POST /plan.
func (g *Gateway) Router(cfg *Config) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/plan",
		applyMiddleware(
			g.planHandler(cfg.Planner.PlanTimeoutDuration),
			debugMiddleware,
		),
	)

	mws := []middleware{requestIDMiddleware, monitoringMiddleware}
	if len(cfg.AllowedOrigins) > 0 {
		mws = append(mws, corsMiddleware(cfg.AllowedOrigins))
	}
	mws = append(mws, tracingMiddleware)
	return applyMiddleware(mux, mws...)
}

// PrivateRouter returns the router for the supergraph schema, the query
// graph and health checks.
func (g *Gateway) PrivateRouter() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/schema", func(w http.ResponseWriter, r *http.Request) {
		planner := g.registry.Current()
		if planner == nil {
			http.Error(w, "no supergraph loaded", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte(planner.Supergraph().SDL))
	})
	mux.HandleFunc("/graph", func(w http.ResponseWriter, r *http.Request) {
		planner := g.registry.Current()
		if planner == nil {
			http.Error(w, "no supergraph loaded", http.StatusServiceUnavailable)
			return
		}
		if r.URL.Query().Get("format") == "json" {
			writeJSON(w, http.StatusOK, planner.Graph())
			return
		}
		w.Header().Set("Content-Type", "text/vnd.graphviz; charset=utf-8")
		if err := planner.Graph().WriteDot(w); err != nil {
			log.WithError(err).Error("error writing query graph")
		}
	})
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if g.registry.Current() == nil {
			http.Error(w, "no supergraph loaded", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok"))
	})
	return applyMiddleware(mux, monitoringMiddleware)
}

type planResponse struct {
	Plan       *QueryPlan             `json:"plan,omitempty"`
	Text       string                 `json:"text,omitempty"`
	Errors     gqlerror.List          `json:"errors,omitempty"`
	Extensions map[string]interface{} `json:"extensions,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Error("error encoding response")
	}
}

func writeErrors(w http.ResponseWriter, status int, errs gqlerror.List) {
	writeJSON(w, status, planResponse{Errors: errs})
}

func (g *Gateway) planHandler(timeout time.Duration) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeErrors(w, http.StatusMethodNotAllowed, gqlerror.List{gqlerror.Errorf("plan requests must use POST")})
			return
		}
		var params graphql.RawParams
		if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
			writeErrors(w, http.StatusBadRequest, gqlerror.List{gqlerror.Errorf("invalid request body: %s", err)})
			return
		}
		planner := g.registry.Current()
		if planner == nil {
			writeErrors(w, http.StatusServiceUnavailable, gqlerror.List{gqlerror.Errorf("no supergraph loaded")})
			return
		}

		ctx := r.Context()
		AddField(ctx, "operation.name", params.OperationName)
		doc, errs := gqlparser.LoadQuery(planner.Supergraph().Schema, params.Query)
		if errs != nil {
			writeErrors(w, http.StatusBadRequest, errs)
			return
		}

		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		type result struct {
			exp *Explanation
			err error
		}
		done := make(chan result, 1)
		go func() {
			exp, err := planner.Explain(ctx, doc, params.OperationName)
			done <- result{exp, err}
		}()

		var res result
		select {
		case <-ctx.Done():
			res.err = ctx.Err()
		case res = <-done:
		}
		if res.err != nil {
			AddField(ctx, "plan.error", errorKind(res.err))
			status, errs := planErrorResponse(res.err)
			writeErrors(w, status, errs)
			return
		}

		resp := planResponse{Plan: res.exp.Plan, Text: res.exp.Plan.String()}
		AddField(ctx, "plan.fetches", len(res.exp.Plan.Fetches()))
		if info := debugInfo(ctx); info != (DebugInfo{}) {
			resp.Extensions = map[string]interface{}{}
			if info.Tree {
				resp.Extensions["tree"] = res.exp.Tree
			}
			if info.Timing {
				resp.Extensions["timing"] = res.exp.Duration.String()
				resp.Extensions["evaluatedPlans"] = res.exp.EvaluatedPlans
			}
			if info.Check {
				if err := CheckQueryPlan(planner.Supergraph(), doc, params.OperationName, res.exp.Plan); err != nil {
					resp.Extensions["check"] = err.Error()
				} else {
					resp.Extensions["check"] = "ok"
				}
			}
		}
		writeJSON(w, http.StatusOK, resp)
	})
}

func planErrorResponse(err error) (int, gqlerror.List) {
	var (
		unplannable *UnplannableOperationError
		gqlErrs     gqlerror.List
	)
	switch {
	case errors.As(err, &unplannable):
		return http.StatusUnprocessableEntity, unplannable.GQLErrors()
	case errors.As(err, &gqlErrs):
		return http.StatusBadRequest, gqlErrs
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, gqlerror.List{gqlerror.Errorf("query planning timed out")}
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable, gqlerror.List{gqlerror.Errorf("query planning was canceled")}
	default:
		log.WithError(err).Error("query planning failed")
		return http.StatusInternalServerError, gqlerror.List{gqlerror.Errorf("query planning failed: %s", err)}
	}
}
