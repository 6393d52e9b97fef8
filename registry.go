package fedplan

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Registry holds the planner of the current supergraph. Updates build a new
// planner and swap it in; requests keep using the planner they started
// with.
type Registry struct {
	planner atomic.Pointer[QueryPlanner]
}

func NewRegistry() *Registry {
	return &Registry{}
}

// Current returns the current planner, nil before the first successful
// update.
func (r *Registry) Current() *QueryPlanner {
	return r.planner.Load()
}

// Update loads the subgraphs and replaces the planner. On error the
// previous planner is kept.
func (r *Registry) Update(ctx context.Context, configs []SubgraphConfig, cfg PlannerConfig) error {
	planner, err := buildPlanner(ctx, configs, cfg)
	if err != nil {
		promInvalidSchema.Set(1)
		return err
	}
	promInvalidSchema.Set(0)
	if old := r.planner.Swap(planner); old == nil || old.Supergraph().Hash() != planner.Supergraph().Hash() {
		log.WithFields(log.Fields{
			"subgraphs": len(configs),
			"hash":      fmt.Sprintf("%016x", planner.Supergraph().Hash()),
		}).Info("supergraph updated")
	}
	return nil
}

func buildPlanner(ctx context.Context, configs []SubgraphConfig, cfg PlannerConfig) (*QueryPlanner, error) {
	subgraphs := make([]*Subgraph, len(configs))
	g, ctx := errgroup.WithContext(ctx)
	for i, c := range configs {
		i, c := i, c
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			s, err := loadSubgraphConfig(c)
			if err != nil {
				promSubgraphLoadErrorCounter.WithLabelValues(c.Name).Inc()
				return err
			}
			subgraphs[i] = s
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sg, err := NewSupergraph(subgraphs...)
	if err != nil {
		return nil, err
	}
	return NewQueryPlanner(sg, cfg)
}

func loadSubgraphConfig(c SubgraphConfig) (*Subgraph, error) {
	sdl := c.SDL
	if c.Schema != "" {
		data, err := os.ReadFile(c.Schema)
		if err != nil {
			return nil, fmt.Errorf("error reading schema of subgraph %q: %w", c.Name, err)
		}
		sdl = string(data)
	}
	return LoadSubgraph(c.Name, c.URL, sdl)
}
