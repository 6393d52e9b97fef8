package fedplan

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sort"
	"sync"

	"github.com/vektah/gqlparser/v2"
	"golang.org/x/sync/errgroup"
)

// CheckResult is the outcome of planning and checking one operation.
type CheckResult struct {
	File      string
	Operation string
	Fetches   int
	Err       error
}

func (r CheckResult) String() string {
	name := r.Operation
	if name == "" {
		name = "(anonymous)"
	}
	if r.Err != nil {
		return fmt.Sprintf("FAIL %s %s: %s", r.File, name, r.Err)
	}
	return fmt.Sprintf("ok   %s %s: %d fetches", r.File, name, r.Fetches)
}

// CheckOperations plans every operation of the given files and checks the
// plans against their operations. Results are sorted by file and
// operation name.
func CheckOperations(ctx context.Context, planner *QueryPlanner, files []string) ([]CheckResult, error) {
	var (
		mu      sync.Mutex
		results []CheckResult
	)
	record := func(r CheckResult) {
		mu.Lock()
		results = append(results, r)
		mu.Unlock()
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, err
		}
		doc, errs := gqlparser.LoadQuery(planner.Supergraph().Schema, string(data))
		if errs != nil {
			record(CheckResult{File: file, Err: errs})
			continue
		}
		for _, op := range doc.Operations {
			file, name := file, op.Name
			g.Go(func() error {
				plan, err := planner.BuildQueryPlan(ctx, doc, name)
				if err == nil {
					err = CheckQueryPlan(planner.Supergraph(), doc, name, plan)
				}
				r := CheckResult{File: file, Operation: name, Err: err}
				if err == nil {
					r.Fetches = len(plan.Fetches())
				}
				record(r)
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].File != results[j].File {
			return results[i].File < results[j].File
		}
		return results[i].Operation < results[j].Operation
	})
	return results, nil
}
