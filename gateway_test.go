package fedplan

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vektah/gqlparser/v2/gqlerror"
)

func (f *PlannerTestFixture) configs() []SubgraphConfig {
	var configs []SubgraphConfig
	for name, sdl := range f.Subgraphs {
		configs = append(configs, SubgraphConfig{Name: name, URL: "http://" + name, SDL: sdl})
	}
	return configs
}

func (f *PlannerTestFixture) Registry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry()
	require.NoError(t, r.Update(context.Background(), f.configs(), f.Config))
	return r
}

type testPlanResponse struct {
	Plan       json.RawMessage        `json:"plan"`
	Text       string                 `json:"text"`
	Errors     gqlerror.List          `json:"errors"`
	Extensions map[string]interface{} `json:"extensions"`
}

func postPlan(t *testing.T, h http.Handler, body string, headers map[string]string) (*httptest.ResponseRecorder, testPlanResponse) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/plan", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var resp testPlanResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	return rec, resp
}

func TestGatewayPlan(t *testing.T) {
	h := NewGateway(shopFixture.Registry(t)).Router(&Config{})

	rec, resp := postPlan(t, h, `{"query": "query Me { me { name reviews { body } } }", "operationName": "Me"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Empty(t, resp.Errors)
	assert.Contains(t, resp.Text, "Sequence")
	assert.Contains(t, string(resp.Plan), `"kind":"QueryPlan"`)
	assert.Contains(t, string(resp.Plan), `"serviceName":"reviews"`)
	assert.Nil(t, resp.Extensions)
	assert.NotEmpty(t, rec.Header().Get(requestIDHeader))
}

func TestGatewayPlanDebugExtensions(t *testing.T) {
	h := NewGateway(shopFixture.Registry(t)).Router(&Config{})

	rec, resp := postPlan(t, h, `{"query": "{ me { name } }"}`, map[string]string{debugHeader: "all"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "ok", resp.Extensions["check"])
	assert.Contains(t, resp.Extensions["tree"], "[Query]")
	assert.Contains(t, resp.Extensions, "timing")
	assert.GreaterOrEqual(t, resp.Extensions["evaluatedPlans"], float64(1))

	_, resp = postPlan(t, h, `{"query": "{ me { name } }"}`, map[string]string{debugHeader: "tree"})
	assert.Contains(t, resp.Extensions, "tree")
	assert.NotContains(t, resp.Extensions, "check")
}

func TestGatewayPlanErrors(t *testing.T) {
	shop := NewGateway(shopFixture.Registry(t)).Router(&Config{})

	t.Run("method not allowed", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/plan", nil)
		rec := httptest.NewRecorder()
		shop.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})
	t.Run("invalid body", func(t *testing.T) {
		rec, resp := postPlan(t, shop, `{"query": `, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		require.Len(t, resp.Errors, 1)
		assert.Contains(t, resp.Errors[0].Message, "invalid request body")
	})
	t.Run("invalid query", func(t *testing.T) {
		rec, resp := postPlan(t, shop, `{"query": "{ me { nope } }"}`, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.NotEmpty(t, resp.Errors)
	})
	t.Run("unknown operation", func(t *testing.T) {
		rec, resp := postPlan(t, shop, `{"query": "query A { me { name } }", "operationName": "B"}`, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.NotEmpty(t, resp.Errors)
	})
	t.Run("unplannable", func(t *testing.T) {
		h := NewGateway(unreachableFixture.Registry(t)).Router(&Config{})
		rec, resp := postPlan(t, h, `{"query": "{ me { secret } }"}`, nil)
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
		require.NotEmpty(t, resp.Errors)
		assert.Contains(t, resp.Errors[0].Message, "User.secret")
	})
	t.Run("no planner", func(t *testing.T) {
		h := NewGateway(NewRegistry()).Router(&Config{})
		rec, _ := postPlan(t, h, `{"query": "{ me { name } }"}`, nil)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})
}

func TestPlanErrorResponse(t *testing.T) {
	for _, c := range []struct {
		err    error
		status int
	}{
		{&UnplannableOperationError{Diagnostics: []Diagnostic{{Path: []string{"a"}, Field: "Query.a", Message: "no subgraph"}}}, http.StatusUnprocessableEntity},
		{gqlerror.List{gqlerror.Errorf("bad")}, http.StatusBadRequest},
		{fmt.Errorf("planning: %w", context.DeadlineExceeded), http.StatusGatewayTimeout},
		{context.Canceled, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	} {
		status, errs := planErrorResponse(c.err)
		assert.Equal(t, c.status, status, c.err.Error())
		assert.NotEmpty(t, errs)
	}
}

func TestGatewayPrivateRouter(t *testing.T) {
	h := NewGateway(shopFixture.Registry(t)).PrivateRouter()

	get := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec
	}

	rec := get("/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())

	rec = get("/schema")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "type Product")

	rec = get("/graph")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "digraph")

	rec = get("/graph?format=json")
	assert.Equal(t, http.StatusOK, rec.Code)
	var dump GraphDump
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &dump))
	assert.NotEmpty(t, dump.Nodes)

	empty := NewGateway(NewRegistry()).PrivateRouter()
	for _, path := range []string{"/health", "/schema", "/graph"} {
		rec := httptest.NewRecorder()
		empty.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code, path)
	}
}

func TestRegistryUpdateKeepsPlannerOnError(t *testing.T) {
	r := shopFixture.Registry(t)
	before := r.Current()
	require.NotNil(t, before)

	err := r.Update(context.Background(), []SubgraphConfig{{Name: "broken", SDL: "type Query {"}}, PlannerConfig{})
	var schemaErr *SchemaConstructionError
	require.True(t, errors.As(err, &schemaErr), "got %v", err)
	assert.Same(t, before, r.Current())

	err = r.Update(context.Background(), []SubgraphConfig{{Name: "missing", Schema: "/does/not/exist.graphql"}}, PlannerConfig{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `subgraph "missing"`)
	assert.Same(t, before, r.Current())

	require.NoError(t, r.Update(context.Background(), unreachableFixture.configs(), PlannerConfig{}))
	assert.NotSame(t, before, r.Current())
	assert.NotNil(t, r.Current().Supergraph().Subgraph("secrets"))
}
