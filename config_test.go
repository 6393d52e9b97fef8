package fedplan

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestConfig(t *testing.T) {
	t.Run("no interface provided", func(t *testing.T) {
		cfg := new(Config)
		cfg.GatewayPort = 8082
		cfg.PrivatePort = 8083
		cfg.MetricsPort = 8084
		gAddress := cfg.GatewayAddress()
		require.Equal(t, ":8082", gAddress)
		pAddress := cfg.PrivateAddress()
		require.Equal(t, ":8083", pAddress)
		mAddress := cfg.MetricAddress()
		require.Equal(t, ":8084", mAddress)
	})
	t.Run("network address provided", func(t *testing.T) {
		cfg := new(Config)
		cfg.GatewayListenAddress = "0.0.0.0:8082"
		cfg.GatewayPort = 0
		cfg.PrivateListenAddress = "127.0.0.1:8084"
		cfg.PrivatePort = 8083
		cfg.MetricsListenAddress = ""
		cfg.MetricsPort = 8084
		gAddress := cfg.GatewayAddress()
		require.Equal(t, "0.0.0.0:8082", gAddress)
		pAddress := cfg.PrivateAddress()
		require.Equal(t, "127.0.0.1:8084", pAddress)
		mAddress := cfg.MetricAddress()
		require.Equal(t, ":8084", mAddress)
	})
}

func TestGetConfigYAML(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "schemas/accounts.graphql", shopFixture.Subgraphs["accounts"])
	path := writeFile(t, dir, "config.yaml", `
gateway-port: 9000
gateway-timeouts:
  write: 30s
planner:
  plan-timeout: 2s
  max-evaluated-plans: 50
  check-correctness: true
allowed-origins:
  - https://example.com
subgraphs:
  - name: accounts
    url: http://accounts/query
    schema: schemas/accounts.graphql
  - name: products
    url: http://products/query
    sdl: |
      type Query { topProducts: [Product!]! }
      type Product @key(fields: "upc") { upc: String! name: String }
`)

	cfg, err := GetConfig([]string{path})
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.GatewayAddress())
	assert.Equal(t, ":8083", cfg.PrivateAddress())
	assert.Equal(t, 30*time.Second, cfg.GatewayTimeouts.WriteTimeoutDuration)
	assert.Equal(t, 5*time.Second, cfg.GatewayTimeouts.ReadTimeoutDuration)
	assert.Equal(t, 2*time.Second, cfg.Planner.PlanTimeoutDuration)
	assert.Equal(t, 50, cfg.Planner.MaxEvaluatedPlans)
	assert.True(t, cfg.Planner.CheckCorrectness)
	assert.Equal(t, []string{"https://example.com"}, cfg.AllowedOrigins)

	require.Len(t, cfg.Subgraphs, 2)
	assert.Equal(t, filepath.Join(dir, "schemas", "accounts.graphql"), cfg.Subgraphs[0].Schema)
	assert.Contains(t, cfg.watchedFiles(), filepath.Join(dir, "schemas", "accounts.graphql"))

	require.NoError(t, cfg.Init(context.Background()))
	planner := cfg.Registry().Current()
	require.NotNil(t, planner)
	assert.Len(t, planner.Supergraph().Subgraphs(), 2)
	assert.Equal(t, "http://accounts/query", planner.Supergraph().Subgraph("accounts").URL)
}

func TestGetConfigJSON(t *testing.T) {
	dir := t.TempDir()
	first := writeFile(t, dir, "a.json", `{
		"loglevel": "info",
		"subgraphs": [{"name": "accounts", "url": "http://accounts", "sdl": "type Query { me: String }"}]
	}`)
	second := writeFile(t, dir, "b.json", `{
		"subgraphs": [{"name": "products", "url": "http://products", "sdl": "type Query { top: String }"}]
	}`)
	t.Cleanup(func() { log.SetLevel(log.DebugLevel) })

	cfg, err := GetConfig([]string{first, second})
	require.NoError(t, err)
	assert.Equal(t, log.InfoLevel, cfg.LogLevel)
	assert.Equal(t, []string{"accounts", "products"}, subgraphNames(cfg.Subgraphs))
}

func TestConfigValidation(t *testing.T) {
	for name, c := range map[string]struct {
		config string
		msg    string
	}{
		"no subgraphs":   {`{}`, "no subgraphs found"},
		"missing name":   {`{"subgraphs": [{"sdl": "type Query { a: Int }"}]}`, "without a name"},
		"duplicate name": {`{"subgraphs": [{"name": "a", "sdl": "type Query { a: Int }"}, {"name": "a", "sdl": "type Query { b: Int }"}]}`, "declared twice"},
		"missing schema": {`{"subgraphs": [{"name": "a"}]}`, "neither a schema file nor an inline sdl"},
		"bad timeout":    {`{"default-timeouts": {"read": "soon"}, "subgraphs": [{"name": "a", "sdl": "type Query { a: Int }"}]}`, "invalid default read timeout"},
		"bad plan limit": {`{"planner": {"plan-timeout": "never"}, "subgraphs": [{"name": "a", "sdl": "type Query { a: Int }"}]}`, "invalid plan timeout"},
	} {
		t.Run(name, func(t *testing.T) {
			path := writeFile(t, t.TempDir(), "config.json", c.config)
			_, err := GetConfig([]string{path})
			require.Error(t, err)
			assert.Contains(t, err.Error(), c.msg)
		})
	}
}

func TestConfigInitInvalidSchema(t *testing.T) {
	path := writeFile(t, t.TempDir(), "config.json", `{"subgraphs": [{"name": "a", "sdl": "type Query {"}]}`)
	cfg, err := GetConfig([]string{path})
	require.NoError(t, err)

	err = cfg.Init(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "error building planner")
	assert.Nil(t, cfg.Registry().Current())
}

func TestConfigShouldReload(t *testing.T) {
	dir := t.TempDir()
	schema := writeFile(t, dir, "accounts.graphql", "type Query { me: String }")
	path := writeFile(t, dir, "config.json", `{"subgraphs": [{"name": "accounts", "schema": "accounts.graphql"}]}`)

	cfg, err := GetConfig([]string{path})
	require.NoError(t, err)
	assert.True(t, cfg.shouldReload(fsnotify.Event{Name: path, Op: fsnotify.Write}))
	assert.True(t, cfg.shouldReload(fsnotify.Event{Name: schema, Op: fsnotify.Write}))
	assert.False(t, cfg.shouldReload(fsnotify.Event{Name: filepath.Join(dir, "other.txt"), Op: fsnotify.Write}))
}

func TestConfigReload(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.json", `{"subgraphs": [{"name": "a", "sdl": "type Query { a: Int }"}]}`)
	cfg, err := GetConfig([]string{path})
	require.NoError(t, err)
	require.NoError(t, cfg.Init(context.Background()))
	before := cfg.Registry().Current()

	writeFile(t, dir, "config.json", `{"subgraphs": [{"name": "a", "sdl": "type Query { a: Int b: Int }"}]}`)
	require.NoError(t, cfg.reload())
	after := cfg.Registry().Current()
	assert.NotEqual(t, before.Supergraph().Hash(), after.Supergraph().Hash())

	// a broken update keeps the current planner
	writeFile(t, dir, "config.json", `{"subgraphs": [{"name": "a", "sdl": "type Query {"}]}`)
	require.Error(t, cfg.reload())
	assert.Same(t, after, cfg.Registry().Current())
}

func TestArrayFlags(t *testing.T) {
	var flags arrayFlags
	require.NoError(t, flags.Set("a.json"))
	require.NoError(t, flags.Set("b.json"))
	assert.Equal(t, "a.json,b.json", flags.String())
}
