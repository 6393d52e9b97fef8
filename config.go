package fedplan

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gopkg.in/yaml.v3"
)

var Version = "dev"

type TimeoutConfig struct {
	ReadTimeout          string        `json:"read" yaml:"read"`
	ReadTimeoutDuration  time.Duration `json:"-" yaml:"-"`
	WriteTimeout         string        `json:"write" yaml:"write"`
	WriteTimeoutDuration time.Duration `json:"-" yaml:"-"`
	IdleTimeout          string        `json:"idle" yaml:"idle"`
	IdleTimeoutDuration  time.Duration `json:"-" yaml:"-"`
}

// SubgraphConfig declares a subgraph. The SDL is either inline or read
// from the Schema file, relative to the config file.
type SubgraphConfig struct {
	Name   string `json:"name" yaml:"name"`
	URL    string `json:"url" yaml:"url"`
	Schema string `json:"schema" yaml:"schema"`
	SDL    string `json:"sdl" yaml:"sdl"`
}

// Config contains the planner service configuration
type Config struct {
	GatewayListenAddress string           `json:"gateway-address" yaml:"gateway-address"`
	MetricsListenAddress string           `json:"metrics-address" yaml:"metrics-address"`
	PrivateListenAddress string           `json:"private-address" yaml:"private-address"`
	GatewayPort          int              `json:"gateway-port" yaml:"gateway-port"`
	MetricsPort          int              `json:"metrics-port" yaml:"metrics-port"`
	PrivatePort          int              `json:"private-port" yaml:"private-port"`
	DefaultTimeouts      TimeoutConfig    `json:"default-timeouts" yaml:"default-timeouts"`
	GatewayTimeouts      TimeoutConfig    `json:"gateway-timeouts" yaml:"gateway-timeouts"`
	PrivateTimeouts      TimeoutConfig    `json:"private-timeouts" yaml:"private-timeouts"`
	Subgraphs            []SubgraphConfig `json:"subgraphs" yaml:"subgraphs"`
	LogLevel             log.Level        `json:"loglevel" yaml:"loglevel"`
	Planner              PlannerConfig    `json:"planner" yaml:"planner"`
	Telemetry            TelemetryConfig  `json:"telemetry" yaml:"telemetry"`
	AllowedOrigins       []string         `json:"allowed-origins" yaml:"allowed-origins"`

	registry    *Registry
	watcher     *fsnotify.Watcher
	tracer      trace.Tracer
	configFiles []string
	linkedFiles []string
}

func (c *Config) addrOrPort(addr string, port int) string {
	if addr != "" {
		return addr
	}
	return fmt.Sprintf(":%d", port)
}

// GatewayAddress returns the host:port string of the public router
func (c *Config) GatewayAddress() string {
	return c.addrOrPort(c.GatewayListenAddress, c.GatewayPort)
}

// PrivateAddress returns the address for private port
func (c *Config) PrivateAddress() string {
	return c.addrOrPort(c.PrivateListenAddress, c.PrivatePort)
}

// MetricAddress returns the address for the metric port
func (c *Config) MetricAddress() string {
	return c.addrOrPort(c.MetricsListenAddress, c.MetricsPort)
}

// Registry returns the registry holding the current planner.
func (c *Config) Registry() *Registry {
	return c.registry
}

// decodeConfigFile decodes a JSON or YAML file into c.
func (c *Config) decodeConfigFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, c)
	default:
		err = json.Unmarshal(data, c)
	}
	if err != nil {
		return fmt.Errorf("error decoding config file %q: %w", path, err)
	}
	return nil
}

// Load loads or reloads all the config files.
func (c *Config) Load() error {
	// concatenate subgraphs from all the config files
	var subgraphs []SubgraphConfig
	for _, configFile := range c.configFiles {
		c.Subgraphs = nil
		if err := c.decodeConfigFile(configFile); err != nil {
			return err
		}
		dir := filepath.Dir(configFile)
		for _, s := range c.Subgraphs {
			if s.Schema != "" && !filepath.IsAbs(s.Schema) {
				s.Schema = filepath.Join(dir, s.Schema)
			}
			subgraphs = append(subgraphs, s)
		}
	}
	c.Subgraphs = subgraphs

	logLevel := os.Getenv("FEDPLAN_LOG_LEVEL")
	if level, err := log.ParseLevel(logLevel); err == nil {
		c.LogLevel = level
	} else if logLevel != "" {
		log.WithField("loglevel", logLevel).Warn("invalid loglevel")
	}
	log.SetLevel(c.LogLevel)

	var err error
	c.DefaultTimeouts.ReadTimeoutDuration, err = time.ParseDuration(c.DefaultTimeouts.ReadTimeout)
	if err != nil {
		return fmt.Errorf("invalid default read timeout: %w", err)
	}
	c.DefaultTimeouts.WriteTimeoutDuration, err = time.ParseDuration(c.DefaultTimeouts.WriteTimeout)
	if err != nil {
		return fmt.Errorf("invalid default write timeout: %w", err)
	}
	c.DefaultTimeouts.IdleTimeoutDuration, err = time.ParseDuration(c.DefaultTimeouts.IdleTimeout)
	if err != nil {
		return fmt.Errorf("invalid default idle timeout: %w", err)
	}
	if err = c.loadTimeouts(&c.GatewayTimeouts, "gateway", c.DefaultTimeouts); err != nil {
		return err
	}
	if err = c.loadTimeouts(&c.PrivateTimeouts, "private", c.DefaultTimeouts); err != nil {
		return err
	}
	if c.Planner.PlanTimeout != "" {
		c.Planner.PlanTimeoutDuration, err = time.ParseDuration(c.Planner.PlanTimeout)
		if err != nil {
			return fmt.Errorf("invalid plan timeout: %w", err)
		}
	}

	return c.validateSubgraphs()
}

func (c *Config) loadTimeouts(config *TimeoutConfig, name string, defaults TimeoutConfig) error {
	var err error
	if config.ReadTimeout != "" {
		config.ReadTimeoutDuration, err = time.ParseDuration(config.ReadTimeout)
		if err != nil {
			return fmt.Errorf("invalid %s read timeout: %w", name, err)
		}
	}
	if config.ReadTimeoutDuration == 0 {
		config.ReadTimeoutDuration = defaults.ReadTimeoutDuration
	}
	if config.WriteTimeout != "" {
		config.WriteTimeoutDuration, err = time.ParseDuration(config.WriteTimeout)
		if err != nil {
			return fmt.Errorf("invalid %s write timeout: %w", name, err)
		}
	}
	if config.WriteTimeoutDuration == 0 {
		config.WriteTimeoutDuration = defaults.WriteTimeoutDuration
	}
	if config.IdleTimeout != "" {
		config.IdleTimeoutDuration, err = time.ParseDuration(config.IdleTimeout)
		if err != nil {
			return fmt.Errorf("invalid %s idle timeout: %w", name, err)
		}
	}
	if config.IdleTimeoutDuration == 0 {
		config.IdleTimeoutDuration = defaults.IdleTimeoutDuration
	}
	return nil
}

func (c *Config) validateSubgraphs() error {
	if len(c.Subgraphs) == 0 {
		return fmt.Errorf("no subgraphs found in %s", c.configFiles)
	}
	seen := map[string]bool{}
	for _, s := range c.Subgraphs {
		switch {
		case s.Name == "":
			return fmt.Errorf("subgraph without a name in %s", c.configFiles)
		case seen[s.Name]:
			return fmt.Errorf("subgraph %q is declared twice", s.Name)
		case s.Schema == "" && s.SDL == "":
			return fmt.Errorf("subgraph %q has neither a schema file nor an inline sdl", s.Name)
		}
		seen[s.Name] = true
	}
	return nil
}

// watchedFiles returns the config files and the schema files they reference.
func (c *Config) watchedFiles() []string {
	files := append([]string(nil), c.configFiles...)
	for _, s := range c.Subgraphs {
		if s.Schema != "" {
			files = append(files, filepath.Clean(s.Schema))
		}
	}
	return files
}

// Watch starts watching the config and schema files for change.
func (c *Config) Watch() {
	for {
		select {
		case err := <-c.watcher.Errors:
			log.WithError(err).Error("config watch error")
		case e := <-c.watcher.Events:
			log.WithFields(log.Fields{"event": e, "files": c.configFiles, "links": c.linkedFiles}).Debug("received config file event")
			if e.Op != fsnotify.Write && e.Op != fsnotify.Create {
				log.Debug("ignoring non write/create event")
				continue
			}
			if !c.shouldReload(e) {
				log.Debug("nothing to update")
				continue
			}
			if err := c.reload(); err != nil {
				log.WithError(err).Error("error reloading config")
			}
		}
	}
}

// shouldReload reports whether a watched file was written, or a watched
// symlink changed target (k8s config map update).
func (c *Config) shouldReload(e fsnotify.Event) bool {
	for _, f := range c.watchedFiles() {
		if filepath.Clean(e.Name) == f {
			return true
		}
	}
	for i := range c.configFiles {
		currentFile, _ := filepath.EvalSymlinks(c.configFiles[i])
		if c.linkedFiles[i] != "" && c.linkedFiles[i] != currentFile {
			c.linkedFiles[i] = currentFile
			return true
		}
	}
	return false
}

func (c *Config) reload() error {
	ctx, span := c.tracer.Start(context.Background(), "Config Reload")
	defer span.End()

	if err := c.Load(); err != nil {
		return err
	}
	span.SetAttributes(attribute.Int("fedplan.subgraphs", len(c.Subgraphs)))
	log.WithField("subgraphs", subgraphNames(c.Subgraphs)).Info("config file updated")

	if err := c.registry.Update(ctx, c.Subgraphs, c.Planner); err != nil {
		return err
	}
	log.WithField("subgraphs", subgraphNames(c.Subgraphs)).Info("updated planner")
	return nil
}

// GetConfig returns operational config for the planner service
func GetConfig(configFiles []string) (*Config, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("could not create watcher: %w", err)
	}
	var linkedFiles []string
	for _, configFile := range configFiles {
		// watch the directory, else we'll lose the watch if the file is relinked
		err = watcher.Add(filepath.Dir(configFile))
		if err != nil {
			return nil, fmt.Errorf("error add file to watcher: %w", err)
		}
		linkedFile, _ := filepath.EvalSymlinks(configFile)
		linkedFiles = append(linkedFiles, linkedFile)
	}

	cfg := Config{
		DefaultTimeouts: TimeoutConfig{
			ReadTimeout:  "5s",
			WriteTimeout: "10s",
			IdleTimeout:  "120s",
		},
		GatewayPort: 8082,
		PrivatePort: 8083,
		MetricsPort: 9009,
		LogLevel:    log.DebugLevel,

		watcher:     watcher,
		tracer:      otel.GetTracerProvider().Tracer(instrumentationName),
		configFiles: configFiles,
		linkedFiles: linkedFiles,
	}
	if err := cfg.Load(); err != nil {
		return &cfg, err
	}
	for _, s := range cfg.Subgraphs {
		if s.Schema == "" {
			continue
		}
		if err := watcher.Add(filepath.Dir(s.Schema)); err != nil {
			return &cfg, fmt.Errorf("error add schema file to watcher: %w", err)
		}
	}
	return &cfg, nil
}

// Init builds the first planner from the configured subgraphs.
func (c *Config) Init(ctx context.Context) error {
	c.registry = NewRegistry()
	if err := c.registry.Update(ctx, c.Subgraphs, c.Planner); err != nil {
		return fmt.Errorf("error building planner: %w", err)
	}
	return nil
}

func subgraphNames(subgraphs []SubgraphConfig) []string {
	names := make([]string, 0, len(subgraphs))
	for _, s := range subgraphs {
		names = append(names, s.Name)
	}
	return names
}

type arrayFlags []string

func (a *arrayFlags) String() string {
	return strings.Join(*a, ",")
}

func (a *arrayFlags) Set(value string) error {
	*a = append(*a, value)
	return nil
}
