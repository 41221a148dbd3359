package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/ovren/stagehand/internal/env"
	"github.com/ovren/stagehand/internal/gate"
	"github.com/ovren/stagehand/internal/graph"
	"github.com/ovren/stagehand/internal/history/factory"
	"github.com/ovren/stagehand/internal/logsink"
	"github.com/ovren/stagehand/internal/service"
)

// FileConfig mirrors the top-level TOML structure. Unknown keys anywhere in
// the document are load-time errors, not use-time surprises.
type FileConfig struct {
	DataDir     string           `mapstructure:"data_dir"`
	Env         []string         `mapstructure:"env"`
	LogLevel    string           `mapstructure:"log_level"`
	NoColor     bool             `mapstructure:"no_color"`
	GracePeriod time.Duration    `mapstructure:"grace_period"`
	Log         *logsink.Config  `mapstructure:"log"`
	Externals   []ExternalConfig `mapstructure:"external"`
	Services    []service.Spec   `mapstructure:"service"`
	Server      *ServerConfig    `mapstructure:"server"`
	Metrics     *MetricsConfig   `mapstructure:"metrics"`
	History     *factory.Config  `mapstructure:"history"`
}

// ExternalConfig declares external infrastructure gated before startup.
// Host and Port accept ${VAR} references resolved from the environment.
type ExternalConfig struct {
	Label    string        `mapstructure:"label"`
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	Interval time.Duration `mapstructure:"interval"`
	Attempts int           `mapstructure:"attempts"`
}

type ServerConfig struct {
	Listen   string `mapstructure:"listen"`
	BasePath string `mapstructure:"base_path"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

// Config is the validated, resolved configuration.
type Config struct {
	DataDir     string
	GlobalEnv   []string
	LogLevel    string
	NoColor     bool
	GracePeriod time.Duration
	Externals   []gate.Dependency
	Specs       []service.Spec
	Server      *ServerConfig
	Metrics     *MetricsConfig
	History     *factory.Config
}

// Load reads a TOML file, rejects unknown or malformed fields, resolves
// external endpoints from the environment and validates every service
// definition including the dependency graph and log destinations. Nothing is
// spawned here; any error aborts before side effects.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	var fc FileConfig
	if err := v.Unmarshal(&fc, func(dc *mapstructure.DecoderConfig) {
		dc.ErrorUnused = true
	}); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return resolve(&fc)
}

func resolve(fc *FileConfig) (*Config, error) {
	e := env.New()
	e.SetGlobal(fc.Env)

	cfg := &Config{
		DataDir:     fc.DataDir,
		GlobalEnv:   fc.Env,
		LogLevel:    fc.LogLevel,
		NoColor:     fc.NoColor,
		GracePeriod: fc.GracePeriod,
		Server:      fc.Server,
		Metrics:     fc.Metrics,
		History:     fc.History,
	}

	for _, ec := range fc.Externals {
		dep, err := resolveExternal(ec, e)
		if err != nil {
			return nil, err
		}
		cfg.Externals = append(cfg.Externals, dep)
	}

	for _, s := range fc.Services {
		if fc.Log != nil {
			s.Log = logsink.Merge(*fc.Log, s.Log)
		}
		if err := s.Validate(); err != nil {
			return nil, err
		}
		if err := s.Log.Validate(s.Name); err != nil {
			return nil, err
		}
		cfg.Specs = append(cfg.Specs, s)
	}

	// Cycle and unknown-target detection before anything runs.
	if _, err := graph.New(cfg.Specs); err != nil {
		return nil, err
	}
	return cfg, nil
}

func resolveExternal(ec ExternalConfig, e *env.Env) (gate.Dependency, error) {
	if strings.TrimSpace(ec.Label) == "" {
		return gate.Dependency{}, fmt.Errorf("external dependency requires a label")
	}
	host := expandWith(ec.Host, e)
	if host == "" {
		return gate.Dependency{}, fmt.Errorf("external %s: host is empty after expansion", ec.Label)
	}
	portStr := expandWith(ec.Port, e)
	port, err := strconv.Atoi(strings.TrimSpace(portStr))
	if err != nil {
		return gate.Dependency{}, fmt.Errorf("external %s: invalid port %q", ec.Label, ec.Port)
	}
	if port < 1 || port > 65535 {
		return gate.Dependency{}, fmt.Errorf("external %s: port %d out of range", ec.Label, port)
	}
	return gate.Dependency{
		Label:    ec.Label,
		Host:     host,
		Port:     port,
		Interval: ec.Interval,
		Attempts: ec.Attempts,
	}, nil
}

// maxExpandDepth caps nested ${VAR} substitution so self- or mutually
// referential environment values terminate instead of expanding forever.
const maxExpandDepth = 16

func expandWith(s string, e *env.Env) string {
	s = strings.TrimSpace(s)
	// Only ${VAR} forms are substituted; anything unresolved after the depth
	// cap stays verbatim and fails downstream validation loudly.
	for depth := 0; depth < maxExpandDepth; depth++ {
		start := strings.Index(s, "${")
		if start < 0 {
			return s
		}
		endRel := strings.Index(s[start:], "}")
		if endRel < 0 {
			return s
		}
		end := start + endRel
		key := s[start+2 : end]
		val, ok := e.Lookup(key)
		if !ok {
			return s
		}
		s = s[:start] + val + s[end+1:]
	}
	return s
}
