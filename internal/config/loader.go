// Package config loads the server/CLI configuration with the usual
// precedence: runtime overrides > environment > config file > defaults.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Config is the full application configuration.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Logging LoggingConfig `mapstructure:"logging"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Health  HealthConfig  `mapstructure:"health"`
	Debug   DebugConfig   `mapstructure:"debug"`
	Storage StorageConfig `mapstructure:"storage"`
	Workers int           `mapstructure:"workers"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	Profile string `mapstructure:"profile"`
}

// MetricsConfig configures the metrics listener.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// HealthConfig configures the health probe endpoints.
type HealthConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// DebugConfig configures debug facilities.
type DebugConfig struct {
	Enabled      bool `mapstructure:"enabled"`
	PprofEnabled bool `mapstructure:"pprof_enabled"`
}

// StorageConfig configures where server-side campaign state lives.
type StorageConfig struct {
	// DataDir holds the pin database. Empty means the platform app-data dir.
	DataDir string `mapstructure:"data_dir"`

	// AssetsDir is the default local asset directory for manifests that
	// don't configure storage themselves.
	AssetsDir string `mapstructure:"assets_dir"`

	// PublicBaseURL prefixes asset URLs served by this instance.
	PublicBaseURL string `mapstructure:"public_base_url"`
}

// identity fixes the names configuration is discovered under.
type identity struct {
	BinaryName string
	EnvPrefix  string
	ConfigName string
}

var (
	configMu    sync.RWMutex
	appIdentity *identity
	appConfig   *Config
)

// envSpec maps one environment variable to a config path.
type envSpec struct {
	Name string
	Path string
}

// Load reads configuration and caches the result for GetConfig. Later maps
// in overrides win over earlier ones; overrides win over everything else.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	configMu.Lock()
	defer configMu.Unlock()

	appIdentity = &identity{
		BinaryName: "pinforge",
		EnvPrefix:  "PINFORGE",
		ConfigName: "pinforge",
	}

	v := viper.New()
	setConfigDefaults(v)

	v.SetConfigName(appIdentity.ConfigName)
	v.SetConfigType("yaml")
	if root, err := findProjectRoot(); err == nil {
		v.AddConfigPath(root)
	}
	for _, p := range getUserConfigPaths() {
		v.AddConfigPath(p)
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	for _, spec := range getEnvSpecs() {
		if err := v.BindEnv(spec.Path, spec.Name); err != nil {
			return nil, fmt.Errorf("bind %s: %w", spec.Name, err)
		}
	}

	for _, o := range overrides {
		for key, val := range flatten("", o) {
			v.Set(key, val)
		}
	}

	var cfg Config
	// Env values arrive as strings; weak typing casts them to the target
	// field types (port ints, enabled bools).
	if err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.WeaklyTypedInput = true
	}); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	appConfig = &cfg
	return &cfg, nil
}

// GetConfig returns the last loaded configuration, or nil before Load.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

func setConfigDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "STRUCTURED")
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9090)
	v.SetDefault("health.enabled", true)
	v.SetDefault("debug.enabled", false)
	v.SetDefault("debug.pprof_enabled", false)
	v.SetDefault("storage.data_dir", "")
	v.SetDefault("storage.assets_dir", "output")
	v.SetDefault("storage.public_base_url", "")
	v.SetDefault("workers", 4)
}

// getEnvSpecs maps the supported environment variables onto config paths.
// Returns nil before Load sets the identity.
func getEnvSpecs() []envSpec {
	if appIdentity == nil {
		return nil
	}
	p := appIdentity.EnvPrefix + "_"
	return []envSpec{
		{p + "HOST", "server.host"},
		{p + "PORT", "server.port"},
		{p + "READ_TIMEOUT", "server.read_timeout"},
		{p + "WRITE_TIMEOUT", "server.write_timeout"},
		{p + "IDLE_TIMEOUT", "server.idle_timeout"},
		{p + "SHUTDOWN_TIMEOUT", "server.shutdown_timeout"},
		{p + "LOG_LEVEL", "logging.level"},
		{p + "LOG_PROFILE", "logging.profile"},
		{p + "METRICS_ENABLED", "metrics.enabled"},
		{p + "METRICS_PORT", "metrics.port"},
		{p + "HEALTH_ENABLED", "health.enabled"},
		{p + "DEBUG_ENABLED", "debug.enabled"},
		{p + "PPROF_ENABLED", "debug.pprof_enabled"},
		{p + "DATA_DIR", "storage.data_dir"},
		{p + "ASSETS_DIR", "storage.assets_dir"},
		{p + "PUBLIC_BASE_URL", "storage.public_base_url"},
		{p + "WORKERS", "workers"},
	}
}

// getUserConfigPaths lists the per-user directories searched for a config
// file. Returns nil before Load sets the identity.
func getUserConfigPaths() []string {
	if appIdentity == nil {
		return nil
	}
	var paths []string
	if dir, err := os.UserConfigDir(); err == nil {
		paths = append(paths, filepath.Join(dir, appIdentity.BinaryName))
	}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, "."+appIdentity.BinaryName))
	}
	return paths
}

// ciBoundaryVars are consulted in order when running under CI: checkouts
// there often live outside $HOME, where walking up from the cwd can escape
// the workspace.
var ciBoundaryVars = []string{
	"FULMEN_WORKSPACE_ROOT",
	"GITHUB_WORKSPACE",
	"CI_PROJECT_DIR",
	"WORKSPACE",
}

// findProjectRoot locates the repository root containing go.mod or a config
// file, honoring CI workspace hints.
func findProjectRoot() (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}

	if os.Getenv("CI") == "true" || os.Getenv("GITHUB_ACTIONS") == "true" {
		for _, name := range ciBoundaryVars {
			candidate := os.Getenv(name)
			if candidate == "" || !filepath.IsAbs(candidate) {
				continue
			}
			info, err := os.Stat(candidate)
			if err != nil || !info.IsDir() {
				continue
			}
			if !containsPath(candidate, cwd) {
				continue
			}
			return candidate, nil
		}
	}

	dir := cwd
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("no project root found above %s", cwd)
		}
		dir = parent
	}
}

// containsPath reports whether child is root or lives under it.
func containsPath(root, child string) bool {
	rel, err := filepath.Rel(root, child)
	if err != nil {
		return false
	}
	return rel == "." || (!strings.HasPrefix(rel, "..") && !filepath.IsAbs(rel))
}

// flatten converts a nested override map into dotted viper keys.
func flatten(prefix string, m map[string]any) map[string]any {
	out := make(map[string]any)
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := v.(map[string]any); ok {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = v
	}
	return out
}
