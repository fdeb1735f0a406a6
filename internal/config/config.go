// Package config loads the proxy configuration file and applies defaults and
// validation before any backend is contacted.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"toolmux/internal/directory"
	"toolmux/internal/observability"
	"toolmux/internal/pool"
)

// LogConfig controls the root logger.
type LogConfig struct {
	Level string `yaml:"level" mapstructure:"level"`
	File  string `yaml:"file" mapstructure:"file"`
}

// GateConfig controls the large-response gate.
type GateConfig struct {
	OutputDir string `yaml:"output_dir" mapstructure:"output_dir"`
	Threshold int    `yaml:"threshold" mapstructure:"threshold"`
}

// AdminConfig controls the HTTP admin surface.
type AdminConfig struct {
	Enabled    bool   `yaml:"enabled" mapstructure:"enabled"`
	ListenAddr string `yaml:"listen_addr" mapstructure:"listen_addr"`
}

// BackendConfig is the file form of one backend entry.
type BackendConfig struct {
	Name    string            `yaml:"name" mapstructure:"name"`
	Command string            `yaml:"command" mapstructure:"command"`
	Args    []string          `yaml:"args" mapstructure:"args"`
	Env     map[string]string `yaml:"env" mapstructure:"env"`
	WorkDir string            `yaml:"work_dir" mapstructure:"work_dir"`
	URL     string            `yaml:"url" mapstructure:"url"`

	HealthURL           string        `yaml:"health_url" mapstructure:"health_url"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval" mapstructure:"health_check_interval"`
	CallTimeout         time.Duration `yaml:"call_timeout" mapstructure:"call_timeout"`

	UseConnectionPool bool           `yaml:"use_connection_pool" mapstructure:"use_connection_pool"`
	Pool              PoolFileConfig `yaml:"pool" mapstructure:"pool"`
}

// PoolFileConfig is the file form of pool sizing.
type PoolFileConfig struct {
	Min              int           `yaml:"min" mapstructure:"min"`
	Max              int           `yaml:"max" mapstructure:"max"`
	IdleTimeout      time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout"`
	AcquireTimeout   time.Duration `yaml:"acquire_timeout" mapstructure:"acquire_timeout"`
	CreateRetries    int           `yaml:"create_retries" mapstructure:"create_retries"`
	CreateRetryDelay time.Duration `yaml:"create_retry_delay" mapstructure:"create_retry_delay"`
}

// Config is the full parsed configuration.
type Config struct {
	Backends []BackendConfig      `yaml:"backends" mapstructure:"backends"`
	Chains   string               `yaml:"chains" mapstructure:"chains"`
	Gate     GateConfig           `yaml:"gate" mapstructure:"gate"`
	Metrics  observability.Config `yaml:"metrics" mapstructure:"metrics"`
	Admin    AdminConfig          `yaml:"admin" mapstructure:"admin"`
	Log      LogConfig            `yaml:"log" mapstructure:"log"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("gate.output_dir", "./large-responses")
	v.SetDefault("gate.threshold", 0)
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.prometheus_port", 9090)
	v.SetDefault("admin.enabled", false)
	v.SetDefault("admin.listen_addr", ":8080")
	v.SetDefault("log.level", "info")
}

// Load reads the config file at path, or searches toolmux.yaml in the working
// directory and $HOME when path is empty.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("toolmux")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME")
	}

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks structural constraints the file can violate.
func (c *Config) Validate() error {
	if len(c.Backends) == 0 {
		return fmt.Errorf("at least one backend is required")
	}
	seen := make(map[string]bool, len(c.Backends))
	for i, b := range c.Backends {
		if b.Name == "" {
			return fmt.Errorf("backend %d: name is required", i)
		}
		if seen[b.Name] {
			return fmt.Errorf("duplicate backend name %q", b.Name)
		}
		seen[b.Name] = true
		hasCommand := b.Command != ""
		hasURL := b.URL != ""
		if hasCommand == hasURL {
			return fmt.Errorf("backend %q: exactly one of command or url is required", b.Name)
		}
	}
	return nil
}

// BackendSpecs converts file entries into directory specs.
func (c *Config) BackendSpecs() []directory.Spec {
	specs := make([]directory.Spec, 0, len(c.Backends))
	for _, b := range c.Backends {
		specs = append(specs, directory.Spec{
			Name:                b.Name,
			Command:             b.Command,
			Args:                b.Args,
			Env:                 b.Env,
			WorkDir:             b.WorkDir,
			SocketURL:           b.URL,
			HealthURL:           b.HealthURL,
			HealthCheckInterval: b.HealthCheckInterval,
			CallTimeout:         b.CallTimeout,
			UseConnectionPool:   b.UseConnectionPool,
			Pool: pool.Config{
				Min:              b.Pool.Min,
				Max:              b.Pool.Max,
				IdleTimeout:      b.Pool.IdleTimeout,
				AcquireTimeout:   b.Pool.AcquireTimeout,
				CreateRetries:    b.Pool.CreateRetries,
				CreateRetryDelay: b.Pool.CreateRetryDelay,
			},
		})
	}
	return specs
}
