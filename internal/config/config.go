package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/chipster6/adaptive-routing-engine/internal/eventbus"
	"github.com/chipster6/adaptive-routing-engine/internal/middleware"
	"github.com/chipster6/adaptive-routing-engine/internal/routing"
	"github.com/chipster6/adaptive-routing-engine/internal/server"
)

var validate = validator.New()

// Config is the complete application configuration.
type Config struct {
	Server   ServerConfig                             `yaml:"server" validate:"required"`
	Engine   routing.Options                          `yaml:"engine"`
	Logging  LoggingConfig                            `yaml:"logging"`
	Security *SecuritySection                         `yaml:"security"`
	Events   eventbus.Config                          `yaml:"events"`
	Services map[string]*routing.TrafficDistribution `yaml:"services" validate:"required,min=1"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port           string        `yaml:"port" validate:"required,numeric"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	MaxHeaderBytes int           `yaml:"max_header_bytes"`
}

// SecuritySection mirrors middleware.SecurityConfig in the config file.
type SecuritySection struct {
	AuthEnabled       bool     `yaml:"auth_enabled"`
	APIKeys           []string `yaml:"api_keys"`
	JWTSecret         string   `yaml:"jwt_secret"`
	RateLimitEnabled  bool     `yaml:"rate_limit_enabled"`
	RequestsPerMinute int      `yaml:"requests_per_minute" validate:"omitempty,min=1"`
	BurstSize         int      `yaml:"burst_size" validate:"omitempty,min=1"`
	OpenAPIEnabled    bool     `yaml:"openapi_enabled"`
	OpenAPISpecPath   string   `yaml:"openapi_spec_path"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=debug info warn error fatal"`
	Format string `yaml:"format" validate:"omitempty,oneof=json text"`
	Output string `yaml:"output"`
}

// Load reads configuration from a YAML file, then applies environment
// overrides and validates the result.
func Load(configPath string) (*Config, error) {
	config := &Config{}

	config.setDefaults()

	if configPath != "" {
		if err := config.loadFromFile(configPath); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	config.loadFromEnv()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

func (c *Config) setDefaults() {
	c.Server = ServerConfig{
		Port:           "8080",
		ReadTimeout:    15 * time.Second,
		WriteTimeout:   15 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	c.Engine = routing.DefaultOptions()

	c.Logging = LoggingConfig{
		Level:  "info",
		Format: "json",
		Output: "stdout",
	}

	c.Events = eventbus.DefaultConfig()
}

func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse YAML config: %w", err)
	}

	// Each service block takes its name from the map key.
	for name, dist := range c.Services {
		if dist != nil {
			dist.Service = name
		}
	}

	return nil
}

func (c *Config) loadFromEnv() {
	if port := os.Getenv("ROUTING_ENGINE_PORT"); port != "" {
		c.Server.Port = port
	}
	if level := os.Getenv("ROUTING_ENGINE_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if format := os.Getenv("ROUTING_ENGINE_LOG_FORMAT"); format != "" {
		c.Logging.Format = format
	}
	if addr := os.Getenv("ROUTING_ENGINE_REDIS_ADDR"); addr != "" {
		c.Events.Redis.Enabled = true
		c.Events.Redis.Addr = addr
	}
	if password := os.Getenv("ROUTING_ENGINE_REDIS_PASSWORD"); password != "" {
		c.Events.Redis.Password = password
	}
	if secret := os.Getenv("ROUTING_ENGINE_JWT_SECRET"); secret != "" {
		if c.Security == nil {
			c.Security = &SecuritySection{}
		}
		c.Security.JWTSecret = secret
	}
	if expiry := os.Getenv("ROUTING_ENGINE_DECISION_EXPIRY"); expiry != "" {
		if seconds, err := strconv.Atoi(expiry); err == nil && seconds > 0 {
			c.Engine.DecisionExpiry = time.Duration(seconds) * time.Second
		}
	}
}

// Validate checks structural constraints and then each service's
// distribution semantics.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}

	for name, dist := range c.Services {
		if dist == nil {
			return fmt.Errorf("service %q has an empty definition", name)
		}
		if err := dist.Validate(); err != nil {
			return fmt.Errorf("service %q: %w", name, err)
		}
	}

	return nil
}

// ToServerConfig converts the file representation into what the server
// package consumes.
func (c *Config) ToServerConfig() *server.Config {
	cfg := &server.Config{
		Port:           c.Server.Port,
		ReadTimeout:    c.Server.ReadTimeout,
		WriteTimeout:   c.Server.WriteTimeout,
		MaxHeaderBytes: c.Server.MaxHeaderBytes,
	}
	if c.Security != nil {
		cfg.Security = c.Security.toMiddlewareConfig()
	}
	return cfg
}

func (s *SecuritySection) toMiddlewareConfig() *middleware.SecurityConfig {
	cfg := middleware.DefaultSecurityConfig()
	cfg.Auth.Enabled = s.AuthEnabled
	cfg.Auth.APIKeys = s.APIKeys
	cfg.Auth.JWTSecret = s.JWTSecret
	cfg.RateLimit.Enabled = s.RateLimitEnabled
	if s.RequestsPerMinute > 0 {
		cfg.RateLimit.RequestsPerMinute = s.RequestsPerMinute
	}
	if s.BurstSize > 0 {
		cfg.RateLimit.BurstSize = s.BurstSize
	}
	cfg.OpenAPI.Enabled = s.OpenAPIEnabled
	if s.OpenAPISpecPath != "" {
		cfg.OpenAPI.SpecPath = s.OpenAPISpecPath
	}
	return cfg
}

// SaveToFile writes the configuration back out as YAML.
func (c *Config) SaveToFile(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config to YAML: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
