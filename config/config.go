package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config is the complete service configuration. Values come from an
// optional YAML file, then environment overrides, then defaults.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Log        LogConfig        `yaml:"log"`
	Store      StoreConfig      `yaml:"store"`
	Supabase   SupabaseConfig   `yaml:"supabase"`
	Images     ImagesConfig     `yaml:"images"`
	Providers  []ProviderConfig `yaml:"providers" validate:"dive"`
	Dispatcher DispatcherConfig `yaml:"dispatcher"`
	Events     EventsConfig     `yaml:"events"`
}

type ServerConfig struct {
	Port        string `yaml:"port" validate:"required,numeric"`
	CORSOrigins string `yaml:"cors_origins"`
}

type LogConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn warning error"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	Backend     string `yaml:"backend" validate:"oneof=supabase sql"`
	DSN         string `yaml:"dsn" validate:"required_if=Backend sql"` // mysql DSN or sqlite://<path>
	AutoMigrate bool   `yaml:"auto_migrate"`
	WithCatalog bool   `yaml:"with_catalog"` // create local catalog tables (dev only)
}

type SupabaseConfig struct {
	URL        string `yaml:"url" validate:"omitempty,url"`
	ServiceKey string `yaml:"service_key"`
	Bucket     string `yaml:"bucket"`
}

// ImagesConfig selects where generated images are persisted.
type ImagesConfig struct {
	Backend      string `yaml:"backend" validate:"oneof=supabase local"`
	LocalDir     string `yaml:"local_dir" validate:"required_if=Backend local"`
	LocalBaseURL string `yaml:"local_base_url"`
}

// ProviderConfig configures one generation backend. Quality decides which
// provider is used when a work item does not ask for one.
type ProviderConfig struct {
	Name         string        `yaml:"name" validate:"required,oneof=ark gemini grpc"`
	Enabled      bool          `yaml:"enabled"`
	APIKey       string        `yaml:"api_key"`
	Model        string        `yaml:"model"`
	Address      string        `yaml:"address" validate:"required_if=Name grpc"`
	Size         string        `yaml:"size"`
	Quality      int           `yaml:"quality" validate:"gte=0,lte=100"`
	CostPerImage float64       `yaml:"cost_per_image" validate:"gte=0"`
	Timeout      time.Duration `yaml:"timeout" validate:"gte=0"`
}

type DispatcherConfig struct {
	BatchSize int           `yaml:"batch_size" validate:"gte=1,lte=100"`
	Interval  time.Duration `yaml:"interval" validate:"gte=0"`
	Workers   int           `yaml:"workers" validate:"gte=1,lte=16"`
	Provider  string        `yaml:"provider"`
}

// EventsConfig enables cross-process live update bridges. Empty addresses
// leave a bridge off.
type EventsConfig struct {
	RedisAddr    string `yaml:"redis_addr"`
	RedisChannel string `yaml:"redis_channel"`
	AMQPURL      string `yaml:"amqp_url"`
	AMQPExchange string `yaml:"amqp_exchange"`
	MQTTBroker   string `yaml:"mqtt_broker"`
	MQTTTopic    string `yaml:"mqtt_topic"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Port: "8080", CORSOrigins: "*"},
		Log:    LogConfig{Level: "info"},
		Store:  StoreConfig{Backend: "supabase"},
		Supabase: SupabaseConfig{
			Bucket: "generated-images",
		},
		Images: ImagesConfig{Backend: "supabase", LocalDir: "./public/images", LocalBaseURL: "http://localhost:8080/images"},
		Providers: []ProviderConfig{
			{Name: "gemini", Model: "imagen-3.0-generate-002", Quality: 90, CostPerImage: 0.04, Timeout: 90 * time.Second},
			{Name: "ark", Model: "doubao-seedream-3-0-t2i-250415", Size: "1024x1024", Quality: 80, CostPerImage: 0.03, Timeout: 90 * time.Second},
		},
		Dispatcher: DispatcherConfig{BatchSize: 10, Workers: 1},
		Events: EventsConfig{
			RedisChannel: "imagegen:events",
			AMQPExchange: "imagegen.events",
			MQTTTopic:    "hempdb/imagegen/events",
		},
	}
}

// Load reads the YAML file at path (optional), applies environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}
	cfg.applyEnv()
	cfg.applyDefaults()

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// LoadFromEnv loads the file named by IMAGEGEN_CONFIG, if any.
func LoadFromEnv() (*Config, error) {
	return Load(os.Getenv("IMAGEGEN_CONFIG"))
}

var validate = validator.New()

// Validate checks struct rules and cross-field constraints.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return err
	}
	if cfg.Store.Backend == "supabase" || cfg.Images.Backend == "supabase" {
		if cfg.Supabase.URL == "" || cfg.Supabase.ServiceKey == "" {
			return fmt.Errorf("supabase url and service key are required for the supabase backend")
		}
	}
	seen := make(map[string]bool, len(cfg.Providers))
	for _, p := range cfg.Providers {
		if seen[p.Name] {
			return fmt.Errorf("provider %q configured twice", p.Name)
		}
		seen[p.Name] = true
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Server.Port = Getenv("PORT", c.Server.Port)
	c.Server.CORSOrigins = Getenv("CORS_ORIGINS", c.Server.CORSOrigins)
	c.Log.Level = Getenv("LOG_LEVEL", c.Log.Level)
	c.Store.Backend = Getenv("STORE_BACKEND", c.Store.Backend)
	c.Store.DSN = Getenv("DB_DSN", c.Store.DSN)
	c.Supabase.URL = Getenv("SUPABASE_URL", c.Supabase.URL)
	c.Supabase.ServiceKey = Getenv("SUPABASE_SERVICE_KEY", c.Supabase.ServiceKey)
	c.Supabase.Bucket = Getenv("SUPABASE_BUCKET", c.Supabase.Bucket)
	c.Images.Backend = Getenv("IMAGES_BACKEND", c.Images.Backend)
	c.Images.LocalDir = Getenv("IMAGES_DIR", c.Images.LocalDir)
	c.Images.LocalBaseURL = Getenv("IMAGES_BASE_URL", c.Images.LocalBaseURL)
	c.Dispatcher.Provider = Getenv("DISPATCH_PROVIDER", c.Dispatcher.Provider)
	c.Events.RedisAddr = Getenv("REDIS_ADDR", c.Events.RedisAddr)
	c.Events.AMQPURL = Getenv("AMQP_URL", c.Events.AMQPURL)
	c.Events.MQTTBroker = Getenv("MQTT_BROKER", c.Events.MQTTBroker)

	for i := range c.Providers {
		p := &c.Providers[i]
		p.APIKey = Getenv(strings.ToUpper(p.Name)+"_API_KEY", p.APIKey)
		if p.Name == "grpc" {
			p.Address = Getenv("IMAGEGEN_GRPC_ADDR", p.Address)
		}
	}
}

func (c *Config) applyDefaults() {
	if c.Dispatcher.BatchSize == 0 {
		c.Dispatcher.BatchSize = 10
	}
	if c.Dispatcher.Workers == 0 {
		c.Dispatcher.Workers = 1
	}
	for i := range c.Providers {
		p := &c.Providers[i]
		if p.Timeout == 0 {
			p.Timeout = 90 * time.Second
		}
		// A provider with credentials is on unless the file says otherwise.
		if !p.Enabled && (p.APIKey != "" || p.Address != "") {
			p.Enabled = true
		}
	}
}

// Getenv returns the environment variable value if set, otherwise returns defaultValue.
func Getenv(key string, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
