package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cuongbtq/thumbnailer/internal/thumbnailer"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Config represents the complete application configuration
type Config struct {
	App         AppConfig         `yaml:"app"`
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	RabbitMQ    RabbitMQConfig    `yaml:"rabbitmq"`
	Logging     LoggingConfig     `yaml:"logging"`
	Thumbnailer ThumbnailerConfig `yaml:"thumbnailer"`
	Files       FilesConfig       `yaml:"files"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds PostgreSQL connection configuration. The database only keeps thumbnail
// state history and can be disabled.
type DatabaseConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
}

// RabbitMQConfig holds RabbitMQ connection and exchange configuration
type RabbitMQConfig struct {
	Host       string           `yaml:"host"`
	Port       int              `yaml:"port"`
	User       string           `yaml:"user"`
	Password   string           `yaml:"password"`
	VHost      string           `yaml:"vhost"`
	Exchanges  ExchangesConfig  `yaml:"exchanges"`
	Connection ConnectionConfig `yaml:"connection"`
	RPC        RPCConfig        `yaml:"rpc"`
}

// ExchangesConfig holds the names of the thumbnailing service exchanges
type ExchangesConfig struct {
	Requests      string `yaml:"requests"`
	Notifications string `yaml:"notifications"`
	Durable       bool   `yaml:"durable"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	Heartbeat         time.Duration `yaml:"heartbeat"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
}

// RPCConfig holds timeouts of calls to the thumbnailing service
type RPCConfig struct {
	CallTimeout    time.Duration `yaml:"call_timeout"`
	PublishTimeout time.Duration `yaml:"publish_timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	Output       string `yaml:"output"`
	EnableCaller bool   `yaml:"enable_caller"`
	NoColor      bool   `yaml:"no_color"`
}

// ThumbnailerConfig holds request manager settings
type ThumbnailerConfig struct {
	Priority     string `yaml:"priority"`
	HandleClass  string `yaml:"handle_class"`
	Flags        uint32 `yaml:"flags"`
	EventsBuffer int    `yaml:"events_buffer"`
	LoopBuffer   int    `yaml:"loop_buffer"`
}

// Scheduling returns the parsed priority and handle class. Empty values mean normal priority
// and foreground handles.
func (c ThumbnailerConfig) Scheduling() (thumbnailer.Priority, thumbnailer.HandleClass, error) {
	priority, handleClass := thumbnailer.PriorityNormal, thumbnailer.HandleClassForeground

	var err error
	if c.Priority != "" {
		if priority, err = thumbnailer.ParsePriority(c.Priority); err != nil {
			return "", "", err
		}
	}
	if c.HandleClass != "" {
		if handleClass, err = thumbnailer.ParseHandleClass(c.HandleClass); err != nil {
			return "", "", err
		}
	}

	return priority, handleClass, nil
}

// FilesConfig holds file catalog settings
type FilesConfig struct {
	RecorderBuffer int `yaml:"recorder_buffer"`
	// DetectRoot is the only directory whose files are read to detect a missing content type.
	// Empty disables detection.
	DetectRoot string `yaml:"detect_root"`
}

// Load reads and parses the configuration file
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return &config, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	if c.Database.Enabled {
		if c.Database.Host == "" {
			return fmt.Errorf("database host is required")
		}

		if c.Database.Port < MinPort || c.Database.Port > MaxPort {
			return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
		}

		if c.Database.Database == "" {
			return fmt.Errorf("database name is required")
		}
	}

	if c.RabbitMQ.Host == "" {
		return fmt.Errorf("rabbitmq host is required")
	}

	if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
		return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
	}

	if c.RabbitMQ.Exchanges.Requests == "" {
		return fmt.Errorf("rabbitmq request exchange is required")
	}

	if c.RabbitMQ.Exchanges.Notifications == "" {
		return fmt.Errorf("rabbitmq notification exchange is required")
	}

	if c.RabbitMQ.Exchanges.Requests == c.RabbitMQ.Exchanges.Notifications {
		return fmt.Errorf("rabbitmq request and notification exchanges must differ")
	}

	if c.RabbitMQ.RPC.CallTimeout < 0 || c.RabbitMQ.RPC.PublishTimeout < 0 {
		return fmt.Errorf("rabbitmq rpc timeouts must not be negative")
	}

	if _, _, err := c.Thumbnailer.Scheduling(); err != nil {
		return fmt.Errorf("thumbnailer: %w", err)
	}

	if c.Thumbnailer.EventsBuffer < 0 || c.Thumbnailer.LoopBuffer < 0 || c.Files.RecorderBuffer < 0 {
		return fmt.Errorf("buffer sizes must not be negative")
	}

	if c.Files.DetectRoot != "" && !filepath.IsAbs(c.Files.DetectRoot) {
		return fmt.Errorf("files detect_root must be an absolute path: %q", c.Files.DetectRoot)
	}

	return nil
}
