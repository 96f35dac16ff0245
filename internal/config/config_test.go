package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/thumbnailer/internal/thumbnailer"
)

func TestLoad(t *testing.T) {
	tests := []struct {
		name      string
		filePath  string
		wantErr   bool
		errString string
	}{
		{
			name:     "valid config file",
			filePath: "testdata/valid_config.yaml",
			wantErr:  false,
		},
		{
			name:      "non-existent file",
			filePath:  "testdata/nonexistent.yaml",
			wantErr:   true,
			errString: "failed to read config file",
		},
		{
			name:      "malformed yaml",
			filePath:  "testdata/malformed.yaml",
			wantErr:   true,
			errString: "failed to parse config file",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(tt.filePath)

			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
				assert.Nil(t, cfg)
			} else {
				require.NoError(t, err)
				require.NotNil(t, cfg)

				// Verify some key fields are populated
				assert.Equal(t, "thumbnailer-service", cfg.App.Name)
				assert.Equal(t, 8080, cfg.Server.Port)
				assert.True(t, cfg.Database.Enabled)
				assert.Equal(t, "thumbnails_db", cfg.Database.Database)
				assert.Equal(t, "thumbnails.requests", cfg.RabbitMQ.Exchanges.Requests)
				assert.Equal(t, "thumbnails.notifications", cfg.RabbitMQ.Exchanges.Notifications)
				assert.Equal(t, 30*time.Second, cfg.RabbitMQ.RPC.CallTimeout)
				assert.Equal(t, 5*time.Second, cfg.RabbitMQ.RPC.PublishTimeout)
				assert.Equal(t, "normal", cfg.Thumbnailer.Priority)
				assert.Equal(t, "foreground", cfg.Thumbnailer.HandleClass)
				assert.Equal(t, 1024, cfg.Thumbnailer.LoopBuffer)
				assert.Equal(t, 1024, cfg.Files.RecorderBuffer)
			}
		})
	}
}

func validConfig() *Config {
	return &Config{
		Server: ServerConfig{Port: 8080},
		Database: DatabaseConfig{
			Enabled:  true,
			Host:     "localhost",
			Port:     5432,
			Database: "thumbnails_db",
		},
		RabbitMQ: RabbitMQConfig{
			Host: "localhost",
			Port: 5672,
			Exchanges: ExchangesConfig{
				Requests:      "thumbnails.requests",
				Notifications: "thumbnails.notifications",
			},
		},
		Thumbnailer: ThumbnailerConfig{
			Priority:    "normal",
			HandleClass: "foreground",
		},
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name      string
		modify    func(c *Config)
		wantErr   bool
		errString string
	}{
		{
			name:    "valid config",
			modify:  func(*Config) {},
			wantErr: false,
		},
		{
			name:      "invalid server port - too low",
			modify:    func(c *Config) { c.Server.Port = 0 },
			wantErr:   true,
			errString: "invalid server port",
		},
		{
			name:      "invalid server port - too high",
			modify:    func(c *Config) { c.Server.Port = 70000 },
			wantErr:   true,
			errString: "invalid server port",
		},
		{
			name:      "empty database host",
			modify:    func(c *Config) { c.Database.Host = "" },
			wantErr:   true,
			errString: "database host is required",
		},
		{
			name:      "empty database name",
			modify:    func(c *Config) { c.Database.Database = "" },
			wantErr:   true,
			errString: "database name is required",
		},
		{
			name: "database settings are ignored when disabled",
			modify: func(c *Config) {
				c.Database = DatabaseConfig{Enabled: false}
			},
			wantErr: false,
		},
		{
			name:      "empty rabbitmq host",
			modify:    func(c *Config) { c.RabbitMQ.Host = "" },
			wantErr:   true,
			errString: "rabbitmq host is required",
		},
		{
			name:      "invalid rabbitmq port",
			modify:    func(c *Config) { c.RabbitMQ.Port = -1 },
			wantErr:   true,
			errString: "invalid rabbitmq port",
		},
		{
			name:      "empty request exchange",
			modify:    func(c *Config) { c.RabbitMQ.Exchanges.Requests = "" },
			wantErr:   true,
			errString: "rabbitmq request exchange is required",
		},
		{
			name:      "empty notification exchange",
			modify:    func(c *Config) { c.RabbitMQ.Exchanges.Notifications = "" },
			wantErr:   true,
			errString: "rabbitmq notification exchange is required",
		},
		{
			name: "same exchange for requests and notifications",
			modify: func(c *Config) {
				c.RabbitMQ.Exchanges.Notifications = c.RabbitMQ.Exchanges.Requests
			},
			wantErr:   true,
			errString: "must differ",
		},
		{
			name:      "negative call timeout",
			modify:    func(c *Config) { c.RabbitMQ.RPC.CallTimeout = -time.Second },
			wantErr:   true,
			errString: "timeouts must not be negative",
		},
		{
			name:      "invalid priority",
			modify:    func(c *Config) { c.Thumbnailer.Priority = "urgent" },
			wantErr:   true,
			errString: "invalid priority",
		},
		{
			name:      "invalid handle class",
			modify:    func(c *Config) { c.Thumbnailer.HandleClass = "idle" },
			wantErr:   true,
			errString: "invalid handle class",
		},
		{
			name: "empty priority and handle class use defaults",
			modify: func(c *Config) {
				c.Thumbnailer.Priority = ""
				c.Thumbnailer.HandleClass = ""
			},
			wantErr: false,
		},
		{
			name:      "negative buffer",
			modify:    func(c *Config) { c.Files.RecorderBuffer = -1 },
			wantErr:   true,
			errString: "buffer sizes must not be negative",
		},
		{
			name:    "absolute detect root",
			modify:  func(c *Config) { c.Files.DetectRoot = "/srv/media" },
			wantErr: false,
		},
		{
			name:      "relative detect root",
			modify:    func(c *Config) { c.Files.DetectRoot = "media" },
			wantErr:   true,
			errString: "detect_root must be an absolute path",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.modify(cfg)

			err := cfg.Validate()

			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestLoad_ValidateIntegration(t *testing.T) {
	t.Run("load and validate valid config", func(t *testing.T) {
		cfg, err := Load("testdata/valid_config.yaml")
		require.NoError(t, err)
		require.NotNil(t, cfg)

		err = cfg.Validate()
		require.NoError(t, err)
	})

	t.Run("load config with invalid port", func(t *testing.T) {
		cfg, err := Load("testdata/invalid_port.yaml")
		require.NoError(t, err)
		require.NotNil(t, cfg)

		err = cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid server port")
	})

	t.Run("load config with missing database", func(t *testing.T) {
		cfg, err := Load("testdata/missing_database.yaml")
		require.NoError(t, err)
		require.NotNil(t, cfg)

		err = cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "database name is required")
	})

	t.Run("load config with invalid priority", func(t *testing.T) {
		cfg, err := Load("testdata/invalid_priority.yaml")
		require.NoError(t, err)
		require.NotNil(t, cfg)

		err = cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid priority")
	})
}

func TestLoad_WithoutThumbnailerSection(t *testing.T) {
	cfg, err := Load("testdata/no_thumbnailer.yaml")
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	priority, handleClass, err := cfg.Thumbnailer.Scheduling()
	require.NoError(t, err)
	assert.Equal(t, thumbnailer.PriorityNormal, priority)
	assert.Equal(t, thumbnailer.HandleClassForeground, handleClass)
}

func TestThumbnailerConfig_Scheduling(t *testing.T) {
	tests := []struct {
		name            string
		cfg             ThumbnailerConfig
		wantPriority    thumbnailer.Priority
		wantHandleClass thumbnailer.HandleClass
		wantErr         string
	}{
		{
			name:            "defaults",
			wantPriority:    thumbnailer.PriorityNormal,
			wantHandleClass: thumbnailer.HandleClassForeground,
		},
		{
			name:            "explicit values",
			cfg:             ThumbnailerConfig{Priority: "background", HandleClass: "background"},
			wantPriority:    thumbnailer.PriorityBackground,
			wantHandleClass: thumbnailer.HandleClassBackground,
		},
		{
			name:            "only handle class",
			cfg:             ThumbnailerConfig{HandleClass: "background"},
			wantPriority:    thumbnailer.PriorityNormal,
			wantHandleClass: thumbnailer.HandleClassBackground,
		},
		{
			name:    "invalid priority",
			cfg:     ThumbnailerConfig{Priority: "urgent"},
			wantErr: "invalid priority",
		},
		{
			name:    "invalid handle class",
			cfg:     ThumbnailerConfig{Priority: "normal", HandleClass: "idle"},
			wantErr: "invalid handle class",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			priority, handleClass, err := tt.cfg.Scheduling()

			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantPriority, priority)
			assert.Equal(t, tt.wantHandleClass, handleClass)
		})
	}
}
