package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

type ICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty"`
}

type Config struct {
	Server struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	Signal struct {
		Address         string        `yaml:"address"`
		URL             string        `yaml:"url"` // used by call agents to dial the relay
		PingInterval    time.Duration `yaml:"ping_interval"`
		PongTimeout     time.Duration `yaml:"pong_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
		DialAttempts    int           `yaml:"dial_attempts"`
	} `yaml:"signal"`

	WebRTC struct {
		ICEServers []ICEServer `yaml:"ice_servers"`
		PortRange  struct {
			Min uint16 `yaml:"min"`
			Max uint16 `yaml:"max"`
		} `yaml:"port_range"`
		DisableMDNS bool `yaml:"disable_mdns"`
	} `yaml:"webrtc"`

	Monitor struct {
		Interval time.Duration `yaml:"interval"`
	} `yaml:"monitor"`

	E2EE struct {
		Enabled            bool          `yaml:"enabled"`
		Required           bool          `yaml:"required"`
		KeyExchangeTimeout time.Duration `yaml:"key_exchange_timeout"`
		RotationAckTimeout time.Duration `yaml:"rotation_ack_timeout"`
		GraceWindow        time.Duration `yaml:"grace_window"`
		RotationInterval   time.Duration `yaml:"rotation_interval"` // 0 disables automatic rotation
	} `yaml:"e2ee"`

	Chat struct {
		Enabled bool `yaml:"enabled"`
		E2EE    bool `yaml:"e2ee"`
	} `yaml:"chat"`

	Devices struct {
		CameraAvailable     bool `yaml:"camera_available"`
		MicrophoneAvailable bool `yaml:"microphone_available"`
		ScreenAvailable     bool `yaml:"screen_available"`
	} `yaml:"devices"`

	Monitoring struct {
		PrometheusEnabled bool `yaml:"prometheus_enabled"`
		PrometheusPort    int  `yaml:"prometheus_port"`
	} `yaml:"monitoring"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Redis struct {
		Enabled  bool   `yaml:"enabled"`
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		PoolSize int    `yaml:"pool_size"`
	} `yaml:"redis"`

	Auth struct {
		JWTSecret      string        `yaml:"jwt_secret"`
		TokenTTL       time.Duration `yaml:"token_ttl"`
		AllowedOrigins []string      `yaml:"allowed_origins"`
	} `yaml:"auth"`

	RateLimiting struct {
		Enabled bool `yaml:"enabled"`

		HTTP struct {
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
			MaxConcurrent     int     `yaml:"max_concurrent"`
			// Per bearer token: one peer in one room, or one service.
			TokenRequestsPerSecond float64       `yaml:"token_requests_per_second"`
			TokenBurst             int           `yaml:"token_burst"`
			IdleTTL                time.Duration `yaml:"idle_ttl"`
		} `yaml:"http"`

		WebSocket struct {
			MessagesPerSecond   float64 `yaml:"messages_per_second"`
			Burst               int     `yaml:"burst"`
			MaxMessageSizeBytes int64   `yaml:"max_message_size_bytes"`
		} `yaml:"websocket"`
	} `yaml:"rate_limiting"`

	Tracing struct {
		Enabled     bool    `yaml:"enabled"`
		JaegerURL   string  `yaml:"jaeger_url"`
		Environment string  `yaml:"environment"`
		SampleRate  float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	if c.Server.Address == "" {
		return fmt.Errorf("server.address must not be empty")
	}
	if c.Server.ReadTimeout <= 0 || c.Server.WriteTimeout <= 0 || c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server timeouts must be > 0")
	}

	if c.Signal.Address == "" {
		return fmt.Errorf("signal.address must not be empty")
	}
	if c.Signal.PingInterval <= 0 {
		return fmt.Errorf("signal.ping_interval must be > 0")
	}
	if c.Signal.PongTimeout <= c.Signal.PingInterval {
		return fmt.Errorf("signal.pong_timeout must be > signal.ping_interval")
	}
	if c.Signal.WriteTimeout <= 0 {
		return fmt.Errorf("signal.write_timeout must be > 0")
	}
	if c.Signal.DialAttempts < 1 {
		return fmt.Errorf("signal.dial_attempts must be >= 1")
	}

	if c.WebRTC.PortRange.Min > 0 || c.WebRTC.PortRange.Max > 0 {
		if c.WebRTC.PortRange.Min == 0 || c.WebRTC.PortRange.Max == 0 {
			return fmt.Errorf("webrtc.port_range.min and max must both be set when one is set")
		}
		if c.WebRTC.PortRange.Min >= c.WebRTC.PortRange.Max {
			return fmt.Errorf("webrtc.port_range.min must be < max")
		}
	}

	if c.Monitor.Interval < 100*time.Millisecond {
		return fmt.Errorf("monitor.interval must be >= 100ms")
	}

	if c.E2EE.Required && !c.E2EE.Enabled {
		return fmt.Errorf("e2ee.required needs e2ee.enabled=true")
	}
	if c.E2EE.Enabled {
		if c.E2EE.KeyExchangeTimeout <= 0 {
			return fmt.Errorf("e2ee.key_exchange_timeout must be > 0")
		}
		if c.E2EE.RotationAckTimeout <= 0 {
			return fmt.Errorf("e2ee.rotation_ack_timeout must be > 0")
		}
		if c.E2EE.GraceWindow <= 0 {
			return fmt.Errorf("e2ee.grace_window must be > 0")
		}
		if c.E2EE.RotationInterval < 0 {
			return fmt.Errorf("e2ee.rotation_interval must be >= 0")
		}
		if c.E2EE.RotationInterval > 0 && c.E2EE.RotationInterval <= c.E2EE.GraceWindow {
			return fmt.Errorf("e2ee.rotation_interval must exceed e2ee.grace_window")
		}
	}

	if c.Monitoring.PrometheusEnabled && c.Monitoring.PrometheusPort <= 0 {
		return fmt.Errorf("monitoring.prometheus_port must be > 0 when prometheus_enabled=true")
	}

	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	if c.Redis.Enabled {
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when redis.enabled=true")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when redis.enabled=true")
		}
	}

	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret must not be empty")
	}
	if c.Auth.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl must be > 0")
	}

	if c.RateLimiting.Enabled {
		if c.RateLimiting.HTTP.RequestsPerSecond <= 0 || c.RateLimiting.HTTP.Burst <= 0 {
			return fmt.Errorf("rate_limiting.http requires requests_per_second > 0 and burst > 0")
		}
		if c.RateLimiting.HTTP.TokenRequestsPerSecond <= 0 || c.RateLimiting.HTTP.TokenBurst <= 0 {
			return fmt.Errorf("rate_limiting.http requires token_requests_per_second > 0 and token_burst > 0")
		}
		if c.RateLimiting.WebSocket.MessagesPerSecond <= 0 || c.RateLimiting.WebSocket.Burst <= 0 {
			return fmt.Errorf("rate_limiting.websocket requires messages_per_second > 0 and burst > 0")
		}
		if c.RateLimiting.WebSocket.MaxMessageSizeBytes < 0 {
			return fmt.Errorf("rate_limiting.websocket.max_message_size_bytes must be >= 0")
		}
	}

	if c.Tracing.Enabled {
		if c.Tracing.JaegerURL == "" {
			return fmt.Errorf("tracing.jaeger_url must not be empty when tracing.enabled=true")
		}
		if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
			return fmt.Errorf("tracing.sample_rate must be within [0, 1]")
		}
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
func Load(configPath string) (*Config, error) {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// LoadFirst tries each path in order and returns the first that loads.
func LoadFirst(paths ...string) (*Config, string, error) {
	var lastErr error
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		cfg, err := Load(p)
		if err == nil {
			return cfg, p, nil
		}
		lastErr = err
	}
	if lastErr != nil {
		return nil, "", lastErr
	}
	cfg := DefaultConfig()
	cfg.applyEnvOverrides()
	return cfg, "", nil
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Address = ":8080"
	cfg.Server.ReadTimeout = 30 * time.Second
	cfg.Server.WriteTimeout = 30 * time.Second
	cfg.Server.ShutdownTimeout = 30 * time.Second

	cfg.Signal.Address = ":8081"
	cfg.Signal.URL = "ws://localhost:8081/ws"
	cfg.Signal.PingInterval = 30 * time.Second
	cfg.Signal.PongTimeout = 60 * time.Second
	cfg.Signal.WriteTimeout = 10 * time.Second
	cfg.Signal.ShutdownTimeout = 30 * time.Second
	cfg.Signal.DialAttempts = 3

	cfg.WebRTC.ICEServers = []ICEServer{
		{URLs: []string{"stun:stun.l.google.com:19302"}},
	}

	cfg.Monitor.Interval = 2 * time.Second

	cfg.E2EE.Enabled = true
	cfg.E2EE.Required = false
	cfg.E2EE.KeyExchangeTimeout = 15 * time.Second
	cfg.E2EE.RotationAckTimeout = 10 * time.Second
	cfg.E2EE.GraceWindow = 10 * time.Second
	cfg.E2EE.RotationInterval = 0

	cfg.Chat.Enabled = true
	cfg.Chat.E2EE = true

	cfg.Devices.CameraAvailable = true
	cfg.Devices.MicrophoneAvailable = true
	cfg.Devices.ScreenAvailable = true

	cfg.Monitoring.PrometheusEnabled = true
	cfg.Monitoring.PrometheusPort = 9090

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.PoolSize = 10

	cfg.Auth.JWTSecret = "change-me-in-production"
	cfg.Auth.TokenTTL = 2 * time.Hour
	cfg.Auth.AllowedOrigins = []string{"*"}

	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 50
	cfg.RateLimiting.HTTP.Burst = 100
	cfg.RateLimiting.HTTP.MaxConcurrent = 1000
	cfg.RateLimiting.HTTP.TokenRequestsPerSecond = 5
	cfg.RateLimiting.HTTP.TokenBurst = 10
	cfg.RateLimiting.HTTP.IdleTTL = 10 * time.Minute
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 50
	cfg.RateLimiting.WebSocket.Burst = 100
	cfg.RateLimiting.WebSocket.MaxMessageSizeBytes = 64 * 1024

	cfg.Tracing.Enabled = false
	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.Environment = "development"
	cfg.Tracing.SampleRate = 1.0

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if addr := os.Getenv("CALLCORE_SERVER_ADDRESS"); addr != "" {
		c.Server.Address = addr
	}
	if addr := os.Getenv("CALLCORE_SIGNAL_ADDRESS"); addr != "" {
		c.Signal.Address = addr
	}
	if u := os.Getenv("CALLCORE_SIGNAL_URL"); u != "" {
		c.Signal.URL = u
	}
	if level := os.Getenv("CALLCORE_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if secret := os.Getenv("CALLCORE_JWT_SECRET"); secret != "" {
		c.Auth.JWTSecret = secret
	}
	if v := os.Getenv("CALLCORE_E2EE_REQUIRED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.E2EE.Required = b
			if b {
				c.E2EE.Enabled = true
			}
		}
	}
	if addr := os.Getenv("CALLCORE_REDIS_ADDRESS"); addr != "" {
		c.Redis.Enabled = true
		c.Redis.Address = addr
	}
}
