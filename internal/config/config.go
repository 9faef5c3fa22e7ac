package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the gateway configuration
type Config struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	Logging  Logging  `yaml:"logging"`
	TLS      TLS      `yaml:"tls"`
	CORS     CORS     `yaml:"cors"`
	Auth     Auth     `yaml:"auth"`
	Session  Session  `yaml:"session"`
	Relay    Relay    `yaml:"relay"`
	Video    Video    `yaml:"video"`
	Dispatch Dispatch `yaml:"dispatch"`
	Robot    Robot    `yaml:"robot"`
}

type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TLS mode is one of off, files or acme.
type TLS struct {
	Mode     string   `yaml:"mode"`
	CertFile string   `yaml:"cert_file"`
	KeyFile  string   `yaml:"key_file"`
	Domains  []string `yaml:"domains"`
	CacheDir string   `yaml:"cache_dir"`
}

type CORS struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// Auth selects the identity provider: none, static, jwt or user_service.
type Auth struct {
	Provider    string        `yaml:"provider"`
	JWT         JWT           `yaml:"jwt"`
	Static      []StaticToken `yaml:"static"`
	UserService UserService   `yaml:"user_service"`
}

type JWT struct {
	Secret string `yaml:"secret"`
	Issuer string `yaml:"issuer"`
}

type StaticToken struct {
	Token   string `yaml:"token"`
	Subject string `yaml:"subject"`
	Role    string `yaml:"role"`
}

// UserService configures the remote identity provider client.
type UserService struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	DialTimeout    time.Duration `yaml:"dial_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	MaxRetries     int           `yaml:"max_retries"`
	RetryDelay     time.Duration `yaml:"retry_delay"`
	// Users (by id or username) whose tokens carry the controller role.
	Controllers []string `yaml:"controllers"`
}

type Session struct {
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	RegisterTimeout time.Duration `yaml:"register_timeout"`
	SweepInterval   time.Duration `yaml:"sweep_interval"`
	ViolationLimit  int           `yaml:"violation_limit"`
	ViolationWindow time.Duration `yaml:"violation_window"`
	PingInterval    time.Duration `yaml:"ping_interval"`
	PongWait        time.Duration `yaml:"pong_wait"`
	WriteWait       time.Duration `yaml:"write_wait"`
	MaxMessageSize  int64         `yaml:"max_message_size"`
	SendBuffer      int           `yaml:"send_buffer"`
	StatsInterval   time.Duration `yaml:"stats_interval"`
}

type Relay struct {
	Sources      []string      `yaml:"sources"`
	QueueDepth   int           `yaml:"queue_depth"`
	InboxSize    int           `yaml:"inbox_size"`
	StallTimeout time.Duration `yaml:"stall_timeout"`
	StatsWindow  time.Duration `yaml:"stats_window"`
	TestPattern  TestPattern   `yaml:"test_pattern"`
}

type TestPattern struct {
	Enabled bool   `yaml:"enabled"`
	Source  string `yaml:"source"`
	FPS     int    `yaml:"fps"`
	Width   int    `yaml:"width"`
	Height  int    `yaml:"height"`
}

type Video struct {
	MaxFrameSize int    `yaml:"max_frame_size"`
	ContentType  string `yaml:"content_type"`
}

type Dispatch struct {
	QueueSize      int           `yaml:"queue_size"`
	AckTimeout     time.Duration `yaml:"ack_timeout"`
	CommandTimeout time.Duration `yaml:"command_timeout"`
	StopRoles      []string      `yaml:"stop_roles"`
	Limits         CommandLimits `yaml:"limits"`
}

// Bound is an inclusive numeric range with a default value.
type Bound struct {
	Min     float64 `yaml:"min"`
	Max     float64 `yaml:"max"`
	Default float64 `yaml:"default"`
}

// Contains reports whether v lies within the bound.
func (b Bound) Contains(v float64) bool {
	return v >= b.Min && v <= b.Max
}

// CommandLimits are the parameter bounds for the motion vocabulary.
type CommandLimits struct {
	Speed          Bound `yaml:"speed"`
	AngularSpeed   Bound `yaml:"angular_speed"`
	CircleRadius   Bound `yaml:"circle_radius"`
	CircleDuration Bound `yaml:"circle_duration"`
	TriangleSide   Bound `yaml:"triangle_side"`
	TrianglePause  Bound `yaml:"triangle_pause"`
	LoveSize       Bound `yaml:"love_size"`
	LoveDuration   Bound `yaml:"love_duration"`
	DiamondSide    Bound `yaml:"diamond_side"`
	DiamondPause   Bound `yaml:"diamond_pause"`
}

// Robot mode is grpc (remote motion service) or simulator (in-process).
type Robot struct {
	Mode           string        `yaml:"mode"`
	Address        string        `yaml:"address"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// LoadConfig reads path on top of the defaults. An empty path yields the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := GetDefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	cfg.ApplyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides selected fields from TELEOP_* environment variables.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("TELEOP_HOST"); v != "" {
		c.Host = v
	}
	if v := os.Getenv("TELEOP_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.Port = p
		}
	}
	if v := os.Getenv("TELEOP_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("TELEOP_JWT_SECRET"); v != "" {
		c.Auth.JWT.Secret = v
	}
	if v := os.Getenv("TELEOP_ROBOT_ADDR"); v != "" {
		c.Robot.Address = v
		c.Robot.Mode = "grpc"
	}
}

// Validate checks the values the gateway cannot run without.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if len(c.Relay.Sources) == 0 {
		return fmt.Errorf("relay.sources must name at least one capture source")
	}
	if c.Relay.QueueDepth < 1 {
		return fmt.Errorf("relay.queue_depth must be positive")
	}
	if c.Dispatch.QueueSize < 1 {
		return fmt.Errorf("dispatch.queue_size must be positive")
	}
	if c.Session.ViolationLimit < 1 {
		return fmt.Errorf("session.violation_limit must be positive")
	}

	switch c.Auth.Provider {
	case "none", "static", "user_service":
	case "jwt":
		if c.Auth.JWT.Secret == "" {
			return fmt.Errorf("auth.jwt.secret is required for the jwt provider")
		}
	default:
		return fmt.Errorf("unknown auth provider %q", c.Auth.Provider)
	}

	switch c.TLS.Mode {
	case "", "off":
	case "files":
		if c.TLS.CertFile == "" || c.TLS.KeyFile == "" {
			return fmt.Errorf("tls.cert_file and tls.key_file are required in files mode")
		}
	case "acme":
		if len(c.TLS.Domains) == 0 {
			return fmt.Errorf("tls.domains is required in acme mode")
		}
	default:
		return fmt.Errorf("unknown tls mode %q", c.TLS.Mode)
	}

	switch c.Robot.Mode {
	case "simulator":
	case "grpc":
		if c.Robot.Address == "" {
			return fmt.Errorf("robot.address is required in grpc mode")
		}
	default:
		return fmt.Errorf("unknown robot mode %q", c.Robot.Mode)
	}

	return c.Dispatch.Limits.Validate()
}

// Validate checks every bound is ordered and holds its default.
func (l CommandLimits) Validate() error {
	bounds := map[string]Bound{
		"speed":           l.Speed,
		"angular_speed":   l.AngularSpeed,
		"circle_radius":   l.CircleRadius,
		"circle_duration": l.CircleDuration,
		"triangle_side":   l.TriangleSide,
		"triangle_pause":  l.TrianglePause,
		"love_size":       l.LoveSize,
		"love_duration":   l.LoveDuration,
		"diamond_side":    l.DiamondSide,
		"diamond_pause":   l.DiamondPause,
	}
	for name, b := range bounds {
		if b.Min > b.Max {
			return fmt.Errorf("dispatch.limits.%s: min %v above max %v", name, b.Min, b.Max)
		}
		if !b.Contains(b.Default) {
			return fmt.Errorf("dispatch.limits.%s: default %v outside [%v, %v]", name, b.Default, b.Min, b.Max)
		}
	}
	return nil
}

// Addr returns host:port for the HTTP listener.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// GetDefaultConfig returns the default configuration
func GetDefaultConfig() *Config {
	return &Config{
		Host: "0.0.0.0",
		Port: 8080,
		Logging: Logging{
			Level:  "info",
			Format: "json",
		},
		TLS: TLS{
			Mode:     "off",
			CacheDir: "./certs",
		},
		CORS: CORS{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Authorization", "Content-Type", "Accept", "Origin"},
		},
		Auth: Auth{
			Provider: "none",
			JWT: JWT{
				Issuer: "teleop",
			},
			UserService: UserService{
				Host:           "localhost",
				Port:           9091,
				DialTimeout:    10 * time.Second,
				RequestTimeout: 5 * time.Second,
				MaxRetries:     3,
				RetryDelay:     1 * time.Second,
			},
		},
		Session: Session{
			IdleTimeout:     2 * time.Minute,
			RegisterTimeout: 30 * time.Second,
			SweepInterval:   5 * time.Second,
			ViolationLimit:  5,
			ViolationWindow: 10 * time.Second,
			PingInterval:    30 * time.Second,
			PongWait:        60 * time.Second,
			WriteWait:       10 * time.Second,
			MaxMessageSize:  64 * 1024,
			SendBuffer:      64,
			StatsInterval:   5 * time.Second,
		},
		Relay: Relay{
			Sources:      []string{"default"},
			QueueDepth:   8,
			InboxSize:    256,
			StallTimeout: 10 * time.Second,
			StatsWindow:  5 * time.Second,
			TestPattern: TestPattern{
				Enabled: false,
				Source:  "default",
				FPS:     5,
				Width:   320,
				Height:  240,
			},
		},
		Video: Video{
			MaxFrameSize: 10 * 1024 * 1024, // 10MB
			ContentType:  "image/jpeg",
		},
		Dispatch: Dispatch{
			QueueSize:      32,
			AckTimeout:     5 * time.Second,
			CommandTimeout: 3 * time.Second,
			StopRoles:      []string{"controller", "viewer"},
			Limits:         DefaultCommandLimits(),
		},
		Robot: Robot{
			Mode:           "simulator",
			Address:        "localhost:9095",
			RequestTimeout: 3 * time.Second,
		},
	}
}

// DefaultCommandLimits returns the stock bounds of the motion vocabulary.
func DefaultCommandLimits() CommandLimits {
	return CommandLimits{
		Speed:          Bound{Min: 0, Max: 1.0, Default: 0.2},
		AngularSpeed:   Bound{Min: 0, Max: 2.0, Default: 0.5},
		CircleRadius:   Bound{Min: 0.1, Max: 3, Default: 1.0},
		CircleDuration: Bound{Min: 5000, Max: 30000, Default: 10000},
		TriangleSide:   Bound{Min: 0.1, Max: 3, Default: 1.0},
		TrianglePause:  Bound{Min: 100, Max: 2000, Default: 500},
		LoveSize:       Bound{Min: 0.1, Max: 3, Default: 1.0},
		LoveDuration:   Bound{Min: 10000, Max: 60000, Default: 20000},
		DiamondSide:    Bound{Min: 0.1, Max: 3, Default: 1.0},
		DiamondPause:   Bound{Min: 100, Max: 1500, Default: 300},
	}
}
