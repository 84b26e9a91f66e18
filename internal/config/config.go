package config

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type TransportMode string

const (
	TransportWebSocket TransportMode = "websocket"
	TransportGRPC      TransportMode = "grpc"
	HardcodedVersion   string        = "V0.3"
)

// Config holds the runtime values the provisioning layer hands to the
// client: endpoints, credentials and tuning knobs. Sources in increasing
// precedence: defaults, YAML file, JARVIS_* environment.
type Config struct {
	ClientID        string        `yaml:"client_id"`
	ServerURL       string        `yaml:"server_url"`
	Token           string        `yaml:"token"`
	Transport       TransportMode `yaml:"transport"`
	GRPCAddr        string        `yaml:"grpc_addr"`
	GRPCMethod      string        `yaml:"grpc_method"`
	ProbeListenAddr string        `yaml:"probe_listen_addr"`
	AgentVersion    string        `yaml:"-"`

	TLSEnabled    bool   `yaml:"tls_enabled"`
	TLSSkipVerify bool   `yaml:"tls_skip_verify"`
	TLSCAPath     string `yaml:"tls_ca_path"`
	TLSCertPath   string `yaml:"tls_cert_path"`
	TLSKeyPath    string `yaml:"tls_key_path"`

	HeartbeatInterval    time.Duration `yaml:"heartbeat_interval"`
	LivenessTimeout      time.Duration `yaml:"liveness_timeout"`
	ReconnectMaxAttempts int           `yaml:"reconnect_max_attempts"`
	ReconnectBaseDelay   time.Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay    time.Duration `yaml:"reconnect_max_delay"`
	WriteTimeout         time.Duration `yaml:"write_timeout"`
	ReadLimit            int64         `yaml:"read_limit"`

	CameraDir         string        `yaml:"camera_dir"`
	CameraInterval    time.Duration `yaml:"camera_interval"`
	CameraMaxWidth    int           `yaml:"camera_max_width"`
	CameraJPEGQuality int           `yaml:"camera_jpeg_quality"`
	AudioDevice       string        `yaml:"audio_device"`
	AudioSampleRate   int           `yaml:"audio_sample_rate"`
	AudioChannels     int           `yaml:"audio_channels"`

	HealthInterval  time.Duration `yaml:"health_interval"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	LogJSON         bool          `yaml:"log_json"`
	LogLevel        string        `yaml:"log_level"`
	LogFile         string        `yaml:"log_file"`
}

func Default() Config {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown-host"
	}
	return Config{
		ClientID:             hostname,
		ServerURL:            "ws://127.0.0.1:8000/ws/connect",
		Transport:            TransportWebSocket,
		GRPCAddr:             "127.0.0.1:8001",
		GRPCMethod:           "/jarvis.channel.v1.Channel/Connect",
		ProbeListenAddr:      "127.0.0.1:7444",
		AgentVersion:         HardcodedVersion,
		HeartbeatInterval:    30 * time.Second,
		LivenessTimeout:      90 * time.Second,
		ReconnectMaxAttempts: 5,
		ReconnectBaseDelay:   1 * time.Second,
		ReconnectMaxDelay:    30 * time.Second,
		WriteTimeout:         5 * time.Second,
		ReadLimit:            10 << 20,
		CameraInterval:       2 * time.Second,
		CameraMaxWidth:       640,
		CameraJPEGQuality:    80,
		AudioSampleRate:      16000,
		AudioChannels:        1,
		HealthInterval:       10 * time.Second,
		ShutdownTimeout:      10 * time.Second,
		LogJSON:              false,
		LogLevel:             "info",
	}
}

// Load builds the config from defaults, the optional YAML file at path and
// the environment, then validates it.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return Config{}, err
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(raw, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.ClientID = env("JARVIS_CLIENT_ID", c.ClientID)
	c.ServerURL = env("JARVIS_SERVER_URL", c.ServerURL)
	c.Token = env("JARVIS_TOKEN", c.Token)
	c.Transport = TransportMode(strings.ToLower(env("JARVIS_TRANSPORT", string(c.Transport))))
	c.GRPCAddr = env("JARVIS_GRPC_ADDR", c.GRPCAddr)
	c.GRPCMethod = env("JARVIS_GRPC_METHOD", c.GRPCMethod)
	c.ProbeListenAddr = env("JARVIS_PROBE_ADDR", c.ProbeListenAddr)
	c.TLSEnabled = envBool("JARVIS_TLS_ENABLED", c.TLSEnabled)
	c.TLSSkipVerify = envBool("JARVIS_TLS_SKIP_VERIFY", c.TLSSkipVerify)
	c.TLSCAPath = env("JARVIS_TLS_CA_PATH", c.TLSCAPath)
	c.TLSCertPath = env("JARVIS_TLS_CERT_PATH", c.TLSCertPath)
	c.TLSKeyPath = env("JARVIS_TLS_KEY_PATH", c.TLSKeyPath)
	c.HeartbeatInterval = envDuration("JARVIS_HEARTBEAT_INTERVAL", c.HeartbeatInterval)
	c.LivenessTimeout = envDuration("JARVIS_LIVENESS_TIMEOUT", c.LivenessTimeout)
	c.ReconnectMaxAttempts = envInt("JARVIS_RECONNECT_MAX_ATTEMPTS", c.ReconnectMaxAttempts)
	c.ReconnectBaseDelay = envDuration("JARVIS_RECONNECT_BASE_DELAY", c.ReconnectBaseDelay)
	c.ReconnectMaxDelay = envDuration("JARVIS_RECONNECT_MAX_DELAY", c.ReconnectMaxDelay)
	c.WriteTimeout = envDuration("JARVIS_WRITE_TIMEOUT", c.WriteTimeout)
	c.ReadLimit = int64(envInt("JARVIS_READ_LIMIT", int(c.ReadLimit)))
	c.CameraDir = env("JARVIS_CAMERA_DIR", c.CameraDir)
	c.CameraInterval = envDuration("JARVIS_CAMERA_INTERVAL", c.CameraInterval)
	c.CameraMaxWidth = envInt("JARVIS_CAMERA_MAX_WIDTH", c.CameraMaxWidth)
	c.CameraJPEGQuality = envInt("JARVIS_CAMERA_JPEG_QUALITY", c.CameraJPEGQuality)
	c.AudioDevice = env("JARVIS_AUDIO_DEVICE", c.AudioDevice)
	c.AudioSampleRate = envInt("JARVIS_AUDIO_SAMPLE_RATE", c.AudioSampleRate)
	c.AudioChannels = envInt("JARVIS_AUDIO_CHANNELS", c.AudioChannels)
	c.HealthInterval = envDuration("JARVIS_HEALTH_INTERVAL", c.HealthInterval)
	c.ShutdownTimeout = envDuration("JARVIS_SHUTDOWN_TIMEOUT", c.ShutdownTimeout)
	c.LogJSON = envBool("JARVIS_LOG_JSON", c.LogJSON)
	c.LogLevel = strings.ToLower(env("JARVIS_LOG_LEVEL", c.LogLevel))
	c.LogFile = env("JARVIS_LOG_FILE", c.LogFile)
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.ClientID) == "" {
		return errors.New("JARVIS_CLIENT_ID is required")
	}
	if strings.TrimSpace(c.AgentVersion) == "" {
		return errors.New("agent version must not be empty")
	}
	switch c.Transport {
	case TransportWebSocket:
		if strings.TrimSpace(c.ServerURL) == "" {
			return errors.New("JARVIS_SERVER_URL is required for websocket transport")
		}
	case TransportGRPC:
		if strings.TrimSpace(c.GRPCAddr) == "" {
			return errors.New("JARVIS_GRPC_ADDR is required for grpc transport")
		}
		if !strings.HasPrefix(c.GRPCMethod, "/") {
			return fmt.Errorf("JARVIS_GRPC_METHOD %q must be a full method path", c.GRPCMethod)
		}
	default:
		return fmt.Errorf("unsupported transport %q", c.Transport)
	}
	if c.HeartbeatInterval <= 0 {
		return errors.New("JARVIS_HEARTBEAT_INTERVAL must be > 0")
	}
	if c.LivenessTimeout < 0 {
		return errors.New("JARVIS_LIVENESS_TIMEOUT must be >= 0")
	}
	if c.ReconnectMaxAttempts < 0 {
		return errors.New("JARVIS_RECONNECT_MAX_ATTEMPTS must be >= 0")
	}
	if c.ReconnectBaseDelay <= 0 || c.ReconnectMaxDelay < c.ReconnectBaseDelay {
		return errors.New("reconnect delays must satisfy 0 < base <= max")
	}
	if c.WriteTimeout <= 0 {
		return errors.New("JARVIS_WRITE_TIMEOUT must be > 0")
	}
	if c.CameraInterval <= 0 {
		return errors.New("JARVIS_CAMERA_INTERVAL must be > 0")
	}
	if c.CameraJPEGQuality < 1 || c.CameraJPEGQuality > 100 {
		return errors.New("JARVIS_CAMERA_JPEG_QUALITY must be within 1..100")
	}
	if c.AudioSampleRate <= 0 || c.AudioChannels <= 0 {
		return errors.New("audio sample rate and channels must be > 0")
	}
	if c.HealthInterval <= 0 || c.ShutdownTimeout <= 0 {
		return errors.New("health interval and shutdown timeout must be > 0")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unsupported log level %q", c.LogLevel)
	}
	return nil
}

func (c Config) TLSConfig() (*tls.Config, error) {
	if !c.TLSEnabled {
		return nil, nil
	}
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: c.TLSSkipVerify}
	if c.TLSCAPath != "" {
		caBytes, err := os.ReadFile(c.TLSCAPath)
		if err != nil {
			return nil, fmt.Errorf("read CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caBytes) {
			return nil, errors.New("append CA cert failed")
		}
		tlsCfg.RootCAs = pool
	}
	if c.TLSCertPath != "" || c.TLSKeyPath != "" {
		if c.TLSCertPath == "" || c.TLSKeyPath == "" {
			return nil, errors.New("both TLS cert and key are required")
		}
		crt, err := tls.LoadX509KeyPair(c.TLSCertPath, c.TLSKeyPath)
		if err != nil {
			return nil, fmt.Errorf("load mTLS cert/key: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{crt}
	}
	return tlsCfg, nil
}

func env(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func envInt(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func envBool(key string, fallback bool) bool {
	v := strings.TrimSpace(strings.ToLower(os.Getenv(key)))
	if v == "" {
		return fallback
	}
	switch v {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
