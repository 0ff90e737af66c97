package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration loaded from YAML.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Gateway GatewayConfig `yaml:"gateway"`
	Modes   ModesConfig   `yaml:"modes"`
	Archive ArchiveConfig `yaml:"archive"`
}

// ServerConfig holds HTTP server and runtime settings.
type ServerConfig struct {
	Addr          string        `yaml:"address"`
	ReadTimeout   time.Duration `yaml:"readTimeout"`
	WriteTimeout  time.Duration `yaml:"writeTimeout"`
	IdleTimeout   time.Duration `yaml:"idleTimeout"`
	MaxUploadSize ByteSize      `yaml:"maxUploadSize"`
	QueueCapacity int           `yaml:"queueCapacity"`
	StorageDir    string        `yaml:"storageDir"`
	APIKey        string        `yaml:"apiKey"`        // optional static API key header (X-API-Key)
	DatabasePath  string        `yaml:"databasePath"`  // optional, overrides default storage_dir/meshforge.db
	ShutdownGrace time.Duration `yaml:"shutdownGrace"` // time to wait for the batch worker before forced stop
	LogLevel      string        `yaml:"logLevel"`      // debug|info|warn|error
}

// GatewayConfig selects the inference gateway provider and the polling
// policy applied to every submitted job.
type GatewayConfig struct {
	Provider       string              `yaml:"provider"` // "mock" or "replicate"
	PollInterval   time.Duration       `yaml:"pollInterval"`
	PollDeadline   time.Duration       `yaml:"pollDeadline"`
	ArtifactSuffix string              `yaml:"artifactSuffix"` // e.g. ".glb"
	Replicate      ReplicateSettings   `yaml:"replicate"`
	Mock           MockGatewaySettings `yaml:"mock"`
}

// ReplicateSettings config for the Replicate-compatible predictions API.
type ReplicateSettings struct {
	BaseURL string `yaml:"baseUrl"` // e.g. https://api.replicate.com or a proxy deployment
	Token   string `yaml:"token"`   // supports env expansion
}

// MockGatewaySettings config for the mock gateway.
type MockGatewaySettings struct {
	Delay          time.Duration `yaml:"delay"`
	ArtifactURL    string        `yaml:"artifactUrl"`
	PollsUntilDone int           `yaml:"pollsUntilDone"`
}

// ModesConfig holds the two supported generation modes.
type ModesConfig struct {
	Quality QualityModeSettings `yaml:"quality"`
	Speed   SpeedModeSettings   `yaml:"speed"`
}

// QualityModeSettings parameterizes the multi-step structured model.
type QualityModeSettings struct {
	Model                string  `yaml:"model"`
	SamplingSteps        int     `yaml:"samplingSteps"`
	GuidanceStrength     float64 `yaml:"guidanceStrength"`
	SlatSamplingSteps    int     `yaml:"slatSamplingSteps"`
	SlatGuidanceStrength float64 `yaml:"slatGuidanceStrength"`
	MeshSimplify         float64 `yaml:"meshSimplify"`
	TextureSize          int     `yaml:"textureSize"`
}

// SpeedModeSettings parameterizes the single-step fast model.
type SpeedModeSettings struct {
	Model         string  `yaml:"model"`
	Steps         int     `yaml:"steps"`
	GuidanceScale float64 `yaml:"guidanceScale"`
}

// ArchiveConfig selects where completed items' source images are migrated.
type ArchiveConfig struct {
	Provider string     `yaml:"provider"` // "local" or "s3"
	S3       S3Settings `yaml:"s3"`
}

// S3Settings config for the S3-backed archive.
type S3Settings struct {
	Bucket        string `yaml:"bucket"`
	Prefix        string `yaml:"prefix"`
	Region        string `yaml:"region"`
	PublicBaseURL string `yaml:"publicBaseUrl"` // optional, defaults to the bucket's virtual-host URL
}

// ByteSize represents a size in bytes that unmarshals from strings like "10Mi", "20MB", "512KiB", "1024".
type ByteSize uint64

// UnmarshalYAML implements yaml unmarshalling for ByteSize.
func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		str := strings.TrimSpace(value.Value)
		parsed, err := ParseByteSize(str)
		if err != nil {
			return err
		}
		*b = ByteSize(parsed)
		return nil
	}
	return fmt.Errorf("invalid bytesize node kind: %v", value.Kind)
}

var reNumeric = regexp.MustCompile(`^\d+$`)

// ParseByteSize parses a string like "10Mi", "20MB", "512KiB", "1024" into bytes.
// Supports Kubernetes-style quantities for binary units: Ki, Mi, Gi (case-insensitive).
// Also accepts KiB/MiB/GiB and decimal KB/MB/GB, and bare bytes.
func ParseByteSize(s string) (uint64, error) {
	orig := s
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("empty size")
	}
	// Numeric only
	if reNumeric.MatchString(s) {
		val, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid size number: %w", err)
		}
		return val, nil
	}

	// Normalize to upper for suffix matching but keep numeric part as-is
	up := strings.ToUpper(s)

	type unit struct {
		suffix string
		value  uint64
	}
	units := []unit{
		// Kubernetes binary-style without 'B'
		{"KI", 1024},
		{"MI", 1024 * 1024},
		{"GI", 1024 * 1024 * 1024},
		// Binary with B
		{"KIB", 1024},
		{"MIB", 1024 * 1024},
		{"GIB", 1024 * 1024 * 1024},
		// Decimal
		{"KB", 1000},
		{"MB", 1000 * 1000},
		{"GB", 1000 * 1000 * 1000},
		{"B", 1},
	}
	for _, u := range units {
		if strings.HasSuffix(up, u.suffix) {
			num := strings.TrimSpace(s[:len(s)-len(u.suffix)])
			val, err := strconv.ParseFloat(num, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid size number in %q: %w", orig, err)
			}
			return uint64(val * float64(u.value)), nil
		}
	}
	return 0, fmt.Errorf("unknown size suffix in %q", orig)
}

// Load reads YAML config from path, expands environment variables, and validates it.
// If path is empty, it will attempt to read from env var MESHFORGE_CONFIG, then default to "config.yaml".
func Load(path string) (*Config, error) {
	if path == "" {
		if env := os.Getenv("MESHFORGE_CONFIG"); env != "" {
			path = env
		} else {
			path = "config.yaml"
		}
	}
	cleanPath := filepath.Clean(path)
	data, err := os.ReadFile(cleanPath) // #nosec G304 - reading sanitized config file path is expected
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	// Expand environment variables in file content.
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	// Ensure storage dir exists
	if cfg.Server.StorageDir != "" {
		if err := os.MkdirAll(cfg.Server.StorageDir, 0o750); err != nil {
			return nil, fmt.Errorf("ensure storage_dir: %w", err)
		}
	}
	// Default DB path under storage dir if not set.
	if cfg.Server.DatabasePath == "" {
		cfg.Server.DatabasePath = filepath.Join(cfg.Server.StorageDir, "meshforge.db")
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	// Server defaults
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 15 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 2 * time.Minute
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = 60 * time.Second
	}
	if cfg.Server.MaxUploadSize == 0 {
		cfg.Server.MaxUploadSize = ByteSize(10 * 1024 * 1024) // 10 MiB default
	}
	if cfg.Server.QueueCapacity <= 0 {
		cfg.Server.QueueCapacity = 32
	}
	if cfg.Server.StorageDir == "" {
		cfg.Server.StorageDir = "data"
	}
	if cfg.Server.ShutdownGrace == 0 {
		cfg.Server.ShutdownGrace = 15 * time.Second
	}
	if strings.TrimSpace(cfg.Server.LogLevel) == "" {
		cfg.Server.LogLevel = "info"
	}

	// Gateway defaults
	if cfg.Gateway.Provider == "" {
		cfg.Gateway.Provider = "mock"
	}
	if cfg.Gateway.PollInterval == 0 {
		cfg.Gateway.PollInterval = 2 * time.Second
	}
	if cfg.Gateway.PollDeadline == 0 {
		cfg.Gateway.PollDeadline = 180 * time.Second
	}
	if strings.TrimSpace(cfg.Gateway.ArtifactSuffix) == "" {
		cfg.Gateway.ArtifactSuffix = ".glb"
	}
	if strings.EqualFold(cfg.Gateway.Provider, "replicate") {
		if strings.TrimSpace(cfg.Gateway.Replicate.BaseURL) == "" {
			cfg.Gateway.Replicate.BaseURL = "https://api.replicate.com"
		}
	}
	if cfg.Gateway.Mock.ArtifactURL == "" {
		cfg.Gateway.Mock.ArtifactURL = "https://example.com/mock/model.glb"
	}
	if cfg.Gateway.Mock.PollsUntilDone <= 0 {
		cfg.Gateway.Mock.PollsUntilDone = 2
	}

	// Mode defaults mirror the upstream model parameters.
	q := &cfg.Modes.Quality
	if q.Model == "" {
		q.Model = "firtoz/trellis"
	}
	if q.SamplingSteps == 0 {
		q.SamplingSteps = 12
	}
	if q.GuidanceStrength == 0 {
		q.GuidanceStrength = 7.5
	}
	if q.SlatSamplingSteps == 0 {
		q.SlatSamplingSteps = 12
	}
	if q.SlatGuidanceStrength == 0 {
		q.SlatGuidanceStrength = 3.0
	}
	if q.MeshSimplify == 0 {
		q.MeshSimplify = 0.95
	}
	if q.TextureSize == 0 {
		q.TextureSize = 1024
	}
	s := &cfg.Modes.Speed
	if s.Model == "" {
		s.Model = "tencent/hunyuan3d-2"
	}
	if s.Steps == 0 {
		s.Steps = 20 // minimum the model accepts
	}
	if s.GuidanceScale == 0 {
		s.GuidanceScale = 3.0
	}

	// Archive defaults
	if cfg.Archive.Provider == "" {
		cfg.Archive.Provider = "local"
	}
}

func validate(cfg *Config) error {
	switch strings.ToLower(cfg.Gateway.Provider) {
	case "mock":
	case "replicate":
		if strings.TrimSpace(cfg.Gateway.Replicate.Token) == "" {
			return fmt.Errorf("gateway.replicate.token is required")
		}
	default:
		return fmt.Errorf("unsupported gateway provider %q", cfg.Gateway.Provider)
	}

	switch strings.ToLower(cfg.Archive.Provider) {
	case "local":
	case "s3":
		if strings.TrimSpace(cfg.Archive.S3.Bucket) == "" {
			return fmt.Errorf("archive.s3.bucket is required")
		}
		if strings.TrimSpace(cfg.Archive.S3.Region) == "" {
			return fmt.Errorf("archive.s3.region is required")
		}
	default:
		return fmt.Errorf("unsupported archive provider %q", cfg.Archive.Provider)
	}

	if cfg.Gateway.PollInterval < 0 || cfg.Gateway.PollDeadline < 0 {
		return errors.New("gateway polling durations must be positive")
	}
	return nil
}
