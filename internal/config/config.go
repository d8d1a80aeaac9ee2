// Package config loads server configuration from an optional YAML file,
// environment variables and command-line flags, in that order of precedence
// (flags win).
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete runtime configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Storage  StorageConfig  `yaml:"storage"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Analyzer AnalyzerConfig `yaml:"analyzer"`
	AWS      AWSConfig      `yaml:"aws"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Port           int           `yaml:"port"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
	MaxUploadBytes int64         `yaml:"max_upload_bytes"`
}

// StorageConfig controls local directories and aged-file cleanup.
type StorageConfig struct {
	UploadDir  string        `yaml:"upload_dir"`
	OutputDir  string        `yaml:"output_dir"`
	MaxFileAge time.Duration `yaml:"max_file_age"`
}

// PipelineConfig tunes the per-job runner and its live stream.
type PipelineConfig struct {
	FrameSkip          int           `yaml:"frame_skip"`
	JPEGQuality        int           `yaml:"jpeg_quality"`
	PreviewMaxWidth    int           `yaml:"preview_max_width"`
	StreamCapacity     int           `yaml:"stream_capacity"`
	PushWait           time.Duration `yaml:"push_wait"`
	MinFrameInterval   time.Duration `yaml:"min_frame_interval"`
	KeepaliveInterval  time.Duration `yaml:"keepalive_interval"`
	OutputFormat       string        `yaml:"output_format"`
	UnclaimedStreamTTL time.Duration `yaml:"unclaimed_stream_ttl"`
	OrphanStreamTTL    time.Duration `yaml:"orphan_stream_ttl"`
	ReapInterval       time.Duration `yaml:"reap_interval"`
	DownloadTimeout    time.Duration `yaml:"download_timeout"`
}

// AnalyzerConfig selects and configures the frame analyzer backend.
type AnalyzerConfig struct {
	Backend       string        `yaml:"backend"`
	Endpoint      string        `yaml:"endpoint"`
	APIKey        string        `yaml:"-"`
	APIKeySSM     string        `yaml:"api_key_ssm_param"`
	Model         string        `yaml:"model"`
	// Models is the catalog that may be loaded at runtime. Empty selects
	// the backend's default catalog.
	Models        []string      `yaml:"models"`
	Timeout       time.Duration `yaml:"timeout"`
	MinConfidence float64       `yaml:"min_confidence"`
}

// AWSConfig names optional AWS resources. Every field may be empty.
type AWSConfig struct {
	Region      string `yaml:"region"`
	S3Bucket    string `yaml:"s3_bucket"`
	DynamoTable string `yaml:"dynamo_table"`
	EventBus    string `yaml:"event_bus"`
}

// Output formats for the annotated artifact.
const (
	OutputMP4 = "mp4"
	OutputZip = "zip"
)

// Analyzer backends.
const (
	BackendHTTP   = "http"
	BackendGemini = "gemini"
)

// DefaultGeminiModels is the gemini backend's catalog when analyzer.models is
// empty. The first entry is the default model.
var DefaultGeminiModels = []string{"gemini-2.5-flash", "gemini-2.5-pro", "gemini-2.5-flash-lite"}

// ModelName returns the configured model, or the backend's default. The http
// backend has none: the inference service picks its own.
func (a AnalyzerConfig) ModelName() string {
	if a.Model != "" {
		return a.Model
	}
	if a.Backend == BackendGemini {
		return DefaultGeminiModels[0]
	}
	return ""
}

// Catalog returns the models that may be loaded at runtime.
func (a AnalyzerConfig) Catalog() []string {
	if len(a.Models) > 0 {
		return a.Models
	}
	if a.Backend == BackendGemini {
		return DefaultGeminiModels
	}
	return nil
}

// Default returns the baseline configuration. The values mirror what the
// detection server has always shipped with: port 5000, 30-slot streams,
// JPEG quality 70 and a 30s keepalive.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:           5000,
			ReadTimeout:    30 * time.Second,
			IdleTimeout:    60 * time.Second,
			MaxUploadBytes: 2 << 30,
		},
		Storage: StorageConfig{
			UploadDir:  "uploads",
			OutputDir:  "outputs",
			MaxFileAge: 24 * time.Hour,
		},
		Pipeline: PipelineConfig{
			FrameSkip:          1,
			JPEGQuality:        70,
			PreviewMaxWidth:    960,
			StreamCapacity:     30,
			PushWait:           100 * time.Millisecond,
			KeepaliveInterval:  30 * time.Second,
			OutputFormat:       OutputMP4,
			UnclaimedStreamTTL: 5 * time.Minute,
			OrphanStreamTTL:    2 * time.Minute,
			ReapInterval:       30 * time.Second,
			DownloadTimeout:    10 * time.Minute,
		},
		Analyzer: AnalyzerConfig{
			Backend:       BackendHTTP,
			Endpoint:      "http://localhost:8000/detect",
			Timeout:       30 * time.Second,
			MinConfidence: 0.25,
		},
	}
}

// Load reads the YAML file at path (when non-empty) on top of the defaults,
// then applies environment overrides. A missing file is an error only when
// the path was given explicitly.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnv overlays SKYGUARD_* environment variables.
func (c *Config) applyEnv() error {
	if v := os.Getenv("SKYGUARD_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("SKYGUARD_PORT: %w", err)
		}
		c.Server.Port = port
	}
	setString(&c.Storage.UploadDir, "SKYGUARD_UPLOAD_DIR")
	setString(&c.Storage.OutputDir, "SKYGUARD_OUTPUT_DIR")
	setString(&c.Pipeline.OutputFormat, "SKYGUARD_OUTPUT_FORMAT")
	setString(&c.Analyzer.Backend, "SKYGUARD_ANALYZER_BACKEND")
	setString(&c.Analyzer.Endpoint, "SKYGUARD_ANALYZER_ENDPOINT")
	setString(&c.Analyzer.APIKey, "SKYGUARD_ANALYZER_API_KEY")
	setString(&c.Analyzer.APIKeySSM, "SKYGUARD_ANALYZER_API_KEY_SSM")
	setString(&c.Analyzer.Model, "SKYGUARD_ANALYZER_MODEL")
	if v := os.Getenv("SKYGUARD_ANALYZER_MODELS"); v != "" {
		c.Analyzer.Models = nil
		for _, m := range strings.Split(v, ",") {
			if m = strings.TrimSpace(m); m != "" {
				c.Analyzer.Models = append(c.Analyzer.Models, m)
			}
		}
	}
	setString(&c.AWS.Region, "AWS_REGION")
	setString(&c.AWS.S3Bucket, "SKYGUARD_S3_BUCKET")
	setString(&c.AWS.DynamoTable, "SKYGUARD_DYNAMO_TABLE")
	setString(&c.AWS.EventBus, "SKYGUARD_EVENT_BUS")

	if c.Analyzer.APIKey == "" && c.Analyzer.Backend == BackendGemini {
		c.Analyzer.APIKey = os.Getenv("GEMINI_API_KEY")
	}
	return nil
}

func setString(dst *string, envVar string) {
	if v := os.Getenv(envVar); v != "" {
		*dst = v
	}
}

// Validate reports every out-of-range setting, joined into one error.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Storage.UploadDir == "" || c.Storage.OutputDir == "" {
		errs = append(errs, errors.New("storage.upload_dir and storage.output_dir are required"))
	}
	p := c.Pipeline
	if p.FrameSkip < 1 {
		errs = append(errs, fmt.Errorf("pipeline.frame_skip must be >= 1, got %d", p.FrameSkip))
	}
	if p.JPEGQuality < 1 || p.JPEGQuality > 100 {
		errs = append(errs, fmt.Errorf("pipeline.jpeg_quality must be 1-100, got %d", p.JPEGQuality))
	}
	if p.StreamCapacity < 1 {
		errs = append(errs, fmt.Errorf("pipeline.stream_capacity must be >= 1, got %d", p.StreamCapacity))
	}
	if p.PushWait < 0 || p.MinFrameInterval < 0 {
		errs = append(errs, errors.New("pipeline durations must not be negative"))
	}
	if p.KeepaliveInterval <= 0 {
		errs = append(errs, errors.New("pipeline.keepalive_interval must be positive"))
	}
	if p.OutputFormat != OutputMP4 && p.OutputFormat != OutputZip {
		errs = append(errs, fmt.Errorf("pipeline.output_format must be %q or %q, got %q", OutputMP4, OutputZip, p.OutputFormat))
	}
	switch c.Analyzer.Backend {
	case BackendHTTP:
		if c.Analyzer.Endpoint == "" {
			errs = append(errs, errors.New("analyzer.endpoint is required for the http backend"))
		}
	case BackendGemini:
	default:
		errs = append(errs, fmt.Errorf("analyzer.backend must be %q or %q, got %q", BackendHTTP, BackendGemini, c.Analyzer.Backend))
	}
	if c.Analyzer.MinConfidence < 0 || c.Analyzer.MinConfidence > 1 {
		errs = append(errs, fmt.Errorf("analyzer.min_confidence must be within [0,1], got %v", c.Analyzer.MinConfidence))
	}
	return errors.Join(errs...)
}
