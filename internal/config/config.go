package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Tutortoise/food-freshness-service/internal/classification"
	"github.com/Tutortoise/food-freshness-service/internal/detection"
)

const (
	DefaultMaxUploadBytes = 10 << 20
	DefaultMaxPixels      = 40_000_000
	DefaultRequestTimeout = 30 * time.Second
	DefaultSessionPool    = 2
	DefaultCropMargin     = 0.05
)

// Config holds process settings. Everything comes from the environment except
// the policy, which is read from POLICY_PATH when set.
type Config struct {
	AppEnv         string
	Host           string
	Port           string
	Debug          bool
	AllowedOrigins []string

	DetectorWeightsPath    string
	DetectorDownloadURL    string
	DetectorAutoDownload   bool
	ClassifierWeightsPath  string
	ClassifierMetadataPath string
	ORTLibraryPath         string
	Device                 string

	MaxUploadBytes  int64
	MaxPixels       int
	RequestTimeout  time.Duration
	Workers         int
	SessionPoolSize int

	DatabaseDSN    string
	RedisAddr      string
	JWTSecret      string
	JWTAudience    string
	GRPCHealthAddr string

	PolicyPath string
	Policy     Policy
}

// Policy is the versionable part of the configuration: what counts as food
// and where the thresholds sit.
type Policy struct {
	Version    string                    `yaml:"version"`
	Detection  detection.Policy          `yaml:"detection"`
	CropMargin float64                   `yaml:"crop_margin"`
	Heuristic  classification.Thresholds `yaml:"heuristic"`
}

func DefaultPolicy() Policy {
	return Policy{
		Version:    "builtin",
		Detection:  detection.DefaultPolicy(),
		CropMargin: DefaultCropMargin,
		Heuristic:  classification.DefaultThresholds(),
	}
}

// Load reads the configuration from the environment.
func Load() (*Config, error) {
	cfg := &Config{
		AppEnv:                 getEnv("APP_ENV", "development"),
		Host:                   getEnv("APP_HOST", "0.0.0.0"),
		Port:                   getEnv("APP_PORT", "8000"),
		AllowedOrigins:         splitList(getEnv("ALLOWED_ORIGINS", "http://localhost:3000")),
		DetectorWeightsPath:    getEnv("DETECTOR_WEIGHTS_PATH", "weights/yolov8n.onnx"),
		DetectorDownloadURL:    os.Getenv("DETECTOR_DOWNLOAD_URL"),
		ClassifierWeightsPath:  getEnv("CLASSIFIER_WEIGHTS_PATH", "weights/freshness_classifier.onnx"),
		ClassifierMetadataPath: os.Getenv("CLASSIFIER_METADATA_PATH"),
		ORTLibraryPath:         os.Getenv("ONNXRUNTIME_LIB_PATH"),
		Device:                 strings.ToLower(getEnv("DEVICE", "cpu")),
		DatabaseDSN:            os.Getenv("DATABASE_DSN"),
		RedisAddr:              os.Getenv("REDIS_ADDR"),
		JWTSecret:              os.Getenv("JWT_SECRET"),
		JWTAudience:            os.Getenv("JWT_AUDIENCE"),
		GRPCHealthAddr:         os.Getenv("GRPC_HEALTH_ADDR"),
		PolicyPath:             os.Getenv("POLICY_PATH"),
		Policy:                 DefaultPolicy(),
	}

	var err error
	if cfg.Debug, err = getEnvBool("DEBUG", false); err != nil {
		return nil, err
	}
	if cfg.DetectorAutoDownload, err = getEnvBool("DETECTOR_AUTO_DOWNLOAD", false); err != nil {
		return nil, err
	}
	if cfg.MaxUploadBytes, err = getEnvInt64("MAX_UPLOAD_BYTES", DefaultMaxUploadBytes); err != nil {
		return nil, err
	}
	maxPixels, err := getEnvInt64("MAX_PIXELS", DefaultMaxPixels)
	if err != nil {
		return nil, err
	}
	cfg.MaxPixels = int(maxPixels)
	if cfg.RequestTimeout, err = getEnvDuration("REQUEST_TIMEOUT", DefaultRequestTimeout); err != nil {
		return nil, err
	}
	workers, err := getEnvInt64("WORKERS", int64(runtime.NumCPU()))
	if err != nil {
		return nil, err
	}
	cfg.Workers = int(workers)
	poolSize, err := getEnvInt64("SESSION_POOL_SIZE", DefaultSessionPool)
	if err != nil {
		return nil, err
	}
	cfg.SessionPoolSize = int(poolSize)

	if cfg.PolicyPath != "" {
		policy, err := LoadPolicy(cfg.PolicyPath)
		if err != nil {
			return nil, err
		}
		cfg.Policy = policy
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadPolicy reads a YAML policy file. Fields missing from the file keep their defaults.
func LoadPolicy(path string) (Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("read policy: %w", err)
	}

	policy := DefaultPolicy()
	if err := yaml.Unmarshal(data, &policy); err != nil {
		return Policy{}, fmt.Errorf("parse policy %s: %w", path, err)
	}
	return policy, nil
}

func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, c.Port)
}

func (c *Config) Validate() error {
	var errs []error
	if c.MaxUploadBytes <= 0 {
		errs = append(errs, errors.New("MAX_UPLOAD_BYTES must be positive"))
	}
	if c.MaxPixels <= 0 {
		errs = append(errs, errors.New("MAX_PIXELS must be positive"))
	}
	if c.RequestTimeout <= 0 {
		errs = append(errs, errors.New("REQUEST_TIMEOUT must be positive"))
	}
	if c.Workers <= 0 {
		errs = append(errs, errors.New("WORKERS must be positive"))
	}
	if c.SessionPoolSize <= 0 {
		errs = append(errs, errors.New("SESSION_POOL_SIZE must be positive"))
	}
	if c.Device != "cpu" && c.Device != "cuda" {
		errs = append(errs, fmt.Errorf("DEVICE must be cpu or cuda, got %q", c.Device))
	}
	if c.DetectorAutoDownload && c.DetectorDownloadURL == "" {
		errs = append(errs, errors.New("DETECTOR_AUTO_DOWNLOAD requires DETECTOR_DOWNLOAD_URL"))
	}
	if c.Policy.CropMargin < 0 || c.Policy.CropMargin > 1 {
		errs = append(errs, fmt.Errorf("crop_margin must be within [0,1], got %v", c.Policy.CropMargin))
	}
	if err := c.Policy.Detection.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Policy.Heuristic.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) (bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("%s: invalid boolean %q", key, value)
	}
	return b, nil
}

func getEnvInt64(key string, fallback int64) (int64, error) {
	value := os.Getenv(key)
	if value == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q", key, value)
	}
	return n, nil
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q", key, value)
	}
	return d, nil
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
