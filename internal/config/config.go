package config

import (
	_ "embed"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/kozaktomas/face-recognizer/internal/constants"
	"gopkg.in/yaml.v3"
)

//go:embed defaults.yaml
var defaultsYAML []byte

// AppName is used for the data directory and the CLI name.
const AppName = "face-recognizer"

type Config struct {
	Registry  RegistryConfig
	Models    ModelsConfig
	Pipeline  PipelineConfig
	Telemetry TelemetryConfig
	Log       LogConfig
}

type RegistryConfig struct {
	Backend        string  // memory, file, sqlite or postgres (default sqlite)
	Path           string  // database or snapshot file for sqlite and file backends
	URL            string  // PostgreSQL connection URL
	MaxOpenConns   int     // Maximum open postgres connections (default 25)
	MaxIdleConns   int     // Maximum idle postgres connections (default 5)
	Threshold      float64 // Match threshold (default 0.6)
	SerializeMatch bool    // Serialize match-then-insert across workers
	HNSW           bool    // Approximate locate candidates from an HNSW graph in memory/file backends
}

type ModelsConfig struct {
	URL       string        // face model server, defaults to http://localhost:8000
	Lifecycle string        // exclusive-per-task or shared-pool
	PoolSize  int           // instances for shared-pool (default = workers)
	Jitter    int           // encoder jitter count, passed through unchanged
	Timeout   time.Duration // per request timeout of the HTTP adapter
}

type PipelineConfig struct {
	Workers     int           // concurrent file tasks (default cores/2, at least 1)
	FileTimeout time.Duration // per file deadline
}

type TelemetryConfig struct {
	Histograms map[string][]float64 `yaml:"histograms"`
}

type LogConfig struct {
	Level  string // debug, info, warn, error
	Format string // console or json
}

type defaults struct {
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// envInt reads an environment variable and parses it as a positive integer.
// Returns the default value if the env var is unset, empty, or invalid.
func envInt(key string, defaultVal int) int {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if n, err := strconv.Atoi(s); err == nil && n > 0 {
		return n
	}
	return defaultVal
}

// envNonNegativeInt is envInt that also accepts zero.
func envNonNegativeInt(key string, defaultVal int) int {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if n, err := strconv.Atoi(s); err == nil && n >= 0 {
		return n
	}
	return defaultVal
}

func envFloat(key string, defaultVal float64) float64 {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil && f > 0 {
		return f
	}
	return defaultVal
}

func envBool(key string, defaultVal bool) bool {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if d, err := time.ParseDuration(s); err == nil && d > 0 {
		return d
	}
	return defaultVal
}

func envString(key, defaultVal string) string {
	if s := strings.TrimSpace(os.Getenv(key)); s != "" {
		return s
	}
	return defaultVal
}

// DefaultWorkers reserves half of the cores for the native inference each task may spawn.
func DefaultWorkers() int {
	return max(1, runtime.NumCPU()/2)
}

// DataDir returns $XDG_DATA_HOME/face-recognizer, falling back to ~/.local/share.
func DataDir() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, AppName)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), AppName)
	}
	return filepath.Join(home, ".local", "share", AppName)
}

// defaultRegistryPath picks the file name matching the backend.
func defaultRegistryPath(backend string) string {
	if backend == "file" {
		return filepath.Join(DataDir(), "registry.gob")
	}
	return filepath.Join(DataDir(), "db.sqlite")
}

func Load() *Config {
	var d defaults
	if err := yaml.Unmarshal(defaultsYAML, &d); err != nil {
		// This is an embedded file so this error should never happen in practice
		panic("failed to unmarshal embedded defaults.yaml: " + err.Error())
	}

	workers := envInt("PIPELINE_WORKERS", DefaultWorkers())
	backend := envString("REGISTRY_BACKEND", "sqlite")

	return &Config{
		Registry: RegistryConfig{
			Backend:        backend,
			Path:           envString("REGISTRY_PATH", defaultRegistryPath(backend)),
			URL:            os.Getenv("DATABASE_URL"),
			MaxOpenConns:   envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:   envInt("DATABASE_MAX_IDLE_CONNS", 5),
			Threshold:      envFloat("MATCH_THRESHOLD", constants.MatchThreshold),
			SerializeMatch: envBool("REGISTRY_SERIALIZE_MATCH", false),
			HNSW:           envBool("REGISTRY_HNSW", false),
		},
		Models: ModelsConfig{
			URL:       os.Getenv("MODEL_URL"),
			Lifecycle: envString("MODEL_LIFECYCLE", "exclusive-per-task"),
			PoolSize:  envInt("MODEL_POOL_SIZE", workers),
			Jitter:    envNonNegativeInt("ENCODING_JITTER", constants.DefaultJitter),
			Timeout:   envDuration("MODEL_TIMEOUT", 2*time.Minute),
		},
		Pipeline: PipelineConfig{
			Workers:     workers,
			FileTimeout: envDuration("FILE_TIMEOUT", constants.DefaultFileTimeout),
		},
		Telemetry: d.Telemetry,
		Log: LogConfig{
			Level:  envString("LOG_LEVEL", "info"),
			Format: envString("LOG_FORMAT", "console"),
		},
	}
}
