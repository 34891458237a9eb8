package config

import "time"

// Task execution modes.
const (
	ModeInProcess  = "inprocess"
	ModeSubprocess = "subprocess"
)

// Config represents the complete offload configuration.
type Config struct {
	Include []string            `yaml:"include,omitempty"`
	Service ServiceConfig       `yaml:"service"`
	State   StateConfig         `yaml:"state"`
	API     APIConfig           `yaml:"api,omitempty"`
	Workers WorkersConfig       `yaml:"workers"`
	Tasks   map[string]TaskConf `yaml:"tasks"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name     string `yaml:"name"`
	LogLevel string `yaml:"log_level"`
	// LogFile, when set, receives a copy of the logs with size-based rotation.
	LogFile       string `yaml:"log_file,omitempty"`
	LogMaxSizeMB  int    `yaml:"log_max_size_mb,omitempty"`
	LogMaxBackups int    `yaml:"log_max_backups,omitempty"`
}

// StateConfig defines where the job journal lives.
type StateConfig struct {
	Path string `yaml:"path"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	// APIKey, when set, must be sent as a bearer token.
	APIKey string `yaml:"api_key,omitempty"`
	// CORSOrigins lists browser origins allowed to call the API.
	CORSOrigins []string `yaml:"cors_origins,omitempty"`
	// RunRate caps POST /run calls per second; zero disables the limit.
	RunRate  float64 `yaml:"run_rate,omitempty"`
	RunBurst int     `yaml:"run_burst,omitempty"`
}

// WorkersConfig locates pre-built workers and the resource cache.
type WorkersConfig struct {
	Dir              string        `yaml:"dir"`
	CacheDir         string        `yaml:"cache_dir"`
	TerminationGrace time.Duration `yaml:"termination_grace"`
}

// TaskConf configures the dispatcher kept for one task.
type TaskConf struct {
	Mode      string   `yaml:"mode"`
	Resources []string `yaml:"resources,omitempty"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:          "offload",
			LogLevel:      "info",
			LogMaxSizeMB:  50,
			LogMaxBackups: 5,
		},
		State: StateConfig{
			Path: "./data/offload.db",
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8080",
		},
		Workers: WorkersConfig{
			Dir:              "./workers",
			CacheDir:         "./data/cache",
			TerminationGrace: 5 * time.Second,
		},
		Tasks: make(map[string]TaskConf),
	}
}

// DefaultTaskConf returns the settings used for a task with no explicit mode.
func DefaultTaskConf() TaskConf {
	return TaskConf{Mode: ModeInProcess}
}
