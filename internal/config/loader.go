package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads and parses configuration from a file or a directory holding
// config.yaml. Files listed under include are merged in order, later files
// taking precedence.
func Load(configPath string) (*Config, error) {
	absPath, err := resolveConfigFile(configPath)
	if err != nil {
		return nil, err
	}

	cfg, err := loadConfigFile(absPath)
	if err != nil {
		return nil, err
	}

	visited := map[string]bool{absPath: true}
	if len(cfg.Include) > 0 {
		if err := loadIncludes(cfg, cfg.Include, filepath.Dir(absPath), visited); err != nil {
			return nil, err
		}
	}

	paths := make([]string, 0, len(visited))
	for p := range visited {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	if err := verifyChecksums(filepath.Dir(absPath), paths); err != nil {
		return nil, fmt.Errorf("config integrity check failed: %w", err)
	}

	cfg = applyDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DiscoverConfigDir finds the config by checking standard locations:
// $OFFLOAD_CONFIG_DIR, ~/.config/offload, /etc/offload, ./config.yaml.
func DiscoverConfigDir() (string, error) {
	if dir := os.Getenv("OFFLOAD_CONFIG_DIR"); dir != "" {
		if _, err := os.Stat(dir); err == nil {
			return dir, nil
		}
	}

	if homeDir, err := os.UserHomeDir(); err == nil {
		userConfigDir := filepath.Join(homeDir, ".config", "offload")
		if _, err := os.Stat(userConfigDir); err == nil {
			return userConfigDir, nil
		}
	}

	systemConfigDir := "/etc/offload"
	if _, err := os.Stat(systemConfigDir); err == nil {
		return systemConfigDir, nil
	}

	if _, err := os.Stat("./config.yaml"); err == nil {
		return "./config.yaml", nil
	}

	return "", fmt.Errorf("no config found (checked: $OFFLOAD_CONFIG_DIR, ~/.config/offload, /etc/offload, ./config.yaml)")
}

// DiscoverAllConfigFiles returns absolute paths to the config file and every
// file in its include tree, sorted.
func DiscoverAllConfigFiles(configPath string) ([]string, error) {
	absPath, err := resolveConfigFile(configPath)
	if err != nil {
		return nil, err
	}

	cfg, err := loadConfigFile(absPath)
	if err != nil {
		return nil, err
	}

	visited := map[string]bool{absPath: true}
	if len(cfg.Include) > 0 {
		scratch := &Config{}
		if err := loadIncludes(scratch, cfg.Include, filepath.Dir(absPath), visited); err != nil {
			return nil, err
		}
	}

	files := make([]string, 0, len(visited))
	for f := range visited {
		files = append(files, f)
	}
	sort.Strings(files)
	return files, nil
}

func resolveConfigFile(configPath string) (string, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return "", fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return "", fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}
	return absPath, nil
}

func loadIncludes(cfg *Config, includes []string, baseDir string, visited map[string]bool) error {
	for i, includePath := range includes {
		includePath = interpolateEnv(includePath)

		resolvedPath := includePath
		if !filepath.IsAbs(includePath) {
			resolvedPath = filepath.Join(baseDir, includePath)
		}
		absPath, err := filepath.Abs(resolvedPath)
		if err != nil {
			return fmt.Errorf("include[%d]: failed to resolve path %q: %w", i, includePath, err)
		}

		if visited[absPath] {
			return fmt.Errorf("include[%d]: circular dependency detected: %s", i, absPath)
		}
		if _, err := os.Stat(absPath); err != nil {
			if os.IsNotExist(err) {
				return fmt.Errorf("include[%d]: file not found: %s\n"+
					"Referenced from: %s", i, absPath, baseDir)
			}
			return fmt.Errorf("include[%d]: failed to access file %s: %w", i, absPath, err)
		}
		visited[absPath] = true

		included, err := loadConfigFile(absPath)
		if err != nil {
			return fmt.Errorf("include[%d] (%s): %w", i, includePath, err)
		}
		mergeConfig(cfg, included)

		if len(included.Include) > 0 {
			if err := loadIncludes(cfg, included.Include, filepath.Dir(absPath), visited); err != nil {
				return err
			}
		}
	}
	return nil
}

// loadConfigFile parses a single file without applying defaults.
func loadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal([]byte(interpolateEnv(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	return &cfg, nil
}

// mergeConfig merges src into dst, with src taking precedence for non-zero values.
func mergeConfig(dst, src *Config) {
	if src.Service.Name != "" {
		dst.Service.Name = src.Service.Name
	}
	if src.Service.LogLevel != "" {
		dst.Service.LogLevel = src.Service.LogLevel
	}
	if src.Service.LogFile != "" {
		dst.Service.LogFile = src.Service.LogFile
	}
	if src.Service.LogMaxSizeMB != 0 {
		dst.Service.LogMaxSizeMB = src.Service.LogMaxSizeMB
	}
	if src.Service.LogMaxBackups != 0 {
		dst.Service.LogMaxBackups = src.Service.LogMaxBackups
	}
	if src.State.Path != "" {
		dst.State.Path = src.State.Path
	}
	if src.API.Enabled {
		dst.API.Enabled = true
	}
	if src.API.Listen != "" {
		dst.API.Listen = src.API.Listen
	}
	if src.API.APIKey != "" {
		dst.API.APIKey = src.API.APIKey
	}
	if len(src.API.CORSOrigins) > 0 {
		dst.API.CORSOrigins = src.API.CORSOrigins
	}
	if src.API.RunRate != 0 {
		dst.API.RunRate = src.API.RunRate
	}
	if src.API.RunBurst != 0 {
		dst.API.RunBurst = src.API.RunBurst
	}
	if src.Workers.Dir != "" {
		dst.Workers.Dir = src.Workers.Dir
	}
	if src.Workers.CacheDir != "" {
		dst.Workers.CacheDir = src.Workers.CacheDir
	}
	if src.Workers.TerminationGrace != 0 {
		dst.Workers.TerminationGrace = src.Workers.TerminationGrace
	}
	if len(src.Tasks) > 0 && dst.Tasks == nil {
		dst.Tasks = make(map[string]TaskConf, len(src.Tasks))
	}
	for name, tc := range src.Tasks {
		dst.Tasks[name] = tc
	}
}

// applyDefaults fills zero values from Defaults.
func applyDefaults(cfg *Config) *Config {
	defaults := Defaults()

	if cfg.Service.Name == "" {
		cfg.Service.Name = defaults.Service.Name
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = defaults.Service.LogLevel
	}
	if cfg.Service.LogMaxSizeMB == 0 {
		cfg.Service.LogMaxSizeMB = defaults.Service.LogMaxSizeMB
	}
	if cfg.Service.LogMaxBackups == 0 {
		cfg.Service.LogMaxBackups = defaults.Service.LogMaxBackups
	}
	if cfg.State.Path == "" {
		cfg.State.Path = defaults.State.Path
	}
	if cfg.API.Listen == "" {
		cfg.API.Listen = defaults.API.Listen
	}
	if cfg.Workers.Dir == "" {
		cfg.Workers.Dir = defaults.Workers.Dir
	}
	if cfg.Workers.CacheDir == "" {
		cfg.Workers.CacheDir = defaults.Workers.CacheDir
	}
	if cfg.Workers.TerminationGrace == 0 {
		cfg.Workers.TerminationGrace = defaults.Workers.TerminationGrace
	}
	if cfg.Tasks == nil {
		cfg.Tasks = make(map[string]TaskConf)
	}
	for name, tc := range cfg.Tasks {
		if tc.Mode == "" {
			tc.Mode = DefaultTaskConf().Mode
		}
		cfg.Tasks[name] = tc
	}
	return cfg
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is and caught by validate.
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

// validate performs basic validation on the configuration.
func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Service.LogLevel] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}

	if err := checkUnresolved("service.log_file", cfg.Service.LogFile); err != nil {
		return err
	}
	if cfg.Service.LogMaxSizeMB < 0 || cfg.Service.LogMaxBackups < 0 {
		return fmt.Errorf("service.log_max_size_mb and service.log_max_backups must not be negative")
	}
	if err := checkUnresolved("state.path", cfg.State.Path); err != nil {
		return err
	}
	if err := checkUnresolved("workers.dir", cfg.Workers.Dir); err != nil {
		return err
	}
	if err := checkUnresolved("workers.cache_dir", cfg.Workers.CacheDir); err != nil {
		return err
	}
	if cfg.API.Enabled {
		if err := checkUnresolved("api.api_key", cfg.API.APIKey); err != nil {
			return err
		}
	}
	if cfg.API.RunRate < 0 || cfg.API.RunBurst < 0 {
		return fmt.Errorf("api.run_rate and api.run_burst must not be negative")
	}
	if cfg.Workers.TerminationGrace < 0 {
		return fmt.Errorf("workers.termination_grace must not be negative")
	}

	for name, tc := range cfg.Tasks {
		if name == "" {
			return fmt.Errorf("tasks: empty task name")
		}
		switch tc.Mode {
		case ModeInProcess, ModeSubprocess:
		default:
			return fmt.Errorf("task %q: mode must be %s or %s (got %q)", name, ModeInProcess, ModeSubprocess, tc.Mode)
		}
		for i, locator := range tc.Resources {
			if locator == "" {
				return fmt.Errorf("task %q: resources[%d] is empty", name, i)
			}
			if err := checkUnresolved(fmt.Sprintf("task %q: resources[%d]", name, i), locator); err != nil {
				return err
			}
		}
	}
	return nil
}

func checkUnresolved(field, value string) error {
	if m := envVarPattern.FindStringSubmatch(value); len(m) > 1 {
		return fmt.Errorf("%s: environment variable ${%s} is not set", field, m[1])
	}
	return nil
}
