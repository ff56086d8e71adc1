package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const (
	// EnvPrefix is the prefix for environment variables.
	EnvPrefix = "SAGAFLOW_"
	// Delimiter is the key delimiter for nested config.
	Delimiter = "."
	// envSectionSeparator separates sections in environment variable names
	// when a key cannot be resolved against the known keys.
	envSectionSeparator = "__"
)

// Loader handles configuration loading from various sources.
type Loader struct {
	mu        sync.RWMutex
	k         *koanf.Koanf
	overrides map[string]interface{}
	knownKeys map[string]string
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{
		k:         koanf.New(Delimiter),
		knownKeys: envKeyIndex(structToMap(DefaultConfig(), "")),
	}
}

// Load loads configuration from all sources with the following priority:
// 1. Command line flags (highest)
// 2. Environment variables
// 3. Configuration files
// 4. Defaults (lowest)
//
// Every call starts from a clean slate, so a reload drops keys removed from
// the file. Overrides are remembered for later reloads when overrides is nil.
func (l *Loader) Load(configPath string, overrides map[string]interface{}) (*Config, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if overrides != nil {
		l.overrides = overrides
	}
	k := koanf.New(Delimiter)

	// 1. Load defaults
	if err := k.Load(confmap.Provider(structToMap(DefaultConfig(), ""), Delimiter), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	// 2. Load from file if specified
	if configPath != "" {
		if err := loadFile(k, configPath); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	} else {
		// Try to find config in standard locations
		loadDefaultFiles(k)
	}

	// 3. Load from environment variables
	if err := k.Load(env.Provider(EnvPrefix, Delimiter, l.envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load env vars: %w", err)
	}

	// 4. Apply command line overrides (merge, not replace)
	if len(l.overrides) > 0 {
		if err := k.Load(confmap.Provider(l.overrides, Delimiter), nil); err != nil {
			return nil, fmt.Errorf("failed to apply overrides: %w", err)
		}
	}

	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{
		Tag: "mapstructure",
	}); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := ValidateWithDetails(&cfg); err != nil {
		return nil, err
	}

	l.k = k
	return &cfg, nil
}

// loadFile loads configuration from a file.
func loadFile(k *koanf.Koanf, path string) error {
	// Determine parser based on extension
	ext := strings.ToLower(filepath.Ext(path))
	var parser koanf.Parser

	switch ext {
	case ".yaml", ".yml":
		parser = yaml.Parser()
	case ".json":
		parser = json.Parser()
	default:
		return fmt.Errorf("unsupported config file format: %s", ext)
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return fmt.Errorf("config file not found: %s", path)
	}

	return k.Load(file.Provider(path), parser)
}

// loadDefaultFiles tries to load config from standard locations.
func loadDefaultFiles(k *koanf.Koanf) {
	candidates := []string{
		"config.yaml",
		"config.yml",
		"config.json",
		"configs/config.yaml",
		"/etc/sagaflow/config.yaml",
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			_ = loadFile(k, path) // Ignore error, defaults still apply
			return
		}
	}
}

// envKey maps an environment variable to a config key.
//
//	SAGAFLOW_SERVER_PORT                 -> server.port
//	SAGAFLOW_STORE_BADGER_SYNC_WRITES    -> store.badger.sync_writes
//	SAGAFLOW_TRACING__HEADERS__X_TENANT  -> tracing.headers.x_tenant
func (l *Loader) envKey(s string) string {
	name := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	if strings.Contains(name, envSectionSeparator) {
		return strings.ReplaceAll(name, envSectionSeparator, Delimiter)
	}
	if key, ok := l.knownKeys[name]; ok {
		return key
	}
	return strings.ReplaceAll(name, "_", Delimiter)
}

// envKeyIndex indexes config keys by their underscore-joined form.
func envKeyIndex(flat map[string]interface{}) map[string]string {
	index := make(map[string]string, len(flat))
	for key := range flat {
		index[strings.ReplaceAll(key, Delimiter, "_")] = key
	}
	return index
}

// Get returns a configuration value by key.
func (l *Loader) Get(key string) interface{} {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.k.Get(key)
}

// GetString returns a string configuration value.
func (l *Loader) GetString(key string) string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.k.String(key)
}

// GetInt returns an int configuration value.
func (l *Loader) GetInt(key string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.k.Int(key)
}

// GetBool returns a bool configuration value.
func (l *Loader) GetBool(key string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.k.Bool(key)
}

// structToMap recursively converts a struct to a flat map with dot-separated keys.
func structToMap(v interface{}, prefix string) map[string]interface{} {
	result := make(map[string]interface{})
	val := reflect.ValueOf(v)

	if val.Kind() == reflect.Ptr {
		val = val.Elem()
	}
	if val.Kind() != reflect.Struct {
		return result
	}

	durationType := reflect.TypeOf(time.Duration(0))
	typ := val.Type()
	for i := 0; i < val.NumField(); i++ {
		field := typ.Field(i)
		fieldVal := val.Field(i)

		if !field.IsExported() {
			continue
		}

		key := field.Tag.Get("mapstructure")
		if key == "" || key == "-" {
			continue
		}

		fullKey := key
		if prefix != "" {
			fullKey = prefix + Delimiter + key
		}

		switch {
		case fieldVal.Type() == durationType:
			result[fullKey] = fieldVal.Interface()
		case fieldVal.Kind() == reflect.Ptr:
			if !fieldVal.IsNil() {
				for k, v := range structToMap(fieldVal.Elem().Interface(), fullKey) {
					result[k] = v
				}
			}
		case fieldVal.Kind() == reflect.Struct:
			for k, v := range structToMap(fieldVal.Interface(), fullKey) {
				result[k] = v
			}
		case fieldVal.Kind() == reflect.Map:
			// Empty maps carry no defaults and would shadow file values.
			iter := fieldVal.MapRange()
			for iter.Next() {
				result[fullKey+Delimiter+fmt.Sprint(iter.Key().Interface())] = iter.Value().Interface()
			}
		case fieldVal.Kind() == reflect.Slice:
			slice := make([]interface{}, fieldVal.Len())
			for j := range slice {
				slice[j] = fieldVal.Index(j).Interface()
			}
			result[fullKey] = slice
		default:
			result[fullKey] = fieldVal.Interface()
		}
	}

	return result
}

// Print prints the loaded configuration for debugging.
func (l *Loader) Print() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.k.Sprint()
}

// Load is a convenience function to load configuration.
func Load(configPath string, overrides map[string]interface{}) (*Config, error) {
	loader := NewLoader()
	return loader.Load(configPath, overrides)
}

// LoadOrDie loads configuration and panics on error.
func LoadOrDie(configPath string, overrides map[string]interface{}) *Config {
	cfg, err := Load(configPath, overrides)
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}
