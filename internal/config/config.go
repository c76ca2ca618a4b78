package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/tailscale/hujson"
)

// Config holds every tunable of the relay server. Files are JWCC (JSON
// with comments and trailing commas); environment variables override file
// values.
type Config struct {
	Addr              string   `json:"addr"`
	StateBackendDSN   string   `json:"state_backend_dsn"`
	SearchIndexPath   string   `json:"search_index_path,omitempty"`
	JWTSecret         string   `json:"jwt_secret,omitempty"`
	FolderNames       []string `json:"folder_names,omitempty"`
	DebounceMS        int      `json:"debounce_ms"`
	EventFeedLimit    int      `json:"event_feed_limit"`
	RateLimitMax      int      `json:"rate_limit_max"`
	RateLimitWindowMS int      `json:"rate_limit_window_ms"`
	MaxBodyBytes      int64    `json:"max_body_bytes"`
}

func Default() Config {
	return Config{
		Addr:              ":8080",
		StateBackendDSN:   "memory://",
		DebounceMS:        2000,
		EventFeedLimit:    100,
		RateLimitMax:      0,
		RateLimitWindowMS: 60000,
		MaxBodyBytes:      10 << 20,
	}
}

// Debounce returns the indexer debounce window.
func (c Config) Debounce() time.Duration {
	return time.Duration(c.DebounceMS) * time.Millisecond
}

// RateLimitWindow returns the HTTP rate-limit window.
func (c Config) RateLimitWindow() time.Duration {
	return time.Duration(c.RateLimitWindowMS) * time.Millisecond
}

// Load builds the effective configuration: defaults, then the config file
// at path (if path is non-empty), then RELAY_* environment overrides. The
// merged result is schema-validated before it is returned.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: reading %s: %w", path, err)
		}
		std, err := hujson.Standardize(raw)
		if err != nil {
			return Config{}, fmt.Errorf("config: parsing %s: %w", path, err)
		}
		if err := unmarshalStrict(std, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: decoding %s: %w", path, err)
		}
	}
	applyEnv(&cfg)
	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func unmarshalStrict(data []byte, cfg *Config) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(cfg)
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("RELAY_ADDR"); v != "" {
		cfg.Addr = v
	}
	if v := os.Getenv("RELAY_STATE_BACKEND_DSN"); v != "" {
		cfg.StateBackendDSN = v
	}
	if v := os.Getenv("RELAY_SEARCH_INDEX_PATH"); v != "" {
		cfg.SearchIndexPath = v
	}
	if v := os.Getenv("RELAY_JWT_SECRET"); v != "" {
		cfg.JWTSecret = v
	}
	cfg.DebounceMS = intEnv("RELAY_DEBOUNCE_MS", cfg.DebounceMS)
	cfg.EventFeedLimit = intEnv("RELAY_EVENT_FEED_LIMIT", cfg.EventFeedLimit)
	cfg.RateLimitMax = intEnv("RELAY_RATE_LIMIT_MAX", cfg.RateLimitMax)
	cfg.RateLimitWindowMS = intEnv("RELAY_RATE_LIMIT_WINDOW_MS", cfg.RateLimitWindowMS)
	cfg.MaxBodyBytes = int64Env("RELAY_MAX_BODY_BYTES", cfg.MaxBodyBytes)
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

const schemaText = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"properties": {
		"addr": {"type": "string", "minLength": 1},
		"state_backend_dsn": {"type": "string", "minLength": 1},
		"search_index_path": {"type": "string"},
		"jwt_secret": {"type": "string"},
		"folder_names": {
			"type": "array",
			"items": {"type": "string", "minLength": 1},
			"uniqueItems": true
		},
		"debounce_ms": {"type": "integer", "minimum": 0},
		"event_feed_limit": {"type": "integer", "minimum": 1, "maximum": 1000},
		"rate_limit_max": {"type": "integer", "minimum": 0},
		"rate_limit_window_ms": {"type": "integer", "minimum": 1},
		"max_body_bytes": {"type": "integer", "minimum": 1}
	},
	"required": ["addr", "state_backend_dsn"]
}`

var schema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(schemaText)))
	if err != nil {
		panic(fmt.Sprintf("config: parsing schema: %v", err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("config.schema.json", doc); err != nil {
		panic(fmt.Sprintf("config: adding schema resource: %v", err))
	}
	sch, err := c.Compile("config.schema.json")
	if err != nil {
		panic(fmt.Sprintf("config: compiling schema: %v", err))
	}
	return sch
}

func validate(cfg Config) error {
	encoded, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: encoding for validation: %w", err)
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("config: decoding for validation: %w", err)
	}
	if err := schema.Validate(instance); err != nil {
		var verr *jsonschema.ValidationError
		if errors.As(err, &verr) {
			return fmt.Errorf("config: invalid configuration: %v", verr)
		}
		return fmt.Errorf("config: invalid configuration: %w", err)
	}
	return nil
}
