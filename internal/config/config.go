// Package config loads the avm configuration.
//
// Values come from built-in defaults, then an optional YAML file, then AVM_*
// environment variables. The merged result is checked against an embedded
// CUE schema before it is returned.
package config

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"gopkg.in/yaml.v3"

	"github.com/roach88/avm/internal/content"
	"github.com/roach88/avm/internal/logging"
	"github.com/roach88/avm/internal/store"
)

//go:embed schema.cue
var schemaCUE string

// EnvPrefix prefixes every environment override.
const EnvPrefix = "AVM_"

// Config is the complete avm configuration.
type Config struct {
	Database DatabaseConfig `yaml:"database" json:"database"`
	Content  content.Config `yaml:"content" json:"content"`
	Log      logging.Config `yaml:"log" json:"log"`
	Server   ServerConfig   `yaml:"server" json:"server"`
}

// DatabaseConfig selects the relational backend.
type DatabaseConfig struct {
	Driver       string        `yaml:"driver" json:"driver"`
	DSN          string        `yaml:"dsn" json:"dsn"`
	MaxRetries   int           `yaml:"max_retries" json:"max_retries"`
	RetryBackoff time.Duration `yaml:"retry_backoff" json:"retry_backoff"`
}

// ServerConfig configures avm serve.
type ServerConfig struct {
	Addr         string        `yaml:"addr" json:"addr"`
	TicketSecret string        `yaml:"ticket_secret" json:"ticket_secret,omitempty"`
	TicketTTL    time.Duration `yaml:"ticket_ttl" json:"ticket_ttl"`
}

// StoreOptions converts the database section for store.OpenWithOptions.
func (d DatabaseConfig) StoreOptions() store.Options {
	return store.Options{
		Driver:       d.Driver,
		DSN:          d.DSN,
		MaxRetries:   d.MaxRetries,
		RetryBackoff: d.RetryBackoff,
	}
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		Database: DatabaseConfig{
			Driver:       store.DriverSQLite,
			DSN:          "avm.db",
			MaxRetries:   5,
			RetryBackoff: 10 * time.Millisecond,
		},
		Content: content.Config{
			Backend: content.BackendLocal,
			Root:    "avm-content",
		},
		Log: logging.Config{
			Level:  "info",
			Format: "console",
		},
		Server: ServerConfig{
			Addr:      ":8420",
			TicketTTL: 24 * time.Hour,
		},
	}
}

// Load reads path (if non-empty), applies environment overrides from the
// process environment and validates the result.
func Load(path string) (*Config, error) {
	return LoadWithEnv(path, os.LookupEnv)
}

// LoadWithEnv is Load with an explicit environment lookup.
func LoadWithEnv(path string, lookup func(string) (string, bool)) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := readFile(path, &cfg); err != nil {
			return nil, err
		}
	}
	if err := applyEnv(&cfg, lookup); err != nil {
		return nil, err
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func readFile(path string, cfg *Config) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

type envBinding struct {
	key string
	set func(cfg *Config, v string) error
}

func str(dst func(*Config) *string) func(*Config, string) error {
	return func(cfg *Config, v string) error {
		*dst(cfg) = v
		return nil
	}
}

var envBindings = []envBinding{
	{"DATABASE_DRIVER", str(func(c *Config) *string { return &c.Database.Driver })},
	{"DATABASE_DSN", str(func(c *Config) *string { return &c.Database.DSN })},
	{"DATABASE_MAX_RETRIES", func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		c.Database.MaxRetries = n
		return nil
	}},
	{"DATABASE_RETRY_BACKOFF", func(c *Config, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		c.Database.RetryBackoff = d
		return nil
	}},
	{"CONTENT_BACKEND", str(func(c *Config) *string { return &c.Content.Backend })},
	{"CONTENT_ROOT", str(func(c *Config) *string { return &c.Content.Root })},
	{"CONTENT_HASH_KEY", str(func(c *Config) *string { return &c.Content.HashKey })},
	{"S3_ENDPOINT", str(func(c *Config) *string { return &c.Content.S3.Endpoint })},
	{"S3_BUCKET", str(func(c *Config) *string { return &c.Content.S3.Bucket })},
	{"S3_REGION", str(func(c *Config) *string { return &c.Content.S3.Region })},
	{"S3_ACCESS_KEY", str(func(c *Config) *string { return &c.Content.S3.AccessKey })},
	{"S3_SECRET_KEY", str(func(c *Config) *string { return &c.Content.S3.SecretKey })},
	{"LOG_LEVEL", str(func(c *Config) *string { return &c.Log.Level })},
	{"LOG_FORMAT", str(func(c *Config) *string { return &c.Log.Format })},
	{"LOG_OUTPUT", str(func(c *Config) *string { return &c.Log.OutputPath })},
	{"SERVER_ADDR", str(func(c *Config) *string { return &c.Server.Addr })},
	{"TICKET_SECRET", str(func(c *Config) *string { return &c.Server.TicketSecret })},
	{"TICKET_TTL", func(c *Config, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		c.Server.TicketTTL = d
		return nil
	}},
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	for _, b := range envBindings {
		v, ok := lookup(EnvPrefix + b.key)
		if !ok || v == "" {
			continue
		}
		if err := b.set(cfg, v); err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, b.key, err)
		}
	}
	return nil
}

// Validate checks cfg against the embedded schema.
func Validate(cfg *Config) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaCUE, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}
	value := ctx.CompileBytes(data, cue.Filename("config.json"))
	if err := value.Err(); err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	unified := schema.LookupPath(cue.ParsePath("#Config")).Unify(value)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("invalid config: %s", cueerrors.Details(err, nil))
	}
	return nil
}
