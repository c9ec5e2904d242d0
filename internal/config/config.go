// Package config loads the directory server configuration from YAML.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/hashicorp/go-hclog"
	"gopkg.in/yaml.v3"

	dirldap "github.com/isometry/dirsrv/internal/ldap"
)

// EnvLogLevel overrides the configured log level when set.
const EnvLogLevel = "DIRSRV_LOG_LEVEL"

// Config holds the directory server configuration.
type Config struct {
	// Logging
	LogLevel string `yaml:"log_level" default:"info" validate:"oneof=trace debug info warn error off"`

	// Naming contexts served by the backend
	Suffixes []string `yaml:"suffixes" default:"[\"dc=example,dc=com\"]" validate:"min=1,dive,dn"`
	SchemaDN string   `yaml:"schema_dn" default:"cn=schema" validate:"omitempty,dn"`

	// Entries loaded on start
	SeedFile string `yaml:"seed_file"`

	Search  SearchConfig  `yaml:"search"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// SearchConfig bounds searches issued on non-root internal connections.
// Zero means unlimited.
type SearchConfig struct {
	SizeLimit        int           `yaml:"size_limit" default:"1000" validate:"gte=0"`
	TimeLimit        time.Duration `yaml:"time_limit" default:"30s" validate:"gte=0"`
	LookthroughLimit int           `yaml:"lookthrough_limit" default:"0" validate:"gte=0"`
}

// MetricsConfig configures internal-operation accounting.
type MetricsConfig struct {
	Namespace string `yaml:"namespace" default:"dirsrv" validate:"required"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	cfg := &Config{}
	if err := defaults.Set(cfg); err != nil {
		panic(fmt.Sprintf("invalid configuration defaults: %v", err))
	}
	return cfg
}

// Load reads the configuration at path. An empty path returns the defaults.
// Values missing from the file keep their defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := Parse(data, cfg); err != nil {
			return nil, err
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML data over cfg. Unknown keys are rejected.
func Parse(data []byte, cfg *Config) error {
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	return nil
}

func (c *Config) applyEnvOverrides() {
	if level := os.Getenv(EnvLogLevel); level != "" {
		c.LogLevel = strings.ToLower(level)
	}
}

// Validate checks the configuration. Suffixes must name distinct entries.
func (c *Config) Validate() error {
	v, err := getValidator()
	if err != nil {
		return err
	}
	if err := checkError(v.Struct(c)); err != nil {
		return err
	}
	return c.validateSuffixes()
}

func (c *Config) validateSuffixes() error {
	seen := make(map[string]string, len(c.Suffixes))
	for _, suffix := range c.Suffixes {
		key, err := dirldap.NormalizeDNString(suffix)
		if err != nil {
			return fmt.Errorf("invalid configuration: suffixes: %w", err)
		}
		if first, ok := seen[key]; ok {
			return fmt.Errorf("invalid configuration: suffixes: %q duplicates %q", suffix, first)
		}
		seen[key] = suffix
	}
	return nil
}

// Limits returns the search limits for non-root connections.
func (c *Config) Limits() dirldap.Limits {
	return dirldap.Limits{
		SizeLimit:        c.Search.SizeLimit,
		TimeLimit:        c.Search.TimeLimit,
		LookthroughLimit: c.Search.LookthroughLimit,
	}
}

// HCLogLevel returns the log level as an hclog level.
func (c *Config) HCLogLevel() hclog.Level {
	return hclog.LevelFromString(c.LogLevel)
}

// getValidator builds the shared validator on first use.
var getValidator = sync.OnceValues(newValidator)

func newValidator() (*validator.Validate, error) {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	err := v.RegisterValidation("dn", func(fl validator.FieldLevel) bool {
		return dirldap.ValidateDNSyntax(fl.Field().String()) == nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to register dn validation: %w", err)
	}
	return v, nil
}

func checkError(err error) error {
	if err == nil {
		return nil
	}

	var errs validator.ValidationErrors
	if !errors.As(err, &errs) {
		return err
	}

	msgs := make([]string, 0, len(errs))
	for _, e := range errs {
		switch e.Tag() {
		case "oneof":
			msgs = append(msgs, fmt.Sprintf("value %q for %q not recognized, only support %q", e.Value(), e.Namespace(), e.Param()))
		case "gte":
			msgs = append(msgs, fmt.Sprintf("%s cannot be less than %s", e.Namespace(), e.Param()))
		case "dn":
			msgs = append(msgs, fmt.Sprintf("%s: %q is not a valid DN", e.Namespace(), e.Value()))
		default:
			msgs = append(msgs, e.Error())
		}
	}
	return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, " and "))
}
