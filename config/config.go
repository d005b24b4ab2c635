// Package config loads the trigger's process-wide configuration from an
// optional YAML file, a .env file and the environment, in that order.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/GoCodeAlone/connect-trigger/observability/metrics"
	"github.com/GoCodeAlone/connect-trigger/observability/tracing"
	awsprovider "github.com/GoCodeAlone/connect-trigger/provider/aws"
	"github.com/GoCodeAlone/connect-trigger/trigger"
)

// Engine kinds.
const (
	EngineAWS    = "aws"
	EngineMemory = "memory"
)

// Environment variables read by ApplyEnv.
const (
	EnvStateMachineARN     = "STATE_MACHINE_ARN"
	EnvCountMaxDefault     = "COUNT_MAX_DEFAULT"
	EnvCountComfortDefault = "COUNT_COMFORT_DEFAULT"
	EnvEngine              = "TRIGGER_ENGINE"
	EnvAddr                = "TRIGGER_ADDR"
	EnvRegion              = "AWS_REGION"
	EnvSFNEndpoint         = "SFN_ENDPOINT"
	EnvCredentials         = "SFN_CREDENTIALS"
	EnvRoleARN             = "SFN_ROLE_ARN"
	EnvExternalID          = "SFN_EXTERNAL_ID"
	EnvProfile             = "AWS_PROFILE"
	EnvCloudWatchNamespace = "CLOUDWATCH_NAMESPACE"
	EnvRequestsPerSecond   = "SFN_REQUESTS_PER_SECOND"
	EnvSucceedAfter        = "MEMORY_SUCCEED_AFTER"
	EnvOTLPEndpoint        = "OTEL_EXPORTER_OTLP_ENDPOINT"
	EnvServiceName         = "OTEL_SERVICE_NAME"
	EnvLogLevel            = "LOG_LEVEL"
	EnvLogFormat           = "LOG_FORMAT"
)

// LoopDefaults are the counter values used when an event omits them.
type LoopDefaults struct {
	CountMax     int `json:"countMax" yaml:"countMax"`
	CountComfort int `json:"countComfort" yaml:"countComfort"`
}

// MemoryEngineConfig configures the in-memory engine used for local runs.
type MemoryEngineConfig struct {
	// SucceedAfter is the number of RUNNING polls before an execution
	// succeeds. Zero keeps executions running forever.
	SucceedAfter int    `json:"succeedAfter" yaml:"succeedAfter"`
	Output       string `json:"output" yaml:"output"`
}

// ServerConfig configures the local invocation server.
type ServerConfig struct {
	Addr string `json:"addr" yaml:"addr"`
}

// TriggerConfig is the complete process configuration.
type TriggerConfig struct {
	// StateMachineARN is the workflow new executions are started against.
	// Empty routes every event without an execution_id to FAILED.
	StateMachineARN string             `json:"stateMachineArn" yaml:"stateMachineArn"`
	Defaults        LoopDefaults       `json:"defaults" yaml:"defaults"`
	Engine          string             `json:"engine" yaml:"engine"`
	AWS             awsprovider.Config `json:"aws" yaml:"aws"`
	Memory          MemoryEngineConfig `json:"memory" yaml:"memory"`
	Server          ServerConfig       `json:"server" yaml:"server"`
	Metrics         metrics.Config     `json:"metrics" yaml:"metrics"`
	Tracing         tracing.Config     `json:"tracing" yaml:"tracing"`
	LogLevel        string             `json:"logLevel" yaml:"logLevel"`
	LogFormat       string             `json:"logFormat" yaml:"logFormat"`
}

// Default returns the configuration used when nothing is set.
func Default() *TriggerConfig {
	return &TriggerConfig{
		Defaults: LoopDefaults{CountMax: 5, CountComfort: 10},
		Engine:   EngineAWS,
		AWS: awsprovider.Config{
			Credentials: awsprovider.CredentialsConfig{Type: awsprovider.CredentialsDefault},
		},
		Memory:    MemoryEngineConfig{SucceedAfter: 2, Output: "{}"},
		Server:    ServerConfig{Addr: ":8080"},
		Metrics:   metrics.DefaultConfig(),
		Tracing:   tracing.DefaultConfig(),
		LogLevel:  "info",
		LogFormat: "json",
	}
}

// LoadFromFile reads a YAML configuration file on top of Default.
func LoadFromFile(path string) (*TriggerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return cfg, nil
}

// LoadDotEnv loads variables from the given .env files (".env" when none
// are named) without overriding variables already set. Missing files are
// ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to load %s: %w", p, err)
		}
	}
	return nil
}

// Load builds the configuration from an optional file and the process
// environment, then validates it.
func Load(path string) (*TriggerConfig, error) {
	cfg := Default()
	if path != "" {
		var err error
		if cfg, err = LoadFromFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from the environment. A variable that is set,
// even to the empty string, replaces the file value.
func (c *TriggerConfig) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = strings.TrimSpace(v)
		}
	}
	num := func(key string, dst *int) error {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			return nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("config: %s: %w", key, err)
		}
		*dst = n
		return nil
	}

	str(EnvStateMachineARN, &c.StateMachineARN)
	str(EnvEngine, &c.Engine)
	str(EnvAddr, &c.Server.Addr)
	str(EnvRegion, &c.AWS.Region)
	str(EnvSFNEndpoint, &c.AWS.Endpoint)
	str(EnvCredentials, &c.AWS.Credentials.Type)
	str(EnvRoleARN, &c.AWS.Credentials.RoleARN)
	str(EnvExternalID, &c.AWS.Credentials.ExternalID)
	str(EnvProfile, &c.AWS.Credentials.Profile)
	str(EnvCloudWatchNamespace, &c.AWS.MetricsNamespace)
	str(EnvOTLPEndpoint, &c.Tracing.Endpoint)
	str(EnvServiceName, &c.Tracing.ServiceName)
	str(EnvLogLevel, &c.LogLevel)
	str(EnvLogFormat, &c.LogFormat)

	rps := func(key string, dst *float64) error {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			return nil
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return fmt.Errorf("config: %s: %w", key, err)
		}
		*dst = f
		return nil
	}

	return errors.Join(
		rps(EnvRequestsPerSecond, &c.AWS.RequestsPerSecond),
		num(EnvCountMaxDefault, &c.Defaults.CountMax),
		num(EnvCountComfortDefault, &c.Defaults.CountComfort),
		num(EnvSucceedAfter, &c.Memory.SucceedAfter),
	)
}

// Validate rejects settings the trigger cannot run with.
func (c *TriggerConfig) Validate() error {
	var errs []error
	switch c.Engine {
	case EngineAWS:
		if err := c.AWS.Validate(); err != nil {
			errs = append(errs, err)
		}
	case EngineMemory:
	default:
		errs = append(errs, fmt.Errorf("config: unknown engine %q", c.Engine))
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch c.LogFormat {
	case "", "json", "text":
	default:
		errs = append(errs, fmt.Errorf("config: unknown log format %q", c.LogFormat))
	}
	if c.Memory.SucceedAfter < 0 {
		errs = append(errs, fmt.Errorf("config: memory.succeedAfter must not be negative"))
	}
	return errors.Join(errs...)
}

// Trigger returns the adapter configuration.
func (c *TriggerConfig) Trigger() trigger.Config {
	return trigger.Config{
		WorkflowID:          c.StateMachineARN,
		DefaultCountMax:     c.Defaults.CountMax,
		DefaultCountComfort: c.Defaults.CountComfort,
	}
}

// Logger builds the process logger writing to stdout.
func (c *TriggerConfig) Logger() *slog.Logger {
	level, _ := parseLevel(c.LogLevel)
	opts := &slog.HandlerOptions{Level: level}
	if c.LogFormat == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if s == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("config: log level: %w", err)
	}
	return level, nil
}
