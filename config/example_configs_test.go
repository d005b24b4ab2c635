package config

import (
	"os"
	"path/filepath"
	"testing"
)

// TestExampleConfigsLoad verifies every YAML file in example/ parses and
// validates.
func TestExampleConfigsLoad(t *testing.T) {
	exampleDir := filepath.Join("..", "example")
	if _, err := os.Stat(exampleDir); os.IsNotExist(err) {
		t.Fatalf("example directory %q does not exist", exampleDir)
	}

	configs, err := filepath.Glob(filepath.Join(exampleDir, "*.yaml"))
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	if len(configs) == 0 {
		t.Fatal("no example configs found")
	}

	for _, path := range configs {
		t.Run(filepath.Base(path), func(t *testing.T) {
			cfg, err := LoadFromFile(path)
			if err != nil {
				t.Fatalf("failed to load %s: %v", path, err)
			}
			if err := cfg.Validate(); err != nil {
				t.Errorf("invalid %s: %v", path, err)
			}
			if cfg.StateMachineARN == "" {
				t.Errorf("%s: stateMachineArn is empty", path)
			}
		})
	}
}

func TestExampleDotEnv(t *testing.T) {
	for _, key := range []string{EnvEngine, EnvStateMachineARN, EnvCountMaxDefault, EnvCountComfortDefault, EnvAddr, EnvLogLevel, EnvLogFormat} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
	if err := LoadDotEnv(filepath.Join("..", "example", ".env.example")); err != nil {
		t.Fatalf("LoadDotEnv: %v", err)
	}
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Engine != EngineMemory || cfg.LogFormat != "text" {
		t.Errorf("config = %+v", cfg)
	}
}
