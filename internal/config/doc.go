// Package config provides layered configuration for the engine.
//
// Values resolve in three layers, lowest precedence first:
//   - Default(): compiled-in defaults
//   - optional config file (YAML, TOML or JSON, chosen by extension)
//   - SKEIN_* environment variables
//
// Configuration Sections:
//   - Engine: viewport geometry, initial URLs, navigation history depth
//   - Resource: fetch timeouts, retries, per-host politeness, blocklist
//   - Images: decoded image cache budgets and disk tier location
//   - Profiler: sample period and reporting
//   - Shell: debug shell surface address
//   - Session: snapshot persistence
//   - Logging: log level and output format
//
// Example Usage:
//
//	cfg, err := config.Load("skein.yaml")
//	if err != nil { ... }
//	fmt.Printf("viewport %dx%d\n", cfg.Engine.ViewportWidth, cfg.Engine.ViewportHeight)
package config
