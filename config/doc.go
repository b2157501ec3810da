// Package config handles loading and parsing of configuration from YAML files
// and environment variables. It defines the application configuration structure
// including server settings, the upstream target, circuit breaker thresholds,
// concurrency and rate-limit policies, and the request timeout.
package config
