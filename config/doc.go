// Package config provides unified configuration loading for the vidflow
// control plane: defaults, YAML files, and environment variable overrides,
// with validation of the provider set and scheduler plan parameters.
package config
