// Package config defines the engine configuration value and its defaults.
// Configuration is loaded once (YAML file over defaults) and passed by
// value to component constructors; there is no mutable global state.
package config
