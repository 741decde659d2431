// Package config loads and validates pipeline configuration.
//
// All processes share one YAML file; each reads the sections it needs.
// Environment variables in ${VAR} form are expanded before parsing so
// secrets stay out of the file.
package config
