// Package config loads and validates the coven-conductor YAML configuration.
package config
