// Package config provides centralized configuration management for the
// ChainPilot runtime: a single JSON file resolved via the CHAINPILOT_CONFIG
// environment variable, with defaults applied for anything left unset.
package config
