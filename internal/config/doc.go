// Package config handles configuration loading for the ember client core.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// The package provides validation and sensible defaults; Default() builds a
// fully defaulted configuration for programmatic use.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	api:
//	  base_url: "${EMBER_API_URL}"
//
// Syntax: ${VAR_NAME}
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	channel:
//	  reconnect_delay: "1s"
//	  request_timeout: "10s"
//	auth:
//	  heartbeat_period: "5m"
//
// Supported units: ns, us, ms, s, m, h
package config
