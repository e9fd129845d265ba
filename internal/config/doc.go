// Package config handles configuration loading for slideforge.
//
// # Overview
//
// Configuration is loaded from a YAML file, or a TOML file when the path ends
// in .toml, with environment variable expansion and defaults for every
// optional field.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from SLIDEFORGE_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/slideforge/config.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${SLIDEFORGE_JWT_SECRET}"
//
// ANTHROPIC_API_KEY and AWS_REGION are also consulted when the matching
// anthropic fields are empty.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	agent:
//	  session_timeout: "1h"
//	  reap_interval: "15m"
//
// # Backend Capabilities
//
// agent.allowed_tools and agent.permission_mode are passed to the claude CLI
// as --allowedTools and --permission-mode. permission_mode defaults to
// bypassPermissions for that backend only. The anthropic backend reports
// tool_use blocks but never executes tools, so it ignores both settings and
// logs a warning when they are present.
package config
