// Package config handles configuration loading for coven-relay.
//
// # Overview
//
// Configuration is loaded from YAML or TOML files, chosen by extension, with
// environment variable expansion. Keys missing from the file keep the values
// from Default, and Load validates the result.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from COVEN_RELAY_CONFIG environment variable
//  2. ./config.yaml, then ./config.toml (current directory)
//  3. ~/.config/coven/relay.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  shared_secret: "${COVEN_RELAY_SECRET}"
//
// Unset variables expand to the empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	agent:
//	  tool_timeout: "60s"
//	  llm_timeout: "5m"
//	  idle_evict: "10m"
//
// # Configuration Sections
//
// Server and listener:
//
//	server:
//	  http_addr: "127.0.0.1:8787"   # /ws, /health, /metrics
//	tailscale:
//	  enabled: false
//	  hostname: "coven-relay"
//	  auth_key: "${TS_AUTHKEY}"
//	  https: true
//
// Session state and blobs:
//
//	database:
//	  driver: "sqlite"              # sqlite, redis
//	  path: "./data/coven-relay.db"
//	redis:
//	  addr: "127.0.0.1:6379"
//	  prefix: "coven:"
//	storage:
//	  dir: "./data/blobs"
//
// Agent and compaction:
//
//	agent:
//	  id: "main"
//	  model: "gpt-4o-mini"
//	  context_window: 128000
//	  reserve_tokens: 16384
//	  keep_recent_tokens: 20000
//	  compaction_enabled: true
//	  memory_enabled: true
//	  max_turns: 50
//	reset:
//	  mode: "daily"                 # manual, daily, idle
//	  at_hour: 4
//	  timezone: "America/Chicago"
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// # Usage
//
//	cfg, err := config.Load(config.DefaultPath())
//	if err != nil {
//	    log.Fatal(err)
//	}
package config
