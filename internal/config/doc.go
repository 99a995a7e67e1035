// Package config handles configuration loading for coven-relay.
//
// # Configuration File
//
// Locations, first match wins:
//
//  1. The -config flag
//  2. Path from the COVEN_RELAY_CONFIG environment variable
//  3. $XDG_CONFIG_HOME/coven/relay.yaml (or ~/.config/coven/relay.yaml)
//
// A missing file at the default location is not an error; the built-in
// defaults are used. Files ending in .toml are parsed as TOML, everything
// else as YAML.
//
// # Environment Variable Expansion
//
//	agent:
//	  token_secret: "${COVEN_RELAY_SECRET}"
//
// # Sections
//
//	agent:
//	  url: "ws://127.0.0.1:8765/ws"
//	  token_secret: "${COVEN_RELAY_SECRET}"  # empty disables bearer tokens
//	  token_ttl: "1m"
//	  handshake_timeout: "10s"
//
//	retry:
//	  max_retries: 5
//	  base_delay: "1s"
//	  max_delay: "30s"
//	  backoff_factor: 2
//	  heartbeat_interval: "30s"
//	  connection_timeout: "10s"
//	  max_missed_heartbeats: 2
//	  send_timeout: "10s"
//	  max_send_attempts: 3
//
//	dedupe:
//	  ttl: "5m"
//	  max_size: 10000
//
//	history:
//	  path: "~/.local/share/coven/relay.db"  # empty keeps history in memory
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
package config
