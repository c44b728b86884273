// Package config handles configuration loading for coven-vault.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// The package provides validation and duration parsing.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	storage:
//	  keyring_path: "${COVEN_VAULT_KEYRING}"
//
// Syntax: ${VAR_NAME}
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	pool:
//	  busy_timeout: "5s"
//	  drain_timeout: "10s"
//
// Supported units: ns, us, ms, s, m, h
//
// # Configuration Sections
//
// Storage locations (lock_dir must be distinct from data_dir):
//
//	storage:
//	  data_dir: "/var/lib/coven-vault/stores"
//	  lock_dir: "/var/lib/coven-vault/locks"
//	  keyring_path: "/var/lib/coven-vault/keyring.yaml"
//
// Pool tunables:
//
//	pool:
//	  max_readers: 4
//	  busy_timeout: "5s"
//	  drain_timeout: "10s"
//
// Repair escalation:
//
//	repair:
//	  transient_step: "250ms"
//	  transient_bound: "2.5s"
//	  cooldown_base: "5s"
//	  cooldown_cap: "5m"
//
// Retention (preset or custom triple):
//
//	retention:
//	  preset: "strict"   # standard, strict, extended, unbounded
//
//	retention:
//	  retention_period: "720h"
//	  cleanup_interval: "1h"
//	  purge_ciphertext: false
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
package config
