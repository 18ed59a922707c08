// Package config loads the engine configuration file and detected-state
// snapshots.
//
// # Engine configuration
//
// The configuration file (burn.yaml by default) sets up telemetry, the
// state store, the elevated connection and apply behavior:
//
//	logging:
//	  level: debug
//	  format: json
//	store:
//	  path: /var/lib/burn/burn.db
//	elevation:
//	  connect_timeout: 3m
//	  connect_interval: 100ms
//	apply:
//	  parallel_cache_and_execute: false
//
// Load applies defaults before validating, so a missing or empty file yields
// Default(). LOG_LEVEL overrides logging.level.
//
// # Detected state
//
// A snapshot is the YAML form of engine.EngineState: the bundle
// registration, its chain packages with type-specific details, rollback
// boundaries, related bundles and containers. LoadSnapshot validates
// references between them before the planner sees the state.
//
//	registration:
//	  bundle_id: "{B0000000-0000-0000-0000-000000000001}"
//	  provider_key: example.bundle
//	  version: 2.0.0.0
//	  per_machine: true
//	packages:
//	  - id: PackageA
//	    type: msi
//	    vital: true
//	    per_machine: true
//	    current_state: absent
//	    msi:
//	      product_code: "{A}"
//	      version: 1.0.0.0
package config
