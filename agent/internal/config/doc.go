// Package config loads and watches the agent configuration file (config.yaml).
//
// Top-level types:
//   - Config{Agent}: full config tree parsed from YAML
//   - AgentConfig: group, flush_interval, flush_threshold, app_name,
//     token_env, facility, install_id_file, store, collector, metrics_addr
//   - StoreConfig: backend (file|badger), directory, compression
//     (none|lz4|zstd), max_events_per_group
//   - CollectorConfig: host, port, write_timeout, max_message_size, tls
//   - TLSConfig: enabled, server_name, ca_file, insecure_skip_verify,
//     cert_file/key_file or pkcs12_file with pkcs12_password_env
//
// Secrets never live in the file: token_env and pkcs12_password_env name
// environment variables resolved by Token() and PKCS12Password().
// max_message_size accepts human-readable sizes ("8KiB", "16 kB").
//
// Load(path) reads the YAML file, applies defaults (group ".", 10s flush
// interval, threshold 100, file backend, port 514 or 6514 with TLS), then
// validates required fields and enums.
//
// Watch(ctx, path, current, onChange) watches the file's directory with
// fsnotify, so saves that rename a new file into place are seen, and calls
// onChange when the parsed Config differs from the one in effect. Fields
// other than the flush settings are logged as needing a restart.
package config
