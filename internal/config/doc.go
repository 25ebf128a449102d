// Package config loads, normalizes, and validates Heimdallr configuration data.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, and honours environment fallbacks such as
// HEIMDALLR_UPLOAD_TOKEN. Directory fields left empty are derived from
// paths.data_dir so a minimal file only needs to name the data root.
//
// Always obtain settings through this package so downstream code receives
// sanitized paths, positive intervals, and clear validation errors.
package config
