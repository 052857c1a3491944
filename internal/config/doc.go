// Package config loads, normalizes, and validates ggmlforge configuration data.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), anchors the working layout beneath paths.work_dir, reads TOML
// files, and honours environment fallbacks such as GGMLFORGE_WORK_DIR. The
// Config type centralizes every knob the server and CLI need, from the
// toolchain release to per-stage timeouts.
//
// Always obtain settings through this package so downstream code receives
// sanitized paths, canonical log formats, and clear validation errors.
package config
