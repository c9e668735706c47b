// Package config resolves server configuration, environment-first with a
// YAML file fallback.
package config
