// ABOUTME: Package documentation for the config package.

// Package config loads and validates kilnd's YAML configuration, including
// the gateway's own policy: staleness threshold, request timeout, and the
// binary response buffer ceiling.
package config
