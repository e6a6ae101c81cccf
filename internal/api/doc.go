// ABOUTME: Package documentation for the api package.

// Package api exposes the REST control surface: node inventory, server
// power and console actions, backup management, and recurring tasks. All
// routes require a bearer session token.
package api
