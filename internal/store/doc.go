// ABOUTME: Package documentation for the store package.

// Package store provides SQLite-backed persistence for nodes, servers,
// backups, and scheduled tasks. The SQLite implementation also satisfies
// the gateway's status sink so node liveness survives restarts.
package store
