// ABOUTME: Package documentation for the sched package.

// Package sched runs recurring server tasks such as scheduled backups and
// restarts. It reads due tasks from the store, dispatches commands through
// the gateway, and records every run's outcome.
package sched
