// Package log wraps zerolog behind a small global logger with helpers for
// attaching the component, task and worker fields used across the scheduler.
package log
