// Package metrics exposes Prometheus collectors for the scheduler tick,
// worker reaping and startup recovery, plus a small timer helper.
package metrics
