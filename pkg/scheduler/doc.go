// Package scheduler is the task scheduling and worker lifecycle engine.
//
// A periodic, non-overlapping tick promotes waiting tasks whose dependencies
// completed, claims queued tasks with an atomic compare-and-swap, launches a
// worker container per claimed task and reaps workers whose heartbeats went
// stale. The StatusWriter in this package is the only path that mutates a
// task's status; it enforces the terminal-state guard and publishes progress
// events for every transition that lands.
package scheduler
