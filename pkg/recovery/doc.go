// Package recovery runs once at process boot, before the first scheduler
// tick, and reconciles running tasks orphaned by an unclean shutdown.
package recovery
