// Package types defines the core data model shared by every CAM component:
// tasks, workers, agent definitions and the audit-event record.
//
// The relational store in pkg/storage is the source of truth for all of these;
// values in this package are plain rows, never live objects.
package types
