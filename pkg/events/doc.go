// Package events provides the control plane's broadcast layer: a typed
// Publisher contract, an in-process channel broker for live listeners and a
// recorder that mirrors every event into the append-only audit table.
package events
