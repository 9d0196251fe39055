// Package runtime wraps containerd behind the small Runtime contract the
// scheduler launches workers through: ensure a volume, create a container,
// start it. When no runtime socket exists the control plane runs in
// daemon-only mode and queued container tasks simply wait.
package runtime
