// Package api serves the control plane's operational HTTP endpoints:
// liveness, readiness and Prometheus metrics.
package api
