// Package security implements AES-256-GCM encryption for env-var values at
// rest, keyed from CAM_MASTER_KEY.
package security
