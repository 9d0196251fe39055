// Package secrets resolves agent env vars from the encrypted store with
// scope precedence repo+agent > repo > agent > global.
package secrets
