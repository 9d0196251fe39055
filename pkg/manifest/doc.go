// Package manifest parses YAML agent-definition files for `cam agent apply`.
package manifest
