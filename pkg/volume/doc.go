// Package volume implements the pipeline artifact volume contract: one local
// volume per pipeline group, named by a truncated digest of the group id and
// bind-mounted into every container of the pipeline so successive steps share
// a scratch filesystem. The control plane never garbage-collects these.
package volume
