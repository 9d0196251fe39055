// Package registry answers capability questions over current worker rows:
// which workers are alive, which agents they can run and which env vars they
// report. Pure read-only helpers shared by the scheduler and the external
// task-creation path.
package registry
