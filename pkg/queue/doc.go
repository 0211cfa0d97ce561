// Package queue runs report handlers on a fixed set of workers.
//
// Each job carries a key (for example "stream:42" or "node:7") that is hashed
// to one worker, so jobs for the same entity run one at a time in submit
// order while different entities proceed in parallel. Every job runs under
// its own timeout; errors and panics are logged and counted and never stop
// the worker.
package queue
