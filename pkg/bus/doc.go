// Package bus carries commands to agents and reports back from them.
//
// RedisBus is the production transport. MemoryBus has the same best-effort
// semantics in-process and backs tests and single-binary dev mode. Neither
// guarantees delivery or ordering; callers treat a zero receiver count from
// Publish as "not delivered".
package bus
