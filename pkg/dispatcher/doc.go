// Package dispatcher sends commands to agents and tracks their acks.
//
// Send returns the subscriber count from the bus. Callers must treat zero as
// "not delivered": the lifecycle moves a start to ERROR, a stop stays in
// STOPPING until its timeout. Nothing here retries.
package dispatcher
