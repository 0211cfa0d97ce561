// Package handler applies agent reports.
//
// A heartbeat replaces the node's entry in the agent state cache, stamps the
// node's last heartbeat and agent version, acknowledges the command that
// asked for it and promotes every listed stream through the lifecycle state
// machine. A status update goes straight to the state machine. Handlers run
// on the worker pool; Job keys heartbeats by node and status updates by
// stream.
package handler
