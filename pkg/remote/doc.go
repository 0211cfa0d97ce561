// Package remote runs commands on stream nodes over SSH.
//
// Executor is the seam used by provisioning and by the health monitor's
// out-of-band agent restart. SSHExecutor authenticates with the node's stored
// private key or password, verifies host keys against a known_hosts file when
// one is configured, and bounds both the dial and every command with the
// configured timeouts. Failures come back as plain errors; callers decide
// whether to retry.
package remote
