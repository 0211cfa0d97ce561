// Package provision brings nodes into service over SSH.
//
// Provision takes a PENDING or FAILED node through PROVISIONING: it uploads
// an agent config rendered from the control plane's own settings, runs the
// configured setup command and checks the agent with the verify command. The
// node ends ACTIVE, or FAILED with the error kept in StatusMessage.
// RestartAgent is the out-of-band restart the health monitor falls back to
// when RESTART_AGENT reaches no agent. Update reruns the same install on an
// ACTIVE node, holding it UPDATING meanwhile; pkg/deploy rolls it across the
// fleet.
package provision
