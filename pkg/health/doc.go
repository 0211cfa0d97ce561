/*
Package health finds divergences between the stream table, the agents and
the command log, and repairs them on request.

A sweep (Monitor.Sweep) reports issues of these kinds:

	ghost            agent runs a stream the table does not expect anywhere
	missing          STREAMING stream absent from its node's heartbeat
	stuck_starting   STARTING longer than the start timeout
	stuck_stopping   STOPPING longer than the stop timeout
	stale_heartbeat  no heartbeat within the stale threshold
	delayed_ack      delivered command still unacknowledged
	outdated_agent   agent version below the configured minimum
	counter_drift    node CurrentStreams differs from the table

Every Issue carries what was observed and what was expected, plus a Fix when
one exists. Fixes run only when SweepOptions.AutoFix is set, except the two
timeouts: those are lifecycle rules and are always applied. Each applied fix
is logged with the before and after state and published as a health.autofix
event.

Nodes with a stale heartbeat are probed with a TCP dial to their SSH port
(TCPChecker). A reachable host means the agent died, and the fix sends
RESTART_AGENT (falling back to an SSH restart when nobody receives it). An
unreachable host is marked FAILED. Probe results are folded into a per-node
Status so Config.Retries consecutive failures are needed before a host counts
as unreachable.

AgentHealth grades a node GOOD, WARNING or BAD by heartbeat age.
*/
package health
