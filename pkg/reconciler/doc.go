/*
Package reconciler keeps the stream table and the agents in agreement.

For one node, Reconcile builds two sets:

	expected = streams assigned to the node in STARTING or STREAMING
	actual   = stream ids from the node's last heartbeat (empty on cache miss)

Streams in expected but not in actual are marked ERROR and released, unless
they were started within the recent start guard and the agent may simply not
have reported yet. When exactly one other ACTIVE node's heartbeat lists such
a stream it is reassigned to that node instead, whichever node is reconciled
first. Streams in actual but not in expected are orphans:

  - no row at all: FORCE_KILL_STREAM
  - STOPPING on this node: left alone, the stop is in flight
  - running on another node: the state machine decides; if the other node's
    heartbeat does not list it the row is reassigned here, otherwise this copy
    gets STOP_STREAM
  - anything else: STOP_STREAM

A command that is still waiting for its ack is not sent again, so running
Reconcile twice without new reports changes nothing the second time.

ReconcileFresh first sends SYNC_STATE (which clears the cached entry) and waits
for the heartbeat it triggers. RecomputeCounters rewrites every node's
CurrentStreams from the stream table. The loop started by Start runs
ReconcileAll followed by RecomputeCounters on a fixed interval.
*/
package reconciler
