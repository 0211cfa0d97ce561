/*
Package scheduler starts and stops streams on a timer.

Every pass looks at each stream once:

  - a stream still running past its ScheduledEnd is stopped, unless it was
    started within the recent start guard, in which case the stop waits for
    a later pass
  - an idle stream whose ScheduledStart has passed and that has not yet been
    started in this window is placed on a node and started
  - an ERROR stream is retried only when restart_errored is set and its last
    status change is older than restart_backoff
  - a WAITING_FOR_PROCESSING stream is started once all of its content is
    ready

# Node selection

A node is a candidate when it is ACTIVE, its last heartbeat is fresher than
the stale_heartbeat threshold, it carries every capability the stream
requires and its CurrentStreams is below its CapacityCeiling. The candidate
with the fewest streams wins and the lower id breaks ties. Placements made
earlier in the same pass count against the node, so a burst of due streams is
spread instead of piling onto one node.

Starting goes through the lifecycle machine, which owns the transition and
the START_STREAM dispatch.
*/
package scheduler
