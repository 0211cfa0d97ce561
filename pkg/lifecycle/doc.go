/*
Package lifecycle owns every change to a stream's Status.

The allowed moves live in one table (Table) keyed by Action. Machine applies
an action by re-reading the stream inside a store transaction, checking the
current status against the table and any extra guard, and only then writing.
Two writers racing on the same stream therefore cannot both succeed: the
second one sees the first one's status and is refused.

Node CurrentStreams counters move in the same transaction. A stream holds a
slot on its assigned node while STARTING, STREAMING or STOPPING; any
transition that enters or leaves those statuses, or changes the node, moves
the counters.

Agent reports arrive out of order. Reports carry the agent's own timestamp and
a report older than the last applied one is dropped. Terminal reports (STOPPED,
COMPLETED, ERROR) only count when they come from the assigned node and were
produced after the current run started. A heartbeat never brings a STOPPING
stream back to STREAMING.
*/
package lifecycle
