/*
Package manager assembles the control plane.

A Manager owns one instance of every control plane component and wires them
together from a config.Config:

  - the store (bolt or sqlite) holding streams and nodes
  - the bus and the agent state cache, on Redis when redis.addr is set and
    in process otherwise
  - the dispatcher and its command tracker
  - the lifecycle machine, which every status change goes through
  - the report listener feeding the worker pool and the report handler
  - the reconciler, health monitor and scheduler loops
  - the provisioner, the telemetry ingestor and the HTTP API

Run blocks until the context is cancelled, then stops the loops in reverse
order. The report listener ending with an exhausted transport also stops
the manager so a supervisor can restart it.

One-shot CLI commands build a Manager without calling Run and use the
accessors to reach single components.
*/
package manager
