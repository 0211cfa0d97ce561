/*
Package api serves the control plane HTTP API.

The API is a thin layer over the control plane components. Every route maps
onto one operation of a component and translates its errors into status
codes:

	GET  /health /ready /live /metrics     probes and Prometheus scrape
	POST /api/v1/telemetry                 agent resource samples
	GET  /api/v1/streams                   streams (?status= repeatable)
	GET  /api/v1/streams/{id}              stream record
	PUT  /api/v1/streams/{id}              create or update desired fields
	POST /api/v1/streams/{id}/start        start now (?node= to pin)
	POST /api/v1/streams/{id}/stop         request a stop
	GET  /api/v1/nodes                     nodes with agent health
	PUT  /api/v1/nodes/{id}                register or update a node
	POST /api/v1/nodes/{id}/reconcile      reconcile one node (?fresh=true)
	POST /api/v1/nodes/{id}/provision      install the agent over SSH
	POST /api/v1/nodes/provision-failed    retry every FAILED node
	GET  /api/v1/nodes/rollout             nodes by status and agent version
	POST /api/v1/nodes/rollout             rolling agent update
	POST /api/v1/reconcile                 reconcile every ACTIVE node
	GET  /api/v1/health/sweep              health sweep (?fix=true)
	POST /api/v1/counters/recompute        repair node stream counters
	GET  /api/v1/events                    audit feed as server-sent events

Error bodies are JSON objects with a single "error" field. Components left
nil in Services answer 503.

Node credentials never leave the API; only the SSH user is shown.
*/
package api
