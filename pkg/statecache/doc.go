// Package statecache stores what each agent last said it is running.
//
// Each node's heartbeat fully replaces its entry at agent_state:{vps_id} and
// refreshes the TTL. Readers (reconciler, health monitor, lifecycle conflict
// checks) treat a miss as an empty set.
package statecache
