/*
Package deploy rolls agent updates across the node fleet.

A rollout selects ACTIVE nodes, optionally narrowed to an id list, and
updates them in batches of Parallelism with Delay between batches. Each
node goes ACTIVE -> UPDATING -> ACTIVE through the provisioner, which
reuploads the agent config and reruns the setup and verify commands. While
a node is UPDATING the scheduler does not place streams on it.

Nodes are skipped when:

	status is not ACTIVE
	streams are still running on them (unless Force)
	their reported agent version is at or above TargetVersion

A batch with any failed node stops the rollout unless ContinueOnError is
set. Failed nodes are left FAILED and can be retried with the normal
provisioning retry.

# Usage

	d := deploy.NewDeployer(store, provisioner)
	res, err := d.RollingUpdate(ctx, deploy.Options{
		Parallelism:   2,
		Delay:         30 * time.Second,
		TargetVersion: "1.4.0",
	})
*/
package deploy
