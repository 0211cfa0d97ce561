// Package capacity estimates how many streams a node can carry.
//
// The estimate is linear: current CPU and RAM usage divided by the number of
// running streams gives a per-stream cost, and the ceiling is the current
// count plus however many more streams fit under the CPU and RAM targets.
// RAM usage below the baseline is treated as the OS footprint and not
// attributed to streams. Ingestor applies telemetry samples to the node row
// and stores the new ceiling, which the scheduler reads.
package capacity
