/*
Package metrics provides Prometheus metrics and the /health, /ready and /live
endpoints for the ezstream control plane and agent.

All metrics are package-level vars registered with the default registry at
init and exposed through Handler(). They fall into five groups:

	Fleet       ezstream_streams_total{status}, ezstream_nodes_total{status},
	            ezstream_node_streams{node}, ezstream_node_capacity_ceiling{node}
	Transport   ezstream_commands_sent_total{command,delivered},
	            ezstream_reports_received_total{type},
	            ezstream_reports_dropped_total{reason},
	            ezstream_listener_reconnects_total
	Lifecycle   ezstream_stream_transitions_total{from,to},
	            ezstream_stream_conflicts_total,
	            ezstream_reconcile_*, ezstream_counter_corrections_total,
	            ezstream_health_issues{kind}, ezstream_health_autofix_total
	Workers     ezstream_queue_depth, ezstream_job_duration_seconds{job},
	            ezstream_job_failures_total{reason}
	Surface     ezstream_scheduling_latency_seconds,
	            ezstream_streams_scheduled_total{action},
	            ezstream_telemetry_samples_total, ezstream_api_*

The fleet gauges are refreshed by Collector from the store every 15 seconds;
everything else is updated inline by the component that owns it.

# Health

Components report themselves with UpdateComponent. /health is unhealthy when
any registered component is; /ready additionally waits until every critical
component (store, bus and listener by default, see SetCriticalComponents) has
registered as healthy.

	metrics.UpdateComponent(metrics.ComponentBus, false, err.Error())

# Timing

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ReconcileDuration)
*/
package metrics
