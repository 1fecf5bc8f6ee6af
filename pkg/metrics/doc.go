/*
Package metrics provides Prometheus metrics collection and exposition for
the cluster's storage nodes, coordinator, load balancer, and admin
console. Metrics are exposed via an HTTP endpoint for scraping by
Prometheus servers.

# Metrics Catalog

Storage node metrics:

kv_commands_total{cmd, outcome}:
  - Type: Counter
  - Total wire-protocol commands served, by four-letter command tag
    (GETV, PUTV, PREP, COMM, KILL, …) and outcome (ok/error).

kv_command_duration_seconds{cmd}:
  - Type: Histogram
  - Command handling duration, by command name.

kv_replication_round_trip_seconds:
  - Type: Histogram
  - Time a primary spends on the PREP round trip to one secondary;
    one observation per secondary per write.

kv_holdback_queue_depth:
  - Type: Gauge
  - Number of writes a secondary currently holds back awaiting COMMIT
    from its primary.

kv_node_killed:
  - Type: Gauge
  - 1 while this node is in the KILLed state, 0 otherwise.

Coordinator and load balancer metrics:

kv_coordinator_live_nodes{group}:
  - Type: Gauge
  - Storage nodes the coordinator currently considers alive, by
    replica group index.

kv_lb_live_frontends:
  - Type: Gauge
  - Front-ends the load balancer currently considers alive.

Admin console metrics:

kv_admin_actions_total{kind}:
  - Type: Counter
  - KILL/WAKE control messages issued through the admin console.

# Usage

Recording a served command from a storage node:

	timer := metrics.NewTimer()
	err := handle(cmd)
	metrics.NodeRecorder{}.CommandServed(cmd, timer.Duration(), err == nil)

Polling coordinator/load-balancer liveness into gauges:

	c := metrics.NewCollector(coordinator, loadBalancer, 5*time.Second)
	c.Start()
	defer c.Stop()

Exposing the metrics endpoint:

	http.Handle("/metrics", metrics.Handler())

# Design notes

All metrics are registered once at package init via MustRegister, so
a duplicate-registration panic surfaces immediately rather than as a
runtime surprise under load. Labels are kept low-cardinality (command
name, outcome, group index, action kind) — never node addresses or
request IDs — so the metric set stays bounded regardless of cluster
size.
*/
package metrics
