/*
Package metrics provides Prometheus metrics collection and exposition for
the HierarchiDB core.

Metrics are defined and registered using the Prometheus client library,
giving observability into tree size, working-copy churn, command
throughput and latency, subscription fan-out, and plugin registration.
Metrics are exposed via an HTTP endpoint for scraping by Prometheus
servers, and a Health checker tracks component readiness for the
facade's getSystemHealth and /health, /ready, /live endpoints.

# Metrics Catalog

hierarchidb_nodes_total{tree_id, state}:
  - Type: Gauge
  - Description: Committed nodes by tree and lifecycle state (active/trashed)

hierarchidb_working_copies_total:
  - Type: Gauge
  - Description: Currently open working copies in EphemeralDB

hierarchidb_commands_total{kind, outcome}:
  - Type: Counter
  - Description: Commands processed by kind and outcome (success/failure)

hierarchidb_command_duration_seconds{kind}:
  - Type: Histogram
  - Description: Command execution duration

hierarchidb_undo_redo_total{direction, outcome}:
  - Type: Counter
  - Description: Undo/redo invocations by direction and outcome

hierarchidb_ring_buffer_depth:
  - Type: Gauge
  - Description: Command groups currently held in undo/redo history

hierarchidb_mutation_*_duration_seconds:
  - Type: Histogram
  - Description: Per-operation latency for createNode, updateNode,
    moveNodes, moveNodesToTrash, recoverNodesFromTrash, removeNodes,
    duplicateNodes

hierarchidb_query_duration_seconds{op}:
  - Type: Histogram
  - Description: Query Service operation latency

hierarchidb_active_subscriptions{kind}:
  - Type: Gauge
  - Description: Active subscriptions by kind (node/children/subtree)

hierarchidb_events_published_total{type}:
  - Type: Counter
  - Description: Change events published to subscribers by event type

hierarchidb_events_coalesced_total:
  - Type: Counter
  - Description: node-updated events collapsed by within-group coalescing

hierarchidb_registered_node_types:
  - Type: Gauge
  - Description: Node types currently registered in the plugin registry

# Timer Helper

Timer is a convenience wrapper for timing an operation: create one at
the start, then call ObserveDuration (or ObserveDurationVec, for a
label-carrying histogram) when the operation finishes.

# Health Checker

Health tracks named components' condition (ComponentCoreDB,
ComponentEphemeralDB, ComponentRegistry, ComponentSubscriptions).
Snapshot aggregates every registered component into one report; Ready
additionally requires both storage components to be healthy before
answering ready, so a degraded registry or subscription queue shows up
in /health without flapping /ready. The process-wide Default instance
backs the package-level RegisterComponent/HealthHandler/ReadyHandler/
LivenessHandler conveniences; tests build their own Health.
*/
package metrics
