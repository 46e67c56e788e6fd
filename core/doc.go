// Package core defines the shared vocabulary of the agentpool framework:
// task and operation types, engine and agent lifecycle states, error kinds,
// the Future used for non-blocking operation results, the narrow
// MetricsRecorder interface injected into every component, the Bus used for
// observer-style notifications, and the interfaces of external collaborators
// (ledger client, content store).
//
// Higher level packages (engine, agent, pool, monitor, orchestrator) depend
// only on this package for their cross-cutting types, which keeps the
// dependency graph acyclic and makes every collaborator replaceable by a
// test double.
package core
