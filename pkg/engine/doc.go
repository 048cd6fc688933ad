// Package engine provides the deployment orchestration core of stackdeploy.
//
// # Overview
//
// A deployment transaction takes a set of task definitions and a set of
// nodes and drives the tasks onto the nodes in dependency order:
//
//  1. Graph - Merge base and plugin tasks, expand wildcard roles, validate edges (BuildGraph)
//  2. Plan - Split the graph into stages and Kahn layers (Linearize)
//  3. Thresholds - Compute tolerated failures per role (TolerancePolicy)
//  4. Dispatch - Fan each layer out to nodes through a Transport (Dispatcher)
//  5. History - Append every task run state change (StateMachine)
//
// A HealthMonitor runs next to any transaction and marks nodes offline when
// they miss heartbeats. Nodes that go offline while deploying are charged as
// failures at the next stage boundary.
//
// # Core Domain Types
//
//   - Task: A unit of work with a type, roles, stage and dependencies
//   - Graph: The validated, acyclic task graph of one transaction
//   - Plan: Stages of layers; tasks within a layer run concurrently
//   - Node: A deployment target with roles, status and liveness
//   - TaskRun: One task on one node; every state change is a history row
//   - Transaction: One end-to-end deployment request
//
// # Merging
//
// Task definitions are merged with last-write-wins semantics: a task whose
// id was already registered replaces the earlier definition but keeps its
// registration position. Strict mode turns collisions into errors:
//
//	merged, err := engine.Merge(base, plugin, true)
//	if engine.IsGraphValidationError(err) {
//	    // duplicate task id
//	}
//
// # Fault Tolerance
//
// Only roles on the tolerance allow-list (compute by default) may lose
// nodes. For those roles the cluster attribute "fault_tolerance.<role>" is a
// percentage; the transaction aborts once more than
// ceil(percentage/100 * nodes with role) nodes of the role failed. Any
// failure of another role aborts the transaction.
//
// # Error Classification
//
// Errors are EngineError values with a class and a code:
//
//   - GRAPH_VALIDATION, CYCLE_DETECTED, STRICT_OVERRIDE: fatal at build time
//   - DISPATCH_TIMEOUT, TRANSPORT: absorbed into one node's failure
//   - DEPLOYMENT_ABORTED: a role exceeded its threshold, terminal for the transaction
//
// Use the helpers to inspect them:
//
//	if engine.IsCycleError(err) {
//	    // report the cycle path
//	}
//
// # Thread Safety
//
// Orchestrator, Dispatcher, StateMachine and HealthMonitor are safe for
// concurrent use. Graph and Plan values are read-only once built.
package engine
