// Package policy gates deployments with Open Policy Agent (OPA) Rego
// policies.
//
// Every policy is a Rego module defining a deny set in its package. The
// set is evaluated against an Input built from engine.DeploymentReview:
//
//	input.transaction_id, input.cluster_id
//	input.tasks        the merged task graph in registration order
//	input.nodes        the nodes of the deployment
//	input.attributes   cluster attributes
//	input.roles        role -> node uids
//
// A deny element is either a message string or an object with "message"
// and optional "severity" and "resource" keys. Violations with severity
// error or critical deny the deployment; info and warning violations are
// only logged.
//
// # Built-in policies
//
//   - node-address: every node needs a management address (error)
//   - node-liveness: nodes should be online at start (warning)
//   - primary-controller: at most one primary-controller (error)
//   - fault-tolerance: fault_tolerance.<role> must be 0..100 (warning)
//
// # Custom policies
//
// LoadPolicies reads .rego and .json files. Leading comments of a .rego
// file form its description; "# severity: <level>" and "# disabled" are
// recognised there:
//
//	# Compute nodes need a controller in the same deployment.
//	# severity: critical
//	package stackdeploy.custom.compute
//
//	import rego.v1
//
//	deny contains "compute nodes require a controller" if {
//		count(object.get(input.roles, "compute", [])) > 0
//		count(object.get(input.roles, "controller", [])) == 0
//	}
//
// Engine implements engine.PolicyGate.
package policy
