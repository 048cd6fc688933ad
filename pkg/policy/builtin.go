package policy

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		nodeAddressPolicy(),
		nodeLivenessPolicy(),
		primaryControllerPolicy(),
		faultTolerancePolicy(),
	}
}

// nodeAddressPolicy requires every node to be reachable by address.
func nodeAddressPolicy() Policy {
	return Policy{
		Name:        "node-address",
		Description: "Every node in the deployment must have a management address",
		Severity:    SeverityError,
		Enabled:     true,
		Rego: `package stackdeploy.policies.address

import rego.v1

deny contains violation if {
	some node in input.nodes
	not node.address
	violation := {
		"message": sprintf("node %s has no address", [node.uid]),
		"resource": node.uid,
	}
}
`,
	}
}

// nodeLivenessPolicy reports nodes that are offline when the deployment starts.
func nodeLivenessPolicy() Policy {
	return Policy{
		Name:        "node-liveness",
		Description: "Nodes should be online when a deployment starts",
		Severity:    SeverityWarning,
		Enabled:     true,
		Rego: `package stackdeploy.policies.liveness

import rego.v1

deny contains violation if {
	some node in input.nodes
	not node.online
	violation := {
		"message": sprintf("node %s is offline and will be charged as failed", [node.uid]),
		"resource": node.uid,
	}
}
`,
	}
}

// primaryControllerPolicy allows at most one primary controller.
func primaryControllerPolicy() Policy {
	return Policy{
		Name:        "primary-controller",
		Description: "A deployment may contain at most one primary-controller",
		Severity:    SeverityError,
		Enabled:     true,
		Rego: `package stackdeploy.policies.controllers

import rego.v1

primaries := object.get(input.roles, "primary-controller", [])

deny contains violation if {
	count(primaries) > 1
	violation := {
		"message": sprintf("only one primary-controller is allowed, got %d: %v", [count(primaries), primaries]),
	}
}
`,
	}
}

// faultTolerancePolicy flags tolerance attributes that are not percentages.
func faultTolerancePolicy() Policy {
	return Policy{
		Name:        "fault-tolerance",
		Description: "fault_tolerance.<role> attributes must be numbers between 0 and 100",
		Severity:    SeverityWarning,
		Enabled:     true,
		Rego: `package stackdeploy.policies.fault_tolerance

import rego.v1

deny contains violation if {
	some key, value in input.attributes
	startswith(key, "fault_tolerance.")
	not valid_percentage(value)
	violation := {
		"message": sprintf("attribute %s=%q is not a percentage between 0 and 100", [key, value]),
		"resource": key,
	}
}

valid_percentage(value) if {
	n := to_number(trim_space(trim_suffix(trim_space(value), "%")))
	n >= 0
	n <= 100
}
`,
	}
}
