package policy

import (
	"time"

	"github.com/stackdeploy/stackdeploy/pkg/engine"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for findings that are reported but do not block.
	SeverityWarning Severity = "warning"

	// SeverityError blocks the deployment.
	SeverityError Severity = "error"

	// SeverityCritical blocks the deployment.
	SeverityCritical Severity = "critical"
)

// Blocking reports whether a violation of this severity denies the deployment.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy is a Rego module whose deny set is evaluated against a deployment.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the policy source. Its package must define a deny set.
	Rego string `json:"rego"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Source is the file the policy was loaded from, empty for built-ins.
	Source string `json:"source,omitempty"`
}

// Violation is one element of a policy's deny set.
type Violation struct {
	Policy   string   `json:"policy"`
	Resource string   `json:"resource,omitempty"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

// Result is the outcome of evaluating every enabled policy.
type Result struct {
	// Allowed is false if any violation is blocking.
	Allowed bool `json:"allowed"`

	// Violations lists blocking violations.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings lists non-blocking violations.
	Warnings []Violation `json:"warnings,omitempty"`

	EvaluatedPolicies []string      `json:"evaluated_policies"`
	Duration          time.Duration `json:"duration"`
}

// Input is the document policies see as input.
type Input struct {
	engine.DeploymentReview

	// Roles maps each role to the uids of the nodes carrying it.
	Roles map[string][]string `json:"roles"`

	Timestamp time.Time `json:"timestamp"`
}

// NewInput derives the policy input from a deployment review.
func NewInput(review engine.DeploymentReview) Input {
	roles := make(map[string][]string)
	for _, n := range review.Nodes {
		for _, r := range n.Roles {
			roles[r] = append(roles[r], n.UID)
		}
	}
	if review.Attributes == nil {
		review.Attributes = map[string]string{}
	}
	return Input{
		DeploymentReview: review,
		Roles:            roles,
		Timestamp:        time.Now().UTC(),
	}
}
