// Package policy submits statements to the external policy engine and
// applies its visibility decisions before anything reaches the backend. The
// engine's reasoning is a black box; the adapter owns only the
// request/response shape and the fail-closed contract.
package policy

// Outcome is the policy verdict for one statement.
type Outcome string

const (
	// OutcomeAllow forwards the statement unmodified.
	OutcomeAllow Outcome = "allow"
	// OutcomeAllowWithFilter forwards the statement with visibility
	// predicates injected.
	OutcomeAllowWithFilter Outcome = "allow-with-filter"
	// OutcomeDeny rejects the statement before it reaches the backend.
	OutcomeDeny Outcome = "deny"
)

// Decision is the transient result of evaluating one statement.
type Decision struct {
	Outcome Outcome
	// SQL is the statement to forward. Equal to the input unless filters
	// were injected.
	SQL string
	// Filter is the combined predicate applied, for diagnostics.
	Filter string
	// Reason describes a deny.
	Reason string
	// EngineUnavailable marks denies caused by engine failures rather than
	// by the policy itself; they are logged distinctly for operability.
	EngineUnavailable bool
}

// Input identifies the principal a decision is requested for.
type Input struct {
	Role    string   `json:"role"`
	Subject string   `json:"subject"`
	Groups  []string `json:"groups"`
}

// TableDecision is the engine's verdict for one table reference.
type TableDecision struct {
	Allow bool
	// Filter is a SQL predicate restricting visible rows; empty means
	// unrestricted.
	Filter string
}
