package policy

import (
	"context"
	"errors"
	"log/slog"
	"strings"
)

// ErrDenied marks a deny that came from the policy itself rather than from
// an engine failure.
var ErrDenied = errors.New("denied by policy")

// Adapter evaluates read statements against the engine and produces the
// forwarding decision. A nil engine disables policy evaluation entirely.
type Adapter struct {
	engine Engine
	logger *slog.Logger
}

// NewAdapter wires an engine to the evaluation logic.
func NewAdapter(engine Engine, logger *slog.Logger) *Adapter {
	return &Adapter{engine: engine, logger: logger}
}

// Enabled reports whether an engine is configured.
func (a *Adapter) Enabled() bool {
	return a != nil && a.engine != nil
}

// Evaluate decides the fate of one read statement. Any engine or parse
// failure denies the statement: without a reachable engine nothing is
// forwarded.
func (a *Adapter) Evaluate(ctx context.Context, in Input, sql string) Decision {
	if !a.Enabled() {
		return Decision{Outcome: OutcomeAllow, SQL: sql}
	}

	hasTables, err := referencesTables(sql)
	if err != nil {
		a.logger.Warn("statement did not parse, denying", "role", in.Role, "error", err)
		return Decision{Outcome: OutcomeDeny, SQL: sql, Reason: "statement could not be analyzed"}
	}
	if !hasTables {
		return Decision{Outcome: OutcomeAllow, SQL: sql}
	}

	rewritten, filters, err := rewriteSelect(ctx, a.engine, in, sql)
	if err != nil {
		if errors.Is(err, ErrDenied) {
			a.logger.Info("statement denied by policy", "role", in.Role, "subject", in.Subject)
			return Decision{Outcome: OutcomeDeny, SQL: sql, Reason: "permission denied by policy"}
		}
		a.logger.Error("policy engine unavailable, denying", "role", in.Role, "error", err)
		return Decision{
			Outcome:           OutcomeDeny,
			SQL:               sql,
			Reason:            "policy engine unavailable",
			EngineUnavailable: true,
		}
	}

	if len(filters) == 0 {
		return Decision{Outcome: OutcomeAllow, SQL: sql}
	}
	return Decision{
		Outcome: OutcomeAllowWithFilter,
		SQL:     rewritten,
		Filter:  strings.Join(filters, " AND "),
	}
}
