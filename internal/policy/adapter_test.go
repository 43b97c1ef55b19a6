package policy_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgveil/pgveil/internal/policy"
	_ "github.com/pgveil/pgveil/testing"
)

type stubEngine struct {
	calls     int
	decisions map[string]policy.TableDecision
	err       error
}

func (s *stubEngine) SelectFilter(ctx context.Context, in policy.Input, table, alias string) (policy.TableDecision, error) {
	s.calls++
	if s.err != nil {
		return policy.TableDecision{}, s.err
	}
	if decision, ok := s.decisions[table]; ok {
		return decision, nil
	}
	return policy.TableDecision{Allow: true}, nil
}

func newAdapter(engine policy.Engine) *policy.Adapter {
	return policy.NewAdapter(engine, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestEvaluateAllowsUnrestrictedTable(t *testing.T) {
	engine := &stubEngine{}
	adapter := newAdapter(engine)

	decision := adapter.Evaluate(context.Background(), michaelInput(), "SELECT * FROM documents")
	assert.Equal(t, policy.OutcomeAllow, decision.Outcome)
	assert.Equal(t, "SELECT * FROM documents", decision.SQL)
	assert.Equal(t, 1, engine.calls)
}

func TestEvaluateInjectsFilter(t *testing.T) {
	engine := &stubEngine{decisions: map[string]policy.TableDecision{
		"documents": {Allow: true, Filter: "documents.owner = 'michael'"},
	}}
	adapter := newAdapter(engine)

	decision := adapter.Evaluate(context.Background(), michaelInput(), "SELECT * FROM documents")
	require.Equal(t, policy.OutcomeAllowWithFilter, decision.Outcome)
	assert.Contains(t, decision.SQL, "WHERE")
	assert.Contains(t, decision.SQL, "documents.owner = 'michael'")
	assert.Equal(t, "documents.owner = 'michael'", decision.Filter)
}

func TestEvaluateConjoinsExistingWhere(t *testing.T) {
	engine := &stubEngine{decisions: map[string]policy.TableDecision{
		"documents": {Allow: true, Filter: "documents.owner = 'michael'"},
	}}
	adapter := newAdapter(engine)

	decision := adapter.Evaluate(context.Background(), michaelInput(), "SELECT * FROM documents WHERE version > 2")
	require.Equal(t, policy.OutcomeAllowWithFilter, decision.Outcome)
	assert.Contains(t, decision.SQL, "documents.owner = 'michael'")
	assert.Contains(t, decision.SQL, "version > 2")
	assert.Contains(t, decision.SQL, "AND")
}

func TestEvaluateDeniesTable(t *testing.T) {
	engine := &stubEngine{decisions: map[string]policy.TableDecision{
		"secrets": {Allow: false},
	}}
	adapter := newAdapter(engine)

	decision := adapter.Evaluate(context.Background(), michaelInput(), "SELECT * FROM secrets")
	assert.Equal(t, policy.OutcomeDeny, decision.Outcome)
	assert.False(t, decision.EngineUnavailable)
}

func TestEvaluateFailsClosedOnEngineError(t *testing.T) {
	engine := &stubEngine{err: errors.New("connection refused")}
	adapter := newAdapter(engine)

	decision := adapter.Evaluate(context.Background(), michaelInput(), "SELECT * FROM documents")
	assert.Equal(t, policy.OutcomeDeny, decision.Outcome)
	assert.True(t, decision.EngineUnavailable)
}

func TestEvaluateFailsClosedOnUnparsableStatement(t *testing.T) {
	engine := &stubEngine{}
	adapter := newAdapter(engine)

	decision := adapter.Evaluate(context.Background(), michaelInput(), "SELECT * FROM WHERE AND")
	assert.Equal(t, policy.OutcomeDeny, decision.Outcome)
	assert.Zero(t, engine.calls)
}

func TestEvaluateTablelessSelectSkipsEngine(t *testing.T) {
	engine := &stubEngine{}
	adapter := newAdapter(engine)

	decision := adapter.Evaluate(context.Background(), michaelInput(), "SELECT current_user")
	assert.Equal(t, policy.OutcomeAllow, decision.Outcome)
	assert.Zero(t, engine.calls)
}

func TestEvaluateSkipsCTENames(t *testing.T) {
	engine := &stubEngine{decisions: map[string]policy.TableDecision{
		"documents": {Allow: true, Filter: "documents.owner = 'michael'"},
	}}
	adapter := newAdapter(engine)

	decision := adapter.Evaluate(context.Background(), michaelInput(),
		"WITH recent AS (SELECT * FROM documents) SELECT * FROM recent")
	require.NotEqual(t, policy.OutcomeDeny, decision.Outcome)
	// Only the real table is consulted, never the CTE alias.
	assert.Equal(t, 1, engine.calls)
	assert.Contains(t, decision.SQL, "documents.owner = 'michael'")
}

func TestEvaluateJoinConsultsEveryTable(t *testing.T) {
	engine := &stubEngine{}
	adapter := newAdapter(engine)

	decision := adapter.Evaluate(context.Background(), michaelInput(),
		"SELECT * FROM documents d JOIN memberships m ON m.doc_id = d.id")
	assert.Equal(t, policy.OutcomeAllow, decision.Outcome)
	assert.Equal(t, 2, engine.calls)
}

func TestEvaluateNilEngineAllowsEverything(t *testing.T) {
	adapter := newAdapter(nil)

	decision := adapter.Evaluate(context.Background(), michaelInput(), "SELECT * FROM secrets")
	assert.Equal(t, policy.OutcomeAllow, decision.Outcome)
	assert.False(t, adapter.Enabled())
}

func TestEvaluateRewritePreservesStatement(t *testing.T) {
	engine := &stubEngine{decisions: map[string]policy.TableDecision{
		"documents": {Allow: true, Filter: "documents.owner = 'michael'"},
	}}
	adapter := newAdapter(engine)

	decision := adapter.Evaluate(context.Background(), michaelInput(),
		"SELECT id, title FROM documents ORDER BY id LIMIT 10")
	require.Equal(t, policy.OutcomeAllowWithFilter, decision.Outcome)
	upper := strings.ToUpper(decision.SQL)
	assert.Contains(t, upper, "ORDER BY")
	assert.Contains(t, upper, "LIMIT")
}
