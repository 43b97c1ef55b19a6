package policy_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgveil/pgveil/internal/policy"
	_ "github.com/pgveil/pgveil/testing"
)

func opaTerm(termType string, value any) map[string]any {
	return map[string]any{"type": termType, "value": value}
}

func opaOperator(name string) map[string]any {
	return opaTerm("ref", []any{opaTerm("var", name)})
}

func opaColumn(table string, columns ...string) map[string]any {
	ref := []any{opaTerm("var", "data"), opaTerm("string", "tables"), opaTerm("string", table)}
	for _, col := range columns {
		ref = append(ref, opaTerm("string", col))
	}
	return opaTerm("ref", ref)
}

func opaServer(t *testing.T, queries []any) (*httptest.Server, *atomic.Int64) {
	t.Helper()
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		require.Equal(t, "/v1/compile", r.URL.Path)

		var payload map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, []any{"data.tables"}, payload["unknowns"])

		_ = json.NewEncoder(w).Encode(map[string]any{
			"result": map[string]any{"queries": queries},
		})
	}))
	t.Cleanup(server.Close)
	return server, &calls
}

func newEngine(t *testing.T, server *httptest.Server) *policy.OPAEngine {
	t.Helper()
	engine, err := policy.NewOPAEngine(server.Client(), policy.OPAConfig{
		Address:             server.URL,
		SelectQueryTemplate: "data.{{.TableName}}.allow == true",
		Timeout:             time.Second,
	})
	require.NoError(t, err)
	return engine
}

func michaelInput() policy.Input {
	return policy.Input{Role: "u_pg-access_michael", Subject: "michael", Groups: []string{"finance"}}
}

func TestSelectFilterUnconditionalAllow(t *testing.T) {
	// An empty residual query means the policy holds with nothing left to
	// prove.
	server, _ := opaServer(t, []any{[]any{}})
	engine := newEngine(t, server)

	decision, err := engine.SelectFilter(context.Background(), michaelInput(), "documents", "")
	require.NoError(t, err)
	assert.True(t, decision.Allow)
	assert.Empty(t, decision.Filter)
}

func TestSelectFilterUnconditionalDeny(t *testing.T) {
	server, _ := opaServer(t, []any{})
	engine := newEngine(t, server)

	decision, err := engine.SelectFilter(context.Background(), michaelInput(), "documents", "")
	require.NoError(t, err)
	assert.False(t, decision.Allow)
}

func TestSelectFilterResidualPredicate(t *testing.T) {
	server, _ := opaServer(t, []any{
		[]any{
			map[string]any{"terms": []any{
				opaOperator("eq"),
				opaColumn("documents", "owner"),
				opaTerm("string", "michael"),
			}},
		},
	})
	engine := newEngine(t, server)

	decision, err := engine.SelectFilter(context.Background(), michaelInput(), "documents", "")
	require.NoError(t, err)
	assert.True(t, decision.Allow)
	assert.Equal(t, "((documents.owner = 'michael'))", decision.Filter)
}

func TestSelectFilterHonorsAlias(t *testing.T) {
	server, _ := opaServer(t, []any{
		[]any{
			map[string]any{"terms": []any{
				opaOperator("eq"),
				opaColumn("documents", "owner"),
				opaTerm("string", "michael"),
			}},
		},
	})
	engine := newEngine(t, server)

	decision, err := engine.SelectFilter(context.Background(), michaelInput(), "documents", "d")
	require.NoError(t, err)
	assert.Equal(t, "((d.owner = 'michael'))", decision.Filter)
}

func TestSelectFilterConjunctionAndAlternatives(t *testing.T) {
	server, _ := opaServer(t, []any{
		[]any{
			map[string]any{"terms": []any{
				opaOperator("eq"),
				opaColumn("documents", "owner"),
				opaTerm("string", "michael"),
			}},
			map[string]any{"terms": []any{
				opaOperator("gt"),
				opaColumn("documents", "version"),
				opaTerm("number", json.Number("2")),
			}},
		},
		[]any{
			map[string]any{"terms": []any{
				opaOperator("eq"),
				opaColumn("documents", "public"),
				opaTerm("boolean", true),
			}},
		},
	})
	engine := newEngine(t, server)

	decision, err := engine.SelectFilter(context.Background(), michaelInput(), "documents", "")
	require.NoError(t, err)
	assert.Equal(t,
		"((documents.owner = 'michael') AND (documents.version > 2)) OR ((documents.public = true))",
		decision.Filter)
}

func TestSelectFilterWrapsForeignTablesInExists(t *testing.T) {
	server, _ := opaServer(t, []any{
		[]any{
			map[string]any{"terms": []any{
				opaOperator("eq"),
				opaColumn("memberships", "member"),
				opaTerm("string", "michael"),
			}},
		},
	})
	engine := newEngine(t, server)

	decision, err := engine.SelectFilter(context.Background(), michaelInput(), "documents", "")
	require.NoError(t, err)
	assert.Equal(t,
		"(exists (select 1 from memberships where ((memberships.member = 'michael'))))",
		decision.Filter)
}

func TestSelectFilterNegatedExpression(t *testing.T) {
	server, _ := opaServer(t, []any{
		[]any{
			map[string]any{
				"negated": true,
				"terms": []any{
					opaOperator("eq"),
					opaColumn("documents", "archived"),
					opaTerm("boolean", true),
				},
			},
		},
	})
	engine := newEngine(t, server)

	decision, err := engine.SelectFilter(context.Background(), michaelInput(), "documents", "")
	require.NoError(t, err)
	assert.Equal(t, "((NOT (documents.archived = true)))", decision.Filter)
}

func TestSelectFilterEngineFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	t.Cleanup(server.Close)
	engine := newEngine(t, server)

	_, err := engine.SelectFilter(context.Background(), michaelInput(), "documents", "")
	require.Error(t, err)
}

func TestSelectFilterRetriesServerErrors(t *testing.T) {
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"result": map[string]any{"queries": []any{[]any{}}},
		})
	}))
	t.Cleanup(server.Close)

	engine, err := policy.NewOPAEngine(server.Client(), policy.OPAConfig{
		Address:             server.URL,
		SelectQueryTemplate: "data.{{.TableName}}.allow == true",
		Timeout:             time.Second,
		Retries:             2,
	})
	require.NoError(t, err)

	decision, err := engine.SelectFilter(context.Background(), michaelInput(), "documents", "")
	require.NoError(t, err)
	assert.True(t, decision.Allow)
	assert.Equal(t, int64(2), calls.Load())
}
