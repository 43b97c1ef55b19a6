package rolemap_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/pgveil/pgveil/internal/rolemap"
	_ "github.com/pgveil/pgveil/testing"
)

func TestRoleNameDeterministic(t *testing.T) {
	assert.Equal(t, "u_pg-access_michael", rolemap.RoleName("pg-access", "michael"))
	assert.Equal(t, rolemap.RoleName("pg-access", "michael"), rolemap.RoleName("pg-access", "michael"))
}

func TestRoleNameDistinctPairsDistinctNames(t *testing.T) {
	names := map[string]bool{}
	pairs := [][2]string{
		{"pg-access", "michael"},
		{"pg-access", "sara"},
		{"reporting", "michael"},
		{"pg_access", "michael"},
		{"pg%5faccess", "michael"},
		{"pg_access", "x_michael"},
		{"pg", "access_michael"},
	}
	for _, pair := range pairs {
		names[rolemap.RoleName(pair[0], pair[1])] = true
	}
	assert.Len(t, names, len(pairs))
}

func TestRoleNameEscapesClientUnderscores(t *testing.T) {
	// Underscores in the client segment would make the separator ambiguous,
	// so they are percent-encoded rather than flattened.
	assert.Equal(t, "u_pg%5faccess_michael", rolemap.RoleName("pg_access", "michael"))
	assert.NotEqual(t,
		rolemap.RoleName("pg_access", "michael"),
		rolemap.RoleName("pg-access", "michael"))
}

func TestDiffGrants(t *testing.T) {
	grants, revokes := rolemap.DiffGrants([]string{"finance", "legacy"}, []string{"finance", "engineering"})
	assert.Equal(t, []string{"engineering"}, grants)
	assert.Equal(t, []string{"legacy"}, revokes)
}

func TestDiffGrantsNoChanges(t *testing.T) {
	grants, revokes := rolemap.DiffGrants([]string{"finance"}, []string{"finance"})
	assert.Empty(t, grants)
	assert.Empty(t, revokes)
}

func TestDiffGrantsRevokesEverything(t *testing.T) {
	grants, revokes := rolemap.DiffGrants([]string{"finance", "engineering"}, nil)
	assert.Empty(t, grants)
	assert.ElementsMatch(t, []string{"finance", "engineering"}, revokes)
}

func TestDiffGrantsIgnoresDuplicatesAndEmpty(t *testing.T) {
	grants, revokes := rolemap.DiffGrants(nil, []string{"finance", "finance", ""})
	assert.Equal(t, []string{"finance"}, grants)
	assert.Empty(t, revokes)
}
