package fedplan

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckOperations(t *testing.T) {
	dir := t.TempDir()
	valid := writeFile(t, dir, "a.graphql", `
	query Top { topProducts { name shippingEstimate } }
	query Me { me { name reviews { body } } }`)
	invalid := writeFile(t, dir, "b.graphql", `{ me { nope } }`)

	results, err := CheckOperations(context.Background(), shopFixture.Planner(t), []string{invalid, valid})
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.Equal(t, "Me", results[0].Operation)
	assert.NoError(t, results[0].Err)
	assert.Equal(t, 2, results[0].Fetches)
	assert.Equal(t, "ok   "+valid+" Me: 2 fetches", results[0].String())

	assert.Equal(t, "Top", results[1].Operation)
	assert.NoError(t, results[1].Err)

	assert.Equal(t, invalid, results[2].File)
	assert.Error(t, results[2].Err)
	assert.Contains(t, results[2].String(), "FAIL "+invalid+" (anonymous)")
}

func TestCheckOperationsMissingFile(t *testing.T) {
	_, err := CheckOperations(context.Background(), shopFixture.Planner(t), []string{filepath.Join(t.TempDir(), "missing.graphql")})
	assert.Error(t, err)
}
