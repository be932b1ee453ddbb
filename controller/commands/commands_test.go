package commands

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/workload-advisor/controller/approvals"
	"github.com/workload-advisor/controller/config"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestCommandTree(t *testing.T) {
	root := NewRootCommand()
	for _, name := range []string{"serve", "collect", "analyze", "train", "recommend", "approve", "reject", "apply", "benchmark"} {
		cmd, _, err := root.Find([]string{name})
		require.NoError(t, err, name)
		assert.Equal(t, name, cmd.Name())
	}

	cmd, _, err := root.Find([]string{"benchmark", "compare"})
	require.NoError(t, err)
	assert.Equal(t, "compare", cmd.Name())

	out, err := execute(t, "--version")
	require.NoError(t, err)
	assert.Contains(t, out, Version)
}

func TestApproveRejectsInvalidDocumentBeforeConnecting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "approvals.json")
	require.NoError(t, os.WriteFile(path, []byte(`[{"approved_by": "dba@example.com"}]`), 0o644))

	_, err := execute(t, "approve", path)
	var verr *approvals.ValidationError
	require.True(t, errors.As(err, &verr), "got %v", err)

	_, err = execute(t, "approve", filepath.Join(t.TempDir(), "missing.json"))
	assert.ErrorContains(t, err, "failed to read approvals")

	_, err = execute(t, "approve")
	assert.Error(t, err)
}

func TestSelectTests(t *testing.T) {
	battery := config.DefaultBenchmarkTests()

	all, err := selectTests(battery, nil)
	require.NoError(t, err)
	assert.Len(t, all, len(battery))

	picked, err := selectTests(battery, []string{"sales_summary", "orders_by_date"})
	require.NoError(t, err)
	require.Len(t, picked, 2)
	assert.Equal(t, "orders_by_date", picked[0].Name)
	assert.Equal(t, "sales_summary", picked[1].Name)

	_, err = selectTests(battery, []string{"nope"})
	assert.ErrorContains(t, err, `unknown benchmark test "nope"`)
}
