package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/contravention-engine/points"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&bytes.Buffer{})
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestFiscalYear(t *testing.T) {
	out, err := execute(t, "fiscal-year", "2026-03-31")
	require.NoError(t, err)

	var got map[string]string
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, "FY2025-26", got["label"])
	assert.Equal(t, "2025-04-01", got["start"])
	assert.Equal(t, "2026-03-31", got["end"])
}

func TestFiscalYear_InvalidDate(t *testing.T) {
	_, err := execute(t, "fiscal-year", "31/03/2026")
	var ee *exitErr
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, 3, ee.code)
}

func TestFiscalReset_RepeatIsNoop(t *testing.T) {
	db := filepath.Join(t.TempDir(), "ledger.db")

	out, err := execute(t, "--db", db, "fiscal-reset")
	require.NoError(t, err)
	var first points.ResetSummary
	require.NoError(t, json.Unmarshal([]byte(out), &first))
	assert.False(t, first.AlreadyCompleted)

	out, err = execute(t, "--db", db, "fiscal-reset")
	require.NoError(t, err)
	var second points.ResetSummary
	require.NoError(t, json.Unmarshal([]byte(out), &second))
	assert.True(t, second.AlreadyCompleted)
	assert.Equal(t, first.FiscalLabel, second.FiscalLabel)
}

func TestDecay_FlagEnablesDecay(t *testing.T) {
	db := filepath.Join(t.TempDir(), "ledger.db")

	out, err := execute(t, "--db", db, "decay")
	require.NoError(t, err)
	var off points.DecaySummary
	require.NoError(t, json.Unmarshal([]byte(out), &off))
	assert.False(t, off.Enabled)

	out, err = execute(t, "--db", db, "--decay", "decay")
	require.NoError(t, err)
	var on points.DecaySummary
	require.NoError(t, json.Unmarshal([]byte(out), &on))
	assert.True(t, on.Enabled)
}

func TestPolicy(t *testing.T) {
	t.Run("default as json", func(t *testing.T) {
		out, err := execute(t, "policy", "--format", "json")
		require.NoError(t, err)
		var p points.Policy
		require.NoError(t, json.Unmarshal([]byte(out), &p))
		assert.Equal(t, points.DefaultPolicy().Levels, p.Levels)
	})

	t.Run("invalid file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "policy.yaml")
		require.NoError(t, os.WriteFile(path, []byte("levels: 12\n"), 0o600))
		_, err := execute(t, "--policy", path, "policy")
		var ee *exitErr
		require.ErrorAs(t, err, &ee)
		assert.Equal(t, 3, ee.code)
	})

	t.Run("unknown format", func(t *testing.T) {
		_, err := execute(t, "policy", "--format", "toml")
		require.Error(t, err)
	})
}
