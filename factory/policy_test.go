package factory_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/contravention-engine/factory"
	"github.com/warp/contravention-engine/points"
)

const stricterYAML = `
thresholds:
  - {level: LEVEL_1, min_points: 1}
  - {level: LEVEL_2, min_points: 5}
levels:
  LEVEL_2:
    name: Compliance Training
    remediation_days: 14
    actions:
      - {code: mandatory_training, description: Complete the compliance course}
training_credit: 2
decay:
  enabled: true
`

func TestParsePolicy_YAMLOverlaysDefaults(t *testing.T) {
	// GIVEN a document that changes the level 2 threshold and spec
	policy, err := factory.NewPolicyFactory().ParsePolicy([]byte(stricterYAML), factory.FormatYAML)
	require.NoError(t, err)

	// THEN the listed values apply
	assert.Equal(t, points.Level1, policy.LevelFor(4))
	assert.Equal(t, points.Level2, policy.LevelFor(5))
	spec, ok := policy.Spec(points.Level2)
	require.True(t, ok)
	assert.Equal(t, "Compliance Training", spec.Name)
	assert.Len(t, spec.Actions, 1)
	assert.Equal(t, 2, policy.TrainingCredit)

	// AND everything left out keeps its default
	l1, _ := policy.Spec(points.Level1)
	assert.Equal(t, "Verbal Advisory", l1.Name)
	assert.Equal(t, 30, policy.TrainingDueDays)
	assert.True(t, policy.Decay.Enabled)
	assert.Equal(t, 180, policy.Decay.DormancyDays)
}

func TestParsePolicy_JSON(t *testing.T) {
	doc := `{"performance_impact_single_points": 5, "training_threshold": 4}`

	policy, err := factory.NewPolicyFactory().ParsePolicy([]byte(doc), factory.FormatJSON)
	require.NoError(t, err)

	assert.False(t, policy.IsPerformanceImpact(5, false))
	assert.True(t, policy.IsPerformanceImpact(6, false))
	assert.Equal(t, 4, policy.TrainingThreshold)
}

func TestParsePolicy_EmptyDocumentIsDefault(t *testing.T) {
	policy, err := factory.NewPolicyFactory().ParsePolicy(nil, factory.FormatYAML)
	require.NoError(t, err)
	assert.Equal(t, points.DefaultPolicy(), policy)
}

func TestParsePolicy_Rejects(t *testing.T) {
	f := factory.NewPolicyFactory()

	tests := []struct {
		name       string
		doc        string
		format     factory.Format
		validation bool
	}{
		{"unknown yaml key", "escalate_after: 3", factory.FormatYAML, false},
		{"unknown json key", `{"escalate_after": 3}`, factory.FormatJSON, false},
		{"malformed json", `{"training_credit":`, factory.FormatJSON, false},
		{"descending thresholds", "thresholds: [{level: LEVEL_1, min_points: 4}, {level: LEVEL_2, min_points: 2}]", factory.FormatYAML, true},
		{"zero due days", "training_due_days: 0", factory.FormatYAML, true},
		{"unknown format", "{}", factory.Format("toml"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.ParsePolicy([]byte(tt.doc), tt.format)
			require.Error(t, err)
			assert.Equal(t, tt.validation, points.IsValidation(err))
		})
	}
}

func TestMarshal_ParsesBackToSameMatrix(t *testing.T) {
	f := factory.NewPolicyFactory()
	for _, format := range []factory.Format{factory.FormatYAML, factory.FormatJSON} {
		t.Run(string(format), func(t *testing.T) {
			data, err := f.Marshal(points.DefaultPolicy(), format)
			require.NoError(t, err)

			policy, err := f.ParsePolicy(data, format)
			require.NoError(t, err)
			assert.Equal(t, points.DefaultPolicy(), policy)
		})
	}
}

func TestLoadPolicy(t *testing.T) {
	dir := t.TempDir()

	t.Run("empty path", func(t *testing.T) {
		policy, err := factory.LoadPolicy("")
		require.NoError(t, err)
		assert.Equal(t, points.DefaultPolicy(), policy)
	})

	t.Run("yaml file", func(t *testing.T) {
		path := filepath.Join(dir, "matrix.yml")
		require.NoError(t, os.WriteFile(path, []byte(stricterYAML), 0o600))

		policy, err := factory.LoadPolicy(path)
		require.NoError(t, err)
		assert.Equal(t, points.Level2, policy.LevelFor(5))
	})

	t.Run("json file", func(t *testing.T) {
		path := filepath.Join(dir, "matrix.JSON")
		require.NoError(t, os.WriteFile(path, []byte(`{"training_due_days": 21}`), 0o600))

		policy, err := factory.LoadPolicy(path)
		require.NoError(t, err)
		assert.Equal(t, 21, policy.TrainingDueDays)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := factory.LoadPolicy(filepath.Join(dir, "nope.yaml"))
		assert.Error(t, err)
	})
}
