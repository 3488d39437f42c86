/*
Package factory loads escalation matrices from YAML or JSON into
points.Policy.

PURPOSE:
  Thresholds, level actions, remediation windows, training credit and the
  decay rule are configuration. HR can change the matrix in a file without
  a code change; the server and ledgerctl read it through LoadPolicy.

DOCUMENT SCHEMA (YAML shown, JSON uses the same keys):

  thresholds:
    - {level: LEVEL_1, min_points: 1}
    - {level: LEVEL_2, min_points: 3}
  levels:
    LEVEL_2:
      name: Mandatory Training
      remediation_days: 30
      actions:
        - {code: mandatory_training, description: Complete the course}
        - {code: manager_review, description: Review with line manager}
  performance_impact_single_points: 3
  training_credit: 1
  training_threshold: 3
  training_due_days: 30
  decay: {enabled: false, dormancy_days: 180, points: 1}

DEFAULTS:
  The document is decoded over points.DefaultPolicy(). Keys left out keep
  their default. A level listed under "levels" replaces that whole level;
  unlisted levels keep theirs. "thresholds", when present, replaces the
  full list. Unknown keys are rejected.

SEE ALSO:
  - points/policy.go: Policy type and Validate
  - config/config.go: POLICY_FILE and DECAY_ENABLED
*/
package factory

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/warp/contravention-engine/points"
)

// Format is a policy document encoding.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
)

// FormatFor picks the encoding from a file extension. Anything that is not
// .json is read as YAML, which also accepts most JSON.
func FormatFor(path string) Format {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return FormatJSON
	}
	return FormatYAML
}

// PolicyFactory converts between policy documents and points.Policy.
type PolicyFactory struct{}

// NewPolicyFactory creates a new policy factory.
func NewPolicyFactory() *PolicyFactory {
	return &PolicyFactory{}
}

// ParsePolicy decodes a document over the default matrix and validates it.
func (f *PolicyFactory) ParsePolicy(data []byte, format Format) (*points.Policy, error) {
	policy := points.DefaultPolicy()

	switch format {
	case FormatJSON:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(policy); err != nil {
			return nil, fmt.Errorf("failed to parse policy JSON: %w", err)
		}
	case FormatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		// An empty document leaves the defaults untouched.
		if err := dec.Decode(policy); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("failed to parse policy YAML: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown policy format %q", format)
	}

	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid policy: %w", err)
	}
	return policy, nil
}

// Marshal renders a policy in the given format, for inspection and as a
// starting point for a custom matrix.
func (f *PolicyFactory) Marshal(policy *points.Policy, format Format) ([]byte, error) {
	switch format {
	case FormatJSON:
		return json.MarshalIndent(policy, "", "  ")
	case FormatYAML:
		return yaml.Marshal(policy)
	default:
		return nil, fmt.Errorf("unknown policy format %q", format)
	}
}

// LoadPolicy reads the matrix at path. An empty path yields the default
// matrix.
func LoadPolicy(path string) (*points.Policy, error) {
	if path == "" {
		return points.DefaultPolicy(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	policy, err := NewPolicyFactory().ParsePolicy(data, FormatFor(path))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return policy, nil
}
