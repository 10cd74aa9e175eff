package harness

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadScenario_ValidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.yaml")
	content := `
name: test_scenario
description: "Test scenario for validation"
users:
  - email: owner@example.com
    name: Owner
subscribers:
  - name: tab
    user: owner@example.com
steps:
  - action: create
    user: owner@example.com
    fields:
      text: hello
      status: scheduled
      tags: [a, b]
  - action: advance
    duration: 90s
assertions:
  - type: delivered
    subscriber: tab
    event: post_update
    count: 1
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	scenario, err := LoadScenario(path)
	require.NoError(t, err)

	assert.Equal(t, "test_scenario", scenario.Name)
	require.Len(t, scenario.Steps, 2)
	require.NotNil(t, scenario.Steps[0].Fields)
	assert.Equal(t, "hello", scenario.Steps[0].Fields.Text)
	assert.Equal(t, "scheduled", scenario.Steps[0].Fields.Status)
	assert.Equal(t, []string{"a", "b"}, scenario.Steps[0].Fields.Tags)
	assert.Equal(t, 90*time.Second, scenario.Steps[1].Duration)
	assert.Equal(t, "owner@example.com", scenario.Subscribers[0].User)
}

func TestLoadScenario_MissingFile(t *testing.T) {
	_, err := LoadScenario("/nonexistent/scenario.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read scenario file")
}

func TestParseScenario_UnknownField(t *testing.T) {
	_, err := ParseScenario([]byte(`
name: typo
description: "typo"
step:
  - action: scan
assertions:
  - type: tracked
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse YAML")
}

func TestParseScenario_Validation(t *testing.T) {
	const header = `
name: v
description: "validation"
users:
  - email: a@example.com
subscribers:
  - name: tab
    user: a@example.com
`
	const okAssertions = `
assertions:
  - type: tracked
    count: 0
`
	tests := []struct {
		name string
		body string
		want string
	}{
		{"no steps", "steps: []" + okAssertions, "steps list is required"},
		{"no assertions", "steps:\n  - action: scan\n", "assertions list is required"},
		{"missing action", "steps:\n  - post: 1\n" + okAssertions, "action is required"},
		{"unknown action", "steps:\n  - action: explode\n" + okAssertions, `unknown action "explode"`},
		{"create without fields", "steps:\n  - action: create\n    user: a@example.com\n" + okAssertions, "fields is required"},
		{"unknown user", "steps:\n  - action: delete\n    user: b@example.com\n    post: 1\n" + okAssertions, `unknown user "b@example.com"`},
		{"raw column", "steps:\n  - action: raw_update\n    post: 1\n    set: { user_id: '2' }\n" + okAssertions, `column "user_id" cannot be set`},
		{"raw without set", "steps:\n  - action: raw_update\n    post: 1\n" + okAssertions, "set or touch is required"},
		{"advance zero", "steps:\n  - action: advance\n" + okAssertions, "duration must be positive"},
		{"unknown subscriber", "steps:\n  - action: disconnect\n    subscriber: ghost\n" + okAssertions, `unknown subscriber "ghost"`},
		{"bad assertion", "steps:\n  - action: scan\nassertions:\n  - type: vibes\n", `unknown assertion type "vibes"`},
		{"final_state no expect", "steps:\n  - action: scan\nassertions:\n  - type: final_state\n    table: posts\n", "expect is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(header + tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestParseScenario_SubscriberNeedsKnownUser(t *testing.T) {
	_, err := ParseScenario([]byte(`
name: v
description: "validation"
subscribers:
  - name: tab
    user: nobody@example.com
steps:
  - action: scan
assertions:
  - type: tracked
    count: 0
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), `subscribers[0]: unknown user`)
}
