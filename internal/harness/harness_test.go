package harness

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScenarios(t *testing.T) {
	paths, err := filepath.Glob(filepath.Join("testdata", "scenarios", "*.yaml"))
	require.NoError(t, err)
	require.NotEmpty(t, paths)

	for _, path := range paths {
		t.Run(filepath.Base(path), func(t *testing.T) {
			scenario, err := LoadScenario(path)
			require.NoError(t, err)

			result, err := RunWithGolden(t, scenario)
			require.NoError(t, err)
			assert.True(t, result.Pass, "errors: %s", strings.Join(result.Errors, "\n"))
		})
	}
}

func TestRun_TraceDescribesSteps(t *testing.T) {
	scenario := mustParse(t, `
name: trace
description: "trace details"
users:
  - email: a@example.com
steps:
  - action: create
    user: a@example.com
    fields: { text: hi }
  - action: scan
  - action: raw_update
    post: 1
    set: { text: there }
  - action: scan
assertions:
  - type: tracked
    count: 1
`)

	result, err := Run(context.Background(), scenario)
	require.NoError(t, err)
	require.True(t, result.Pass, result.Errors)

	require.Len(t, result.Trace, 4)
	assert.Equal(t, TraceEvent{Step: 0, Action: ActionCreate, Detail: "post 1"}, result.Trace[0])
	assert.Equal(t, "seen=1 observed=1 updated=0 removed=0", result.Trace[1].Detail)
	assert.Equal(t, "post 1 text", result.Trace[2].Detail)
	assert.Equal(t, "seen=1 observed=0 updated=1 removed=0", result.Trace[3].Detail)
}

func TestRun_UnexpectedStepErrorFails(t *testing.T) {
	scenario := mustParse(t, `
name: missing_post
description: "raw update of a post that does not exist"
users:
  - email: a@example.com
steps:
  - action: raw_update
    post: 99
    set: { text: nope }
assertions:
  - type: tracked
    count: 0
`)

	result, err := Run(context.Background(), scenario)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "steps[0] raw_update")
	assert.Equal(t, "error", result.Trace[0].Detail)
}

func TestRun_ExpectErrorMismatch(t *testing.T) {
	scenario := mustParse(t, `
name: wrong_expectation
description: "a successful step that was expected to fail"
users:
  - email: a@example.com
subscribers:
  - name: tab
    user: a@example.com
steps:
  - action: subscribe
    subscriber: tab
    channel: gmb-posts/user/1
    expect_error: unauthorized
  - action: subscribe
    subscriber: tab
    channel: gmb-posts/user/2
    expect_error: invalid_channel
assertions:
  - type: delivered
    subscriber: tab
    event: connected
    count: 1
`)

	result, err := Run(context.Background(), scenario)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 2)
	assert.Contains(t, result.Errors[0], "got success")
	assert.Contains(t, result.Errors[1], "expected invalid_channel error")
}

func TestRun_FailedAssertionsAreReported(t *testing.T) {
	scenario := mustParse(t, `
name: failing_assertions
description: "assertions that do not hold"
users:
  - email: a@example.com
subscribers:
  - name: tab
    user: a@example.com
steps:
  - action: create
    user: a@example.com
    fields: { text: hi }
assertions:
  - type: delivered
    subscriber: tab
    event: post_update
    count: 5
  - type: tracked
    count: 1
`)

	result, err := Run(context.Background(), scenario)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 2)
	assert.Contains(t, result.Errors[0], "Expected: 5 post_update events to tab")
	assert.Contains(t, result.Errors[1], "Actual: 0 tracked records")
}

func TestTranscript(t *testing.T) {
	scenario := mustParse(t, `
name: transcript
description: "transcript layout"
users:
  - email: a@example.com
subscribers:
  - name: first
    user: a@example.com
  - name: second
    user: a@example.com
steps:
  - action: disconnect
    subscriber: second
assertions:
  - type: tracked
    count: 0
`)

	result, err := Run(context.Background(), scenario)
	require.NoError(t, err)

	out := string(Transcript(scenario, result))
	assert.True(t, strings.HasPrefix(out, "# transcript\n\n## first\nevent: connected\n"))
	assert.Contains(t, out, "\n## second\nevent: connected\ndata: {\"connectionId\":\"conn-2\"")
	assert.Equal(t, []string{"first", "second"}, result.Subscribers())
}

func mustParse(t *testing.T, doc string) *Scenario {
	t.Helper()
	scenario, err := ParseScenario([]byte(doc))
	require.NoError(t, err)
	return scenario
}
