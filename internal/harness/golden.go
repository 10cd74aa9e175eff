package harness

import (
	"context"
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"
)

// Transcript renders every subscriber's frames as one document: a
// "## <name>" header per subscriber, in declaration order, followed by the
// frames exactly as written to the wire.
func Transcript(scenario *Scenario, result *Result) []byte {
	var buf strings.Builder
	buf.WriteString("# ")
	buf.WriteString(scenario.Name)
	buf.WriteString("\n")
	for _, name := range result.Subscribers() {
		buf.WriteString("\n## ")
		buf.WriteString(name)
		buf.WriteString("\n")
		for _, frame := range result.Frames(name) {
			buf.WriteString(frame)
		}
	}
	return []byte(buf.String())
}

// RunWithGolden runs a scenario and compares its transcript against
// testdata/golden/<name>.golden. Regenerate with:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(context.Background(), scenario)
	if err != nil {
		return nil, err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenario.Name, Transcript(scenario, result))
	return result, nil
}
