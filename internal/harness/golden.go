package harness

import (
	"testing"

	"github.com/sebdah/goldie/v2"
)

// RunWithGolden executes a scenario and compares the resulting store
// bytes against testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
//
// Golden scenarios must avoid noisy bridges (keep every gap at or under
// one step); the point of the byte comparison is that the merge output
// is exact and reviewable by hand.
func RunWithGolden(t *testing.T, sc *Scenario) *Result {
	t.Helper()

	result, err := Run(sc)
	if err != nil {
		t.Fatalf("scenario %s failed: %v", sc.Name, err)
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, sc.Name, result.Raw)

	return result
}
