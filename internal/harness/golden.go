package harness

import (
	"context"
	"testing"

	"github.com/roach88/swarmlog/internal/testutil"
)

// RunWithGolden executes a scenario and compares its trace against
// testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, sc *Scenario) (*Result, error) {
	t.Helper()

	res, err := Run(context.Background(), sc)
	if err != nil {
		return nil, err
	}
	testutil.AssertTrace(t, sc.Name, res.Trace)
	return res, nil
}
