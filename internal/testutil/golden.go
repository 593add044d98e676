package testutil

import (
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"
)

// AssertTrace compares lines, one per row, against
// testdata/golden/{name}.golden in the calling package.
//
// To regenerate golden files, run the package tests with -update.
func AssertTrace(t *testing.T, name string, lines []string) {
	t.Helper()

	var b strings.Builder
	for _, l := range lines {
		b.WriteString(l)
		b.WriteByte('\n')
	}
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, []byte(b.String()))
}
