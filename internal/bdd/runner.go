// Package bdd runs the chat service's godog feature suite against a live
// in-process server. The same features run on every datastore.
package bdd

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/chirino/chat-service/internal/testutil/cucumber"
	"github.com/cucumber/godog"
	"github.com/stretchr/testify/require"
)

// FeaturesDir holds the .feature files, relative to this package.
const FeaturesDir = "features"

// RunFeatures runs every feature file as a subtest against apiURL.
func RunFeatures(t *testing.T, apiURL string, db cucumber.TestDB, skip map[string]string) {
	featureFiles, err := filepath.Glob(filepath.Join(FeaturesDir, "*.feature"))
	require.NoError(t, err)
	require.NotEmpty(t, featureFiles, "no feature files found in %s", FeaturesDir)

	opts := cucumber.DefaultOptions()
	for _, arg := range os.Args[1:] {
		if arg == "-test.v=true" || arg == "-test.v" || arg == "-v" {
			opts.Format = "pretty"
		}
	}

	for _, featurePath := range featureFiles {
		name := strings.TrimSuffix(filepath.Base(featurePath), ".feature")
		t.Run(name, func(t *testing.T) {
			if reason, ok := skip[name]; ok {
				t.Skip(reason)
			}
			o := opts
			o.TestingT = t
			o.Paths = []string{featurePath}
			defer cucumber.ApplyReportOptions(&o, t.Name())()

			suite := cucumber.NewTestSuite()
			suite.APIURL = apiURL
			suite.TestingT = t
			suite.DB = db

			status := godog.TestSuite{
				Name:                name,
				Options:             &o,
				ScenarioInitializer: suite.InitializeScenario,
			}.Run()
			if status != 0 {
				t.Fail()
			}
		})
	}
}
