// Package testutil holds helpers shared by package tests.
package testutil

import (
	"os"
	"testing"
)

// IntegrationEnv enables tests that need Docker and a real broker.
const IntegrationEnv = "INTEGRATION_TESTS"

// RequireIntegration skips the test unless INTEGRATION_TESTS=1 is set and the
// run is not in short mode.
func RequireIntegration(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	if os.Getenv(IntegrationEnv) != "1" {
		t.Skipf("skipping integration test (set %s=1 to run)", IntegrationEnv)
	}
}
