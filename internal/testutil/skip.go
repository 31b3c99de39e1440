package testutil

import (
	"os"
	"testing"
)

// SkipIfNoNetwork skips the test if GARDENCHAT_TEST_SKIP_NETWORK is set.
// Use this for tests that open loopback TCP listeners, which may not be
// available in sandboxed environments.
func SkipIfNoNetwork(t testing.TB) {
	t.Helper()
	if os.Getenv("GARDENCHAT_TEST_SKIP_NETWORK") != "" {
		t.Skip("skipping network test: GARDENCHAT_TEST_SKIP_NETWORK is set")
	}
}
