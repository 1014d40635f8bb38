// Package testing switches the binaries into test mode. Test packages import it
// for its side effect so no test ever dials PostgreSQL or Redis by accident.
package testing

import (
	"os"
	"sync"
	stdtesting "testing"
)

var once sync.Once

func ensureTestMode() {
	once.Do(func() {
		_ = os.Setenv("ODYSSEY_ACL_TEST_MODE", "1")
		if os.Getenv("ACL_INVALIDATION") == "" {
			_ = os.Setenv("ACL_INVALIDATION", "inline")
		}
	})
}

func init() {
	ensureTestMode()
}

// TestMain forces test mode for packages that delegate their TestMain here.
func TestMain(m *stdtesting.M) {
	ensureTestMode()
	os.Exit(m.Run())
}
