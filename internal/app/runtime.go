package app

import (
	"os"
	"sync/atomic"
)

// TestModeEnv disables network side effects of the binaries when set to "1".
const TestModeEnv = "ODYSSEY_ACL_TEST_MODE"

var testMode atomic.Pointer[bool]

// InTestMode reports whether the application should skip runtime side effects.
// The environment is read on first use and cached.
func InTestMode() bool {
	if v := testMode.Load(); v != nil {
		return *v
	}
	RefreshTestMode()
	return *testMode.Load()
}

// RefreshTestMode re-reads the environment after it changed.
func RefreshTestMode() {
	on := os.Getenv(TestModeEnv) == "1"
	testMode.Store(&on)
}
