// Package runtime provides environment/runtime detection helpers shared across the service layer.
package runtime

import (
	"os"
	"strings"
	"sync"
)

// strictIdentityModeOnce caches the strict identity mode check at startup.
var (
	strictIdentityModeOnce  sync.Once
	strictIdentityModeValue bool
)

// ResetStrictIdentityModeCache resets the cached strict identity mode value.
// This should only be used in tests.
func ResetStrictIdentityModeCache() {
	strictIdentityModeOnce = sync.Once{}
	strictIdentityModeValue = false
}

// StrictIdentityMode returns true when the process runs in production
// (per Env) or when CQ_STRICT_MODE is set to a truthy value. It only reports
// the mode; callers decide which checks to enforce with it.
//
// A mis-set CQ_ENV should never silently weaken these checks, so strictness
// is latched to the environment rather than read fresh each call.
func StrictIdentityMode() bool {
	strictIdentityModeOnce.Do(func() {
		strictIdentityModeValue = Env() == Production || ParseBoolValue(strings.TrimSpace(os.Getenv("CQ_STRICT_MODE")))
	})
	return strictIdentityModeValue
}
