package bridge

import _ "embed"

//go:embed assets/shim.py
var defaultShimScript []byte

// DefaultShimScript returns the embedded reference guest shim (spec.md §6
// "Guest interpreter contract"), used when no site-specific
// bridge.ShimScriptPath is configured.
func DefaultShimScript() []byte {
	return defaultShimScript
}
