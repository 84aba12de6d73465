//go:build voedebug

package affinity

// DebugChecks reports whether affinity violations panic.
const DebugChecks = true
