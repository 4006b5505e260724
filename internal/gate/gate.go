// Package gate holds the evidence gate: the single predicate deciding whether
// a verification run allows delivery. Verification must stay binary and
// reproducible; retries belong to the implementing loop, not here.
package gate

// CanFinalize reports whether the most recent verification run permits
// delivery. Pass iff the command exited zero.
func CanFinalize(exitCode int) bool {
	return exitCode == 0
}
