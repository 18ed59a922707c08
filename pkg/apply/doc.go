// Package apply executes a plan produced by the engine planner.
//
// Caching and execution run on two goroutines. The cache side walks the
// cache list and signals a syncpoint after every cached package; the execute
// side walks the execute list and blocks on the matching syncpoint at each
// wait-cache action. With parallel caching disabled, which is the default,
// the cache list completes before execution starts.
//
// A vital failure inside a rollback boundary unwinds the boundary through the
// rollback list, starting at the last checkpoint the execute side passed.
// Failures of non-vital packages are logged and skipped. Transport failures
// end the apply immediately.
//
// Per-machine work is routed to the elevated session; per-user work runs on
// the local services.
package apply
