// Package engine holds the bundle data model and the planner.
//
// # Overview
//
// A bundle is a chain of packages (exe, msi, msp, msu and nested bundles).
// Detection, which lives outside this package, fills an EngineState with the
// current state of every package, the bundle registration and the related
// bundles found on the machine. The Planner then turns that state and a
// top-level Action into a Plan:
//
//	planner := engine.NewPlanner(logger)
//	plan, err := planner.Plan(ctx, state, engine.ActionInstall)
//
// # Plan Shape
//
// A plan holds four ordered lists: cache, rollback-cache, execute and
// rollback. Checkpoints with increasing ids are interleaved so a failure can
// be rolled back from the last checkpoint reached. For every step the
// execute list holds "checkpoint N, action" and the rollback list holds
// "undo, checkpoint N". Packages are grouped by rollback boundaries; a
// boundary that is an MSI transaction is also wrapped in begin and commit
// actions.
//
// Actions are a closed set of types behind the CacheAction, ExecuteAction
// and CleanAction interfaces. Removed actions stay in place as DeletedAction
// tombstones; use LiveExecuteActions to skip them.
//
// # Dependency Policy
//
// DecideDependency is the registration policy applied to every provider and
// dependent edge: register only what is missing, unregister only what is
// present and orphan-free, and roll back by reversing the action.
//
// # Errors
//
// Malformed input fails planning with a planning-input EngineError before
// anything is executed. Operation and transport classes are used by apply.
package engine
