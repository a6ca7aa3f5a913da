// Package orchestrator is the phase controller of a session.
//
// The controller derives everything from the session's task ledger: the
// current phase is the session's phase index, the eligible tasks are the
// runnable tasks of that phase, and Advance moves the index forward only
// when every task of the current phase is completed or skipped. Nothing is
// kept between calls, so a restarted process picks up exactly where the
// ledger says it stopped.
//
// # Phase Gates
//
// Gates run when a phase is entered and inspect the ledger of earlier
// phases:
//   - RequireOutputGate: an earlier phase must have produced an output
//     (for example a diff id before test-validate)
//   - VerificationGate: test tasks must report a real test run, not help text
//   - SequentialGate: warns when one phase bundled too many edits
//
// Warnings and errors become notes on the first task of the entered phase.
// A critical violation stops the advance with a fatal error.
//
// # Usage
//
//	ctrl := orchestrator.NewController()
//	orchestrator.RegisterDefaultGates(ctrl)
//
//	for _, t := range orchestrator.EligibleTasks(s) {
//		// run t
//	}
//	res, err := ctrl.Advance(ctx, s)
package orchestrator
