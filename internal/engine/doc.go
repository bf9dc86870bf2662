// Package engine implements the convergence controller for repeated DFT+U
// solver runs.
//
// ARCHITECTURE:
//
// A Controller drives one sequential chain of dependent solver invocations.
// Iteration n+1 reads the occupation matrices produced by iteration n, so
// exactly one solver process is ever in flight and no locks are needed.
//
// State machine:
//
//	INIT → RUNNING → {CONVERGED, TIME_EXHAUSTED, ITERATION_EXHAUSTED, FATAL}
//
// RUNNING is re-entered once per attempt. A truncated output re-enters it at
// the same index (a retry); a complete output advances the index unless a
// stop condition holds. Before every retry the time budget and the optional
// retry cap are checked, so a solver that always truncates still terminates.
//
// Per attempt:
//  1. Apply overrides (usedmatpu, nstep, tolvrs, irdwfk) and write the input.
//  2. Run the solver and measure the duration with the controller Clock.
//  3. Archive the input under the current index, whatever the outcome.
//  4. Missing output is fatal; a truncated output is discarded and retried.
//  5. Extract residual and matrices, falling back to the current input
//     matrices when extraction fails (flagged on the record).
//  6. Rewrite the input, promote the restart file, archive log and output.
//  7. Stop on convergence, then on the predictive time check, then on the
//     iteration limit.
//
// Every terminal state except FATAL writes the COMPLETE marker.
//
// RESUMPTION:
//
// The starting index comes from the archive (see archive.ResumeIndex). An
// index whose input was archived but whose output was not is redone.
//
// CANCELLATION:
//
// The context is checked between attempts only. A running solver is never
// killed; cancelling the context stops the loop after the current attempt.
package engine
