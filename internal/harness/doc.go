// Package harness runs the real controller against scripted solver runs.
//
// A Scenario describes the starting input, an ordered list of solver
// outcomes (complete, truncated, missing, malformed, badshape) and what the
// run must end in. The ScriptedSolver plays those outcomes by writing
// ABINIT-like output, log and restart files and advancing a fake clock, so a
// whole multi-hour run replays in milliseconds without MPI or ABINIT.
//
// Traces are compared with golden files under testdata/golden. To regenerate
// them:
//
//	go test ./internal/harness -update
package harness
