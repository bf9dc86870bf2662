// Package abinit reads and writes the ABINIT artifacts the controller cares
// about.
//
// Input files are exposed as an ordered key-value view over raw tokens; only
// the keys the controller mutates are ever re-encoded, everything else is
// written back exactly as it was read (modulo whitespace and comments).
//
// Output files are inspected for three things: whether the run reached its
// normal end ("Calculation completed."), the residual history of the SCF
// cycle, and the final DFT+U occupation matrices.
package abinit
