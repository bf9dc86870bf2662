// Package dmat handles DFT+U density-matrix blocks.
//
// ABINIT stores the occupation matrices of every correlated atom and spin
// channel as one flat list (dmatpawu). The controller reads that list back
// from the solver output and reshapes it into N square matrices of side
// 2*max(lpawu)+1 before seeding the next input.
//
// A flat list whose length is not a multiple of side*side cannot be mapped
// back onto the input and is reported as ShapeMismatchError. Callers treat it
// as fatal.
package dmat
