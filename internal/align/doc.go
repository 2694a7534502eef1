// Package align drives an optical alignment session for a focuser/hexapod assembly.
//
// A Controller optionally pre-defocuses the optics, then makes a single call into an Aligner,
// which runs its own capture, detect and correct loop and reports each iteration through a
// registered StepFunc. Step events are printed by the Reporter in the order they arrive and
// forwarded to an optional Display. The terminal error, if any, is mapped once by Classify onto
// the closed FailureKind set.
package align
