// Package logging assembles the structured slog loggers shared by the
// listener, the preparation boundary, and the processing queue.
//
// It owns the console and JSON handlers, the optional log file in the
// configured log directory, and context helpers that tag lines with case IDs,
// study UIDs, stages, and correlation IDs. Console output is colourised only
// when stdout is a terminal. NewNop serves tests and wiring code that cannot
// fail.
package logging
