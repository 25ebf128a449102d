// Package logs reads the daemon log file for the CLI.
//
// Tail returns the last lines with bounded memory, and Follow streams lines
// appended after an offset until the context ends. Lines can be narrowed to
// one case or study by matching the structured id fields the logger writes.
package logs
