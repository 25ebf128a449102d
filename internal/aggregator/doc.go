// Package aggregator groups received instances into studies and closes a
// study once it has been idle for the configured window.
//
// The arena lock guards only the study map. Each study carries its own lock;
// closure takes the study lock, re-checks idleness, marks it closing and
// removes it from the arena before releasing. A submit that races with
// closure observes the non-open state and retries against the arena, which
// creates a fresh study. Bundles reach the sink outside every lock.
package aggregator
