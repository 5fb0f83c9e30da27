// Package storage keeps the run history: one record per dispatcher outcome.
//
// Drivers:
//   - "file": JSON lines, newest records read from the tail
//   - "sqlite": modernc.org/sqlite in WAL mode
//
// Driver "none" (or empty) disables history; Open then returns a nil Store.
package storage
