// Package storage provides a minimal persistence layer used by the daemon.
//
// It currently supports:
//   - Job run history appends (one record per attempt)
//   - Per-source sync state (last sync, last success, counters)
//   - Artifact archive appends (rendered briefings, reflections, alerts)
//   - Alert dedup state (to survive restarts)
package storage
