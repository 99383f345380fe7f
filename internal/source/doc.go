// Package source defines the adapter contract for external personal-data
// systems (wearables, calendars, vault, home automation, network probes)
// and the registry that owns configured adapters.
//
// Adapters normalize remote payloads into Record and fail with *AdapterError
// so callers can route on error kind instead of string matching.
package source
