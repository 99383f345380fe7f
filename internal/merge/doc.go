// Package merge holds the pure merge layer: field-priority health merging,
// overlap-aware calendar merging, and briefing composition.
//
// Functions here never fetch and never mutate their inputs. Identical
// inputs produce identical outputs regardless of map iteration order.
package merge
