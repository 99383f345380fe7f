package merge

import (
	"sort"

	"daybrief/internal/source"
)

// CalendarPolicy controls the merge. Priority is the source order used for
// tie-breaks (lower index wins); unknown sources rank after configured
// ones alphabetically. TitleMatch selects the normalization mode.
type CalendarPolicy struct {
	Priority   []string
	TitleMatch string
}

func (p CalendarPolicy) rank(sourceID string) int {
	for i, s := range p.Priority {
		if s == sourceID {
			return i
		}
	}
	return len(p.Priority)
}

// MergeCalendars flattens the events of all records into one deterministic
// timeline. Overlapping events with matching normalized titles collapse
// into the higher-priority entry (the duplicate is absorbed into its
// Conflicts); overlapping events with different titles are real conflicts
// and cross-annotate each other.
func MergeCalendars(records map[string]source.Record, pol CalendarPolicy) []source.CalendarEvent {
	var events []source.CalendarEvent
	ids := make([]string, 0, len(records))
	for id := range records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		for _, ev := range records[id].Events {
			ev.Source = id
			ev.Conflicts = nil
			events = append(events, ev)
		}
	}
	if len(events) == 0 {
		return nil
	}

	sort.SliceStable(events, func(i, j int) bool {
		a, b := events[i], events[j]
		if !a.Start.Equal(b.Start) {
			return a.Start.Before(b.Start)
		}
		if ra, rb := pol.rank(a.Source), pol.rank(b.Source); ra != rb {
			return ra < rb
		}
		if a.Source != b.Source {
			return a.Source < b.Source
		}
		if a.Title != b.Title {
			return a.Title < b.Title
		}
		return a.End.Before(b.End)
	})

	// First pass: absorb duplicates into the earliest (highest-priority)
	// overlapping primary with the same normalized title.
	primaries := make([]source.CalendarEvent, 0, len(events))
	for _, ev := range events {
		absorbed := false
		for i := range primaries {
			if !overlaps(primaries[i], ev) {
				continue
			}
			if NormalizeTitle(primaries[i].Title, pol.TitleMatch) != NormalizeTitle(ev.Title, pol.TitleMatch) {
				continue
			}
			primaries[i].Conflicts = append(primaries[i].Conflicts, bare(ev))
			absorbed = true
			break
		}
		if !absorbed {
			primaries = append(primaries, ev)
		}
	}

	// Second pass: overlapping primaries with different titles are real
	// conflicts; both stay and each lists the other.
	for i := range primaries {
		for j := i + 1; j < len(primaries); j++ {
			if !overlaps(primaries[i], primaries[j]) {
				continue
			}
			primaries[i].Conflicts = append(primaries[i].Conflicts, bare(primaries[j]))
			primaries[j].Conflicts = append(primaries[j].Conflicts, bare(primaries[i]))
		}
	}
	return primaries
}

// bare strips nested conflicts so annotations never recurse.
func bare(ev source.CalendarEvent) source.CalendarEvent {
	ev.Conflicts = nil
	return ev
}

// overlaps implements half-open interval overlap. Zero-duration events
// (Start == End) overlap only on exact equality with the other event's
// start instant.
func overlaps(a, b source.CalendarEvent) bool {
	ai := a.Start.Equal(a.End)
	bi := b.Start.Equal(b.End)
	switch {
	case ai || bi:
		return a.Start.Equal(b.Start)
	default:
		return a.Start.Before(b.End) && b.Start.Before(a.End)
	}
}
