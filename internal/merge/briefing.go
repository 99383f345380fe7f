package merge

import (
	"time"

	"daybrief/internal/source"
)

// Briefing is the composed artifact input for one local day. Sections are
// nil/empty when their data is absent; Notes carries degradation remarks
// ("whoop: timeout") injected by the pipeline, not by the composer.
type Briefing struct {
	Date        time.Time              `json:"date"`
	GeneratedAt time.Time              `json:"generated_at"`
	Health      *HealthSnapshot        `json:"health,omitempty"`
	Calendar    []source.CalendarEvent `json:"calendar,omitempty"`
	Tasks       []source.Task          `json:"tasks,omitempty"`
	Ambient     *source.Observation    `json:"ambient,omitempty"`
	Notes       []string               `json:"notes,omitempty"`
}

// BriefingInput carries the already-merged sections. Now is the injected
// clock reading; zero falls back to time.Now.
type BriefingInput struct {
	Date     time.Time
	Now      time.Time
	Health   *HealthSnapshot
	Calendar []source.CalendarEvent
	Tasks    []source.Task
	Ambient  *source.Observation
	Notes    []string
}

// ComposeBriefing assembles the sections into a Briefing. It performs no
// fetching and no merging; any section may be absent. The only failure is
// a zero Date, which indicates a caller bug.
func ComposeBriefing(in BriefingInput) (Briefing, error) {
	if in.Date.IsZero() {
		return Briefing{}, errorf("briefing date is zero")
	}
	now := in.Now
	if now.IsZero() {
		now = time.Now()
	}
	return Briefing{
		Date:        in.Date,
		GeneratedAt: now,
		Health:      in.Health,
		Calendar:    in.Calendar,
		Tasks:       in.Tasks,
		Ambient:     in.Ambient,
		Notes:       in.Notes,
	}, nil
}
