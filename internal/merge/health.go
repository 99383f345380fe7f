package merge

import (
	"sort"
	"time"

	"daybrief/internal/source"
)

// Canonical health field names. These are the keys used in FieldRule,
// HealthSnapshot.Provenance, and the merge.*_priority config lists.
const (
	FieldSleepScore  = "sleep_score"
	FieldSleepHours  = "sleep_hours"
	FieldHRVms       = "hrv_ms"
	FieldRecoveryPct = "recovery_pct"
	FieldRestingHR   = "resting_hr"
	FieldStrain      = "strain"
	FieldSteps       = "steps"
)

// HealthSnapshot is the merged view of one local day. Pointer fields follow
// the source.HealthMetrics convention: nil means no source reported the
// metric. Provenance maps field name to the source that won it, for
// populated fields only.
type HealthSnapshot struct {
	Date time.Time `json:"date"`

	SleepScore  *float64 `json:"sleep_score,omitempty"`
	SleepHours  *float64 `json:"sleep_hours,omitempty"`
	HRVms       *float64 `json:"hrv_ms,omitempty"`
	RecoveryPct *float64 `json:"recovery_pct,omitempty"`
	RestingHR   *float64 `json:"resting_hr,omitempty"`
	Strain      *float64 `json:"strain,omitempty"`
	Steps       *int64   `json:"steps,omitempty"`

	Provenance map[string]string `json:"provenance,omitempty"`
}

// FieldRule is the ordered preference chain for one field. Rules are data:
// the table is built from config, never hard-coded per source.
type FieldRule struct {
	Field  string
	Prefer []string
}

// HealthRules builds the rule table from the configured priority chains.
// healthPriority covers the recovery/sleep fields; stepsPriority covers
// activity counters, which typically prefer the opposite source order.
func HealthRules(healthPriority, stepsPriority []string) []FieldRule {
	return []FieldRule{
		{Field: FieldSleepScore, Prefer: healthPriority},
		{Field: FieldSleepHours, Prefer: healthPriority},
		{Field: FieldHRVms, Prefer: healthPriority},
		{Field: FieldRecoveryPct, Prefer: healthPriority},
		{Field: FieldRestingHR, Prefer: healthPriority},
		{Field: FieldStrain, Prefer: healthPriority},
		{Field: FieldSteps, Prefer: stepsPriority},
	}
}

// MergeHealth resolves each field through its rule's preference chain.
// Sources present in records but absent from a chain are appended as a
// lexicographic fallback tail so data never silently disappears under a
// mis-configured priority list. Empty records yield a snapshot carrying
// only the date.
func MergeHealth(date time.Time, records map[string]source.Record, rules []FieldRule) HealthSnapshot {
	snap := HealthSnapshot{Date: date}

	ids := make([]string, 0, len(records))
	for id := range records {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, rule := range rules {
		for _, src := range chainWithTail(rule.Prefer, ids) {
			rec, ok := records[src]
			if !ok || rec.Health == nil {
				continue
			}
			if !assignField(&snap, rec.Health, rule.Field) {
				continue
			}
			if snap.Provenance == nil {
				snap.Provenance = make(map[string]string)
			}
			snap.Provenance[rule.Field] = src
			break
		}
	}
	return snap
}

// chainWithTail returns prefer followed by the members of sortedIDs not
// already in prefer, preserving prefer's order and deduplicating.
func chainWithTail(prefer, sortedIDs []string) []string {
	seen := make(map[string]bool, len(prefer))
	chain := make([]string, 0, len(prefer)+len(sortedIDs))
	for _, s := range prefer {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		chain = append(chain, s)
	}
	for _, s := range sortedIDs {
		if seen[s] {
			continue
		}
		seen[s] = true
		chain = append(chain, s)
	}
	return chain
}

// assignField copies the named metric from h into snap when present.
// Values are copied, never aliased, so later mutation of a record cannot
// change a snapshot.
func assignField(snap *HealthSnapshot, h *source.HealthMetrics, field string) bool {
	switch field {
	case FieldSleepScore:
		if h.SleepScore == nil {
			return false
		}
		v := *h.SleepScore
		snap.SleepScore = &v
	case FieldSleepHours:
		if h.SleepHours == nil {
			return false
		}
		v := *h.SleepHours
		snap.SleepHours = &v
	case FieldHRVms:
		if h.HRVms == nil {
			return false
		}
		v := *h.HRVms
		snap.HRVms = &v
	case FieldRecoveryPct:
		if h.RecoveryPct == nil {
			return false
		}
		v := *h.RecoveryPct
		snap.RecoveryPct = &v
	case FieldRestingHR:
		if h.RestingHR == nil {
			return false
		}
		v := *h.RestingHR
		snap.RestingHR = &v
	case FieldStrain:
		if h.Strain == nil {
			return false
		}
		v := *h.Strain
		snap.Strain = &v
	case FieldSteps:
		if h.Steps == nil {
			return false
		}
		v := *h.Steps
		snap.Steps = &v
	default:
		return false
	}
	return true
}
