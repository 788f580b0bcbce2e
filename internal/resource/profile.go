package resource

import "time"

// Profile carries the kind-specific scheduling knobs. Both kinds run
// through the same lifecycle code; only the profile differs.
type Profile struct {
	Kind Kind

	// Service reminder offsets after placement. FirstService < SecondService.
	FirstService  time.Duration
	SecondService time.Duration

	// CollectEvery is the recurring collection-ready period. Zero means the
	// kind has no recurring reminder (Growing).
	CollectEvery time.Duration

	// Noun is the user-facing name ("plant", "solar panel").
	Noun string

	// ServiceVerb is what servicing is called ("fertilize", "repair").
	ServiceVerb string

	// AckKey is the callback affordance carried by this kind's service
	// reminders. The two kinds use distinct keys and must not cross-match.
	AckKey string
}

// DefaultProfiles mirrors the in-game timings: plants want fertilizing at
// 35m and 55m; panels want repairing at 30m and 50m and yield a battery
// every 2h.
func DefaultProfiles() map[Kind]Profile {
	return map[Kind]Profile{
		KindGrowing: {
			Kind:          KindGrowing,
			FirstService:  35 * time.Minute,
			SecondService: 55 * time.Minute,
			Noun:          "plant",
			ServiceVerb:   "fertilize",
			AckKey:        "ack:plant",
		},
		KindRecharging: {
			Kind:          KindRecharging,
			FirstService:  30 * time.Minute,
			SecondService: 50 * time.Minute,
			CollectEvery:  2 * time.Hour,
			Noun:          "solar panel",
			ServiceVerb:   "repair",
			AckKey:        "ack:panel",
		},
	}
}
