package presence

import "time"

// DefaultSeekThreshold is the progress drift above which a seek is reported.
const DefaultSeekThreshold = 2 * time.Second

// Differ maps (previous, current) snapshots to at most one Event. It holds only
// configuration and is safe for concurrent use.
type Differ struct {
	// Start and Stop are emitted on active flag transitions.
	Start Kind
	Stop  Kind

	// Identity returns the fields that define "the same item".
	Identity func(Snapshot) string

	// TrackProgress enables seek detection.
	TrackProgress bool
	// TrackStatus reports status changes while both snapshots are inactive.
	TrackStatus bool

	PollInterval  time.Duration
	SeekThreshold time.Duration
}

// MusicDiffer returns the rules for a music provider.
func MusicDiffer(pollInterval, seekThreshold time.Duration) Differ {
	if seekThreshold <= 0 {
		seekThreshold = DefaultSeekThreshold
	}
	return Differ{
		Start:         KindPlay,
		Stop:          KindPause,
		Identity:      MusicIdentity,
		TrackProgress: true,
		PollInterval:  pollInterval,
		SeekThreshold: seekThreshold,
	}
}

// PresenceDiffer returns the rules for a game-presence provider.
func PresenceDiffer(pollInterval time.Duration, trackStatus bool) Differ {
	return Differ{
		Start:        KindSessionStart,
		Stop:         KindSessionStop,
		Identity:     GameIdentity,
		TrackStatus:  trackStatus,
		PollInterval: pollInterval,
	}
}

// Diff evaluates the rules in order and returns the first match, or nil.
func (d Differ) Diff(prev *Snapshot, cur Snapshot) *Event {
	if prev == nil {
		return &Event{Kind: KindUpdate, Snapshot: cur}
	}

	if !prev.Active && !cur.Active {
		if d.TrackStatus && prev.Status != cur.Status {
			return &Event{Kind: KindStatusChange, Snapshot: cur}
		}
		return nil
	}

	if prev.Active != cur.Active {
		if cur.Active {
			return &Event{Kind: d.Start, Snapshot: cur}
		}
		return &Event{Kind: d.Stop, Snapshot: cur}
	}

	if d.identity(*prev) != d.identity(cur) {
		return &Event{Kind: KindChangedItem, Snapshot: cur}
	}

	if d.TrackProgress && prev.ProgressMs > 0 && cur.ProgressMs > 0 {
		expected := prev.ProgressMs + d.elapsed(*prev, cur).Milliseconds()
		drift := cur.ProgressMs - expected
		if drift < 0 {
			drift = -drift
		}
		if drift > d.SeekThreshold.Milliseconds() {
			return &Event{Kind: KindSeek, Snapshot: cur}
		}
	}

	return nil
}

func (d Differ) identity(s Snapshot) string {
	if d.Identity == nil {
		return MusicIdentity(s)
	}
	return d.Identity(s)
}

// elapsed prefers the observed gap between samples and falls back to the nominal
// poll interval when either timestamp is missing.
func (d Differ) elapsed(prev, cur Snapshot) time.Duration {
	if !prev.ObservedAt.IsZero() && !cur.ObservedAt.IsZero() {
		if gap := cur.ObservedAt.Sub(prev.ObservedAt); gap >= 0 {
			return gap
		}
	}
	return d.PollInterval
}
