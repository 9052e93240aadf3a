// Package presence holds the provider-neutral snapshot model and the differ that
// turns successive snapshots into events.
package presence

import "time"

// Snapshot is the normalized "now" state of an upstream provider at a sampling
// instant. Music and presence providers share the type; fields a provider does not
// expose stay empty and are omitted from JSON.
type Snapshot struct {
	Active bool `json:"is_playing"`

	// Music
	Title         string `json:"title,omitempty"`
	Artist        string `json:"artist,omitempty"`
	Album         string `json:"album,omitempty"`
	AlbumImageURL string `json:"albumImageUrl,omitempty"`
	SongURL       string `json:"songUrl,omitempty"`
	ProgressMs    int64  `json:"progress_ms,omitempty"`
	DurationMs    int64  `json:"duration_ms,omitempty"`

	// Presence
	Status       string `json:"status,omitempty"`
	GameID       string `json:"game_id,omitempty"`
	GameName     string `json:"game_name,omitempty"`
	GameURL      string `json:"game_url,omitempty"`
	GameImage    string `json:"game_image,omitempty"`
	PlayerName   string `json:"player_name,omitempty"`
	PlayerAvatar string `json:"player_avatar,omitempty"`
	PlayerURL    string `json:"player_url,omitempty"`
	PersonaState string `json:"persona_state,omitempty"`
	LastLogoff   string `json:"last_logoff,omitempty"`

	// Degradation
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
	Details string `json:"details,omitempty"`
	Stale   bool   `json:"stale,omitempty"`

	// ObservedAt is when the upstream was sampled. Fallback copies keep the
	// original instant.
	ObservedAt time.Time `json:"-"`
}

// Inactive returns a non-active snapshot tagged with reason.
func Inactive(reason string) Snapshot {
	return Snapshot{Active: false, Error: reason}
}

// Unavailable returns a non-active snapshot describing a failed upstream call.
func Unavailable(reason string, err error) Snapshot {
	s := Snapshot{Active: false, Error: reason}
	if err != nil {
		s.Details = err.Error()
	}
	return s
}

// Degraded reports whether the snapshot came from a fallback path.
func (s Snapshot) Degraded() bool {
	return s.Stale || s.Error != ""
}

// AsStale returns a copy of s flagged as served from the last-known state.
func (s Snapshot) AsStale() Snapshot {
	s.Stale = true
	return s
}

// Equal compares every serialized field. ObservedAt is ignored.
func (s Snapshot) Equal(o Snapshot) bool {
	s.ObservedAt = time.Time{}
	o.ObservedAt = time.Time{}
	return s == o
}

// MusicIdentity identifies a track by title and artist.
func MusicIdentity(s Snapshot) string {
	return s.Title + "\x00" + s.Artist
}

// GameIdentity identifies a presence session by game id.
func GameIdentity(s Snapshot) string {
	return s.GameID
}
