package presence

// Kind tags an Event.
type Kind string

const (
	KindUpdate       Kind = "update"
	KindPlay         Kind = "play"
	KindPause        Kind = "pause"
	KindChangedItem  Kind = "changed-item"
	KindSeek         Kind = "seek"
	KindSessionStart Kind = "session-start"
	KindSessionStop  Kind = "session-stop"
	KindStatusChange Kind = "status-change"
)

// Event is a semantic change derived from two snapshots.
type Event struct {
	Kind     Kind
	Snapshot Snapshot
}

// EventNames maps event kinds to the names written on the wire.
type EventNames map[Kind]string

// Name returns the wire name for k, falling back to the kind itself.
func (n EventNames) Name(k Kind) string {
	if name, ok := n[k]; ok {
		return name
	}
	return string(k)
}

// SpotifyEventNames are the SSE event names used for the music stream.
var SpotifyEventNames = EventNames{
	KindUpdate:      "spotify:update",
	KindPlay:        "spotify:play",
	KindPause:       "spotify:pause",
	KindChangedItem: "spotify:changemusic",
	KindSeek:        "spotify:seek",
}

// SteamEventNames are the SSE event names used for the presence stream.
var SteamEventNames = EventNames{
	KindUpdate:       "steam:update",
	KindSessionStart: "steam:gamestart",
	KindSessionStop:  "steam:gamestop",
	KindChangedItem:  "steam:gamechange",
	KindStatusChange: "steam:statuschange",
}
