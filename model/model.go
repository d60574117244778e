package model

import "time"

// TicksPerMillisecond converts between server position ticks (100-ns units)
// and milliseconds.
const TicksPerMillisecond = 10_000

// GroupState mirrors the server-side playback state of a group.
type GroupState string

const (
	GroupIdle    GroupState = "Idle"
	GroupWaiting GroupState = "Waiting"
	GroupPlaying GroupState = "Playing"
	GroupPaused  GroupState = "Paused"
)

// Role is the transient playback role of the local device. Exactly one
// device in a group should hold RoleCaptain at a time; the label is
// re-derived on every unpause broadcast, never cached across them.
type Role string

const (
	RoleCaptain Role = "captain"
	RoleSailor  Role = "sailor"
)

// ConnectionQuality is derived from the most recent smoothed round-trip
// time and recomputed on every probe.
type ConnectionQuality string

const (
	QualityGood         ConnectionQuality = "good"
	QualityModerate     ConnectionQuality = "moderate"
	QualityPoor         ConnectionQuality = "poor"
	QualityDisconnected ConnectionQuality = "disconnected"
)

// Degraded reports whether the quality is on the poor side of the
// probe-interval boundary.
func (q ConnectionQuality) Degraded() bool {
	return q == QualityPoor || q == QualityDisconnected
}

type Participant struct {
	UserID        string `json:"userId"`
	DeviceID      string `json:"deviceId"`
	Username      string `json:"username"`
	ImageTag      string `json:"imageTag,omitempty"`
	IsGroupLeader bool   `json:"isGroupLeader"`
}

// Key is the uniqueness key for group membership. The same user may be
// present on multiple devices.
func (p Participant) Key() string {
	return p.UserID + "/" + p.DeviceID
}

type Group struct {
	ID           string        `json:"groupId"`
	Name         string        `json:"groupName"`
	Participants []Participant `json:"participants"`
	State        GroupState    `json:"state"`
}

type Track struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Artist       string `json:"artist,omitempty"`
	Album        string `json:"album,omitempty"`
	ImageTag     string `json:"imageTag,omitempty"`
	RunTimeTicks int64  `json:"runTimeTicks,omitempty"`

	// Placeholder marks a track whose metadata has not been resolved yet.
	Placeholder bool `json:"placeholder,omitempty"`
}

// QueueEntry wraps a track with its server-assigned queue identity.
// PlaylistItemID is the unique key within a queue; the same catalog track
// may legally appear more than once.
type QueueEntry struct {
	Track           Track  `json:"track"`
	PlaylistItemID  string `json:"playlistItemId"`
	AddedByUserID   string `json:"addedByUserId,omitempty"`
	AddedByUsername string `json:"addedByUsername,omitempty"`
	AddedByImageTag string `json:"addedByImageTag,omitempty"`
}

// Session is the root aggregate of a joined group. CurrentIndex is -1
// while nothing is playing; otherwise 0 <= CurrentIndex < len(Queue).
type Session struct {
	Group         Group        `json:"group"`
	Queue         []QueueEntry `json:"queue"`
	CurrentIndex  int          `json:"currentIndex"`
	PositionTicks int64        `json:"positionTicks"`
	IsPaused      bool         `json:"isPaused"`
	Role          Role         `json:"role"`
	LastSyncTime  time.Time    `json:"lastSyncTime"`
}

// CurrentEntry returns the queue entry at CurrentIndex, if any.
func (s Session) CurrentEntry() (QueueEntry, bool) {
	if s.CurrentIndex < 0 || s.CurrentIndex >= len(s.Queue) {
		return QueueEntry{}, false
	}
	return s.Queue[s.CurrentIndex], true
}

// ReconnectionState exists only while a reconnection cycle is active.
type ReconnectionState struct {
	IsReconnecting bool `json:"isReconnecting"`
	Attempt        int  `json:"attempt"`
	MaxAttempts    int  `json:"maxAttempts"`
}

// CommandKind is the small vocabulary consumed by the audio collaborator.
type CommandKind string

const (
	CommandPlay  CommandKind = "play"
	CommandPause CommandKind = "pause"
	CommandSeek  CommandKind = "seek"
	CommandStop  CommandKind = "stop"
)

// PlayerCommand is one normalized playback command. TrackIndex is -1 when
// the command does not select a queue position.
type PlayerCommand struct {
	Kind          CommandKind `json:"kind"`
	PositionTicks int64       `json:"positionTicks"`
	TrackIndex    int         `json:"trackIndex"`
}
