// Package wire defines the socket message envelope and the decoder that
// turns raw frames into typed messages.
package wire

import (
	"encoding/json"

	"github.com/PetertheMD/nautune-sub003/model"
)

// Top-level envelope discriminators.
const (
	TypeGroupUpdate    = "SyncPlayGroupUpdate"
	TypeCommand        = "SyncPlayCommand"
	TypeKeepAlive      = "KeepAlive"
	TypeForceKeepAlive = "ForceKeepAlive"
)

// Group-update sub-kind discriminators (Data.Type).
const (
	updateGroupJoined         = "GroupJoined"
	updateGroupLeft           = "GroupLeft"
	updateStateUpdate         = "StateUpdate"
	updateUserJoined          = "UserJoined"
	updateUserLeft            = "UserLeft"
	updatePlayQueue           = "PlayQueue"
	updateNotInGroup          = "NotInGroup"
	updateGroupDoesNotExist   = "GroupDoesNotExist"
	updateLibraryAccessDenied = "LibraryAccessDenied"
)

// Command discriminators (Data.Command).
const (
	commandUnpause = "Unpause"
	commandPause   = "Pause"
	commandStop    = "Stop"
	commandSeek    = "Seek"
)

// Kind is the closed set of decoded message variants.
type Kind int

const (
	KindUnknown Kind = iota
	KindKeepAlive
	KindGroupJoined
	KindGroupLeft
	KindStateUpdate
	KindUserJoined
	KindUserLeft
	KindPlayQueue
	KindNotInGroup
	KindGroupDoesNotExist
	KindLibraryAccessDenied
	KindCmdUnpause
	KindCmdPause
	KindCmdStop
	KindCmdSeek
)

func (k Kind) String() string {
	switch k {
	case KindKeepAlive:
		return "keep-alive"
	case KindGroupJoined:
		return "group-joined"
	case KindGroupLeft:
		return "group-left"
	case KindStateUpdate:
		return "state-update"
	case KindUserJoined:
		return "user-joined"
	case KindUserLeft:
		return "user-left"
	case KindPlayQueue:
		return "play-queue"
	case KindNotInGroup:
		return "not-in-group"
	case KindGroupDoesNotExist:
		return "group-does-not-exist"
	case KindLibraryAccessDenied:
		return "library-access-denied"
	case KindCmdUnpause:
		return "cmd-unpause"
	case KindCmdPause:
		return "cmd-pause"
	case KindCmdStop:
		return "cmd-stop"
	case KindCmdSeek:
		return "cmd-seek"
	}
	return "unknown"
}

// IsCommand reports whether the message is a playback command variant.
func (k Kind) IsCommand() bool {
	switch k {
	case KindCmdUnpause, KindCmdPause, KindCmdStop, KindCmdSeek:
		return true
	}
	return false
}

// IsTerminal reports whether the message ends the session with no retry.
func (k Kind) IsTerminal() bool {
	return k == KindGroupDoesNotExist || k == KindLibraryAccessDenied
}

// Message is one decoded inbound frame. Payload is the envelope's Data
// object; for group updates the concrete payload sits one level deeper at
// Payload["Data"], which the field accessors transparently fall through to.
type Message struct {
	Kind      Kind
	MessageID string
	Payload   map[string]any
}

// QueuePair is one (catalog id, playlist item id) entry of a play-queue
// broadcast, with optional inline metadata.
type QueuePair struct {
	ItemID         string
	PlaylistItemID string
	Inline         *model.Track
}

// field looks a name up in the payload, falling through into the nested
// Data object carried by group-update messages.
func (m Message) field(name string) (any, bool) {
	if m.Payload == nil {
		return nil, false
	}
	if v, ok := m.Payload[name]; ok {
		return v, true
	}
	if inner, ok := m.Payload["Data"].(map[string]any); ok {
		if v, ok := inner[name]; ok {
			return v, true
		}
	}
	return nil, false
}

func (m Message) str(name string) (string, bool) {
	v, ok := m.field(name)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func (m Message) num(name string) (float64, bool) {
	v, ok := m.field(name)
	if !ok {
		return 0, false
	}
	f, ok := v.(float64)
	return f, ok
}

// PositionTicks returns the playback position carried by the message.
func (m Message) PositionTicks() (int64, bool) {
	f, ok := m.num("PositionTicks")
	if !ok {
		f, ok = m.num("StartPositionTicks")
	}
	return int64(f), ok
}

// IsPaused returns the paused flag carried by state updates.
func (m Message) IsPaused() (bool, bool) {
	v, ok := m.field("IsPaused")
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}

// PlaylistItemID returns the queue item a command refers to.
func (m Message) PlaylistItemID() (string, bool) {
	return m.str("PlaylistItemId")
}

// PlayingItemIndex returns the queue index of the playing item.
func (m Message) PlayingItemIndex() (int, bool) {
	f, ok := m.num("PlayingItemIndex")
	return int(f), ok
}

// GroupID returns the group identity carried by the message.
func (m Message) GroupID() (string, bool) {
	return m.str("GroupId")
}

// GroupName returns the group display name carried by the message.
func (m Message) GroupName() (string, bool) {
	return m.str("GroupName")
}

// State returns the group playback state carried by the message.
func (m Message) State() (model.GroupState, bool) {
	s, ok := m.str("State")
	return model.GroupState(s), ok
}

// Participant returns the participant identity carried by user-joined and
// user-left messages.
func (m Message) Participant() (model.Participant, bool) {
	userID, ok := m.str("UserId")
	if !ok {
		return model.Participant{}, false
	}
	p := model.Participant{UserID: userID}
	p.Username, _ = m.str("UserName")
	p.DeviceID, _ = m.str("DeviceId")
	p.ImageTag, _ = m.str("ImageTag")
	if v, ok := m.field("IsGroupLeader"); ok {
		p.IsGroupLeader, _ = v.(bool)
	}
	return p, true
}

// Participants returns the full membership list carried by group-joined
// messages.
func (m Message) Participants() []model.Participant {
	v, ok := m.field("Participants")
	if !ok {
		return nil
	}
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]model.Participant, 0, len(raw))
	for _, e := range raw {
		obj, ok := e.(map[string]any)
		if !ok {
			continue
		}
		p := model.Participant{}
		p.UserID, _ = obj["UserId"].(string)
		p.Username, _ = obj["UserName"].(string)
		p.DeviceID, _ = obj["DeviceId"].(string)
		p.ImageTag, _ = obj["ImageTag"].(string)
		p.IsGroupLeader, _ = obj["IsGroupLeader"].(bool)
		if p.UserID != "" {
			out = append(out, p)
		}
	}
	return out
}

// PlaylistPairs returns the queue carried by a play-queue broadcast. The
// second return distinguishes "no playlist field" from a legal empty
// playlist, which means the queue was cleared.
func (m Message) PlaylistPairs() ([]QueuePair, bool) {
	v, ok := m.field("Playlist")
	if !ok {
		return nil, false
	}
	raw, ok := v.([]any)
	if !ok {
		return nil, false
	}
	pairs := make([]QueuePair, 0, len(raw))
	for _, e := range raw {
		obj, ok := e.(map[string]any)
		if !ok {
			continue
		}
		p := QueuePair{}
		p.ItemID, _ = obj["ItemId"].(string)
		p.PlaylistItemID, _ = obj["PlaylistItemId"].(string)
		if p.ItemID == "" || p.PlaylistItemID == "" {
			continue
		}
		if name, ok := obj["Name"].(string); ok && name != "" {
			t := &model.Track{ID: p.ItemID, Name: name}
			t.Artist, _ = obj["Artist"].(string)
			t.Album, _ = obj["Album"].(string)
			t.ImageTag, _ = obj["ImageTag"].(string)
			if rt, ok := obj["RunTimeTicks"].(float64); ok {
				t.RunTimeTicks = int64(rt)
			}
			p.Inline = t
		}
		pairs = append(pairs, p)
	}
	return pairs, true
}

// ItemIDs returns the catalog ids of a play-queue broadcast in order.
func (m Message) ItemIDs() []string {
	pairs, ok := m.PlaylistPairs()
	if !ok {
		return nil
	}
	ids := make([]string, 0, len(pairs))
	for _, p := range pairs {
		ids = append(ids, p.ItemID)
	}
	return ids
}

type envelope struct {
	MessageType string          `json:"MessageType"`
	Data        json.RawMessage `json:"Data"`
	MessageID   string          `json:"MessageId,omitempty"`
}

// Decode turns a raw frame into a typed message. Malformed frames and
// unrecognized discriminators decode to KindUnknown; the stream keeps
// flowing regardless of what arrives on it.
func Decode(raw []byte) Message {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Message{Kind: KindUnknown}
	}
	msg := Message{Kind: KindUnknown, MessageID: env.MessageID}
	if len(env.Data) > 0 {
		// Payload stays opaque; accessors pick fields out of it.
		_ = json.Unmarshal(env.Data, &msg.Payload)
	}

	switch env.MessageType {
	case TypeKeepAlive, TypeForceKeepAlive:
		msg.Kind = KindKeepAlive
	case TypeGroupUpdate:
		kind, _ := msg.Payload["Type"].(string)
		msg.Kind = groupUpdateKind(kind)
	case TypeCommand:
		cmd, _ := msg.Payload["Command"].(string)
		msg.Kind = commandKind(cmd)
	}
	return msg
}

func groupUpdateKind(t string) Kind {
	switch t {
	case updateGroupJoined:
		return KindGroupJoined
	case updateGroupLeft:
		return KindGroupLeft
	case updateStateUpdate:
		return KindStateUpdate
	case updateUserJoined:
		return KindUserJoined
	case updateUserLeft:
		return KindUserLeft
	case updatePlayQueue:
		return KindPlayQueue
	case updateNotInGroup:
		return KindNotInGroup
	case updateGroupDoesNotExist:
		return KindGroupDoesNotExist
	case updateLibraryAccessDenied:
		return KindLibraryAccessDenied
	}
	return KindUnknown
}

func commandKind(c string) Kind {
	switch c {
	case commandUnpause:
		return KindCmdUnpause
	case commandPause:
		return KindCmdPause
	case commandStop:
		return KindCmdStop
	case commandSeek:
		return KindCmdSeek
	}
	return KindUnknown
}

// Encode builds an outbound frame with the given envelope type and data.
func Encode(messageType string, data any) ([]byte, error) {
	var (
		raw json.RawMessage
		err error
	)
	if data != nil {
		raw, err = json.Marshal(data)
		if err != nil {
			return nil, err
		}
	}
	return json.Marshal(envelope{MessageType: messageType, Data: raw})
}

// EncodeKeepAlive builds the keepalive echo frame.
func EncodeKeepAlive() []byte {
	b, _ := Encode(TypeKeepAlive, nil)
	return b
}
