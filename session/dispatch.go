package session

import (
	"context"

	"github.com/PetertheMD/nautune-sub003/model"
	"github.com/PetertheMD/nautune-sub003/wire"
)

// noTrack marks commands that carry no queue position.
const noTrack = -1

func (e *Engine) dispatch(ctx context.Context, msg wire.Message) {
	e.logger.Trace().Str("kind", msg.Kind.String()).Msg("dispatching")

	switch msg.Kind {
	case wire.KindGroupJoined:
		e.onGroupJoined(msg)
	case wire.KindGroupLeft, wire.KindNotInGroup:
		// NotInGroup means the server dropped us; same cleanup as an
		// acknowledged leave.
		e.onGroupLeft()
	case wire.KindGroupDoesNotExist:
		e.terminate("group does not exist")
	case wire.KindLibraryAccessDenied:
		e.terminate("library access denied")
	case wire.KindStateUpdate:
		e.onStateUpdate(msg)
	case wire.KindUserJoined:
		e.onUserJoined(msg)
	case wire.KindUserLeft:
		e.onUserLeft(msg)
	case wire.KindPlayQueue:
		e.onPlayQueue(ctx, msg)
	case wire.KindCmdUnpause:
		e.onUnpause(ctx, msg)
	case wire.KindCmdPause:
		e.onPause(msg)
	case wire.KindCmdSeek:
		e.onSeek(msg)
	case wire.KindCmdStop:
		e.onStop()
	default:
		e.logger.Debug().Str("kind", msg.Kind.String()).Msg("message discarded")
	}
}

func (e *Engine) onGroupJoined(msg wire.Message) {
	groupID, ok := msg.GroupID()
	if !ok {
		e.logger.Error().Msg("group-joined without group id")
		return
	}
	name, _ := msg.GroupName()
	state, stateOK := msg.State()
	if !stateOK {
		state = model.GroupIdle
	}

	e.userLeft = false
	e.lastGroupID = groupID
	e.playRequested = false
	e.sess = &model.Session{
		Group: model.Group{
			ID:           groupID,
			Name:         name,
			Participants: msg.Participants(),
			State:        state,
		},
		CurrentIndex: -1,
		IsPaused:     state != model.GroupPlaying,
		Role:         model.RoleSailor,
		LastSyncTime: e.clk.Now(),
	}
	e.logger.Info().Str("groupID", groupID).Str("groupName", name).Msg("joined group")
	e.markDirty()
}

func (e *Engine) onGroupLeft() {
	if e.sess == nil {
		return
	}
	e.logger.Info().Str("groupID", e.sess.Group.ID).Msg("left group")
	e.recon.Cancel()
	e.sess = nil
	e.lastGroupID = ""
	e.playRequested = false
	e.notifyNow()
}

func (e *Engine) onStateUpdate(msg wire.Message) {
	if e.sess == nil {
		return
	}
	state, ok := msg.State()
	if !ok {
		return
	}
	paused := state != model.GroupPlaying
	flipped := paused != e.sess.IsPaused

	e.sess.Group.State = state
	e.sess.IsPaused = paused
	if ticks, ok := msg.PositionTicks(); ok {
		e.sess.PositionTicks = ticks
		e.sess.LastSyncTime = e.clk.Now()
	}

	// One command per qualifying transition, not one per changed field.
	if flipped {
		if paused {
			e.emit(model.CommandPause, e.sess.PositionTicks, noTrack)
		} else {
			e.emit(model.CommandPlay, e.sess.PositionTicks, e.sess.CurrentIndex)
		}
	}
	e.markDirty()
}

func (e *Engine) onUserJoined(msg wire.Message) {
	if e.sess == nil {
		return
	}
	p, ok := msg.Participant()
	if !ok {
		return
	}
	for _, existing := range e.sess.Group.Participants {
		if existing.Key() == p.Key() {
			return
		}
	}
	e.sess.Group.Participants = append(e.sess.Group.Participants, p)
	e.logger.Debug().Str("userID", p.UserID).Str("username", p.Username).Msg("user joined")
	e.markDirty()
}

func (e *Engine) onUserLeft(msg wire.Message) {
	if e.sess == nil {
		return
	}
	p, ok := msg.Participant()
	if !ok {
		return
	}
	members := e.sess.Group.Participants
	for i, existing := range members {
		if existing.Key() == p.Key() {
			e.sess.Group.Participants = append(members[:i], members[i+1:]...)
			e.logger.Debug().Str("userID", p.UserID).Msg("user left")
			e.markDirty()
			return
		}
	}
}

func (e *Engine) onPlayQueue(ctx context.Context, msg wire.Message) {
	if e.sess == nil {
		return
	}
	pairs, ok := msg.PlaylistPairs()
	if !ok {
		e.logger.Error().Msg("play-queue update without playlist")
		return
	}

	// An empty playlist is a real message: the queue was cleared.
	if len(pairs) == 0 {
		e.sess.Queue = nil
		e.sess.CurrentIndex = -1
		e.markDirty()
		return
	}

	entries, missing := e.rec.Reconcile(e.sess.Queue, pairs)
	e.applyAttribution(entries)
	e.sess.Queue = entries

	if idx, ok := msg.PlayingItemIndex(); ok {
		if idx < 0 || idx >= len(entries) {
			idx = -1
		}
		e.sess.CurrentIndex = idx
	} else if e.sess.CurrentIndex >= len(entries) {
		e.sess.CurrentIndex = -1
	}
	if ticks, ok := msg.PositionTicks(); ok {
		e.sess.PositionTicks = ticks
		e.sess.LastSyncTime = e.clk.Now()
	}
	e.markDirty()

	if len(missing) > 0 {
		go e.fetchMissing(ctx, missing)
	}
}

// fetchMissing resolves metadata for every placeholder in one batched
// request and folds the result back onto the actor.
func (e *Engine) fetchMissing(ctx context.Context, ids []string) {
	tracks, err := e.api.GetItems(ctx, ids)
	if err != nil {
		e.logger.Error().Err(err).Int("count", len(ids)).Msg("metadata fetch failed")
		return
	}
	e.post(func() {
		e.rec.StoreResolved(tracks)
		if e.sess == nil {
			return
		}
		q, filled := e.rec.ResolveInto(e.sess.Queue)
		if filled == 0 {
			return
		}
		e.sess.Queue = q
		e.applyAttribution(q)
		e.markDirty()
	})
}

// applyAttribution restores "who added this" from the side-table keyed on
// catalog id, so re-resolution and reordering never lose it.
func (e *Engine) applyAttribution(entries []model.QueueEntry) {
	for i, entry := range entries {
		if a, ok := e.attribution[entry.Track.ID]; ok {
			entries[i].AddedByUserID = a.userID
			entries[i].AddedByUsername = a.username
			entries[i].AddedByImageTag = a.imageTag
		}
	}
}

// onUnpause is the baton arbitration. The server echoes every command to
// all members including the sender, so our own play request comes back
// here too; the playRequested flag tells the two cases apart.
func (e *Engine) onUnpause(ctx context.Context, msg wire.Message) {
	if e.sess == nil {
		return
	}

	initiated := e.playRequested &&
		e.clk.Now().Sub(e.playRequestedAt) <= e.playFlagTTL
	if e.playRequested && !initiated {
		e.logger.Warn().Msg("stale play request flag expired, treating unpause as remote")
	}
	e.playRequested = false

	wasDriving := e.sess.Role == model.RoleCaptain && !e.sess.IsPaused

	if ticks, ok := msg.PositionTicks(); ok {
		e.sess.PositionTicks = ticks
	}
	e.sess.LastSyncTime = e.clk.Now()
	e.sess.IsPaused = false
	e.sess.Group.State = model.GroupPlaying

	if initiated {
		// Confirmation of our own request: the baton stays here.
		e.sess.Role = model.RoleCaptain
		e.emit(model.CommandPlay, e.sess.PositionTicks, e.sess.CurrentIndex)
		pos := e.sess.PositionTicks
		go func() {
			if err := e.api.SetReady(ctx, pos, true); err != nil {
				e.logger.Debug().Err(err).Msg("ready report failed")
			}
		}()
	} else {
		// Someone else took the baton. If we were producing audio we
		// must stop, or the group hears two sources.
		e.sess.Role = model.RoleSailor
		if wasDriving {
			e.emit(model.CommandStop, 0, noTrack)
		}
	}
	e.markDirty()
}

func (e *Engine) onPause(msg wire.Message) {
	if e.sess == nil {
		return
	}
	if ticks, ok := msg.PositionTicks(); ok {
		e.sess.PositionTicks = ticks
	}
	e.sess.LastSyncTime = e.clk.Now()
	e.sess.IsPaused = true
	e.sess.Group.State = model.GroupPaused
	e.emit(model.CommandPause, e.sess.PositionTicks, noTrack)
	e.markDirty()
}

func (e *Engine) onSeek(msg wire.Message) {
	if e.sess == nil {
		return
	}
	if ticks, ok := msg.PositionTicks(); ok {
		e.sess.PositionTicks = ticks
	}
	e.sess.LastSyncTime = e.clk.Now()
	if pid, ok := msg.PlaylistItemID(); ok {
		if idx := indexOf(e.sess.Queue, pid); idx >= 0 {
			e.sess.CurrentIndex = idx
		}
	}
	e.emit(model.CommandSeek, e.sess.PositionTicks, e.sess.CurrentIndex)
	e.markDirty()
}

func (e *Engine) onStop() {
	if e.sess == nil {
		return
	}
	e.sess.IsPaused = true
	e.sess.PositionTicks = 0
	e.sess.CurrentIndex = -1
	e.sess.Group.State = model.GroupIdle
	e.emit(model.CommandStop, 0, noTrack)
	e.markDirty()
}

func indexOf(entries []model.QueueEntry, playlistItemID string) int {
	for i, e := range entries {
		if e.PlaylistItemID == playlistItemID {
			return i
		}
	}
	return -1
}
