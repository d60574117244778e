package session

import (
	"context"

	"github.com/google/uuid"

	"github.com/PetertheMD/nautune-sub003/model"
	"github.com/PetertheMD/nautune-sub003/queue"
)

// User-initiated operations. Each one mutates local state optimistically
// on the actor before the REST call starts, so the UI reflects the action
// immediately. REST failures propagate to the caller; the optimistic
// state is not rolled back, the next authoritative broadcast corrects it.

// Enqueue modes accepted by AddToQueue.
const (
	ModeQueue     = "Queue"
	ModeQueueNext = "QueueNext"
)

// localEntryPrefix marks optimistic queue entries that have no
// server-assigned playlist item id yet.
const localEntryPrefix = "local-"

// CreateGroup asks the server for a new group; the session itself is
// created when the group-joined broadcast arrives.
func (e *Engine) CreateGroup(ctx context.Context, name string) error {
	e.do(func() {
		e.userLeft = false
	})
	return e.api.NewGroup(ctx, name)
}

// JoinGroup requests membership in an existing group. The group id is
// remembered immediately so an outage during the join is recoverable.
func (e *Engine) JoinGroup(ctx context.Context, groupID string) error {
	e.do(func() {
		e.userLeft = false
		e.lastGroupID = groupID
	})
	return e.api.JoinGroup(ctx, groupID)
}

// LeaveGroup destroys the session on purpose: any in-flight reconnection
// is cancelled and the remembered group is cleared so a stale retry
// cannot resurrect what the user intentionally left.
func (e *Engine) LeaveGroup(ctx context.Context) error {
	e.do(func() {
		e.userLeft = true
		e.recon.Cancel()
		e.lastGroupID = ""
		e.playRequested = false
		if e.sess != nil {
			e.sess = nil
			e.notifyNow()
		}
	})
	return e.api.LeaveGroup(ctx)
}

// Play requests group-wide unpause and optimistically takes the baton.
// Audio starts when our own echoed unpause confirms the claim.
func (e *Engine) Play(ctx context.Context) error {
	var err error
	e.do(func() {
		if e.sess == nil {
			err = ErrNoSession
			return
		}
		e.playRequested = true
		e.playRequestedAt = e.clk.Now()
		e.sess.Role = model.RoleCaptain
		e.sess.IsPaused = false
		e.markDirty()
	})
	if err != nil {
		return err
	}
	return e.api.Unpause(ctx)
}

// Pause requests group-wide pause.
func (e *Engine) Pause(ctx context.Context) error {
	var err error
	e.do(func() {
		if e.sess == nil {
			err = ErrNoSession
			return
		}
		e.sess.IsPaused = true
		e.markDirty()
	})
	if err != nil {
		return err
	}
	return e.api.Pause(ctx)
}

// Seek requests a group-wide position change.
func (e *Engine) Seek(ctx context.Context, positionTicks int64) error {
	var err error
	e.do(func() {
		if e.sess == nil {
			err = ErrNoSession
			return
		}
		e.sess.PositionTicks = positionTicks
		e.sess.LastSyncTime = e.clk.Now()
		e.markDirty()
	})
	if err != nil {
		return err
	}
	return e.api.Seek(ctx, positionTicks)
}

// AddToQueue appends items to the shared queue. The local user is
// recorded in the attribution side-table so the eventual broadcast shows
// who added the tracks, and placeholders appear in the queue right away.
func (e *Engine) AddToQueue(ctx context.Context, itemIDs []string, mode string) error {
	if mode == "" {
		mode = ModeQueue
	}
	var err error
	e.do(func() {
		if e.sess == nil {
			err = ErrNoSession
			return
		}
		added := make([]model.QueueEntry, 0, len(itemIDs))
		for _, id := range itemIDs {
			e.attribution[id] = attribution{
				userID:   e.local.UserID,
				username: e.local.Username,
				imageTag: e.local.ImageTag,
			}
			added = append(added, model.QueueEntry{
				Track:           e.placeholderFor(id),
				PlaylistItemID:  localEntryPrefix + uuid.NewString(),
				AddedByUserID:   e.local.UserID,
				AddedByUsername: e.local.Username,
				AddedByImageTag: e.local.ImageTag,
			})
		}
		if mode == ModeQueueNext && e.sess.CurrentIndex >= 0 {
			at := e.sess.CurrentIndex + 1
			rest := append([]model.QueueEntry(nil), e.sess.Queue[at:]...)
			e.sess.Queue = append(append(e.sess.Queue[:at], added...), rest...)
		} else {
			e.sess.Queue = append(e.sess.Queue, added...)
		}
		e.markDirty()
	})
	if err != nil {
		return err
	}
	return e.api.Queue(ctx, itemIDs, mode)
}

// RemoveFromQueue removes entries by their playlist item id.
func (e *Engine) RemoveFromQueue(ctx context.Context, playlistItemIDs []string) error {
	var err error
	e.do(func() {
		if e.sess == nil {
			err = ErrNoSession
			return
		}
		drop := make(map[string]struct{}, len(playlistItemIDs))
		for _, id := range playlistItemIDs {
			drop[id] = struct{}{}
		}
		var currentPID string
		if cur, ok := e.sess.CurrentEntry(); ok {
			currentPID = cur.PlaylistItemID
		}
		kept := e.sess.Queue[:0]
		for _, entry := range e.sess.Queue {
			if _, gone := drop[entry.PlaylistItemID]; !gone {
				kept = append(kept, entry)
			}
		}
		e.sess.Queue = kept
		e.sess.CurrentIndex = indexOf(kept, currentPID)
		e.markDirty()
	})
	if err != nil {
		return err
	}
	return e.api.RemoveFromQueue(ctx, playlistItemIDs)
}

// MoveItem reorders one entry to a new index.
func (e *Engine) MoveItem(ctx context.Context, playlistItemID string, newIndex int) error {
	var err error
	e.do(func() {
		if e.sess == nil {
			err = ErrNoSession
			return
		}
		from := indexOf(e.sess.Queue, playlistItemID)
		if from < 0 || newIndex < 0 || newIndex >= len(e.sess.Queue) {
			return
		}
		var currentPID string
		if cur, ok := e.sess.CurrentEntry(); ok {
			currentPID = cur.PlaylistItemID
		}
		entry := e.sess.Queue[from]
		q := append(e.sess.Queue[:from], e.sess.Queue[from+1:]...)
		q = append(q[:newIndex], append([]model.QueueEntry{entry}, q[newIndex:]...)...)
		e.sess.Queue = q
		e.sess.CurrentIndex = indexOf(q, currentPID)
		e.markDirty()
	})
	if err != nil {
		return err
	}
	return e.api.MoveItem(ctx, playlistItemID, newIndex)
}

// PlayNow replaces the queue and starts from the given index.
func (e *Engine) PlayNow(ctx context.Context, itemIDs []string, startIndex int) error {
	var err error
	e.do(func() {
		if e.sess == nil {
			err = ErrNoSession
			return
		}
		q := make([]model.QueueEntry, 0, len(itemIDs))
		for _, id := range itemIDs {
			q = append(q, model.QueueEntry{
				Track:          e.placeholderFor(id),
				PlaylistItemID: localEntryPrefix + uuid.NewString(),
			})
		}
		e.sess.Queue = q
		if startIndex < 0 || startIndex >= len(q) {
			startIndex = 0
		}
		if len(q) == 0 {
			startIndex = -1
		}
		e.sess.CurrentIndex = startIndex
		e.sess.PositionTicks = 0
		e.sess.LastSyncTime = e.clk.Now()
		e.markDirty()
	})
	if err != nil {
		return err
	}
	return e.api.SetNewQueue(ctx, itemIDs, startIndex)
}

// SetCurrent jumps playback to a specific queue entry.
func (e *Engine) SetCurrent(ctx context.Context, playlistItemID string) error {
	var err error
	e.do(func() {
		if e.sess == nil {
			err = ErrNoSession
			return
		}
		if idx := indexOf(e.sess.Queue, playlistItemID); idx >= 0 {
			e.sess.CurrentIndex = idx
			e.sess.PositionTicks = 0
			e.sess.LastSyncTime = e.clk.Now()
			e.markDirty()
		}
	})
	if err != nil {
		return err
	}
	return e.api.SetCurrentItem(ctx, playlistItemID)
}

// Next advances to the following queue entry.
func (e *Engine) Next(ctx context.Context) error {
	pid, err := e.step(1)
	if err != nil {
		return err
	}
	return e.api.Next(ctx, pid)
}

// Previous returns to the preceding queue entry.
func (e *Engine) Previous(ctx context.Context) error {
	pid, err := e.step(-1)
	if err != nil {
		return err
	}
	return e.api.Previous(ctx, pid)
}

// step optimistically moves the current index and returns the playlist
// item id of the entry the move was issued against.
func (e *Engine) step(delta int) (string, error) {
	var (
		pid string
		err error
	)
	e.do(func() {
		if e.sess == nil {
			err = ErrNoSession
			return
		}
		cur, ok := e.sess.CurrentEntry()
		if !ok {
			err = ErrNoSession
			return
		}
		pid = cur.PlaylistItemID
		next := e.sess.CurrentIndex + delta
		if next >= 0 && next < len(e.sess.Queue) {
			e.sess.CurrentIndex = next
			e.sess.PositionTicks = 0
			e.sess.LastSyncTime = e.clk.Now()
			e.markDirty()
		}
	})
	return pid, err
}

// ReportBuffering tells the group this device is stalled; the server
// holds playback for groups configured to wait.
func (e *Engine) ReportBuffering(ctx context.Context, positionTicks int64, isPlaying bool) error {
	return e.api.SetBuffering(ctx, positionTicks, isPlaying)
}

// ReportReady tells the group this device finished buffering.
func (e *Engine) ReportReady(ctx context.Context, positionTicks int64, isPlaying bool) error {
	return e.api.SetReady(ctx, positionTicks, isPlaying)
}

// placeholderFor builds an optimistic track, resolved from the metadata
// cache when possible so known tracks render immediately.
func (e *Engine) placeholderFor(id string) model.Track {
	probe := []model.QueueEntry{{Track: model.Track{ID: id, Placeholder: true}}}
	if resolved, n := e.rec.ResolveInto(probe); n == 1 {
		return resolved[0].Track
	}
	return model.Track{ID: id, Name: queue.PlaceholderName, Placeholder: true}
}
