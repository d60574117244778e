// Package session holds the authoritative in-memory model of a shared
// listening session and the role arbitration that keeps exactly one
// device driving audio. All session state is owned by a single actor
// goroutine; inbound messages, timer ticks and user commands are
// serialized onto one processing queue.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/PetertheMD/nautune-sub003/clocksync"
	"github.com/PetertheMD/nautune-sub003/model"
	"github.com/PetertheMD/nautune-sub003/queue"
	"github.com/PetertheMD/nautune-sub003/reconnect"
	"github.com/PetertheMD/nautune-sub003/wire"
)

const (
	defaultDriftInterval  = 5 * time.Second
	defaultDriftThreshold = 500 * time.Millisecond
	defaultDebounceWindow = 100 * time.Millisecond
	defaultPlayFlagTTL    = 5 * time.Second

	callsBuffer    = 32
	commandsBuffer = 16
	updatesBuffer  = 16
	driftBuffer    = 4
)

var (
	ErrNoSession = errors.New("no active session")
	ErrNoGroup   = errors.New("no group to rejoin")
)

// API is the REST collaborator the engine drives. Mutations requested
// here come back as authoritative broadcasts on the socket.
type API interface {
	NewGroup(ctx context.Context, name string) error
	JoinGroup(ctx context.Context, groupID string) error
	LeaveGroup(ctx context.Context) error
	Queue(ctx context.Context, itemIDs []string, mode string) error
	RemoveFromQueue(ctx context.Context, playlistItemIDs []string) error
	MoveItem(ctx context.Context, playlistItemID string, newIndex int) error
	SetNewQueue(ctx context.Context, itemIDs []string, startIndex int) error
	Unpause(ctx context.Context) error
	Pause(ctx context.Context) error
	Seek(ctx context.Context, positionTicks int64) error
	SetCurrentItem(ctx context.Context, playlistItemID string) error
	Next(ctx context.Context, playlistItemID string) error
	Previous(ctx context.Context, playlistItemID string) error
	SetReady(ctx context.Context, positionTicks int64, isPlaying bool) error
	SetBuffering(ctx context.Context, positionTicks int64, isPlaying bool) error
	Ping(ctx context.Context, sentAt time.Time) error
	GetItems(ctx context.Context, ids []string) ([]model.Track, error)
}

// Transport is the persistent message channel.
type Transport interface {
	Connect(ctx context.Context) error
	Inbound() <-chan wire.Message
	StateChanges() <-chan bool
	Close() error
}

// Update is one coalesced notification of observable engine state.
type Update struct {
	Active      bool
	Session     model.Session
	Quality     model.ConnectionQuality
	ClockOffset time.Duration
	Reconnect   model.ReconnectionState
}

// DriftCheck carries the position a sailor should be at right now.
type DriftCheck struct {
	ExpectedTicks int64
	CheckedAt     time.Time
}

// Identity is the local user as seen by other participants.
type Identity struct {
	UserID   string
	Username string
	DeviceID string
	ImageTag string
}

type attribution struct {
	userID   string
	username string
	imageTag string
}

type Config struct {
	Logger    *zerolog.Logger
	Clock     clock.Clock
	API       API
	Transport Transport
	Identity  Identity

	MaxReconnectAttempts int
	QueueCacheSize       int
	DriftInterval        time.Duration
	DriftThreshold       time.Duration
	DebounceWindow       time.Duration
	PlayFlagTTL          time.Duration
}

type Engine struct {
	logger zerolog.Logger
	clk    clock.Clock
	api    API
	tr     Transport
	rec    *queue.Reconciler
	recon  *reconnect.Controller
	probe  *clocksync.Synchronizer
	local  Identity

	calls    chan func()
	commands chan model.PlayerCommand
	updates  chan Update
	driftc   chan DriftCheck

	driftInterval  time.Duration
	driftThreshold time.Duration
	debounceWindow time.Duration
	playFlagTTL    time.Duration

	// Everything below is owned by the actor goroutine. A nil sess is
	// the NoSession state; handlers must check it before touching
	// session fields.
	sess            *model.Session
	lastGroupID     string
	userLeft        bool
	playRequested   bool
	playRequestedAt time.Time
	quality         model.ConnectionQuality
	clockOffset     time.Duration
	reconState      model.ReconnectionState
	attribution     map[string]attribution
	dirty           bool
	notifyTimer     *clock.Timer
}

func New(cfg Config) (*Engine, error) {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	rec, err := queue.NewReconciler(queue.Config{
		Logger:    cfg.Logger,
		CacheSize: cfg.QueueCacheSize,
	})
	if err != nil {
		return nil, err
	}

	e := &Engine{
		logger:         cfg.Logger.With().Str("component", "session").Logger(),
		clk:            clk,
		api:            cfg.API,
		tr:             cfg.Transport,
		rec:            rec,
		local:          cfg.Identity,
		calls:          make(chan func(), callsBuffer),
		commands:       make(chan model.PlayerCommand, commandsBuffer),
		updates:        make(chan Update, updatesBuffer),
		driftc:         make(chan DriftCheck, driftBuffer),
		driftInterval:  cfg.DriftInterval,
		driftThreshold: cfg.DriftThreshold,
		debounceWindow: cfg.DebounceWindow,
		playFlagTTL:    cfg.PlayFlagTTL,
		quality:        model.QualityGood,
		attribution:    make(map[string]attribution),
	}
	if e.driftInterval <= 0 {
		e.driftInterval = defaultDriftInterval
	}
	if e.driftThreshold <= 0 {
		e.driftThreshold = defaultDriftThreshold
	}
	if e.debounceWindow <= 0 {
		e.debounceWindow = defaultDebounceWindow
	}
	if e.playFlagTTL <= 0 {
		e.playFlagTTL = defaultPlayFlagTTL
	}

	e.probe = clocksync.New(clocksync.Config{
		Logger: cfg.Logger,
		Clock:  clk,
		Pinger: cfg.API,
	})
	e.recon = reconnect.New(reconnect.Config{
		Logger:      cfg.Logger,
		Clock:       clk,
		MaxAttempts: cfg.MaxReconnectAttempts,
		Rejoin:      e.rejoin,
		OnAttempt: func(st model.ReconnectionState) {
			e.post(func() {
				e.reconState = st
				e.markDirty()
			})
		},
		OnSuccess: func() {
			e.post(e.reconnected)
		},
		OnExhausted: func() {
			e.post(func() {
				e.terminate("reconnection attempts exhausted")
			})
		},
	})
	return e, nil
}

// Commands is the outward stream of normalized playback commands for the
// audio collaborator.
func (e *Engine) Commands() <-chan model.PlayerCommand {
	return e.commands
}

// Updates is the coalesced session-changed stream.
func (e *Engine) Updates() <-chan Update {
	return e.updates
}

// Drift is the periodic expected-position stream for sailors.
func (e *Engine) Drift() <-chan DriftCheck {
	return e.driftc
}

// Run connects the transport and processes events until the context is
// cancelled. It owns all session mutations.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.tr.Connect(ctx); err != nil {
		return err
	}
	go e.probe.Run(ctx)

	drift := e.clk.Ticker(e.driftInterval)
	defer drift.Stop()
	e.notifyTimer = e.clk.Timer(time.Hour)
	e.notifyTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			e.recon.Cancel()
			_ = e.tr.Close()
			return ctx.Err()
		case msg := <-e.tr.Inbound():
			e.dispatch(ctx, msg)
		case up := <-e.tr.StateChanges():
			e.transportState(ctx, up)
		case u := <-e.probe.Updates():
			e.qualityUpdate(u)
		case <-drift.C:
			e.driftTick()
		case <-e.notifyTimer.C:
			e.flush()
		case fn := <-e.calls:
			fn()
		}
	}
}

// do runs fn on the actor and waits for it. It must not be called from
// the actor goroutine itself.
func (e *Engine) do(fn func()) {
	done := make(chan struct{})
	e.calls <- func() {
		fn()
		close(done)
	}
	<-done
}

// post runs fn on the actor without waiting for it. Posts from one
// goroutine run in order. Like do, it must not be called from the actor
// goroutine itself.
func (e *Engine) post(fn func()) {
	e.calls <- fn
}

func (e *Engine) transportState(ctx context.Context, up bool) {
	if up {
		e.logger.Debug().Msg("transport up")
		return
	}
	e.logger.Warn().Msg("transport down")
	e.quality = model.QualityDisconnected
	e.markDirty()
	if e.sess == nil || e.userLeft {
		return
	}
	if e.recon.Start(ctx) {
		e.logger.Debug().Msg("reconnection cycle started")
	}
}

// rejoin is invoked by the reconnection controller from its own
// goroutine, once per attempt.
func (e *Engine) rejoin(ctx context.Context) error {
	var groupID string
	e.do(func() {
		groupID = e.lastGroupID
	})
	if groupID == "" {
		return ErrNoGroup
	}
	if err := e.tr.Connect(ctx); err != nil {
		return err
	}
	// Joining makes the server push a fresh queue snapshot; nothing
	// held from before the outage is trusted, the snapshot replaces it.
	return e.api.JoinGroup(ctx, groupID)
}

func (e *Engine) reconnected() {
	e.reconState = model.ReconnectionState{}
	e.probe.Reset()
	e.quality = model.QualityGood
	e.clockOffset = 0
	e.markDirty()
}

func (e *Engine) qualityUpdate(u clocksync.Update) {
	if e.quality == u.Quality && e.clockOffset == u.ClockOffset {
		return
	}
	e.quality = u.Quality
	e.clockOffset = u.ClockOffset
	e.markDirty()
}

// terminate destroys the session with no retry and clears the remembered
// group so a stale attempt cannot resurrect it.
func (e *Engine) terminate(reason string) {
	e.logger.Warn().Str("reason", reason).Msg("session terminated")
	e.recon.Cancel()
	e.sess = nil
	e.lastGroupID = ""
	e.playRequested = false
	e.reconState = model.ReconnectionState{}
	e.notifyNow()
}

func (e *Engine) driftTick() {
	if e.sess == nil || e.sess.Role != model.RoleSailor || e.sess.IsPaused {
		return
	}
	now := e.clk.Now()
	check := DriftCheck{
		ExpectedTicks: expectedTicks(e.sess, now),
		CheckedAt:     now,
	}
	select {
	case e.driftc <- check:
	default:
	}
}

func expectedTicks(s *model.Session, now time.Time) int64 {
	elapsed := now.Sub(s.LastSyncTime)
	return s.PositionTicks + elapsed.Milliseconds()*model.TicksPerMillisecond
}

// NeedsCorrection reports whether the gap between the expected and the
// actually decoded position warrants a corrective local seek. Sailors
// only detect drift; they never broadcast a correction.
func (e *Engine) NeedsCorrection(expectedTicks, actualTicks int64) bool {
	delta := expectedTicks - actualTicks
	if delta < 0 {
		delta = -delta
	}
	return delta > e.driftThreshold.Milliseconds()*model.TicksPerMillisecond
}

// ExpectedPosition returns where playback should be right now, false when
// no session is active.
func (e *Engine) ExpectedPosition() (int64, bool) {
	var (
		ticks int64
		ok    bool
	)
	e.do(func() {
		if e.sess == nil {
			return
		}
		ok = true
		if e.sess.IsPaused {
			ticks = e.sess.PositionTicks
			return
		}
		ticks = expectedTicks(e.sess, e.clk.Now())
	})
	return ticks, ok
}

// Snapshot returns a copy of the current session, false when none is
// active.
func (e *Engine) Snapshot() (model.Session, bool) {
	var (
		snap   model.Session
		active bool
	)
	e.do(func() {
		if e.sess == nil {
			return
		}
		snap = copySession(e.sess)
		active = true
	})
	return snap, active
}

// Reconnecting returns the state of an active reconnection cycle.
func (e *Engine) Reconnecting() model.ReconnectionState {
	var st model.ReconnectionState
	e.do(func() {
		st = e.reconState
	})
	return st
}

func copySession(s *model.Session) model.Session {
	out := *s
	out.Queue = append([]model.QueueEntry(nil), s.Queue...)
	out.Group.Participants = append([]model.Participant(nil), s.Group.Participants...)
	return out
}

func (e *Engine) emit(kind model.CommandKind, positionTicks int64, trackIndex int) {
	cmd := model.PlayerCommand{
		Kind:          kind,
		PositionTicks: positionTicks,
		TrackIndex:    trackIndex,
	}
	select {
	case e.commands <- cmd:
		e.logger.Debug().Str("kind", string(kind)).Int64("ticks", positionTicks).Msg("command emitted")
	default:
		e.logger.Error().Str("kind", string(kind)).Msg("command dropped, consumer not reading")
	}
}

// markDirty schedules a coalesced change notification.
func (e *Engine) markDirty() {
	if e.dirty {
		return
	}
	e.dirty = true
	if e.notifyTimer != nil {
		e.notifyTimer.Reset(e.debounceWindow)
	}
}

// notifyNow bypasses the debounce window for terminal transitions.
func (e *Engine) notifyNow() {
	if e.notifyTimer != nil {
		e.notifyTimer.Stop()
	}
	e.dirty = false
	e.publish()
}

func (e *Engine) flush() {
	if !e.dirty {
		return
	}
	e.dirty = false
	e.publish()
}

func (e *Engine) publish() {
	u := Update{
		Quality:     e.quality,
		ClockOffset: e.clockOffset,
		Reconnect:   e.reconState,
	}
	if e.sess != nil {
		u.Active = true
		u.Session = copySession(e.sess)
	}
	select {
	case e.updates <- u:
	default:
		e.logger.Debug().Msg("session update dropped, consumer stalled")
	}
}
