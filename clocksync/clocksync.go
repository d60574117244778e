// Package clocksync estimates how stale position data is. It probes the
// server round trip on a timer, keeps a small rolling latency window and
// derives a smoothed clock offset plus a discrete quality label.
package clocksync

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/PetertheMD/nautune-sub003/model"
)

const (
	windowSize = 5

	// The probe rate tightens exactly when information is least
	// trustworthy.
	intervalHealthy  = 15 * time.Second
	intervalDegraded = 5 * time.Second

	thresholdGood     = 100 * time.Millisecond
	thresholdModerate = 300 * time.Millisecond

	updateBuffer = 8
)

// Pinger sends one round-trip probe carrying the local send timestamp and
// returns once the ack arrives.
type Pinger interface {
	Ping(ctx context.Context, sentAt time.Time) error
}

// Update is one probe outcome.
type Update struct {
	Quality     model.ConnectionQuality
	SmoothedRTT time.Duration
	ClockOffset time.Duration
}

type Config struct {
	Logger *zerolog.Logger
	Clock  clock.Clock
	Pinger Pinger
}

type Synchronizer struct {
	logger  zerolog.Logger
	clk     clock.Clock
	pinger  Pinger
	updates chan Update

	mu      sync.Mutex
	window  []time.Duration
	quality model.ConnectionQuality
}

func New(cfg Config) *Synchronizer {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &Synchronizer{
		logger:  cfg.Logger.With().Str("component", "clocksync").Logger(),
		clk:     clk,
		pinger:  cfg.Pinger,
		updates: make(chan Update, updateBuffer),
		window:  make([]time.Duration, 0, windowSize),
		quality: model.QualityGood,
	}
}

// Updates is the stream of probe outcomes.
func (s *Synchronizer) Updates() <-chan Update {
	return s.updates
}

// Quality returns the current classification.
func (s *Synchronizer) Quality() model.ConnectionQuality {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.quality
}

// Reset clears the sample window and restores an optimistic baseline,
// used after a successful rejoin.
func (s *Synchronizer) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.window = s.window[:0]
	s.quality = model.QualityGood
}

// Run probes until the context is cancelled. The timer is stopped and
// re-armed every cycle so an interval change caused by a quality boundary
// crossing takes effect on the next probe, never additively.
func (s *Synchronizer) Run(ctx context.Context) {
	timer := s.clk.Timer(s.interval())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			s.Probe(ctx)
			timer.Stop()
			timer.Reset(s.interval())
		}
	}
}

// Probe performs one round trip and folds the outcome into the window.
// A send failure classifies the connection as disconnected immediately;
// it does not trigger reconnection, that is the transport's job.
func (s *Synchronizer) Probe(ctx context.Context) Update {
	sentAt := s.clk.Now()
	if err := s.pinger.Ping(ctx, sentAt); err != nil {
		s.logger.Debug().Err(err).Msg("probe failed")
		return s.publish(Update{Quality: model.QualityDisconnected})
	}
	return s.observe(s.clk.Now().Sub(sentAt))
}

func (s *Synchronizer) observe(rtt time.Duration) Update {
	s.mu.Lock()
	if len(s.window) == windowSize {
		s.window = s.window[1:]
	}
	s.window = append(s.window, rtt)
	var sum time.Duration
	for _, d := range s.window {
		sum += d
	}
	smoothed := sum / time.Duration(len(s.window))
	s.mu.Unlock()

	return s.publish(Update{
		Quality:     Classify(smoothed),
		SmoothedRTT: smoothed,
		ClockOffset: smoothed / 2,
	})
}

func (s *Synchronizer) publish(u Update) Update {
	s.mu.Lock()
	prev := s.quality
	s.quality = u.Quality
	s.mu.Unlock()

	if prev.Degraded() != u.Quality.Degraded() {
		s.logger.Debug().
			Str("from", string(prev)).
			Str("to", string(u.Quality)).
			Msg("probe interval boundary crossed")
	}
	select {
	case s.updates <- u:
	default:
		s.logger.Debug().Msg("quality update dropped, consumer stalled")
	}
	return u
}

func (s *Synchronizer) interval() time.Duration {
	if s.Quality().Degraded() {
		return intervalDegraded
	}
	return intervalHealthy
}

// Classify maps a smoothed round-trip time onto a quality label.
func Classify(rtt time.Duration) model.ConnectionQuality {
	switch {
	case rtt < thresholdGood:
		return model.QualityGood
	case rtt < thresholdModerate:
		return model.QualityModerate
	default:
		return model.QualityPoor
	}
}

// WindowLen reports the current sample count, bounded by the window
// capacity.
func (s *Synchronizer) WindowLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.window)
}
