package clocksync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PetertheMD/nautune-sub003/model"
)

// fakePinger advances the mock clock by rtt during the round trip, so
// Probe measures exactly that latency.
type fakePinger struct {
	clk *clock.Mock
	rtt time.Duration
	err error
}

func (p *fakePinger) Ping(_ context.Context, _ time.Time) error {
	if p.err != nil {
		return p.err
	}
	p.clk.Add(p.rtt)
	return nil
}

func newTestSynchronizer(rtt time.Duration) (*Synchronizer, *fakePinger) {
	logger := zerolog.Nop()
	mock := clock.NewMock()
	pinger := &fakePinger{clk: mock, rtt: rtt}
	s := New(Config{Logger: &logger, Clock: mock, Pinger: pinger})
	return s, pinger
}

func TestClassify(t *testing.T) {
	assert.Equal(t, model.QualityGood, Classify(50*time.Millisecond))
	assert.Equal(t, model.QualityModerate, Classify(150*time.Millisecond))
	assert.Equal(t, model.QualityPoor, Classify(500*time.Millisecond))
}

func TestProbeQualityThresholds(t *testing.T) {
	for rtt, want := range map[time.Duration]model.ConnectionQuality{
		50 * time.Millisecond:  model.QualityGood,
		150 * time.Millisecond: model.QualityModerate,
		500 * time.Millisecond: model.QualityPoor,
	} {
		s, _ := newTestSynchronizer(rtt)
		u := s.Probe(context.Background())
		assert.Equal(t, want, u.Quality, "rtt=%v", rtt)
		assert.Equal(t, rtt, u.SmoothedRTT)
		assert.Equal(t, rtt/2, u.ClockOffset)
	}
}

func TestProbeSendFailure(t *testing.T) {
	s, pinger := newTestSynchronizer(0)
	pinger.err = errors.New("socket gone")

	u := s.Probe(context.Background())
	assert.Equal(t, model.QualityDisconnected, u.Quality)
	assert.Equal(t, model.QualityDisconnected, s.Quality())
}

func TestWindowBound(t *testing.T) {
	s, pinger := newTestSynchronizer(10 * time.Millisecond)

	// Ten cycles with increasing latency; the window holds only the
	// last five samples and the smoothed value is their mean.
	var last Update
	for i := 1; i <= 10; i++ {
		pinger.rtt = time.Duration(i) * 10 * time.Millisecond
		last = s.Probe(context.Background())
		assert.LessOrEqual(t, s.WindowLen(), windowSize)
	}
	require.Equal(t, windowSize, s.WindowLen())

	// Samples 6..10 are 60,70,80,90,100ms; mean is 80ms.
	assert.Equal(t, 80*time.Millisecond, last.SmoothedRTT)
	assert.Equal(t, 40*time.Millisecond, last.ClockOffset)
}

func TestSmoothingAbsorbsSpike(t *testing.T) {
	s, pinger := newTestSynchronizer(50 * time.Millisecond)
	for i := 0; i < 4; i++ {
		s.Probe(context.Background())
	}
	pinger.rtt = 550 * time.Millisecond
	u := s.Probe(context.Background())

	// One bad sample among four good ones: (4*50+550)/5 = 150ms.
	assert.Equal(t, 150*time.Millisecond, u.SmoothedRTT)
	assert.Equal(t, model.QualityModerate, u.Quality)
}

func TestReset(t *testing.T) {
	s, pinger := newTestSynchronizer(500 * time.Millisecond)
	s.Probe(context.Background())
	require.Equal(t, model.QualityPoor, s.Quality())

	s.Reset()
	assert.Equal(t, model.QualityGood, s.Quality())
	assert.Equal(t, 0, s.WindowLen())

	// The window restarts clean; the old poor samples are gone.
	pinger.rtt = 50 * time.Millisecond
	u := s.Probe(context.Background())
	assert.Equal(t, 50*time.Millisecond, u.SmoothedRTT)
}

func TestIntervalAdaptsToQuality(t *testing.T) {
	s, pinger := newTestSynchronizer(50 * time.Millisecond)
	assert.Equal(t, intervalHealthy, s.interval())

	pinger.err = errors.New("socket gone")
	s.Probe(context.Background())
	assert.Equal(t, intervalDegraded, s.interval())

	pinger.err = nil
	s.Probe(context.Background())
	assert.Equal(t, intervalHealthy, s.interval())
}

func TestUpdatesPublished(t *testing.T) {
	s, _ := newTestSynchronizer(50 * time.Millisecond)
	s.Probe(context.Background())
	select {
	case u := <-s.Updates():
		assert.Equal(t, model.QualityGood, u.Quality)
	default:
		t.Fatal("no update published")
	}
}
