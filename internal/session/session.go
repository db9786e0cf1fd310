// Package session gives every vehicle connection its own controller,
// optimizer and episode manager.
package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/san-kum/pidtune/internal/episode"
	"github.com/san-kum/pidtune/internal/metrics"
	"github.com/san-kum/pidtune/internal/storage"
)

// Factory holds what sessions of one process share. Store and Metrics are
// optional.
type Factory struct {
	Config   episode.Config
	Tuning   episode.Tuning
	Throttle float64
	Sinks    episode.Sinks
	Logger   *zap.Logger
	Store    *storage.Store
	Metrics  *metrics.Collector
}

type Session struct {
	ID        string
	Transport string
	Started   time.Time
	Throttle  float64

	mgr     *episode.Manager
	rec     *storage.Recorder
	metrics *metrics.Collector
	log     *zap.Logger
	closed  bool
}

func (f *Factory) New(transport string) (*Session, error) {
	log := f.Logger
	if log == nil {
		log = zap.NewNop()
	}
	id := uuid.NewString()
	log = log.With(zap.String("session", id), zap.String("transport", transport))

	mgr, err := episode.NewManager(f.Config, f.Tuning, f.Sinks, log)
	if err != nil {
		return nil, err
	}

	s := &Session{
		ID:        id,
		Transport: transport,
		Started:   time.Now(),
		Throttle:  f.Throttle,
		mgr:       mgr,
		metrics:   f.Metrics,
		log:       log,
	}

	if f.Store != nil {
		s.rec = storage.NewRecorder(f.Store, storage.RunMetadata{
			ID:             id,
			Transport:      transport,
			Timestamp:      s.Started,
			Throttle:       f.Throttle,
			InitialGains:   f.Tuning.Gains,
			Steps:          append([]float64(nil), f.Tuning.Steps...),
			Tolerance:      f.Tuning.Tolerance,
			DistanceBudget: f.Config.DistanceBudget,
		})
		mgr.AddObserver(s.rec)
	}
	if f.Metrics != nil {
		mgr.AddObserver(f.Metrics)
		f.Metrics.SessionStarted()
	}

	log.Info("session started", zap.Float64s("gains", f.Tuning.Gains.Vector()), zap.Float64("throttle", f.Throttle))
	return s, nil
}

// Handle answers one telemetry sample. Terminal outcomes close the session.
func (s *Session) Handle(cte, speed float64) (episode.Result, error) {
	res, err := s.mgr.Step(cte, speed, s.Throttle)
	if err != nil {
		if errors.Is(err, episode.ErrInvalidSample) {
			s.log.Warn("dropping invalid sample", zap.Error(err))
		}
		return res, err
	}
	if res.Outcome.Terminal() {
		s.release()
		if s.rec != nil && s.rec.Err() != nil {
			return res, fmt.Errorf("session %s: save run: %w", s.ID, s.rec.Err())
		}
	}
	return res, nil
}

// Close ends a session that stopped receiving telemetry before a terminal
// outcome. The partial run is stored as interrupted.
func (s *Session) Close() error {
	if s.closed {
		return nil
	}
	s.release()

	if s.mgr.Summary() != nil || s.rec == nil {
		return nil
	}
	s.log.Info("session interrupted", zap.Int("episodes", s.mgr.Episodes()), zap.Int("samples", s.mgr.Samples()))
	return s.rec.Flush("interrupted", episode.Summary{
		BestGains: s.mgr.BestGains(),
		BestCost:  s.mgr.BestCost(),
		Episodes:  s.mgr.Episodes(),
		Samples:   s.mgr.Samples(),
	})
}

func (s *Session) release() {
	if s.closed {
		return
	}
	s.closed = true
	if s.metrics != nil {
		s.metrics.SessionEnded()
	}
}

func (s *Session) Manager() *episode.Manager { return s.mgr }

func (s *Session) Closed() bool { return s.closed }
