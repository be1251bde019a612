// Package sequencer stamps accepted events with a cluster-wide sequence
// number and, in unicast mode, fans the stamped event out to every other
// member so each applies the identical update.
package sequencer

import (
	"context"
	"log/slog"
	"sync/atomic"

	"golang.org/x/time/rate"

	"github.com/c360/attrstream/cluster"
	"github.com/c360/attrstream/errors"
	"github.com/c360/attrstream/event"
	"github.com/c360/attrstream/metric"
)

// Applier hands a stamped event to the local dispatch pipeline
type Applier func(ctx context.Context, ev *event.Event) error

// Config configures a Sequencer
type Config struct {
	Resource string
	// Unicast re-broadcasts locally accepted events and applies events
	// broadcast by other members.
	Unicast bool
}

// Deps are the collaborators of a Sequencer
type Deps struct {
	Counter     cluster.Counter
	Broadcaster cluster.Broadcaster
	Membership  cluster.Membership
	Apply       Applier
	Metrics     *metric.Metrics
	Logger      *slog.Logger
}

// Sequencer orders events for one resource
type Sequencer struct {
	cfg         Config
	counter     cluster.Counter
	broadcaster cluster.Broadcaster
	membership  cluster.Membership
	apply       Applier
	metrics     *metric.Metrics
	logger      *slog.Logger
	warnLimit   *rate.Limiter

	started atomic.Bool
	last    atomic.Uint64
}

// New validates the dependencies. A broadcaster is required in unicast mode.
func New(cfg Config, deps Deps) (*Sequencer, error) {
	if deps.Counter == nil || deps.Membership == nil || deps.Apply == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Sequencer", "New", "check dependencies")
	}
	if cfg.Unicast && deps.Broadcaster == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Sequencer", "New", "check broadcaster for unicast mode")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Sequencer{
		cfg:         cfg,
		counter:     deps.Counter,
		broadcaster: deps.Broadcaster,
		membership:  deps.Membership,
		apply:       deps.Apply,
		metrics:     deps.Metrics,
		logger:      logger.With("component", "sequencer", "resource", cfg.Resource, "node", deps.Membership.LocalNode()),
		warnLimit:   rate.NewLimiter(rate.Limit(1), 5),
	}, nil
}

// Start subscribes to the broadcast channel in unicast mode
func (s *Sequencer) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Sequencer", "Start", "start sequencer")
	}
	if !s.cfg.Unicast {
		return nil
	}
	if err := s.broadcaster.Subscribe(ctx, s.receive); err != nil {
		s.started.Store(false)
		return errors.WrapTransient(err, "Sequencer", "Start", "subscribe to broadcasts")
	}
	return nil
}

// Accept stamps ev with the next sequence number and the local origin,
// applies it locally and, in unicast mode while the member is active,
// broadcasts the stamped event. A failed broadcast is logged; the local
// application stands.
func (s *Sequencer) Accept(ctx context.Context, ev *event.Event) error {
	seq, err := s.counter.Next(ctx, s.cfg.Resource)
	if err != nil {
		return errors.WrapTransient(err, "Sequencer", "Accept", "obtain sequence number")
	}
	ev.Sequence = seq
	ev.Origin = s.membership.LocalNode()
	s.observe(seq)

	if err := s.apply(ctx, ev); err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.RecordEventAccepted(s.cfg.Resource, false)
	}

	if s.cfg.Unicast && s.membership.IsActive() {
		if err := s.broadcaster.Broadcast(ctx, ev.Clone()); err != nil && s.warnLimit.Allow() {
			s.logger.Warn("broadcast failed", "event_id", ev.ID, "sequence", seq, "error", err)
		}
	}
	return nil
}

// receive applies a stamped event broadcast by another member. Own
// broadcasts and unstamped events are skipped.
func (s *Sequencer) receive(ctx context.Context, ev *event.Event) {
	if ev.Origin == s.membership.LocalNode() {
		return
	}
	if ev.Sequence == 0 {
		if s.warnLimit.Allow() {
			s.logger.Warn("dropping unsequenced broadcast", "event_id", ev.ID, "origin", ev.Origin)
		}
		return
	}

	s.observe(ev.Sequence)
	if err := s.apply(ctx, ev); err != nil {
		if s.warnLimit.Allow() {
			s.logger.Warn("remote event not applied", "event_id", ev.ID, "origin", ev.Origin, "sequence", ev.Sequence, "error", err)
		}
		return
	}
	if s.metrics != nil {
		s.metrics.RecordEventAccepted(s.cfg.Resource, true)
	}
}

func (s *Sequencer) observe(seq uint64) {
	for {
		last := s.last.Load()
		if seq <= last || s.last.CompareAndSwap(last, seq) {
			return
		}
	}
}

// LastSequence returns the highest sequence number seen locally
func (s *Sequencer) LastSequence() uint64 {
	return s.last.Load()
}

// Unicast reports whether the sequencer fans events out
func (s *Sequencer) Unicast() bool {
	return s.cfg.Unicast
}
