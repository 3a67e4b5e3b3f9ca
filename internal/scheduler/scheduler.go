package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// TickFunc is invoked on every interval with the tick's nominal time.
type TickFunc func(ctx context.Context, now time.Time) error

// Options tune scheduler behaviour.
type Options struct {
	Name          string
	Interval      time.Duration
	AlignToBucket bool
	StartupDelay  time.Duration
}

// Scheduler drives one cadence. Ticks run serially: when a tick overruns the
// next due time, the missed tick is skipped, never queued.
type Scheduler struct {
	opts   Options
	logger zerolog.Logger
}

// New constructs a Scheduler instance.
func New(opts Options, logger zerolog.Logger) *Scheduler {
	if opts.Interval <= 0 {
		panic("scheduler interval must be positive")
	}
	return &Scheduler{
		opts:   opts,
		logger: logger.With().Str("component", "scheduler").Str("loop", opts.Name).Logger(),
	}
}

// Run blocks, invoking the tick function each interval until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context, tick TickFunc) error {
	if s.opts.StartupDelay > 0 {
		timer := time.NewTimer(s.opts.StartupDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	next := s.nextTick(time.Now().UTC())
	for {
		delay := time.Until(next)
		if delay < 0 {
			// Previous tick ran past the due time; drop the backlog.
			skipped := next
			next = s.nextTick(time.Now().UTC())
			delay = time.Until(next)
			s.logger.Warn().Time("skipped", skipped).Time("next", next).Msg("tick overran, skipping to next interval")
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
			timer.Stop()
		}

		now := next
		if !s.opts.AlignToBucket {
			now = time.Now().UTC()
		}
		if err := tick(ctx, now); err != nil {
			s.logger.Error().Err(err).Time("tick", now).Msg("tick execution failed")
		}

		next = next.Add(s.opts.Interval)
	}
}

func (s *Scheduler) nextTick(now time.Time) time.Time {
	if !s.opts.AlignToBucket {
		return now.Add(s.opts.Interval)
	}
	bucket := now.Truncate(s.opts.Interval)
	if !bucket.After(now) {
		bucket = bucket.Add(s.opts.Interval)
	}
	return bucket
}

// Group supervises a set of named loops sharing one cancellation.
type Group struct {
	logger zerolog.Logger

	loops  []loop
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type loop struct {
	opts Options
	tick TickFunc
}

// NewGroup constructs an empty loop group.
func NewGroup(logger zerolog.Logger) *Group {
	return &Group{logger: logger}
}

// Add registers a loop. Must be called before Start.
func (g *Group) Add(opts Options, tick TickFunc) {
	g.loops = append(g.loops, loop{opts: opts, tick: tick})
}

// Start launches every registered loop on its own goroutine.
func (g *Group) Start(ctx context.Context) {
	ctx, g.cancel = context.WithCancel(ctx)
	for _, l := range g.loops {
		sched := New(l.opts, g.logger)
		g.wg.Add(1)
		go func(name string, tick TickFunc) {
			defer g.wg.Done()
			if err := sched.Run(ctx, tick); err != nil && ctx.Err() == nil {
				g.logger.Error().Err(err).Str("loop", name).Msg("loop terminated")
			}
		}(l.opts.Name, l.tick)
	}
}

// Go runs one extra goroutine under the group's lifecycle.
func (g *Group) Go(fn func()) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		fn()
	}()
}

// Stop cancels every loop and waits for in-flight ticks to finish.
func (g *Group) Stop() {
	if g.cancel != nil {
		g.cancel()
	}
	g.wg.Wait()
}
