package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"

	"market-sentry/internal/alerting"
	"market-sentry/internal/ledger"
	"market-sentry/internal/market"
	"market-sentry/internal/pushconfig"
	"market-sentry/internal/ranking"
	"market-sentry/internal/scheduler"
)

// Options tune the dispatcher.
type Options struct {
	// TopN is the ranking depth the trigger loops diff against.
	TopN int
	// OITopN is the open-interest ranking depth.
	OITopN int
	// Cooldown suppresses repeat breakthrough alerts for an unchanged bucket.
	Cooldown time.Duration
	// ScheduleInterval is the eligibility-check cadence of the schedule loop.
	ScheduleInterval time.Duration
	// TriggerCadences maps each monitored timeframe to its trigger-loop tick.
	TriggerCadences map[market.Timeframe]time.Duration
	// OICadences maps each lookback to its open-interest tick.
	OICadences map[market.Timeframe]time.Duration
}

func (o *Options) applyDefaults() {
	if o.TopN <= 0 {
		o.TopN = 10
	}
	if o.OITopN <= 0 {
		o.OITopN = 10
	}
	if o.Cooldown <= 0 {
		o.Cooldown = time.Hour
	}
	if o.ScheduleInterval <= 0 {
		o.ScheduleInterval = time.Minute
	}
	if len(o.TriggerCadences) == 0 {
		o.TriggerCadences = map[market.Timeframe]time.Duration{
			market.Timeframe1h:  3 * time.Minute,
			market.Timeframe4h:  15 * time.Minute,
			market.Timeframe24h: 30 * time.Minute,
		}
	}
	if len(o.OICadences) == 0 {
		o.OICadences = map[market.Timeframe]time.Duration{
			market.Timeframe1h:  3 * time.Minute,
			market.Timeframe4h:  15 * time.Minute,
			market.Timeframe24h: 30 * time.Minute,
		}
	}
}

// Stats summarises dispatch activity.
type Stats struct {
	Total          uint64
	PerKind        map[pushconfig.Kind]uint64
	EnabledConfigs map[pushconfig.Kind]int
}

// Dispatcher runs the independently clocked push loops. Each loop owns its
// slice of dedup state; shared maps are serialized behind one mutex.
type Dispatcher struct {
	opts     Options
	rankings *ranking.Engine
	oiLedger *ledger.Ledger
	configs  *pushconfig.Store
	deliver  alerting.Deliverer
	logger   zerolog.Logger
	now      func() time.Time

	events chan market.BreakthroughEvent
	group  *scheduler.Group

	mu       sync.Mutex
	lastSent map[string]time.Time
	lastTop  map[string]map[market.Timeframe]map[string]int
	sent     uint64
	perKind  map[pushconfig.Kind]uint64

	// notified holds breakthrough buckets already alerted inside the
	// cool-down window; entries expire on their own.
	notified *gocache.Cache
}

// New constructs the dispatcher.
func New(opts Options, rankings *ranking.Engine, oiLedger *ledger.Ledger, configs *pushconfig.Store, deliver alerting.Deliverer, logger zerolog.Logger) *Dispatcher {
	opts.applyDefaults()
	return &Dispatcher{
		opts:     opts,
		rankings: rankings,
		oiLedger: oiLedger,
		configs:  configs,
		deliver:  deliver,
		logger:   logger.With().Str("component", "dispatcher").Logger(),
		now:      func() time.Time { return time.Now().UTC() },
		events:   make(chan market.BreakthroughEvent, 256),
		lastSent: make(map[string]time.Time),
		lastTop:  make(map[string]map[market.Timeframe]map[string]int),
		perKind:  make(map[pushconfig.Kind]uint64),
		notified: gocache.New(opts.Cooldown, 2*opts.Cooldown),
	}
}

// Publish hands a breakthrough event to the breakthrough loop. Never blocks;
// when the buffer is full the event is dropped and logged.
func (d *Dispatcher) Publish(ev market.BreakthroughEvent) {
	select {
	case d.events <- ev:
	default:
		d.logger.Warn().Str("symbol", ev.Symbol).Str("timeframe", string(ev.Timeframe)).Msg("event buffer full, breakthrough dropped")
	}
}

// Start launches every loop. Loops never block one another; a slow tick
// delays only its own cadence.
func (d *Dispatcher) Start(ctx context.Context) {
	d.group = scheduler.NewGroup(d.logger)

	d.group.Add(scheduler.Options{Name: "schedule", Interval: d.opts.ScheduleInterval}, d.scheduleTick)

	for tf, cadence := range d.opts.TriggerCadences {
		tf := tf
		d.group.Add(scheduler.Options{Name: "trigger_" + string(tf), Interval: cadence}, func(ctx context.Context, now time.Time) error {
			return d.triggerTick(ctx, tf, now)
		})
	}

	for tf, cadence := range d.opts.OICadences {
		tf := tf
		d.group.Add(scheduler.Options{Name: "oi_" + string(tf), Interval: cadence}, func(ctx context.Context, now time.Time) error {
			return d.openInterestTick(ctx, tf, now)
		})
	}

	d.group.Start(ctx)
	d.group.Go(func() { d.consumeEvents(ctx) })
	d.logger.Info().Msg("dispatcher loops started")
}

// Stop cancels all loops and waits for in-flight ticks.
func (d *Dispatcher) Stop() {
	if d.group != nil {
		d.group.Stop()
	}
}

// RunScheduleTick executes one schedule pass immediately, outside the loop
// lifecycle. Used by the simulate command.
func (d *Dispatcher) RunScheduleTick(ctx context.Context, now time.Time) error {
	return d.scheduleTick(ctx, now)
}

// Stats reports total and per-kind push counts plus enabled config counts.
func (d *Dispatcher) Stats(ctx context.Context) Stats {
	d.mu.Lock()
	perKind := make(map[pushconfig.Kind]uint64, len(d.perKind))
	for kind, n := range d.perKind {
		perKind[kind] = n
	}
	stats := Stats{Total: d.sent, PerKind: perKind}
	d.mu.Unlock()

	stats.EnabledConfigs = make(map[pushconfig.Kind]int, 3)
	for _, kind := range []pushconfig.Kind{pushconfig.KindSchedule, pushconfig.KindTrigger, pushconfig.KindBreakthrough} {
		configs, err := d.configs.ListEnabled(ctx, kind)
		if err != nil {
			d.logger.Error().Err(err).Str("kind", string(kind)).Msg("failed to count enabled configs")
			continue
		}
		stats.EnabledConfigs[kind] = len(configs)
	}
	return stats
}

// send delivers with one in-tick retry; a second failure is logged and the
// message dropped so the loop never stalls.
func (d *Dispatcher) send(ctx context.Context, kind pushconfig.Kind, userID int64, message string) bool {
	err := d.deliver.Deliver(ctx, userID, message)
	if err != nil {
		d.logger.Warn().Err(err).Int64("user_id", userID).Msg("delivery failed, retrying once")
		err = d.deliver.Deliver(ctx, userID, message)
	}
	if err != nil {
		d.logger.Error().Err(err).Int64("user_id", userID).Str("kind", string(kind)).Msg("delivery dropped after retry")
		return false
	}

	d.mu.Lock()
	d.sent++
	d.perKind[kind]++
	d.mu.Unlock()
	return true
}

func breakthroughBucket(configID, symbol string, tf market.Timeframe, threshold string) string {
	return fmt.Sprintf("%s|%s|%s|%s", configID, symbol, tf, threshold)
}
