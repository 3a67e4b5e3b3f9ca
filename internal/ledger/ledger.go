package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"market-sentry/internal/market"
)

var (
	// ErrOutOfOrder indicates a batch carried a snapshot older than the series tail.
	ErrOutOfOrder = errors.New("ledger: out-of-order snapshot")
)

// SnapshotStore persists accepted snapshots. Optional.
type SnapshotStore interface {
	InsertSnapshots(ctx context.Context, snapshots []market.PriceSnapshot) error
	DeleteSnapshotsBefore(ctx context.Context, cutoff time.Time) error
}

// Options tune the ledger.
type Options struct {
	// Retention is the longest supported window plus a safety margin.
	Retention time.Duration
	// GCInterval is the background collection cadence.
	GCInterval time.Duration
}

// Ledger is an append-only store of price observations with windowed
// percent-change rankings. Retention pruning is serialized per symbol
// against ranking reads.
type Ledger struct {
	opts   Options
	store  SnapshotStore
	logger zerolog.Logger
	now    func() time.Time

	mu     sync.RWMutex
	series map[seriesKey]*series

	gcCancel context.CancelFunc
	gcDone   chan struct{}
}

type seriesKey struct {
	symbol      string
	granularity string
}

type series struct {
	mu        sync.Mutex
	snapshots []market.PriceSnapshot
}

// New constructs a ledger.
func New(opts Options, store SnapshotStore, logger zerolog.Logger) *Ledger {
	if opts.Retention <= 0 {
		opts.Retention = 8 * 24 * time.Hour
	}
	if opts.GCInterval <= 0 {
		opts.GCInterval = 10 * time.Minute
	}
	return &Ledger{
		opts:   opts,
		store:  store,
		logger: logger.With().Str("component", "ledger").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
		series: make(map[seriesKey]*series),
	}
}

// Store validates and appends a batch. The whole batch is rejected when any
// record is invalid or older than its series tail; nothing is written partially.
func (l *Ledger) Store(ctx context.Context, batch []market.PriceSnapshot) error {
	if len(batch) == 0 {
		return nil
	}

	for i, snap := range batch {
		if err := snap.Validate(); err != nil {
			return fmt.Errorf("batch[%d]: %w", i, err)
		}
	}

	grouped := make(map[seriesKey][]market.PriceSnapshot)
	for _, snap := range batch {
		key := seriesKey{symbol: snap.Symbol, granularity: snap.Granularity}
		grouped[key] = append(grouped[key], snap)
	}

	// Check ordering against every affected series before touching any of them.
	for key, snaps := range grouped {
		for i := 1; i < len(snaps); i++ {
			if !snaps[i].CapturedAt.After(snaps[i-1].CapturedAt) {
				return fmt.Errorf("%w: %s/%s at %s", ErrOutOfOrder, key.symbol, key.granularity, snaps[i].CapturedAt)
			}
		}
		if s := l.lookup(key); s != nil {
			s.mu.Lock()
			if n := len(s.snapshots); n > 0 && !snaps[0].CapturedAt.After(s.snapshots[n-1].CapturedAt) {
				s.mu.Unlock()
				return fmt.Errorf("%w: %s/%s at %s", ErrOutOfOrder, key.symbol, key.granularity, snaps[0].CapturedAt)
			}
			s.mu.Unlock()
		}
	}

	if l.store != nil {
		if err := l.store.InsertSnapshots(ctx, batch); err != nil {
			return fmt.Errorf("persist snapshots: %w", err)
		}
	}

	for key, snaps := range grouped {
		s := l.getOrCreate(key)
		s.mu.Lock()
		s.snapshots = append(s.snapshots, snaps...)
		s.mu.Unlock()
	}
	return nil
}

// Seed appends retained snapshots without re-persisting them, for rebuilds
// from the snapshot store. Input must be ordered by capture time per series.
func (l *Ledger) Seed(snapshots []market.PriceSnapshot) {
	for _, snap := range snapshots {
		s := l.getOrCreate(seriesKey{symbol: snap.Symbol, granularity: snap.Granularity})
		s.mu.Lock()
		if n := len(s.snapshots); n == 0 || snap.CapturedAt.After(s.snapshots[n-1].CapturedAt) {
			s.snapshots = append(s.snapshots, snap)
		}
		s.mu.Unlock()
	}
}

// Latest returns the most recent snapshot of a series, if any.
func (l *Ledger) Latest(symbol, granularity string) (market.PriceSnapshot, bool) {
	s := l.lookup(seriesKey{symbol: symbol, granularity: granularity})
	if s == nil {
		return market.PriceSnapshot{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.snapshots) == 0 {
		return market.PriceSnapshot{}, false
	}
	return s.snapshots[len(s.snapshots)-1], true
}

// Gainers ranks every symbol with at least two in-window snapshots by percent
// change, descending, ties broken by symbol lexical order. Returns at most
// limit entries plus the arithmetic mean of all qualifying changes.
func (l *Ledger) Gainers(granularity string, window time.Duration, limit int) ([]market.RankedSymbol, decimal.Decimal) {
	now := l.now()
	cutoff := now.Add(-window)

	l.mu.RLock()
	keys := make([]seriesKey, 0, len(l.series))
	for key := range l.series {
		if key.granularity == granularity {
			keys = append(keys, key)
		}
	}
	l.mu.RUnlock()

	changes := make([]market.RankedSymbol, 0, len(keys))
	sum := decimal.Zero
	for _, key := range keys {
		s := l.lookup(key)
		if s == nil {
			continue
		}
		s.mu.Lock()
		earliest, latest, count := windowEdges(s.snapshots, cutoff, now)
		s.mu.Unlock()
		if count < 2 {
			continue
		}
		change := latest.Price.Sub(earliest.Price).Div(earliest.Price).Mul(decimal.NewFromInt(100))
		changes = append(changes, market.RankedSymbol{Symbol: key.symbol, PercentChange: change})
		sum = sum.Add(change)
	}

	sort.Slice(changes, func(i, j int) bool {
		cmp := changes[i].PercentChange.Cmp(changes[j].PercentChange)
		if cmp != 0 {
			return cmp > 0
		}
		return changes[i].Symbol < changes[j].Symbol
	})

	mean := decimal.Zero
	if len(changes) > 0 {
		mean = sum.Div(decimal.NewFromInt(int64(len(changes))))
	}

	if limit > 0 && len(changes) > limit {
		changes = changes[:limit]
	}
	for i := range changes {
		changes[i].Rank = i + 1
	}
	return changes, mean
}

func windowEdges(snapshots []market.PriceSnapshot, cutoff, now time.Time) (earliest, latest market.PriceSnapshot, count int) {
	// Snapshots are append-ordered; find the first in-window entry.
	first := sort.Search(len(snapshots), func(i int) bool {
		return !snapshots[i].CapturedAt.Before(cutoff)
	})
	for i := first; i < len(snapshots); i++ {
		if snapshots[i].CapturedAt.After(now) {
			break
		}
		if count == 0 {
			earliest = snapshots[i]
		}
		latest = snapshots[i]
		count++
	}
	return earliest, latest, count
}

// Replay invokes fn for every retained snapshot of a granularity in capture order.
func (l *Ledger) Replay(granularity string, fn func(market.PriceSnapshot)) {
	l.mu.RLock()
	keys := make([]seriesKey, 0, len(l.series))
	for key := range l.series {
		if key.granularity == granularity {
			keys = append(keys, key)
		}
	}
	l.mu.RUnlock()

	for _, key := range keys {
		s := l.lookup(key)
		if s == nil {
			continue
		}
		s.mu.Lock()
		copied := make([]market.PriceSnapshot, len(s.snapshots))
		copy(copied, s.snapshots)
		s.mu.Unlock()
		for _, snap := range copied {
			fn(snap)
		}
	}
}

// Symbols lists the symbols currently holding a series for a granularity.
func (l *Ledger) Symbols(granularity string) []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	symbols := make([]string, 0, len(l.series))
	for key := range l.series {
		if key.granularity == granularity {
			symbols = append(symbols, key.symbol)
		}
	}
	sort.Strings(symbols)
	return symbols
}

// Window returns copies of the snapshots of one series inside [from, to].
func (l *Ledger) Window(symbol, granularity string, from, to time.Time) []market.PriceSnapshot {
	s := l.lookup(seriesKey{symbol: symbol, granularity: granularity})
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]market.PriceSnapshot, 0)
	for _, snap := range s.snapshots {
		if snap.CapturedAt.Before(from) || snap.CapturedAt.After(to) {
			continue
		}
		out = append(out, snap)
	}
	return out
}

// PruneExpired drops snapshots older than the retention horizon. Each series
// is trimmed under its own lock so rankings over other symbols proceed.
func (l *Ledger) PruneExpired(ctx context.Context) {
	cutoff := l.now().Add(-l.opts.Retention)

	l.mu.RLock()
	all := make([]*series, 0, len(l.series))
	for _, s := range l.series {
		all = append(all, s)
	}
	l.mu.RUnlock()

	pruned := 0
	for _, s := range all {
		s.mu.Lock()
		idx := sort.Search(len(s.snapshots), func(i int) bool {
			return !s.snapshots[i].CapturedAt.Before(cutoff)
		})
		if idx > 0 {
			pruned += idx
			s.snapshots = append([]market.PriceSnapshot(nil), s.snapshots[idx:]...)
		}
		s.mu.Unlock()
	}

	if l.store != nil {
		if err := l.store.DeleteSnapshotsBefore(ctx, cutoff); err != nil {
			l.logger.Error().Err(err).Msg("failed to prune persisted snapshots")
		}
	}
	if pruned > 0 {
		l.logger.Debug().Int("pruned", pruned).Time("cutoff", cutoff).Msg("expired snapshots collected")
	}
}

// StartGC launches the background retention collector.
func (l *Ledger) StartGC(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	l.gcCancel = cancel
	l.gcDone = make(chan struct{})

	go func() {
		defer close(l.gcDone)
		ticker := time.NewTicker(l.opts.GCInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.PruneExpired(ctx)
			}
		}
	}()
}

// StopGC halts the background collector and waits for it to exit.
func (l *Ledger) StopGC() {
	if l.gcCancel == nil {
		return
	}
	l.gcCancel()
	<-l.gcDone
	l.gcCancel = nil
}

func (l *Ledger) lookup(key seriesKey) *series {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.series[key]
}

func (l *Ledger) getOrCreate(key seriesKey) *series {
	l.mu.Lock()
	defer l.mu.Unlock()
	if s, ok := l.series[key]; ok {
		return s
	}
	s := &series{}
	l.series[key] = s
	return s
}
