package refresh

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rickgao/socialsync/internal/dispatch"
	"github.com/rickgao/socialsync/internal/protocol"
)

// Refetcher reloads one domain's data from the REST API.
type Refetcher interface {
	Refetch(ctx context.Context) error
}

// RefetcherFunc is a function adapter for Refetcher.
type RefetcherFunc func(ctx context.Context) error

func (f RefetcherFunc) Refetch(ctx context.Context) error {
	return f(ctx)
}

// Config holds refresher configuration.
type Config struct {
	Interval    time.Duration // Periodic refresh; 0 refreshes on reconnect only
	Concurrency int           // Max concurrent refetches (default: 4)
	Timeout     time.Duration // Per-refetch timeout (default: 15s)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Concurrency: 4,
		Timeout:     15 * time.Second,
	}
}

// Stats reports refresh activity.
type Stats struct {
	Cycles   int64
	Failures int64
	LastRun  time.Time
}

// Refresher runs the registered refetchers whenever local data may be stale.
type Refresher struct {
	cfg    Config
	logger *slog.Logger

	mu        sync.Mutex
	refetches map[string]Refetcher

	trigger chan struct{}
	cycles  atomic.Int64
	fails   atomic.Int64
	lastRun atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Refresher.
func New(cfg Config, logger *slog.Logger) *Refresher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConfig().Concurrency
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	return &Refresher{
		cfg:       cfg,
		logger:    logger.With("component", "refresh"),
		refetches: make(map[string]Refetcher),
		trigger:   make(chan struct{}, 1),
	}
}

// Register adds a refetcher under name, replacing any previous one.
func (r *Refresher) Register(name string, f Refetcher) {
	r.mu.Lock()
	r.refetches[name] = f
	r.mu.Unlock()
}

// Attach subscribes the refresher to connect events on d. Only reconnects
// trigger a cycle; the first connect finds nothing stale.
func (r *Refresher) Attach(d *dispatch.Dispatcher) dispatch.Unsubscribe {
	return dispatch.Handle(d, protocol.EventConnect, func(info protocol.ConnectInfo) error {
		if info.Reconnect {
			r.Trigger()
		}
		return nil
	})
}

// Trigger requests a refresh cycle. Requests made while one is queued are
// coalesced.
func (r *Refresher) Trigger() {
	select {
	case r.trigger <- struct{}{}:
	default:
	}
}

// Start begins the refresh loop.
func (r *Refresher) Start(ctx context.Context) error {
	r.ctx, r.cancel = context.WithCancel(ctx)

	r.wg.Add(1)
	go r.run()

	r.logger.Info("refresher started",
		"interval", r.cfg.Interval,
		"concurrency", r.cfg.Concurrency,
	)
	return nil
}

// Stop cancels any running cycle and waits for the loop to exit.
func (r *Refresher) Stop(ctx context.Context) error {
	if r.cancel != nil {
		r.cancel()
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Info("refresher stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns refresh counters.
func (r *Refresher) Stats() Stats {
	s := Stats{Cycles: r.cycles.Load(), Failures: r.fails.Load()}
	if ns := r.lastRun.Load(); ns != 0 {
		s.LastRun = time.Unix(0, ns)
	}
	return s
}

func (r *Refresher) run() {
	defer r.wg.Done()

	var tick <-chan time.Time
	if r.cfg.Interval > 0 {
		ticker := time.NewTicker(r.cfg.Interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-r.trigger:
			r.RefreshAll(r.ctx)
		case <-tick:
			r.RefreshAll(r.ctx)
		}
	}
}

// RefreshAll runs every refetcher once and returns the joined failures.
// Failures are logged and do not stop the other refetchers.
func (r *Refresher) RefreshAll(ctx context.Context) error {
	start := time.Now()

	r.mu.Lock()
	names := make([]string, 0, len(r.refetches))
	for name := range r.refetches {
		names = append(names, name)
	}
	targets := make(map[string]Refetcher, len(r.refetches))
	for name, f := range r.refetches {
		targets[name] = f
	}
	r.mu.Unlock()
	sort.Strings(names)

	var (
		mu   sync.Mutex
		errs []error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Concurrency)
	for _, name := range names {
		f := targets[name]
		g.Go(func() error {
			callCtx, cancel := context.WithTimeout(gctx, r.cfg.Timeout)
			defer cancel()

			if err := f.Refetch(callCtx); err != nil {
				r.logger.Warn("refetch failed", "domain", name, "err", err)
				r.fails.Add(1)
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			// The group never fails; errors are collected above.
			return nil
		})
	}
	_ = g.Wait()

	r.cycles.Add(1)
	r.lastRun.Store(start.UnixNano())
	r.logger.Info("refresh cycle complete",
		"domains", len(names),
		"errors", len(errs),
		"duration", time.Since(start),
	)
	return errors.Join(errs...)
}
