package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/kjstillabower/station-forecast-service/internal/observability"
)

// Fetcher is implemented by the service layer. WarmLocation computes and
// caches every result kind for one location. Declared here to avoid a
// dependency on the service package.
type Fetcher interface {
	WarmLocation(ctx context.Context, location string) error
}

// Warmer prefetches results for a fixed set of locations.
type Warmer struct {
	fetcher   Fetcher
	locations []string
	logger    *zap.Logger
	timeout   time.Duration

	mu   sync.Mutex
	cron *cron.Cron
}

// NewWarmer creates a Warmer. timeout bounds each scheduled run (0 = none).
func NewWarmer(fetcher Fetcher, locations []string, timeout time.Duration, logger *zap.Logger) *Warmer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Warmer{fetcher: fetcher, locations: locations, timeout: timeout, logger: logger}
}

// Warm fetches every location concurrently. Returns the joined errors of
// the locations that failed.
func (w *Warmer) Warm(ctx context.Context) error {
	start := time.Now()
	observability.CacheWarmingTotal.Inc()
	w.logger.Info("warming cache", zap.Int("locations", len(w.locations)))

	var wg sync.WaitGroup
	errCh := make(chan error, len(w.locations))
	for _, loc := range w.locations {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := w.fetcher.WarmLocation(ctx, loc); err != nil {
				errCh <- fmt.Errorf("warm %s: %w", loc, err)
			}
		}()
	}
	wg.Wait()
	close(errCh)

	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}
	duration := time.Since(start).Seconds()
	observability.CacheWarmingDurationSeconds.Observe(duration)
	w.logger.Info("cache warming complete",
		zap.Int("locations", len(w.locations)),
		zap.Int("errors", len(errs)),
		zap.Float64("duration_seconds", duration))
	if len(errs) > 0 {
		observability.CacheWarmingErrorsTotal.Inc()
		return fmt.Errorf("cache warming: %w", errors.Join(errs...))
	}
	return nil
}

// Schedule runs Warm on the cron spec (standard five fields) in tz until
// Stop is called or ctx is done.
func (w *Warmer) Schedule(ctx context.Context, spec string, tz *time.Location) error {
	if tz == nil {
		tz = time.UTC
	}
	c := cron.New(cron.WithLocation(tz))
	if _, err := c.AddFunc(spec, func() { w.runScheduled(ctx) }); err != nil {
		return fmt.Errorf("add warm schedule %q: %w", spec, err)
	}

	w.mu.Lock()
	if w.cron != nil {
		w.mu.Unlock()
		return errors.New("warm schedule already running")
	}
	w.cron = c
	w.mu.Unlock()

	c.Start()
	w.logger.Info("cache warming scheduled", zap.String("schedule", spec), zap.String("timezone", tz.String()))
	go func() {
		<-ctx.Done()
		w.Stop()
	}()
	return nil
}

func (w *Warmer) runScheduled(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if w.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.timeout)
		defer cancel()
	}
	if err := w.Warm(ctx); err != nil {
		w.logger.Warn("scheduled cache warm failed", zap.Error(err))
	}
}

// Stop halts the schedule and waits for a running warm to finish.
func (w *Warmer) Stop() {
	w.mu.Lock()
	c := w.cron
	w.cron = nil
	w.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}
