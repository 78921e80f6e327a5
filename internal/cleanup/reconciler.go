// Package cleanup resets requests left in processing by an interrupted verification.
package cleanup

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/shrimpsizemoose/trekker/logger"

	"github.com/shrimpsizemoose/avlokan/internal/metrics"
	"github.com/shrimpsizemoose/avlokan/internal/models"
	"github.com/shrimpsizemoose/avlokan/internal/store"
)

const (
	DefaultThreshold = time.Hour
	DefaultInterval  = time.Hour

	RemarkStale = "previously stuck at processing"
)

type Config struct {
	Threshold time.Duration
	Interval  time.Duration
}

type Reconciler struct {
	store     store.CertificateStore
	now       func() time.Time
	threshold time.Duration
	interval  time.Duration

	mu        sync.Mutex
	scheduler *gocron.Scheduler
	sweepMu   sync.Mutex
	cancel    context.CancelFunc
}

func NewReconciler(st store.CertificateStore, now func() time.Time, cfg Config) *Reconciler {
	if now == nil {
		now = time.Now
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	return &Reconciler{
		store:     st,
		now:       now,
		threshold: cfg.Threshold,
		interval:  cfg.Interval,
	}
}

func (r *Reconciler) cutoff() time.Time {
	return r.now().UTC().Add(-r.threshold)
}

// ListStale returns requests that have been processing for longer than the threshold.
func (r *Reconciler) ListStale(ctx context.Context) ([]models.RequestDetail, error) {
	return r.store.ListStaleProcessing(ctx, r.cutoff())
}

// Sweep resets every stale request to pending and returns how many it reset.
// Each reset is guarded on the request still being stale, so concurrent or
// repeated sweeps do not double-apply. Cancellation is checked between items.
func (r *Reconciler) Sweep(ctx context.Context) (int, error) {
	r.sweepMu.Lock()
	defer r.sweepMu.Unlock()

	cutoff := r.cutoff()
	stale, err := r.store.ListStaleProcessing(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to list stale requests: %w", err)
	}

	reset := 0
	for _, req := range stale {
		if err := ctx.Err(); err != nil {
			return reset, err
		}
		ok, err := r.store.ApplyTransition(ctx, store.Transition{
			RequestID:   req.ID,
			From:        []models.RequestStatus{models.StatusProcessing},
			To:          models.StatusPending,
			At:          r.now().UTC(),
			StaleBefore: &cutoff,
			Certificate: &store.CertificateChange{
				Mode:   store.CertificateUpdateExisting,
				Remark: RemarkStale,
			},
		})
		if err != nil {
			logger.Error.Printf("Failed to reset stale request %s: %v", req.ID, err)
			continue
		}
		if ok {
			reset++
			metrics.StaleResetsTotal.Inc()
			logger.Info.Printf("Reset request %s stuck in processing since %s", req.ID, req.UpdatedAt.Format(time.RFC3339))
		}
	}
	return reset, nil
}

func (r *Reconciler) run(ctx context.Context) {
	defer func() {
		if p := recover(); p != nil {
			logger.Error.Printf("Cleanup sweep panicked: %v", p)
		}
	}()

	n, err := r.Sweep(ctx)
	if err != nil {
		logger.Error.Printf("Cleanup sweep failed after %d resets: %v", n, err)
		return
	}
	logger.Debug.Printf("Cleanup sweep reset %d requests", n)
}

// Start schedules a sweep every interval, the first one right away. Runs
// never overlap.
func (r *Reconciler) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.scheduler != nil {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	scheduler := gocron.NewScheduler(time.UTC)
	if _, err := scheduler.Every(r.interval).SingletonMode().Do(func() { r.run(ctx) }); err != nil {
		cancel()
		return fmt.Errorf("failed to schedule cleanup sweep: %w", err)
	}
	scheduler.StartAsync()

	r.scheduler = scheduler
	r.cancel = cancel
	logger.Info.Printf("Cleanup reconciler started, every %s, threshold %s", r.interval, r.threshold)
	return nil
}

// Stop cancels the schedule, waits for a running sweep to finish its
// current item, then runs a final sweep bounded by ctx.
func (r *Reconciler) Stop(ctx context.Context) error {
	r.mu.Lock()
	scheduler := r.scheduler
	cancel := r.cancel
	r.scheduler = nil
	r.cancel = nil
	r.mu.Unlock()
	if scheduler == nil {
		return nil
	}

	cancel()
	stopped := make(chan struct{})
	go func() {
		scheduler.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-ctx.Done():
		return ctx.Err()
	}

	n, err := r.Sweep(ctx)
	if err != nil {
		return fmt.Errorf("final cleanup sweep: %w", err)
	}
	logger.Info.Printf("Cleanup reconciler stopped, final sweep reset %d requests", n)
	return nil
}
