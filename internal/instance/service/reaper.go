package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"labforge/internal/common/cache"
	"labforge/internal/common/clock"
	"labforge/internal/common/metrics"
	"labforge/internal/instance/repository"
	"labforge/internal/instance/runtime"
	"labforge/internal/notify"
	"labforge/pkg/utils/logger"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	defaultReapInterval  = time.Minute
	defaultReapBatchSize = 100
	defaultReapLockKey   = "lab:reaper:lock"
)

// ReaperConfig holds reaper dependencies and settings.
type ReaperConfig struct {
	InstanceRepo repository.InstanceRepository
	Runtime      runtime.Runtime
	Notifier     notify.Sink
	Clock        clock.Clock
	// Locker elects one sweeping node per interval; nil sweeps on every node.
	Locker cache.LockOps
	// Archiver stores a report of every sweep that found work; nil disables it.
	Archiver SweepArchiver

	Interval  time.Duration
	BatchSize int
	// StopRate caps runtime stop calls per second during a sweep; 0 disables pacing.
	StopRate  float64
	StopBurst int
	LockKey   string
	Timeouts  TimeoutConfig
}

// SweepResult summarizes one reaper pass.
type SweepResult struct {
	Cleaned int      `json:"cleaned"`
	Total   int      `json:"total"`
	Errors  []string `json:"errors"`
}

// Reaper expires running instances whose deadline has passed.
type Reaper struct {
	instanceRepo repository.InstanceRepository
	runtime      runtime.Runtime
	notifier     notify.Sink
	clock        clock.Clock
	locker       cache.LockOps
	archiver     SweepArchiver

	interval  time.Duration
	batchSize int
	limiter   *rate.Limiter
	lockKey   string
	timeouts  TimeoutConfig
}

// NewReaper creates a reaper.
func NewReaper(cfg ReaperConfig) (*Reaper, error) {
	if cfg.InstanceRepo == nil {
		return nil, fmt.Errorf("instance repository is required")
	}
	if cfg.Runtime == nil {
		return nil, fmt.Errorf("runtime is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultReapInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultReapBatchSize
	}
	if cfg.LockKey == "" {
		cfg.LockKey = defaultReapLockKey
	}
	var limiter *rate.Limiter
	if cfg.StopRate > 0 {
		burst := cfg.StopBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.StopRate), burst)
	}
	return &Reaper{
		instanceRepo: cfg.InstanceRepo,
		runtime:      cfg.Runtime,
		notifier:     cfg.Notifier,
		clock:        cfg.Clock,
		locker:       cfg.Locker,
		archiver:     cfg.Archiver,
		interval:     cfg.Interval,
		batchSize:    cfg.BatchSize,
		limiter:      limiter,
		lockKey:      cfg.LockKey,
		timeouts:     cfg.Timeouts,
	}, nil
}

// Run sweeps on every interval tick until ctx is done.
func (r *Reaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	logger.Info(ctx, "reaper started", zap.Duration("interval", r.interval))
	for {
		select {
		case <-ctx.Done():
			logger.Info(ctx, "reaper stopped")
			return nil
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

func (r *Reaper) tick(ctx context.Context) {
	if r.locker != nil {
		// The lease is left to expire so at most one node sweeps per interval.
		acquired, err := r.locker.TryLock(ctx, r.lockKey, r.interval*9/10)
		if err != nil {
			logger.Warn(ctx, "reaper lock failed", zap.Error(err))
			return
		}
		if !acquired {
			logger.Debug(ctx, "reaper lease held by another node")
			return
		}
	}
	result, err := r.Sweep(ctx)
	if err != nil {
		logger.Error(ctx, "reaper sweep failed", zap.Error(err))
		return
	}
	if result.Total > 0 {
		logger.Info(ctx, "reaper sweep finished",
			zap.Int("cleaned", result.Cleaned),
			zap.Int("total", result.Total),
			zap.Strings("errors", result.Errors),
		)
	}
}

// Sweep expires every overdue instance in one batch. Per-instance failures are
// collected in the result and leave that instance running for the next pass.
func (r *Reaper) Sweep(ctx context.Context) (SweepResult, error) {
	startedAt := time.Now()
	result := SweepResult{Errors: []string{}}

	now := r.clock.Now().UTC()
	ctxDB := withTimeout(ctx, r.timeouts.DB)
	instances, err := r.instanceRepo.ListExpired(ctxDB.ctx, now, r.batchSize)
	ctxDB.cancel()
	if err != nil {
		return result, fmt.Errorf("list expired instances: %w", err)
	}
	result.Total = len(instances)

	expired := make([]string, 0, len(instances))
	for _, instance := range instances {
		if err := r.expire(ctx, instance, now); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("instance %s: %v", instance.ID, err))
			logger.Warn(ctx, "expire instance failed",
				zap.String("instance_id", instance.ID),
				zap.Error(err),
			)
			continue
		}
		result.Cleaned++
		expired = append(expired, instance.ID)
	}

	metrics.RecordSweep(startedAt, result.Cleaned, len(result.Errors))
	if r.archiver != nil && result.Total > 0 {
		report := SweepReport{SweptAt: now, Expired: expired, SweepResult: result}
		if err := r.archiver.Archive(ctx, report); err != nil {
			logger.Warn(ctx, "archive sweep report failed", zap.Error(err))
		}
	}
	return result, nil
}

func (r *Reaper) expire(ctx context.Context, instance *repository.Instance, now time.Time) error {
	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	ctxRT := withTimeout(ctx, r.timeouts.RuntimeStop)
	startedAt := time.Now()
	err := r.runtime.Stop(ctxRT.ctx, instance.RuntimeID)
	metrics.ObserveRuntimeCall("stop", startedAt, err)
	ctxRT.cancel()
	if err != nil && !errors.Is(err, runtime.ErrNotFound) {
		return fmt.Errorf("stop runtime: %w", err)
	}

	ctxDB := withTimeout(ctx, r.timeouts.DB)
	err = r.instanceRepo.MarkExpired(ctxDB.ctx, instance.ID, now)
	ctxDB.cancel()
	if err != nil {
		if errors.Is(err, repository.ErrStaleInstance) {
			return errors.New("instance no longer running")
		}
		return fmt.Errorf("mark expired: %w", err)
	}

	notify.Send(ctx, r.notifier, notify.Notification{
		Type:    notify.TypeInstanceExpired,
		UserID:  instance.UserID,
		Title:   "Instance expired",
		Message: "Your instance has expired and was shut down.",
		Data: map[string]interface{}{
			"instance_id": instance.ID,
			"machine_id":  instance.MachineID,
			"expired_at":  now,
		},
		CreatedAt: now,
	})
	return nil
}
