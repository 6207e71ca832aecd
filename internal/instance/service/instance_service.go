package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"labforge/internal/common/clock"
	"labforge/internal/common/metrics"
	"labforge/internal/instance/repository"
	"labforge/internal/instance/runtime"
	"labforge/internal/notify"
	appErr "labforge/pkg/errors"
	"labforge/pkg/utils/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	DefaultLifetime   = 2 * time.Hour
	MaxLifetime       = 6 * time.Hour
	DefaultExtendStep = time.Hour

	defaultExtendRetries = 3
	rollbackTimeout      = 30 * time.Second
)

// LifetimeConfig bounds how long instances live.
type LifetimeConfig struct {
	Default    time.Duration
	Max        time.Duration
	ExtendStep time.Duration
}

// TimeoutConfig holds timeout settings for external calls.
type TimeoutConfig struct {
	DB           time.Duration
	RuntimeStart time.Duration
	RuntimeStop  time.Duration
}

// Config holds instance service dependencies and settings.
type Config struct {
	InstanceRepo repository.InstanceRepository
	MachineRepo  repository.MachineRepository
	Runtime      runtime.Runtime
	Notifier     notify.Sink
	Clock        clock.Clock

	Lifetime      LifetimeConfig
	Timeouts      TimeoutConfig
	ExtendRetries int
}

// InstanceService starts, stops and extends user instances.
type InstanceService struct {
	instanceRepo repository.InstanceRepository
	machineRepo  repository.MachineRepository
	runtime      runtime.Runtime
	notifier     notify.Sink
	clock        clock.Clock

	lifetime      LifetimeConfig
	timeouts      TimeoutConfig
	extendRetries int
	locks         *keyLocks
}

// NewInstanceService creates a new instance service.
func NewInstanceService(cfg Config) (*InstanceService, error) {
	if cfg.InstanceRepo == nil {
		return nil, fmt.Errorf("instance repository is required")
	}
	if cfg.MachineRepo == nil {
		return nil, fmt.Errorf("machine repository is required")
	}
	if cfg.Runtime == nil {
		return nil, fmt.Errorf("runtime is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.Lifetime.Default <= 0 {
		cfg.Lifetime.Default = DefaultLifetime
	}
	if cfg.Lifetime.Max <= 0 {
		cfg.Lifetime.Max = MaxLifetime
	}
	if cfg.Lifetime.ExtendStep <= 0 {
		cfg.Lifetime.ExtendStep = DefaultExtendStep
	}
	if cfg.Lifetime.Default > cfg.Lifetime.Max {
		return nil, fmt.Errorf("default lifetime %s exceeds max lifetime %s", cfg.Lifetime.Default, cfg.Lifetime.Max)
	}
	if cfg.ExtendRetries <= 0 {
		cfg.ExtendRetries = defaultExtendRetries
	}
	return &InstanceService{
		instanceRepo:  cfg.InstanceRepo,
		machineRepo:   cfg.MachineRepo,
		runtime:       cfg.Runtime,
		notifier:      cfg.Notifier,
		clock:         cfg.Clock,
		lifetime:      cfg.Lifetime,
		timeouts:      cfg.Timeouts,
		extendRetries: cfg.ExtendRetries,
		locks:         newKeyLocks(),
	}, nil
}

// Start launches a new instance of machineID for userID.
func (s *InstanceService) Start(ctx context.Context, userID, machineID string) (*repository.Instance, error) {
	if userID == "" {
		return nil, appErr.New(appErr.Unauthorized)
	}
	if machineID == "" {
		return nil, appErr.ValidationError("machine_id", "required")
	}

	ctxDB := withTimeout(ctx, s.timeouts.DB)
	machine, err := s.machineRepo.GetByID(ctxDB.ctx, nil, machineID)
	ctxDB.cancel()
	if err != nil {
		if errors.Is(err, repository.ErrMachineNotFound) {
			metrics.RecordInstanceOp("start", "machine_unavailable")
			return nil, appErr.New(appErr.MachineUnavailable)
		}
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "get machine failed")
	}
	if !machine.Startable() {
		metrics.RecordInstanceOp("start", "machine_unavailable")
		return nil, appErr.New(appErr.MachineUnavailable).WithDetail("machine_status", string(machine.Status))
	}

	release := s.locks.lock(repository.RunningKey(userID, machineID))
	defer release()

	ctxDB = withTimeout(ctx, s.timeouts.DB)
	existing, err := s.instanceRepo.GetRunning(ctxDB.ctx, userID, machineID)
	ctxDB.cancel()
	switch {
	case err == nil:
		metrics.RecordInstanceOp("start", "conflict")
		return nil, appErr.New(appErr.InstanceConflict).WithDetail("instance_id", existing.ID)
	case !errors.Is(err, repository.ErrInstanceNotFound):
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "get running instance failed")
	}

	instanceID := uuid.NewString()
	ctxRT := withTimeout(ctx, s.timeouts.RuntimeStart)
	startedAt := time.Now()
	handle, err := s.runtime.Start(ctxRT.ctx, machineID, instanceID)
	metrics.ObserveRuntimeCall("start", startedAt, err)
	interrupted := ctxRT.ctx.Err() != nil
	ctxRT.cancel()
	if err != nil {
		// A start cut short by a deadline or a gone caller may leave a resource
		// behind that we cannot name; surface it, never retry.
		ambiguous := interrupted ||
			errors.Is(err, context.DeadlineExceeded) ||
			errors.Is(err, context.Canceled)
		metrics.RecordInstanceOp("start", "runtime_error")
		logger.Error(ctx, "runtime start failed",
			zap.String("machine_id", machineID),
			zap.String("instance_id", instanceID),
			zap.Bool("ambiguous", ambiguous),
			zap.Error(err),
		)
		return nil, appErr.RuntimeError(err, "start", ambiguous)
	}

	now := s.now()
	instance := &repository.Instance{
		ID:        instanceID,
		UserID:    userID,
		MachineID: machineID,
		RuntimeID: handle.RuntimeID,
		Address:   handle.Address,
		Status:    repository.StatusRunning,
		CreatedAt: now,
		ExpiresAt: now.Add(s.lifetime.Default),
	}
	ctxDB = withTimeout(ctx, s.timeouts.DB)
	err = s.instanceRepo.Create(ctxDB.ctx, instance)
	ctxDB.cancel()
	if err != nil {
		s.rollbackRuntime(ctx, instance)
		if errors.Is(err, repository.ErrRunningInstanceExists) {
			metrics.RecordInstanceOp("start", "conflict")
			return nil, appErr.New(appErr.InstanceConflict)
		}
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "create instance failed")
	}

	metrics.RecordInstanceOp("start", "ok")
	logger.Info(ctx, "instance started",
		zap.String("instance_id", instance.ID),
		zap.String("machine_id", machineID),
		zap.String("runtime_id", instance.RuntimeID),
		zap.Time("expires_at", instance.ExpiresAt),
	)
	notify.Send(ctx, s.notifier, notify.Notification{
		Type:      notify.TypeInstanceStarted,
		UserID:    userID,
		Title:     "Instance started",
		Message:   fmt.Sprintf("Your instance of %s is running at %s", machine.Name, instance.Address),
		Data:      map[string]interface{}{"instance_id": instance.ID, "machine_id": machineID, "expires_at": instance.ExpiresAt},
		CreatedAt: now,
	})
	return instance, nil
}

// Stop terminates a running instance owned by userID.
func (s *InstanceService) Stop(ctx context.Context, instanceID, userID string) error {
	instance, err := s.getOwned(ctx, instanceID, userID)
	if err != nil {
		return err
	}
	if instance.Status != repository.StatusRunning {
		metrics.RecordInstanceOp("stop", "invalid_state")
		return appErr.New(appErr.InstanceInvalidState).WithDetail("status", string(instance.Status))
	}

	if err := s.stopRuntime(ctx, instance.RuntimeID); err != nil {
		metrics.RecordInstanceOp("stop", "runtime_error")
		return appErr.RuntimeError(err, "stop", false)
	}

	now := s.now()
	ctxDB := withTimeout(ctx, s.timeouts.DB)
	err = s.instanceRepo.MarkStopped(ctxDB.ctx, instance.ID, now)
	ctxDB.cancel()
	if err != nil {
		if errors.Is(err, repository.ErrStaleInstance) {
			metrics.RecordInstanceOp("stop", "invalid_state")
			return appErr.New(appErr.InstanceInvalidState)
		}
		return appErr.Wrapf(err, appErr.DatabaseError, "stop instance failed")
	}

	metrics.RecordInstanceOp("stop", "ok")
	logger.Info(ctx, "instance stopped", zap.String("instance_id", instance.ID))
	notify.Send(ctx, s.notifier, notify.Notification{
		Type:      notify.TypeInstanceStopped,
		UserID:    userID,
		Title:     "Instance stopped",
		Data:      map[string]interface{}{"instance_id": instance.ID, "machine_id": instance.MachineID},
		CreatedAt: now,
	})
	return nil
}

// Extend pushes the expiry of a running instance by one step, never past the max lifetime.
func (s *InstanceService) Extend(ctx context.Context, instanceID, userID string) (time.Time, error) {
	for attempt := 0; attempt < s.extendRetries; attempt++ {
		instance, err := s.getOwned(ctx, instanceID, userID)
		if err != nil {
			return time.Time{}, err
		}
		if instance.Status != repository.StatusRunning {
			metrics.RecordInstanceOp("extend", "invalid_state")
			return time.Time{}, appErr.New(appErr.InstanceInvalidState).WithDetail("status", string(instance.Status))
		}
		if !s.now().Before(instance.ExpiresAt) {
			metrics.RecordInstanceOp("extend", "invalid_state")
			return time.Time{}, appErr.New(appErr.InstanceInvalidState).WithMessage("Instance has already expired")
		}

		next, ok := s.nextExpiry(instance)
		if !ok {
			metrics.RecordInstanceOp("extend", "limit_exceeded")
			return time.Time{}, appErr.New(appErr.InstanceLimitExceeded).
				WithDetail("max_lifetime_hours", s.lifetime.Max.Hours())
		}

		ctxDB := withTimeout(ctx, s.timeouts.DB)
		err = s.instanceRepo.UpdateExpiry(ctxDB.ctx, instance.ID, instance.ExpiresAt, next)
		ctxDB.cancel()
		if err == nil {
			metrics.RecordInstanceOp("extend", "ok")
			logger.Info(ctx, "instance extended",
				zap.String("instance_id", instance.ID),
				zap.Time("expires_at", next),
			)
			return next, nil
		}
		if !errors.Is(err, repository.ErrStaleInstance) {
			return time.Time{}, appErr.Wrapf(err, appErr.DatabaseError, "extend instance failed")
		}
	}
	metrics.RecordInstanceOp("extend", "contended")
	return time.Time{}, appErr.New(appErr.InstanceInvalidState).WithMessage("Instance was modified concurrently, please retry")
}

// nextExpiry clamps expiresAt+step to createdAt+max; false once the cap is reached.
func (s *InstanceService) nextExpiry(instance *repository.Instance) (time.Time, bool) {
	if instance.Lifetime() >= s.lifetime.Max {
		return time.Time{}, false
	}
	next := instance.ExpiresAt.Add(s.lifetime.ExtendStep)
	if limit := instance.CreatedAt.Add(s.lifetime.Max); next.After(limit) {
		next = limit
	}
	return next, true
}

// Get returns an instance owned by userID.
func (s *InstanceService) Get(ctx context.Context, instanceID, userID string) (*repository.Instance, error) {
	return s.getOwned(ctx, instanceID, userID)
}

// Active returns the caller's running instance of machineID.
func (s *InstanceService) Active(ctx context.Context, userID, machineID string) (*repository.Instance, error) {
	if machineID == "" {
		return nil, appErr.ValidationError("machine_id", "required")
	}
	ctxDB := withTimeout(ctx, s.timeouts.DB)
	defer ctxDB.cancel()
	instance, err := s.instanceRepo.GetRunning(ctxDB.ctx, userID, machineID)
	if err != nil {
		if errors.Is(err, repository.ErrInstanceNotFound) {
			return nil, appErr.New(appErr.InstanceNotFound)
		}
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "get running instance failed")
	}
	return instance, nil
}

// getOwned hides other users' instances behind the same not-found answer.
func (s *InstanceService) getOwned(ctx context.Context, instanceID, userID string) (*repository.Instance, error) {
	if instanceID == "" {
		return nil, appErr.ValidationError("instance_id", "required")
	}
	ctxDB := withTimeout(ctx, s.timeouts.DB)
	defer ctxDB.cancel()
	instance, err := s.instanceRepo.GetByID(ctxDB.ctx, instanceID)
	if err != nil {
		if errors.Is(err, repository.ErrInstanceNotFound) {
			return nil, appErr.New(appErr.InstanceNotFound)
		}
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "get instance failed")
	}
	if instance.UserID != userID {
		return nil, appErr.New(appErr.InstanceNotFound)
	}
	return instance, nil
}

func (s *InstanceService) stopRuntime(ctx context.Context, runtimeID string) error {
	ctxRT := withTimeout(ctx, s.timeouts.RuntimeStop)
	defer ctxRT.cancel()
	startedAt := time.Now()
	err := s.runtime.Stop(ctxRT.ctx, runtimeID)
	metrics.ObserveRuntimeCall("stop", startedAt, err)
	if errors.Is(err, runtime.ErrNotFound) {
		return nil
	}
	return err
}

// rollbackRuntime releases a resource whose instance row could not be written.
// It runs detached from the request so a disconnecting client cannot leak it.
func (s *InstanceService) rollbackRuntime(ctx context.Context, instance *repository.Instance) {
	detached, cancel := context.WithTimeout(context.WithoutCancel(ctx), rollbackTimeout)
	defer cancel()
	if err := s.stopRuntime(detached, instance.RuntimeID); err != nil {
		logger.Error(ctx, "runtime rollback failed",
			zap.String("instance_id", instance.ID),
			zap.String("runtime_id", instance.RuntimeID),
			zap.Error(err),
		)
	}
}

func (s *InstanceService) now() time.Time {
	return s.clock.Now().UTC().Truncate(time.Millisecond)
}

type timeoutCtx struct {
	ctx    context.Context
	cancel context.CancelFunc
}

func withTimeout(ctx context.Context, timeout time.Duration) timeoutCtx {
	if timeout <= 0 {
		return timeoutCtx{ctx: ctx, cancel: func() {}}
	}
	ctxTimeout, cancel := context.WithTimeout(ctx, timeout)
	return timeoutCtx{ctx: ctxTimeout, cancel: cancel}
}
