package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"labforge/internal/common/clock"
	"labforge/internal/common/metrics"
	"labforge/internal/common/ratelimit"
	flagRepo "labforge/internal/flag/repository"
	instanceRepo "labforge/internal/instance/repository"
	"labforge/internal/notify"
	appErr "labforge/pkg/errors"
	"labforge/pkg/utils/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultFirstBloodMultiplier scales the XP reward of the first solve of a machine.
const DefaultFirstBloodMultiplier = 1.5

const maxFlagLength = 512

// Config holds validator dependencies and settings.
type Config struct {
	Limiter      ratelimit.Limiter
	InstanceRepo instanceRepo.InstanceRepository
	MachineRepo  instanceRepo.MachineRepository
	SolveRepo    flagRepo.SolveRepository
	AttemptRepo  flagRepo.AttemptRepository
	Hasher       *Hasher
	Notifier     notify.Sink
	Clock        clock.Clock

	FirstBloodMultiplier float64
	DBTimeout            time.Duration
}

// Result is the outcome of a flag submission.
type Result struct {
	Correct       bool    `json:"correct"`
	IsFirstBlood  bool    `json:"is_first_blood"`
	XPAwarded     float64 `json:"xp_awarded"`
	AlreadySolved bool    `json:"already_solved,omitempty"`
}

// MarshalJSON reports is_first_blood and xp_awarded on every correct result,
// including false and zero values, and leaves them out of incorrect ones.
func (r Result) MarshalJSON() ([]byte, error) {
	type wire struct {
		Correct       bool     `json:"correct"`
		IsFirstBlood  *bool    `json:"is_first_blood,omitempty"`
		XPAwarded     *float64 `json:"xp_awarded,omitempty"`
		AlreadySolved bool     `json:"already_solved,omitempty"`
	}
	out := wire{Correct: r.Correct, AlreadySolved: r.AlreadySolved}
	if r.Correct {
		out.IsFirstBlood = &r.IsFirstBlood
		out.XPAwarded = &r.XPAwarded
	}
	return json.Marshal(out)
}

// Validator checks flag submissions against a user's running instance.
type Validator struct {
	limiter      ratelimit.Limiter
	instanceRepo instanceRepo.InstanceRepository
	machineRepo  instanceRepo.MachineRepository
	solveRepo    flagRepo.SolveRepository
	attemptRepo  flagRepo.AttemptRepository
	hasher       *Hasher
	notifier     notify.Sink
	clock        clock.Clock

	multiplier float64
	dbTimeout  time.Duration
}

// NewValidator creates a flag validator.
func NewValidator(cfg Config) (*Validator, error) {
	if cfg.Limiter == nil {
		return nil, fmt.Errorf("rate limiter is required")
	}
	if cfg.InstanceRepo == nil || cfg.MachineRepo == nil {
		return nil, fmt.Errorf("instance and machine repositories are required")
	}
	if cfg.SolveRepo == nil || cfg.AttemptRepo == nil {
		return nil, fmt.Errorf("solve and attempt repositories are required")
	}
	if cfg.Hasher == nil {
		cfg.Hasher = NewHasher("")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.FirstBloodMultiplier <= 0 {
		cfg.FirstBloodMultiplier = DefaultFirstBloodMultiplier
	}
	return &Validator{
		limiter:      cfg.Limiter,
		instanceRepo: cfg.InstanceRepo,
		machineRepo:  cfg.MachineRepo,
		solveRepo:    cfg.SolveRepo,
		attemptRepo:  cfg.AttemptRepo,
		hasher:       cfg.Hasher,
		notifier:     cfg.Notifier,
		clock:        cfg.Clock,
		multiplier:   cfg.FirstBloodMultiplier,
		dbTimeout:    cfg.DBTimeout,
	}, nil
}

// Validate checks flag for userID's running instance of machineID and records the outcome.
func (v *Validator) Validate(ctx context.Context, userID, machineID, flag string) (*Result, error) {
	if userID == "" {
		return nil, appErr.New(appErr.Unauthorized)
	}
	if machineID == "" {
		return nil, appErr.ValidationError("machine_id", "required")
	}
	if flag == "" {
		return nil, appErr.ValidationError("flag", "required")
	}
	if len(flag) > maxFlagLength {
		return nil, appErr.ValidationError("flag", "too long")
	}

	allowed, err := v.limiter.Allow(ctx, userID)
	if err != nil {
		var coded *appErr.Error
		if errors.As(err, &coded) {
			return nil, err
		}
		return nil, appErr.Wrapf(err, appErr.ServiceUnavailable, "rate limiter unavailable")
	}
	if !allowed {
		metrics.RecordFlagSubmission("rate_limited")
		return nil, appErr.New(appErr.FlagRateLimited)
	}

	ctxDB, cancel := v.dbContext(ctx)
	instance, err := v.instanceRepo.GetRunning(ctxDB, userID, machineID)
	cancel()
	if err != nil {
		if errors.Is(err, instanceRepo.ErrInstanceNotFound) {
			metrics.RecordFlagSubmission("no_instance")
			return nil, appErr.New(appErr.NoActiveInstance)
		}
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "get running instance failed")
	}

	now := v.clock.Now().UTC().Truncate(time.Millisecond)
	// The reaper owns the expired transition; an overdue instance is only refused here.
	if instance.ExpiresAt.Before(now) {
		metrics.RecordFlagSubmission("expired")
		return nil, appErr.New(appErr.InstanceExpired).WithDetail("instance_id", instance.ID)
	}

	ctxDB, cancel = v.dbContext(ctx)
	machine, err := v.machineRepo.GetByID(ctxDB, nil, machineID)
	cancel()
	if err != nil {
		if errors.Is(err, instanceRepo.ErrMachineNotFound) {
			return nil, appErr.New(appErr.MachineNotFound)
		}
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "get machine failed")
	}

	submitted, correct := v.hasher.Match(flag, machine.FlagHash)
	v.recordAttempt(ctx, &flagRepo.Attempt{
		ID:            uuid.NewString(),
		UserID:        userID,
		MachineID:     machineID,
		InstanceID:    instance.ID,
		SubmittedHash: submitted,
		IsCorrect:     correct,
		CreatedAt:     now,
	})

	if !correct {
		metrics.RecordFlagSubmission("incorrect")
		logger.Info(ctx, "flag incorrect", zap.String("machine_id", machineID))
		return &Result{Correct: false}, nil
	}

	solve := &flagRepo.Solve{
		ID:         uuid.NewString(),
		UserID:     userID,
		MachineID:  machineID,
		InstanceID: instance.ID,
		CreatedAt:  now,
	}
	ctxDB, cancel = v.dbContext(ctx)
	err = v.solveRepo.Record(ctxDB, solve, func(firstBlood bool) float64 {
		return v.award(machine.XPReward, firstBlood)
	})
	cancel()
	if err != nil {
		if errors.Is(err, flagRepo.ErrAlreadySolved) {
			metrics.RecordFlagSubmission("already_solved")
			return &Result{Correct: true, AlreadySolved: true}, nil
		}
		logger.Error(ctx, "record solve failed", zap.String("machine_id", machineID), zap.Error(err))
		return nil, appErr.Wrapf(err, appErr.FlagRecordFailed, "record solve failed")
	}

	metrics.RecordFlagSubmission("correct")
	if solve.IsFirstBlood {
		metrics.RecordFirstBlood()
	}
	logger.Info(ctx, "flag solved",
		zap.String("machine_id", machineID),
		zap.Bool("first_blood", solve.IsFirstBlood),
		zap.Float64("xp_awarded", solve.XPAwarded),
	)

	title := "Flag correct"
	if solve.IsFirstBlood {
		title = "First blood"
	}
	notify.Send(ctx, v.notifier, notify.Notification{
		Type:    notify.TypeFlagSolved,
		UserID:  userID,
		Title:   title,
		Message: fmt.Sprintf("You solved %s and earned %g XP", machine.Name, solve.XPAwarded),
		Data: map[string]interface{}{
			"machine_id":     machineID,
			"instance_id":    instance.ID,
			"is_first_blood": solve.IsFirstBlood,
			"xp_awarded":     solve.XPAwarded,
		},
		CreatedAt: now,
	})

	return &Result{
		Correct:      true,
		IsFirstBlood: solve.IsFirstBlood,
		XPAwarded:    solve.XPAwarded,
	}, nil
}

// Submissions lists the caller's attempts, newest first.
func (v *Validator) Submissions(ctx context.Context, userID, machineID string, limit int) ([]*flagRepo.Attempt, error) {
	if userID == "" {
		return nil, appErr.New(appErr.Unauthorized)
	}
	ctxDB, cancel := v.dbContext(ctx)
	defer cancel()
	attempts, err := v.attemptRepo.ListByUser(ctxDB, userID, flagRepo.AttemptFilter{MachineID: machineID, Limit: limit})
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "list submissions failed")
	}
	return attempts, nil
}

func (v *Validator) award(xpReward int, firstBlood bool) float64 {
	if firstBlood {
		return float64(xpReward) * v.multiplier
	}
	return float64(xpReward)
}

// recordAttempt writes the audit row; a failed write does not change the verdict.
func (v *Validator) recordAttempt(ctx context.Context, attempt *flagRepo.Attempt) {
	ctxDB, cancel := v.dbContext(ctx)
	defer cancel()
	if err := v.attemptRepo.Create(ctxDB, attempt); err != nil {
		logger.Error(ctx, "record submission attempt failed",
			zap.String("machine_id", attempt.MachineID),
			zap.Error(err),
		)
	}
}

func (v *Validator) dbContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if v.dbTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, v.dbTimeout)
}
