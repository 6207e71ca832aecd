package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"labforge/internal/common/db"
	flagService "labforge/internal/flag/service"
	instanceRepo "labforge/internal/instance/repository"
	"labforge/pkg/utils/logger"

	"go.uber.org/zap"
)

// seedMachines inserts the configured machines that do not exist yet. The
// whole batch commits together, so a bad entry leaves the catalogue untouched.
func seedMachines(
	ctx context.Context,
	database db.Database,
	repo instanceRepo.MachineRepository,
	hasher *flagService.Hasher,
	seeds []SeedMachine,
	now time.Time,
) error {
	if len(seeds) == 0 {
		return nil
	}
	created := 0
	err := database.Transaction(ctx, func(tx db.Transaction) error {
		for _, seed := range seeds {
			_, err := repo.GetByID(ctx, tx, seed.ID)
			if err == nil {
				continue
			}
			if !errors.Is(err, instanceRepo.ErrMachineNotFound) {
				return fmt.Errorf("look up machine %s: %w", seed.ID, err)
			}

			flagHash := seed.FlagHash
			if seed.Flag != "" {
				flagHash = hasher.Hash(seed.Flag)
			}
			err = repo.Create(ctx, tx, &instanceRepo.Machine{
				ID:        seed.ID,
				Name:      seed.Name,
				FlagHash:  flagHash,
				XPReward:  seed.XPReward,
				Status:    instanceRepo.MachineApproved,
				CreatedAt: now,
			})
			if err != nil {
				return fmt.Errorf("create machine %s: %w", seed.ID, err)
			}
			created++
		}
		return nil
	})
	if err != nil {
		return err
	}
	logger.Info(ctx, "machines seeded", zap.Int("created", created), zap.Int("configured", len(seeds)))
	return nil
}
