package main

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"labforge/internal/common/db"
	flagService "labforge/internal/flag/service"
	instanceRepo "labforge/internal/instance/repository"
)

func newSeedDB(t *testing.T) db.Database {
	t.Helper()
	path := filepath.Join(t.TempDir(), "seed.db")
	database, err := db.Open(&db.Config{Driver: db.DriverSQLite, DSN: path + "?_pragma=busy_timeout(5000)"})
	if err != nil {
		t.Fatalf("open sqlite failed: %v", err)
	}
	t.Cleanup(func() { _ = database.Close() })
	if err := db.Migrate(context.Background(), database, instanceRepo.Schema(db.DriverSQLite)); err != nil {
		t.Fatalf("migrate failed: %v", err)
	}
	return database
}

func TestSeedMachinesHashesPlaintextFlags(t *testing.T) {
	ctx := context.Background()
	database := newSeedDB(t)
	repo := instanceRepo.NewMachineRepository(database, nil)
	hasher := flagService.NewHasher("pepper")
	now := time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

	seeds := []SeedMachine{
		{ID: "m-plain", Name: "Plain", Flag: "FLAG{hello_lab}", XPReward: 50},
		{ID: "m-hashed", Name: "Hashed", FlagHash: "d57a98fcbd3756b5239cfe1712e15acb29a90e74674e54bee85a0806d84704e3", XPReward: 20},
	}
	if err := seedMachines(ctx, database, repo, hasher, seeds, now); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	plain, err := repo.GetByID(ctx, nil, "m-plain")
	if err != nil {
		t.Fatalf("get m-plain failed: %v", err)
	}
	if plain.FlagHash != hasher.Hash("FLAG{hello_lab}") {
		t.Fatalf("plaintext flag should be stored hashed, got %q", plain.FlagHash)
	}
	if _, ok := hasher.Match("FLAG{hello_lab}", plain.FlagHash); !ok {
		t.Fatalf("stored hash should match the configured flag")
	}
	if plain.Status != instanceRepo.MachineApproved || !plain.CreatedAt.Equal(now) {
		t.Fatalf("unexpected seeded machine: %+v", plain)
	}

	hashed, err := repo.GetByID(ctx, nil, "m-hashed")
	if err != nil {
		t.Fatalf("get m-hashed failed: %v", err)
	}
	if hashed.FlagHash != seeds[1].FlagHash {
		t.Fatalf("flagHash should be stored verbatim, got %q", hashed.FlagHash)
	}

	// A second run with a changed flag keeps the existing rows.
	seeds[0].Flag = "FLAG{changed}"
	if err := seedMachines(ctx, database, repo, hasher, seeds, now.Add(time.Hour)); err != nil {
		t.Fatalf("reseed failed: %v", err)
	}
	again, err := repo.GetByID(ctx, nil, "m-plain")
	if err != nil || again.FlagHash != plain.FlagHash {
		t.Fatalf("existing machine must not be rewritten: %+v (%v)", again, err)
	}
}

func TestSeedMachinesRollsBackBatchOnError(t *testing.T) {
	ctx := context.Background()
	database := newSeedDB(t)
	repo := instanceRepo.NewMachineRepository(database, nil)

	seeds := []SeedMachine{
		{ID: "m-good", Name: "Good", Flag: "FLAG{ok}", XPReward: 10},
		{ID: "m-bad", Name: "Bad", XPReward: 10},
	}
	if err := seedMachines(ctx, database, repo, flagService.NewHasher(""), seeds, time.Now()); err == nil {
		t.Fatalf("expected seeding to fail on a machine without a flag")
	}
	if _, err := repo.GetByID(ctx, nil, "m-good"); !errors.Is(err, instanceRepo.ErrMachineNotFound) {
		t.Fatalf("failed batch must not leave m-good behind, got %v", err)
	}
}
