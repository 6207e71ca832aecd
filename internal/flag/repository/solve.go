package repository

import (
	"context"
	"errors"
	"strings"
	"time"

	"labforge/internal/common/db"
)

// ErrAlreadySolved reports a second solve of the same machine by the same user.
var ErrAlreadySolved = errors.New("machine already solved by user")

// Solve is a recorded correct submission.
type Solve struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	MachineID    string    `json:"machine_id"`
	InstanceID   string    `json:"instance_id"`
	IsFirstBlood bool      `json:"is_first_blood"`
	XPAwarded    float64   `json:"xp_awarded"`
	CreatedAt    time.Time `json:"created_at"`
}

// XPFunc computes the award for a solve once first-blood status is known.
type XPFunc func(firstBlood bool) float64

// SolveRepository persists solves.
type SolveRepository interface {
	// Record inserts a solve, claiming first blood if no other solve holds it.
	Record(ctx context.Context, solve *Solve, xp XPFunc) error
}

// SQLSolveRepository implements SolveRepository on MySQL or SQLite.
type SQLSolveRepository struct {
	db db.Database
}

// NewSolveRepository creates a solve repository.
func NewSolveRepository(database db.Database) *SQLSolveRepository {
	return &SQLSolveRepository{db: database}
}

// Record first tries the insert as first blood. Losing the first_blood_key
// constraint downgrades it to a regular solve; losing the (user, machine)
// constraint means the user already solved the machine.
func (r *SQLSolveRepository) Record(ctx context.Context, solve *Solve, xp XPFunc) error {
	if solve == nil {
		return errors.New("solve is nil")
	}
	if solve.ID == "" || solve.UserID == "" || solve.MachineID == "" {
		return errors.New("solve id, userID and machineID are required")
	}

	err := r.insert(ctx, solve, true, xp(true))
	if err == nil {
		return nil
	}
	key, ok := db.UniqueViolation(err)
	if !ok {
		return err
	}
	if !strings.Contains(key, "first_blood") {
		return ErrAlreadySolved
	}

	err = r.insert(ctx, solve, false, xp(false))
	if err == nil {
		return nil
	}
	if _, ok := db.UniqueViolation(err); ok {
		return ErrAlreadySolved
	}
	return err
}

func (r *SQLSolveRepository) insert(ctx context.Context, solve *Solve, firstBlood bool, xpAwarded float64) error {
	var firstBloodKey interface{}
	if firstBlood {
		firstBloodKey = solve.MachineID
	}
	query := `
		INSERT INTO solves
		(id, user_id, machine_id, instance_id, is_first_blood, first_blood_key, xp_awarded, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.Exec(
		ctx,
		query,
		solve.ID,
		solve.UserID,
		solve.MachineID,
		solve.InstanceID,
		firstBlood,
		firstBloodKey,
		xpAwarded,
		solve.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return err
	}
	solve.IsFirstBlood = firstBlood
	solve.XPAwarded = xpAwarded
	return nil
}

var _ SolveRepository = (*SQLSolveRepository)(nil)
