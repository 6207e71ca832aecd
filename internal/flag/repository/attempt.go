package repository

import (
	"context"
	"errors"
	"strings"
	"time"

	"labforge/internal/common/db"
)

const (
	defaultAttemptListLimit = 50
	maxAttemptListLimit     = 200
)

// Attempt is one flag submission, correct or not.
type Attempt struct {
	ID            string    `json:"id"`
	UserID        string    `json:"user_id"`
	MachineID     string    `json:"machine_id"`
	InstanceID    string    `json:"instance_id"`
	SubmittedHash string    `json:"submitted_hash"`
	IsCorrect     bool      `json:"is_correct"`
	CreatedAt     time.Time `json:"created_at"`
}

// AttemptFilter narrows ListByUser; zero values mean no filter.
type AttemptFilter struct {
	MachineID string
	Limit     int
}

// AttemptRepository is the append-only submission log.
type AttemptRepository interface {
	Create(ctx context.Context, attempt *Attempt) error
	ListByUser(ctx context.Context, userID string, filter AttemptFilter) ([]*Attempt, error)
}

// SQLAttemptRepository implements AttemptRepository on MySQL or SQLite.
type SQLAttemptRepository struct {
	db db.Database
}

// NewAttemptRepository creates an attempt repository.
func NewAttemptRepository(database db.Database) *SQLAttemptRepository {
	return &SQLAttemptRepository{db: database}
}

// Create appends an attempt.
func (r *SQLAttemptRepository) Create(ctx context.Context, attempt *Attempt) error {
	if attempt == nil {
		return errors.New("attempt is nil")
	}
	if attempt.ID == "" || attempt.UserID == "" || attempt.MachineID == "" {
		return errors.New("attempt id, userID and machineID are required")
	}
	query := `
		INSERT INTO submission_attempts
		(id, user_id, machine_id, instance_id, submitted_hash, is_correct, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.Exec(
		ctx,
		query,
		attempt.ID,
		attempt.UserID,
		attempt.MachineID,
		attempt.InstanceID,
		attempt.SubmittedHash,
		attempt.IsCorrect,
		attempt.CreatedAt.UnixMilli(),
	)
	return err
}

// ListByUser returns the user's attempts, newest first.
func (r *SQLAttemptRepository) ListByUser(ctx context.Context, userID string, filter AttemptFilter) ([]*Attempt, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultAttemptListLimit
	}
	if limit > maxAttemptListLimit {
		limit = maxAttemptListLimit
	}

	var (
		sb   strings.Builder
		args = []interface{}{userID}
	)
	sb.WriteString(`
		SELECT id, user_id, machine_id, instance_id, submitted_hash, is_correct, created_at
		FROM submission_attempts
		WHERE user_id = ?`)
	if filter.MachineID != "" {
		sb.WriteString(" AND machine_id = ?")
		args = append(args, filter.MachineID)
	}
	sb.WriteString(" ORDER BY created_at DESC, id DESC LIMIT ?")
	args = append(args, limit)

	rows, err := r.db.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	attempts := make([]*Attempt, 0)
	for rows.Next() {
		attempt := &Attempt{}
		var createdAt int64
		if err := rows.Scan(
			&attempt.ID,
			&attempt.UserID,
			&attempt.MachineID,
			&attempt.InstanceID,
			&attempt.SubmittedHash,
			&attempt.IsCorrect,
			&createdAt,
		); err != nil {
			return nil, err
		}
		attempt.CreatedAt = time.UnixMilli(createdAt).UTC()
		attempts = append(attempts, attempt)
	}
	return attempts, rows.Err()
}

var _ AttemptRepository = (*SQLAttemptRepository)(nil)
