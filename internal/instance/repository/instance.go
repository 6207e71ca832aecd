package repository

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"labforge/internal/common/db"
)

var (
	ErrInstanceNotFound = errors.New("instance not found")
	// ErrRunningInstanceExists reports a lost race for the one running slot of a (user, machine) pair.
	ErrRunningInstanceExists = errors.New("running instance already exists")
	// ErrStaleInstance reports a compare-and-set update whose precondition no longer holds.
	ErrStaleInstance = errors.New("instance state changed concurrently")
)

// Status is the lifecycle state of an instance.
type Status string

const (
	StatusRunning Status = "running"
	StatusStopped Status = "stopped"
	StatusExpired Status = "expired"
)

// Instance is one provisioned environment owned by a user.
type Instance struct {
	ID        string     `json:"id"`
	UserID    string     `json:"user_id"`
	MachineID string     `json:"machine_id"`
	RuntimeID string     `json:"runtime_id"`
	Address   string     `json:"address"`
	Status    Status     `json:"status"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt time.Time  `json:"expires_at"`
	StoppedAt *time.Time `json:"stopped_at,omitempty"`
}

// Lifetime is the span the instance is allowed to live.
func (i *Instance) Lifetime() time.Duration {
	return i.ExpiresAt.Sub(i.CreatedAt)
}

// InstanceRepository persists instances. Every status change is a conditional
// update on the current state and returns ErrStaleInstance when it matched nothing.
type InstanceRepository interface {
	Create(ctx context.Context, instance *Instance) error
	GetByID(ctx context.Context, id string) (*Instance, error)
	GetRunning(ctx context.Context, userID, machineID string) (*Instance, error)
	// ListExpired returns running instances with expires_at < now, oldest first.
	ListExpired(ctx context.Context, now time.Time, limit int) ([]*Instance, error)
	// MarkStopped moves running -> stopped.
	MarkStopped(ctx context.Context, id string, stoppedAt time.Time) error
	// MarkExpired moves running -> expired, only when expires_at <= now.
	MarkExpired(ctx context.Context, id string, now time.Time) error
	// UpdateExpiry moves expires_at from prev to next while the instance is running.
	UpdateExpiry(ctx context.Context, id string, prev, next time.Time) error
}

// SQLInstanceRepository implements InstanceRepository on MySQL or SQLite.
type SQLInstanceRepository struct {
	db db.Database
}

// NewInstanceRepository creates an instance repository.
func NewInstanceRepository(database db.Database) *SQLInstanceRepository {
	return &SQLInstanceRepository{db: database}
}

const instanceColumns = "id, user_id, machine_id, runtime_id, address, status, created_at, expires_at, stopped_at"

// RunningKey is the value of running_key while an instance of the pair runs.
func RunningKey(userID, machineID string) string {
	return userID + ":" + machineID
}

// Create inserts a running instance.
func (r *SQLInstanceRepository) Create(ctx context.Context, instance *Instance) error {
	if instance == nil {
		return errors.New("instance is nil")
	}
	if instance.ID == "" {
		return errors.New("instance id is required")
	}
	if instance.UserID == "" || instance.MachineID == "" {
		return errors.New("userID and machineID are required")
	}
	if instance.Status == "" {
		instance.Status = StatusRunning
	}
	var runningKey interface{}
	if instance.Status == StatusRunning {
		runningKey = RunningKey(instance.UserID, instance.MachineID)
	}

	query := `
		INSERT INTO instances
		(id, user_id, machine_id, runtime_id, address, status, running_key, created_at, expires_at, stopped_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.Exec(
		ctx,
		query,
		instance.ID,
		instance.UserID,
		instance.MachineID,
		instance.RuntimeID,
		instance.Address,
		string(instance.Status),
		runningKey,
		instance.CreatedAt.UnixMilli(),
		instance.ExpiresAt.UnixMilli(),
		nullableMillis(instance.StoppedAt),
	)
	if err != nil {
		if key, ok := db.UniqueViolation(err); ok && strings.Contains(key, "running_key") {
			return ErrRunningInstanceExists
		}
		return err
	}
	return nil
}

// GetByID retrieves an instance by id.
func (r *SQLInstanceRepository) GetByID(ctx context.Context, id string) (*Instance, error) {
	if id == "" {
		return nil, ErrInstanceNotFound
	}
	query := "SELECT " + instanceColumns + " FROM instances WHERE id = ? LIMIT 1"
	return scanInstance(r.db.QueryRow(ctx, query, id))
}

// GetRunning retrieves the running instance of a (user, machine) pair.
func (r *SQLInstanceRepository) GetRunning(ctx context.Context, userID, machineID string) (*Instance, error) {
	query := "SELECT " + instanceColumns + " FROM instances WHERE running_key = ? LIMIT 1"
	return scanInstance(r.db.QueryRow(ctx, query, RunningKey(userID, machineID)))
}

// ListExpired returns running instances past their expiry.
func (r *SQLInstanceRepository) ListExpired(ctx context.Context, now time.Time, limit int) ([]*Instance, error) {
	if limit <= 0 {
		limit = 100
	}
	query := "SELECT " + instanceColumns + " FROM instances WHERE status = ? AND expires_at < ? ORDER BY expires_at ASC LIMIT ?"
	rows, err := r.db.Query(ctx, query, string(StatusRunning), now.UnixMilli(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var instances []*Instance
	for rows.Next() {
		instance, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		instances = append(instances, instance)
	}
	return instances, rows.Err()
}

// MarkStopped moves a running instance to stopped and releases its running slot.
func (r *SQLInstanceRepository) MarkStopped(ctx context.Context, id string, stoppedAt time.Time) error {
	query := `
		UPDATE instances
		SET status = ?, stopped_at = ?, running_key = NULL
		WHERE id = ? AND status = ?
	`
	return r.execCAS(ctx, query, string(StatusStopped), stoppedAt.UnixMilli(), id, string(StatusRunning))
}

// MarkExpired moves a running instance whose deadline has passed to expired.
func (r *SQLInstanceRepository) MarkExpired(ctx context.Context, id string, now time.Time) error {
	query := `
		UPDATE instances
		SET status = ?, stopped_at = ?, running_key = NULL
		WHERE id = ? AND status = ? AND expires_at <= ?
	`
	ms := now.UnixMilli()
	return r.execCAS(ctx, query, string(StatusExpired), ms, id, string(StatusRunning), ms)
}

// UpdateExpiry replaces expires_at if nobody changed it since it was read.
func (r *SQLInstanceRepository) UpdateExpiry(ctx context.Context, id string, prev, next time.Time) error {
	query := `
		UPDATE instances
		SET expires_at = ?
		WHERE id = ? AND status = ? AND expires_at = ?
	`
	return r.execCAS(ctx, query, next.UnixMilli(), id, string(StatusRunning), prev.UnixMilli())
}

func (r *SQLInstanceRepository) execCAS(ctx context.Context, query string, args ...interface{}) error {
	result, err := r.db.Exec(ctx, query, args...)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrStaleInstance
	}
	return nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanInstance(row scanner) (*Instance, error) {
	instance := &Instance{}
	var (
		status    string
		createdAt int64
		expiresAt int64
		stoppedAt sql.NullInt64
	)
	if err := row.Scan(
		&instance.ID,
		&instance.UserID,
		&instance.MachineID,
		&instance.RuntimeID,
		&instance.Address,
		&status,
		&createdAt,
		&expiresAt,
		&stoppedAt,
	); err != nil {
		if db.IsNoRows(err) {
			return nil, ErrInstanceNotFound
		}
		return nil, err
	}
	instance.Status = Status(status)
	instance.CreatedAt = time.UnixMilli(createdAt).UTC()
	instance.ExpiresAt = time.UnixMilli(expiresAt).UTC()
	if stoppedAt.Valid {
		t := time.UnixMilli(stoppedAt.Int64).UTC()
		instance.StoppedAt = &t
	}
	return instance, nil
}

func nullableMillis(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

var _ InstanceRepository = (*SQLInstanceRepository)(nil)
