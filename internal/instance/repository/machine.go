package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"labforge/internal/common/cache"
	"labforge/internal/common/db"
)

const (
	defaultMachineCacheTTL      = 10 * time.Minute
	defaultMachineCacheEmptyTTL = 30 * time.Second
	machineCacheKeyPrefix       = "machine:"
)

var (
	ErrMachineNotFound = errors.New("machine not found")
	ErrMachineExists   = errors.New("machine already exists")
)

// MachineStatus is the publication state of a machine.
type MachineStatus string

const (
	MachineDraft             MachineStatus = "draft"
	MachinePendingValidation MachineStatus = "pending_validation"
	MachinePendingApproval   MachineStatus = "pending_approval"
	MachineApproved          MachineStatus = "approved"
	MachineRejected          MachineStatus = "rejected"
)

// Machine is a published challenge template. FlagHash holds a digest, never the flag.
type Machine struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	FlagHash  string        `json:"flag_hash"`
	XPReward  int           `json:"xp_reward"`
	Status    MachineStatus `json:"status"`
	CreatedAt time.Time     `json:"created_at"`
}

// Startable reports whether users may launch instances of the machine.
func (m *Machine) Startable() bool {
	return m != nil && m.Status == MachineApproved
}

// MachineRepository reads machine definitions.
type MachineRepository interface {
	Create(ctx context.Context, tx db.Transaction, machine *Machine) error
	GetByID(ctx context.Context, tx db.Transaction, id string) (*Machine, error)
}

// SQLMachineRepository implements MachineRepository with a cache-aside layer.
type SQLMachineRepository struct {
	db       db.Database
	cache    cache.BasicOps
	ttl      time.Duration
	emptyTTL time.Duration
}

// NewMachineRepository creates a machine repository. cacheClient may be nil.
func NewMachineRepository(database db.Database, cacheClient cache.BasicOps) *SQLMachineRepository {
	return NewMachineRepositoryWithTTL(database, cacheClient, defaultMachineCacheTTL, defaultMachineCacheEmptyTTL)
}

// NewMachineRepositoryWithTTL creates a machine repository with custom TTL.
func NewMachineRepositoryWithTTL(database db.Database, cacheClient cache.BasicOps, ttl, emptyTTL time.Duration) *SQLMachineRepository {
	if ttl <= 0 {
		ttl = defaultMachineCacheTTL
	}
	if emptyTTL <= 0 {
		emptyTTL = defaultMachineCacheEmptyTTL
	}
	return &SQLMachineRepository{
		db:       database,
		cache:    cacheClient,
		ttl:      ttl,
		emptyTTL: emptyTTL,
	}
}

const machineColumns = "id, name, flag_hash, xp_reward, status, created_at"

// Create inserts a machine and drops any cached miss for its id.
func (r *SQLMachineRepository) Create(ctx context.Context, tx db.Transaction, machine *Machine) error {
	if machine == nil {
		return errors.New("machine is nil")
	}
	if machine.ID == "" {
		return errors.New("machine id is required")
	}
	if machine.FlagHash == "" {
		return errors.New("flag hash is required")
	}
	if machine.Status == "" {
		machine.Status = MachineDraft
	}
	if machine.CreatedAt.IsZero() {
		machine.CreatedAt = time.Now().UTC()
	}

	query := "INSERT INTO machines (" + machineColumns + ") VALUES (?, ?, ?, ?, ?, ?)"
	_, err := db.GetQuerier(r.db, tx).Exec(
		ctx,
		query,
		machine.ID,
		machine.Name,
		machine.FlagHash,
		machine.XPReward,
		string(machine.Status),
		machine.CreatedAt.UnixMilli(),
	)
	if err != nil {
		if _, ok := db.UniqueViolation(err); ok {
			return ErrMachineExists
		}
		return err
	}
	if r.cache != nil {
		_ = r.cache.Del(ctx, machineCacheKey(machine.ID))
	}
	return nil
}

// GetByID retrieves a machine by id.
func (r *SQLMachineRepository) GetByID(ctx context.Context, tx db.Transaction, id string) (*Machine, error) {
	if id == "" {
		return nil, ErrMachineNotFound
	}
	if r.cache == nil || tx != nil {
		return r.getByIDFromDB(ctx, tx, id)
	}
	machine, err := cache.GetWithCached[*Machine](
		ctx,
		r.cache,
		machineCacheKey(id),
		cache.JitterTTL(r.ttl),
		cache.JitterTTL(r.emptyTTL),
		func(machine *Machine) bool { return machine == nil },
		marshalMachine,
		unmarshalMachine,
		func(ctx context.Context) (*Machine, error) {
			machine, err := r.getByIDFromDB(ctx, nil, id)
			if errors.Is(err, ErrMachineNotFound) {
				return nil, nil
			}
			return machine, err
		},
	)
	if err != nil {
		return nil, err
	}
	if machine == nil {
		return nil, ErrMachineNotFound
	}
	return machine, nil
}

func (r *SQLMachineRepository) getByIDFromDB(ctx context.Context, tx db.Transaction, id string) (*Machine, error) {
	query := "SELECT " + machineColumns + " FROM machines WHERE id = ? LIMIT 1"
	row := db.GetQuerier(r.db, tx).QueryRow(ctx, query, id)
	machine := &Machine{}
	var (
		status    string
		createdAt int64
	)
	if err := row.Scan(
		&machine.ID,
		&machine.Name,
		&machine.FlagHash,
		&machine.XPReward,
		&status,
		&createdAt,
	); err != nil {
		if db.IsNoRows(err) {
			return nil, ErrMachineNotFound
		}
		return nil, err
	}
	machine.Status = MachineStatus(status)
	machine.CreatedAt = time.UnixMilli(createdAt).UTC()
	return machine, nil
}

func machineCacheKey(id string) string {
	return machineCacheKeyPrefix + id
}

func marshalMachine(machine *Machine) string {
	if machine == nil {
		return ""
	}
	data, err := json.Marshal(machine)
	if err != nil {
		return ""
	}
	return string(data)
}

func unmarshalMachine(data string) (*Machine, error) {
	if data == "" {
		return nil, errors.New("empty machine payload")
	}
	var machine Machine
	if err := json.Unmarshal([]byte(data), &machine); err != nil {
		return nil, err
	}
	return &machine, nil
}

var _ MachineRepository = (*SQLMachineRepository)(nil)
