package service

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"labforge/internal/common/clock"
	"labforge/internal/common/db"
	"labforge/internal/instance/repository"
	"labforge/internal/instance/runtime"
	"labforge/internal/notify"
)

var testEpoch = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

func newTestDB(t *testing.T) db.Database {
	t.Helper()
	path := filepath.Join(t.TempDir(), "lab.db")
	database, err := db.Open(&db.Config{Driver: db.DriverSQLite, DSN: path + "?_pragma=busy_timeout(5000)"})
	if err != nil {
		t.Fatalf("open sqlite failed: %v", err)
	}
	t.Cleanup(func() { _ = database.Close() })
	if err := db.Migrate(context.Background(), database, repository.Schema(db.DriverSQLite)); err != nil {
		t.Fatalf("migrate failed: %v", err)
	}
	return database
}

type fakeRuntime struct {
	mu       sync.Mutex
	live     map[string]bool
	next     int
	startErr error
	stopErrs map[string]error
	delay    time.Duration
	starts   int
	stops    []string
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{live: make(map[string]bool), stopErrs: make(map[string]error)}
}

func (f *fakeRuntime) Start(ctx context.Context, machineID, instanceID string) (runtime.Handle, error) {
	if f.delay > 0 {
		select {
		case <-ctx.Done():
			return runtime.Handle{}, ctx.Err()
		case <-time.After(f.delay):
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	if f.startErr != nil {
		return runtime.Handle{}, f.startErr
	}
	f.next++
	id := fmt.Sprintf("rt-%d", f.next)
	f.live[id] = true
	return runtime.Handle{RuntimeID: id, Address: fmt.Sprintf("10.0.0.%d", f.next)}, nil
}

func (f *fakeRuntime) Stop(ctx context.Context, runtimeID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops = append(f.stops, runtimeID)
	if err := f.stopErrs[runtimeID]; err != nil {
		return err
	}
	if !f.live[runtimeID] {
		return runtime.ErrNotFound
	}
	delete(f.live, runtimeID)
	return nil
}

func (f *fakeRuntime) liveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.live)
}

func (f *fakeRuntime) markLive(runtimeID string) {
	f.mu.Lock()
	f.live[runtimeID] = true
	f.mu.Unlock()
}

type recordingSink struct {
	mu    sync.Mutex
	items []notify.Notification
	err   error
}

func (s *recordingSink) Notify(ctx context.Context, n notify.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.items = append(s.items, n)
	return nil
}

func (s *recordingSink) ofType(kind string) []notify.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []notify.Notification
	for _, n := range s.items {
		if n.Type == kind {
			out = append(out, n)
		}
	}
	return out
}

type fixture struct {
	db        db.Database
	instances *repository.SQLInstanceRepository
	machines  *repository.SQLMachineRepository
	runtime   *fakeRuntime
	sink      *recordingSink
	clock     *clock.Fake
	service   *InstanceService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	database := newTestDB(t)
	f := &fixture{
		db:        database,
		instances: repository.NewInstanceRepository(database),
		machines:  repository.NewMachineRepository(database, nil),
		runtime:   newFakeRuntime(),
		sink:      &recordingSink{},
		clock:     clock.NewFake(testEpoch),
	}
	f.service = f.newService(t)
	f.addMachine(t, "m1", repository.MachineApproved)
	return f
}

func (f *fixture) newService(t *testing.T) *InstanceService {
	t.Helper()
	svc, err := NewInstanceService(Config{
		InstanceRepo: f.instances,
		MachineRepo:  f.machines,
		Runtime:      f.runtime,
		Notifier:     f.sink,
		Clock:        f.clock,
		Timeouts:     TimeoutConfig{RuntimeStart: time.Second, RuntimeStop: time.Second},
	})
	if err != nil {
		t.Fatalf("new instance service failed: %v", err)
	}
	return svc
}

func (f *fixture) addMachine(t *testing.T, id string, status repository.MachineStatus) {
	t.Helper()
	err := f.machines.Create(context.Background(), nil, &repository.Machine{
		ID:       id,
		Name:     "box-" + id,
		FlagHash: "deadbeef",
		XPReward: 50,
		Status:   status,
	})
	if err != nil {
		t.Fatalf("create machine failed: %v", err)
	}
}

// insertInstance writes a row directly, bypassing the runtime.
func (f *fixture) insertInstance(t *testing.T, inst *repository.Instance) {
	t.Helper()
	if inst.RuntimeID == "" {
		inst.RuntimeID = "rt-" + inst.ID
	}
	if inst.Status == "" {
		inst.Status = repository.StatusRunning
	}
	if inst.Status == repository.StatusRunning {
		f.runtime.markLive(inst.RuntimeID)
	}
	if err := f.instances.Create(context.Background(), inst); err != nil {
		t.Fatalf("insert instance failed: %v", err)
	}
}

func (f *fixture) mustGet(t *testing.T, id string) *repository.Instance {
	t.Helper()
	inst, err := f.instances.GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("get instance %s failed: %v", id, err)
	}
	return inst
}

// staleCheckRepo hides running instances from the pre-check, as a peer node's
// uncommitted view would, so the unique constraint decides the race.
type staleCheckRepo struct {
	repository.InstanceRepository
}

func (r staleCheckRepo) GetRunning(ctx context.Context, userID, machineID string) (*repository.Instance, error) {
	return nil, repository.ErrInstanceNotFound
}

var errRuntimeDown = errors.New("runtime unavailable")
