package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"labforge/internal/common/clock"
	"labforge/internal/common/db"
	"labforge/internal/common/ratelimit"
	flagRepo "labforge/internal/flag/repository"
	instanceRepo "labforge/internal/instance/repository"
	"labforge/internal/notify"
	appErr "labforge/pkg/errors"
)

const testFlag = "FLAG{kernel_of_truth}"

var testEpoch = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

type recordingSink struct {
	mu    sync.Mutex
	items []notify.Notification
}

func (s *recordingSink) Notify(ctx context.Context, n notify.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = append(s.items, n)
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

type failingLimiter struct{}

func (failingLimiter) Allow(ctx context.Context, key string) (bool, error) {
	return false, errors.New("connection refused")
}

type fixture struct {
	db        db.Database
	instances *instanceRepo.SQLInstanceRepository
	machines  *instanceRepo.SQLMachineRepository
	attempts  *flagRepo.SQLAttemptRepository
	solves    *flagRepo.SQLSolveRepository
	clock     *clock.Fake
	sink      *recordingSink
	hasher    *Hasher
	validator *Validator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	path := filepath.Join(t.TempDir(), "lab.db")
	database, err := db.Open(&db.Config{Driver: db.DriverSQLite, DSN: path + "?_pragma=busy_timeout(5000)"})
	if err != nil {
		t.Fatalf("open sqlite failed: %v", err)
	}
	t.Cleanup(func() { _ = database.Close() })
	schema := append(instanceRepo.Schema(db.DriverSQLite), flagRepo.Schema(db.DriverSQLite)...)
	if err := db.Migrate(context.Background(), database, schema); err != nil {
		t.Fatalf("migrate failed: %v", err)
	}

	f := &fixture{
		db:        database,
		instances: instanceRepo.NewInstanceRepository(database),
		machines:  instanceRepo.NewMachineRepository(database, nil),
		attempts:  flagRepo.NewAttemptRepository(database),
		solves:    flagRepo.NewSolveRepository(database),
		clock:     clock.NewFake(testEpoch),
		sink:      &recordingSink{},
		hasher:    NewHasher(""),
	}
	f.validator = f.newValidator(t, ratelimit.NewMemoryLimiter(ratelimit.Config{}, f.clock))

	if err := f.machines.Create(context.Background(), nil, &instanceRepo.Machine{
		ID:       "m1",
		Name:     "Kernel",
		FlagHash: f.hasher.Hash(testFlag),
		XPReward: 50,
		Status:   instanceRepo.MachineApproved,
	}); err != nil {
		t.Fatalf("create machine failed: %v", err)
	}
	return f
}

func (f *fixture) newValidator(t *testing.T, limiter ratelimit.Limiter) *Validator {
	t.Helper()
	v, err := NewValidator(Config{
		Limiter:      limiter,
		InstanceRepo: f.instances,
		MachineRepo:  f.machines,
		SolveRepo:    f.solves,
		AttemptRepo:  f.attempts,
		Hasher:       f.hasher,
		Notifier:     f.sink,
		Clock:        f.clock,
	})
	if err != nil {
		t.Fatalf("new validator failed: %v", err)
	}
	return v
}

func (f *fixture) startInstance(t *testing.T, userID, machineID string, expiresIn time.Duration) string {
	t.Helper()
	id := "inst-" + userID + "-" + machineID
	err := f.instances.Create(context.Background(), &instanceRepo.Instance{
		ID:        id,
		UserID:    userID,
		MachineID: machineID,
		RuntimeID: "rt-" + id,
		CreatedAt: testEpoch,
		ExpiresAt: testEpoch.Add(expiresIn),
	})
	if err != nil {
		t.Fatalf("create instance failed: %v", err)
	}
	return id
}

func TestValidateFirstBloodThenRegularSolve(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.startInstance(t, "u1", "m1", 2*time.Hour)
	f.startInstance(t, "u2", "m1", 2*time.Hour)

	first, err := f.validator.Validate(ctx, "u1", "m1", testFlag)
	if err != nil {
		t.Fatalf("validate u1 failed: %v", err)
	}
	if !first.Correct || !first.IsFirstBlood || first.XPAwarded != 75 {
		t.Fatalf("expected first blood with 75 XP, got %+v", first)
	}

	second, err := f.validator.Validate(ctx, "u2", "m1", testFlag)
	if err != nil {
		t.Fatalf("validate u2 failed: %v", err)
	}
	if !second.Correct || second.IsFirstBlood || second.XPAwarded != 50 {
		t.Fatalf("expected regular solve with 50 XP, got %+v", second)
	}

	if f.sink.count() != 2 {
		t.Fatalf("expected 2 solve notifications, got %d", f.sink.count())
	}
}

func TestValidateIncorrectFlagIsLogged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	instanceID := f.startInstance(t, "u1", "m1", 2*time.Hour)

	result, err := f.validator.Validate(ctx, "u1", "m1", "FLAG{nope}")
	if err != nil {
		t.Fatalf("validate failed: %v", err)
	}
	if result.Correct || result.IsFirstBlood || result.XPAwarded != 0 {
		t.Fatalf("expected incorrect result, got %+v", result)
	}

	attempts, err := f.validator.Submissions(ctx, "u1", "m1", 10)
	if err != nil {
		t.Fatalf("list submissions failed: %v", err)
	}
	if len(attempts) != 1 {
		t.Fatalf("expected one attempt, got %d", len(attempts))
	}
	got := attempts[0]
	if got.IsCorrect || got.InstanceID != instanceID || got.SubmittedHash != sha256Hex("FLAG{nope}") {
		t.Fatalf("unexpected attempt: %+v", got)
	}
	if f.sink.count() != 0 {
		t.Fatalf("incorrect flags must not notify")
	}
}

func TestValidateTrimsSubmittedFlag(t *testing.T) {
	f := newFixture(t)
	f.startInstance(t, "u1", "m1", 2*time.Hour)

	result, err := f.validator.Validate(context.Background(), "u1", "m1", "  "+testFlag+"\n")
	if err != nil {
		t.Fatalf("validate failed: %v", err)
	}
	if !result.Correct {
		t.Fatalf("expected surrounding whitespace to be ignored")
	}
}

func TestValidateRepeatSolveAwardsNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.startInstance(t, "u1", "m1", 2*time.Hour)

	if _, err := f.validator.Validate(ctx, "u1", "m1", testFlag); err != nil {
		t.Fatalf("first validate failed: %v", err)
	}
	again, err := f.validator.Validate(ctx, "u1", "m1", testFlag)
	if err != nil {
		t.Fatalf("second validate failed: %v", err)
	}
	if !again.Correct || !again.AlreadySolved || again.XPAwarded != 0 || again.IsFirstBlood {
		t.Fatalf("expected already solved result, got %+v", again)
	}

	attempts, err := f.attempts.ListByUser(ctx, "u1", flagRepo.AttemptFilter{})
	if err != nil {
		t.Fatalf("list attempts failed: %v", err)
	}
	if len(attempts) != 2 {
		t.Fatalf("expected both submissions logged, got %d", len(attempts))
	}
}

func TestValidateRateLimit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.startInstance(t, "u1", "m1", 2*time.Hour)

	for i := 0; i < 5; i++ {
		f.clock.Advance(5 * time.Second)
		if _, err := f.validator.Validate(ctx, "u1", "m1", fmt.Sprintf("FLAG{guess-%d}", i)); err != nil {
			t.Fatalf("attempt %d failed: %v", i+1, err)
		}
	}

	_, err := f.validator.Validate(ctx, "u1", "m1", testFlag)
	if appErr.GetCode(err) != appErr.FlagRateLimited {
		t.Fatalf("expected sixth attempt to be rate limited, got %v", err)
	}
	if appErr.GetCode(err).HTTPStatus() != 429 {
		t.Fatalf("expected 429 mapping")
	}

	attempts, _ := f.attempts.ListByUser(ctx, "u1", flagRepo.AttemptFilter{})
	if len(attempts) != 5 {
		t.Fatalf("rate limited call must not reach the attempt log, got %d", len(attempts))
	}

	// Other users are unaffected.
	f.startInstance(t, "u2", "m1", 2*time.Hour)
	if _, err := f.validator.Validate(ctx, "u2", "m1", testFlag); err != nil {
		t.Fatalf("other user should not be limited: %v", err)
	}

	f.clock.Advance(time.Minute)
	result, err := f.validator.Validate(ctx, "u1", "m1", testFlag)
	if err != nil || !result.Correct {
		t.Fatalf("expected new window to allow submission, got %+v %v", result, err)
	}
}

func TestValidateRateLimiterUnavailable(t *testing.T) {
	f := newFixture(t)
	f.startInstance(t, "u1", "m1", 2*time.Hour)
	v := f.newValidator(t, failingLimiter{})

	_, err := v.Validate(context.Background(), "u1", "m1", testFlag)
	if appErr.GetCode(err) != appErr.ServiceUnavailable {
		t.Fatalf("expected service unavailable, got %v", err)
	}
}

func TestValidateRequiresRunningInstance(t *testing.T) {
	f := newFixture(t)

	_, err := f.validator.Validate(context.Background(), "u1", "m1", testFlag)
	if appErr.GetCode(err) != appErr.NoActiveInstance || appErr.GetCode(err).HTTPStatus() != 403 {
		t.Fatalf("expected no active instance, got %v", err)
	}
}

func TestValidateExpiredInstanceIsNotReaped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	instanceID := f.startInstance(t, "u1", "m1", time.Hour)
	f.clock.Advance(time.Hour + time.Second)

	_, err := f.validator.Validate(ctx, "u1", "m1", testFlag)
	if appErr.GetCode(err) != appErr.InstanceExpired || appErr.GetCode(err).HTTPStatus() != 403 {
		t.Fatalf("expected expired instance, got %v", err)
	}
	inst, err := f.instances.GetByID(ctx, instanceID)
	if err != nil {
		t.Fatalf("get instance failed: %v", err)
	}
	if inst.Status != instanceRepo.StatusRunning {
		t.Fatalf("validator must leave the expired transition to the reaper")
	}
}

func TestValidateUnknownMachine(t *testing.T) {
	f := newFixture(t)
	f.startInstance(t, "u1", "ghost", 2*time.Hour)

	_, err := f.validator.Validate(context.Background(), "u1", "ghost", testFlag)
	if appErr.GetCode(err) != appErr.MachineNotFound || appErr.GetCode(err).HTTPStatus() != 404 {
		t.Fatalf("expected machine not found, got %v", err)
	}
}

func TestValidateRejectsBadInput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cases := []struct {
		user, machine, flag string
		code                appErr.ErrorCode
	}{
		{"", "m1", testFlag, appErr.Unauthorized},
		{"u1", "", testFlag, appErr.ValidationFailed},
		{"u1", "m1", "", appErr.ValidationFailed},
	}
	for _, tc := range cases {
		_, err := f.validator.Validate(ctx, tc.user, tc.machine, tc.flag)
		if appErr.GetCode(err) != tc.code {
			t.Fatalf("validate(%q, %q, %q): expected %d, got %v", tc.user, tc.machine, tc.flag, tc.code, err)
		}
	}
}

func TestConcurrentCorrectSubmissionsSingleFirstBlood(t *testing.T) {
	f := newFixture(t)
	const users = 12
	for i := 0; i < users; i++ {
		f.startInstance(t, fmt.Sprintf("u%d", i), "m1", 2*time.Hour)
	}

	var (
		wg          sync.WaitGroup
		mu          sync.Mutex
		firstBloods int
		totalXP     float64
	)
	for i := 0; i < users; i++ {
		wg.Add(1)
		go func(userID string) {
			defer wg.Done()
			result, err := f.validator.Validate(context.Background(), userID, "m1", testFlag)
			if err != nil {
				t.Errorf("validate %s failed: %v", userID, err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if result.IsFirstBlood {
				firstBloods++
			}
			totalXP += result.XPAwarded
		}(fmt.Sprintf("u%d", i))
	}
	wg.Wait()

	if firstBloods != 1 {
		t.Fatalf("expected exactly one first blood, got %d", firstBloods)
	}
	if want := 75.0 + 50.0*(users-1); totalXP != want {
		t.Fatalf("expected total XP %v, got %v", want, totalXP)
	}
	var count int
	err := f.db.QueryRow(context.Background(),
		"SELECT COUNT(*) FROM solves WHERE machine_id = ? AND is_first_blood = ?", "m1", true).Scan(&count)
	if err != nil || count != 1 {
		t.Fatalf("expected one stored first blood, got %d (%v)", count, err)
	}
}

func TestResultJSON(t *testing.T) {
	tests := []struct {
		name   string
		result Result
		want   string
	}{
		{"incorrect", Result{Correct: false}, `{"correct":false}`},
		{"first blood", Result{Correct: true, IsFirstBlood: true, XPAwarded: 75}, `{"correct":true,"is_first_blood":true,"xp_awarded":75}`},
		{"regular solve", Result{Correct: true, XPAwarded: 50}, `{"correct":true,"is_first_blood":false,"xp_awarded":50}`},
		{"zero reward", Result{Correct: true, IsFirstBlood: true}, `{"correct":true,"is_first_blood":true,"xp_awarded":0}`},
		{"already solved", Result{Correct: true, AlreadySolved: true}, `{"correct":true,"is_first_blood":false,"xp_awarded":0,"already_solved":true}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := json.Marshal(&tt.result)
			if err != nil {
				t.Fatalf("marshal failed: %v", err)
			}
			if string(got) != tt.want {
				t.Errorf("json = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestRejectedCallsWriteNoAttempt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.validator.Validate(ctx, "u1", "m1", testFlag); appErr.GetCode(err) != appErr.NoActiveInstance {
		t.Fatalf("expected no active instance, got %v", err)
	}

	f.startInstance(t, "u2", "ghost", 2*time.Hour)
	if _, err := f.validator.Validate(ctx, "u2", "ghost", testFlag); appErr.GetCode(err) != appErr.MachineNotFound {
		t.Fatalf("expected machine not found, got %v", err)
	}

	f.startInstance(t, "u3", "m1", time.Hour)
	f.clock.Advance(time.Hour + time.Second)
	if _, err := f.validator.Validate(ctx, "u3", "m1", testFlag); appErr.GetCode(err) != appErr.InstanceExpired {
		t.Fatalf("expected expired instance, got %v", err)
	}

	limited := f.newValidator(t, ratelimit.NewMemoryLimiter(ratelimit.Config{Window: time.Minute, MaxAttempts: 1}, f.clock))
	f.startInstance(t, "u4", "m1", 2*time.Hour)
	if _, err := limited.Validate(ctx, "u4", "m1", "FLAG{first}"); err != nil {
		t.Fatalf("first attempt failed: %v", err)
	}
	if _, err := limited.Validate(ctx, "u4", "m1", "FLAG{second}"); appErr.GetCode(err) != appErr.FlagRateLimited {
		t.Fatalf("expected rate limit, got %v", err)
	}

	for user, want := range map[string]int{"u1": 0, "u2": 0, "u3": 0, "u4": 1} {
		attempts, err := f.attempts.ListByUser(ctx, user, flagRepo.AttemptFilter{})
		if err != nil {
			t.Fatalf("list attempts failed: %v", err)
		}
		if len(attempts) != want {
			t.Fatalf("%s: expected %d logged attempts, got %d", user, want, len(attempts))
		}
	}
}
