package runtime

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Simulated is an in-process runtime for development and tests.
// It hands out 10.x.y.z addresses and remembers live resources.
type Simulated struct {
	latency time.Duration

	mu   sync.Mutex
	live map[string]Handle
}

// NewSimulated creates a simulated runtime that sleeps latency per call.
func NewSimulated(latency time.Duration) *Simulated {
	return &Simulated{
		latency: latency,
		live:    make(map[string]Handle),
	}
}

func (s *Simulated) Start(ctx context.Context, machineID, instanceID string) (Handle, error) {
	if err := s.wait(ctx); err != nil {
		return Handle{}, err
	}
	handle := Handle{
		RuntimeID: "sim-" + uuid.NewString()[:12],
		Address:   fmt.Sprintf("10.%d.%d.%d", rand.IntN(256), rand.IntN(256), 1+rand.IntN(254)),
	}
	s.mu.Lock()
	s.live[handle.RuntimeID] = handle
	s.mu.Unlock()
	return handle, nil
}

func (s *Simulated) Stop(ctx context.Context, runtimeID string) error {
	if err := s.wait(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.live[runtimeID]; !ok {
		return ErrNotFound
	}
	delete(s.live, runtimeID)
	return nil
}

// Live reports how many resources are currently started.
func (s *Simulated) Live() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live)
}

func (s *Simulated) wait(ctx context.Context) error {
	if s.latency <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(s.latency)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

var _ Runtime = (*Simulated)(nil)
