package runtime

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Stop when the runtime no longer knows the resource.
// Callers treat it as already stopped.
var ErrNotFound = errors.New("runtime resource not found")

// Handle identifies a started environment.
type Handle struct {
	RuntimeID string `json:"runtime_id"`
	Address   string `json:"address"`
}

// Runtime provisions and tears down machine environments.
// Start must not be retried by callers: a timed-out Start may still have created a resource.
type Runtime interface {
	Start(ctx context.Context, machineID, instanceID string) (Handle, error)
	Stop(ctx context.Context, runtimeID string) error
}
