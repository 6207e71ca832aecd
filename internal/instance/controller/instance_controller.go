package controller

import (
	"context"
	"time"

	"labforge/internal/common/http/middleware"
	"labforge/internal/instance/repository"
	"labforge/internal/instance/service"
	"labforge/pkg/utils/response"

	"github.com/gin-gonic/gin"
)

// InstanceService is the lifecycle surface the controller drives.
type InstanceService interface {
	Start(ctx context.Context, userID, machineID string) (*repository.Instance, error)
	Stop(ctx context.Context, instanceID, userID string) error
	Extend(ctx context.Context, instanceID, userID string) (time.Time, error)
	Get(ctx context.Context, instanceID, userID string) (*repository.Instance, error)
	Active(ctx context.Context, userID, machineID string) (*repository.Instance, error)
}

// Sweeper runs one reaper pass on demand.
type Sweeper interface {
	Sweep(ctx context.Context) (service.SweepResult, error)
}

// InstanceController handles instance HTTP endpoints.
type InstanceController struct {
	instanceService InstanceService
	sweeper         Sweeper
}

// NewInstanceController creates a new InstanceController.
func NewInstanceController(instanceService InstanceService, sweeper Sweeper) *InstanceController {
	return &InstanceController{instanceService: instanceService, sweeper: sweeper}
}

// Start launches an instance for the caller.
func (h *InstanceController) Start(c *gin.Context) {
	var req StartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "Invalid request parameters")
		return
	}
	instance, err := h.instanceService.Start(c.Request.Context(), middleware.UserID(c), req.MachineID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, StartResponse{
		InstanceID: instance.ID,
		Address:    instance.Address,
		ExpiresAt:  instance.ExpiresAt,
	})
}

// Stop terminates one of the caller's instances.
func (h *InstanceController) Stop(c *gin.Context) {
	instanceID := c.Param("id")
	if instanceID == "" {
		response.BadRequest(c, "Invalid instance id")
		return
	}
	if err := h.instanceService.Stop(c.Request.Context(), instanceID, middleware.UserID(c)); err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, StopResponse{OK: true})
}

// Extend pushes the expiry of one of the caller's instances.
func (h *InstanceController) Extend(c *gin.Context) {
	instanceID := c.Param("id")
	if instanceID == "" {
		response.BadRequest(c, "Invalid instance id")
		return
	}
	expiresAt, err := h.instanceService.Extend(c.Request.Context(), instanceID, middleware.UserID(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, ExtendResponse{ExpiresAt: expiresAt})
}

// Get returns one of the caller's instances.
func (h *InstanceController) Get(c *gin.Context) {
	instance, err := h.instanceService.Get(c.Request.Context(), c.Param("id"), middleware.UserID(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, toInstanceView(instance))
}

// Active returns the caller's running instance of a machine.
func (h *InstanceController) Active(c *gin.Context) {
	machineID := c.Query("machine_id")
	if machineID == "" {
		response.BadRequest(c, "machine_id is required")
		return
	}
	instance, err := h.instanceService.Active(c.Request.Context(), middleware.UserID(c), machineID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, toInstanceView(instance))
}

// Reap runs one expiration pass and reports its result.
func (h *InstanceController) Reap(c *gin.Context) {
	result, err := h.sweeper.Sweep(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, result)
}

// StartRequest defines the start payload.
type StartRequest struct {
	MachineID string `json:"machine_id" binding:"required"`
}

// StartResponse defines the start response payload.
type StartResponse struct {
	InstanceID string    `json:"instance_id"`
	Address    string    `json:"address"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// StopResponse defines the stop response payload.
type StopResponse struct {
	OK bool `json:"ok"`
}

// ExtendResponse defines the extend response payload.
type ExtendResponse struct {
	ExpiresAt time.Time `json:"expires_at"`
}

// InstanceView is the public shape of an instance; runtime ids stay internal.
type InstanceView struct {
	ID        string     `json:"id"`
	MachineID string     `json:"machine_id"`
	Address   string     `json:"address"`
	Status    string     `json:"status"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt time.Time  `json:"expires_at"`
	StoppedAt *time.Time `json:"stopped_at,omitempty"`
}

func toInstanceView(instance *repository.Instance) InstanceView {
	return InstanceView{
		ID:        instance.ID,
		MachineID: instance.MachineID,
		Address:   instance.Address,
		Status:    string(instance.Status),
		CreatedAt: instance.CreatedAt,
		ExpiresAt: instance.ExpiresAt,
		StoppedAt: instance.StoppedAt,
	}
}
