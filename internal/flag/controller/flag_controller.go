package controller

import (
	"context"
	"strconv"

	"labforge/internal/common/http/middleware"
	"labforge/internal/flag/repository"
	"labforge/internal/flag/service"
	"labforge/pkg/utils/response"

	"github.com/gin-gonic/gin"
)

// FlagService validates submissions and lists the caller's history.
type FlagService interface {
	Validate(ctx context.Context, userID, machineID, flag string) (*service.Result, error)
	Submissions(ctx context.Context, userID, machineID string, limit int) ([]*repository.Attempt, error)
}

// FlagController handles flag HTTP endpoints.
type FlagController struct {
	flagService FlagService
}

// NewFlagController creates a new FlagController.
func NewFlagController(flagService FlagService) *FlagController {
	return &FlagController{flagService: flagService}
}

// Validate checks a submitted flag.
func (h *FlagController) Validate(c *gin.Context) {
	var req ValidateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "Invalid request parameters")
		return
	}
	result, err := h.flagService.Validate(c.Request.Context(), middleware.UserID(c), req.MachineID, req.Flag)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, result)
}

// Submissions lists the caller's submission attempts.
func (h *FlagController) Submissions(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			response.BadRequest(c, "Invalid limit")
			return
		}
		limit = parsed
	}
	attempts, err := h.flagService.Submissions(c.Request.Context(), middleware.UserID(c), c.Query("machine_id"), limit)
	if err != nil {
		response.Error(c, err)
		return
	}
	views := make([]SubmissionView, 0, len(attempts))
	for _, attempt := range attempts {
		views = append(views, SubmissionView{
			ID:         attempt.ID,
			MachineID:  attempt.MachineID,
			InstanceID: attempt.InstanceID,
			IsCorrect:  attempt.IsCorrect,
			CreatedAt:  attempt.CreatedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
		})
	}
	response.SuccessWithList(c, views, len(views))
}

// ValidateRequest defines the flag submission payload.
type ValidateRequest struct {
	MachineID string `json:"machine_id" binding:"required"`
	Flag      string `json:"flag" binding:"required"`
}

// SubmissionView is one attempt as shown to its owner; digests are not exposed.
type SubmissionView struct {
	ID         string `json:"id"`
	MachineID  string `json:"machine_id"`
	InstanceID string `json:"instance_id"`
	IsCorrect  bool   `json:"is_correct"`
	CreatedAt  string `json:"created_at"`
}
