package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/lockerhq/lockerd/internal/services"
	apperrors "github.com/lockerhq/lockerd/pkg/errors"
	"github.com/lockerhq/lockerd/pkg/response"
	"github.com/lockerhq/lockerd/pkg/validator"
)

// LockerHandler exposes the locker lifecycle over HTTP.
type LockerHandler struct {
	coordinator *services.CoordinationService
}

// NewLockerHandler constructs a locker handler.
func NewLockerHandler(coordinator *services.CoordinationService) (*LockerHandler, error) {
	if coordinator == nil {
		return nil, errors.New("locker handler: coordination service is required")
	}
	return &LockerHandler{coordinator: coordinator}, nil
}

type claimRequest struct {
	Email string `json:"email" validate:"required,email"`
}

type unlockRequest struct {
	PIN string `json:"pin" validate:"required,numeric,min=4,max=12"`
}

type movementRequest struct {
	HasObject *bool `json:"has_object" validate:"required"`
}

// Claim assigns an available locker to the requesting user.
func (h *LockerHandler) Claim(c *gin.Context) {
	var req claimRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, apperrors.NewBadRequest("Invalid request payload"))
		return
	}
	req.Email = strings.TrimSpace(req.Email)
	if err := validator.ValidateStruct(req); err != nil {
		response.Error(c, apperrors.NewBadRequest(err.Error()))
		return
	}

	locker, err := h.coordinator.ClaimLocker(c.Request.Context(), req.Email)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusCreated, locker)
}

// Unlock opens the locker matching the presented access code.
func (h *LockerHandler) Unlock(c *gin.Context) {
	var req unlockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, apperrors.NewBadRequest("Invalid request payload"))
		return
	}
	if err := validator.ValidateStruct(req); err != nil {
		response.Error(c, apperrors.NewBadRequest(err.Error()))
		return
	}

	locker, err := h.coordinator.UnlockWithPIN(c.Request.Context(), req.PIN)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, locker)
}

// Movement records a device object-sensor report for a locker.
func (h *LockerHandler) Movement(c *gin.Context) {
	var req movementRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, apperrors.NewBadRequest("Invalid request payload"))
		return
	}
	if err := validator.ValidateStruct(req); err != nil {
		response.Error(c, apperrors.NewBadRequest(err.Error()))
		return
	}

	locker, err := h.coordinator.ReportMovement(c.Request.Context(), lockerParam(c), *req.HasObject)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, locker)
}

// Get returns the current record for a locker.
func (h *LockerHandler) Get(c *gin.Context) {
	locker, err := h.coordinator.GetLocker(c.Request.Context(), lockerParam(c))
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, locker)
}

// History lists a locker's transition trail, most recent first.
func (h *LockerHandler) History(c *gin.Context) {
	limit := parseIntQuery(c, "limit", 25)
	offset := parseIntQuery(c, "offset", 0)

	entries, err := h.coordinator.ListHistory(c.Request.Context(), lockerParam(c), limit, offset)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.SuccessWithMeta(c, http.StatusOK, entries, &response.Meta{
		Limit:  limit,
		Offset: offset,
		Total:  len(entries),
	})
}

// Alerts lists a locker's degraded-mode alerts, most recent first.
func (h *LockerHandler) Alerts(c *gin.Context) {
	limit := parseIntQuery(c, "limit", 25)
	offset := parseIntQuery(c, "offset", 0)

	alerts, err := h.coordinator.ListAlerts(c.Request.Context(), lockerParam(c), limit, offset)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.SuccessWithMeta(c, http.StatusOK, alerts, &response.Meta{
		Limit:  limit,
		Offset: offset,
		Total:  len(alerts),
	})
}

func lockerParam(c *gin.Context) string {
	return strings.TrimSpace(c.Param("id"))
}

func parseIntQuery(c *gin.Context, key string, fallback int) int {
	raw := c.Query(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}
