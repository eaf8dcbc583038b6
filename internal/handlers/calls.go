package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"relay-service/internal/models"
)

// CallLookup returns a call the user may see.
type CallLookup interface {
	Get(ctx context.Context, roomName string, userID int) (models.Call, error)
}

// CallHandler exposes call history.
type CallHandler struct {
	calls CallLookup
}

func NewCallHandler(calls CallLookup) *CallHandler {
	return &CallHandler{calls: calls}
}

// GetCall returns the call record for a room.
func (h *CallHandler) GetCall(c *gin.Context) {
	call, err := h.calls.Get(c.Request.Context(), c.Param("room_name"), c.GetInt("userID"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"call": call})
}
