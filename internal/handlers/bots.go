package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"relay-service/internal/models"
)

// BotUpdateSource hands out a bot's unprocessed updates.
type BotUpdateSource interface {
	PendingUpdates(ctx context.Context, botID int, limit int) ([]models.BotMessage, error)
}

// BotHandler serves the polling endpoint for bots that are not connected.
type BotHandler struct {
	updates BotUpdateSource
}

func NewBotHandler(updates BotUpdateSource) *BotHandler {
	return &BotHandler{updates: updates}
}

// GetUpdates returns and marks processed the bot's pending updates.
func (h *BotHandler) GetUpdates(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = parsed
	}

	updates, err := h.updates.PendingUpdates(c.Request.Context(), c.GetInt("botID"), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	if updates == nil {
		updates = []models.BotMessage{}
	}
	c.JSON(http.StatusOK, gin.H{"updates": updates})
}
