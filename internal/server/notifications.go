package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type dismissNotificationsRequest struct {
	IDs []string `json:"ids" validate:"required,min=1,dive,required"`
}

func (h *httpHandler) handleNotificationFeed(c *gin.Context) {
	feed, err := h.notifications.Feed(c.Request.Context(), viewerID(c), deviceID(c))
	if err != nil {
		h.respondError(c, "notifications_failed", err)
		return
	}
	c.JSON(http.StatusOK, feed)
}

// handleNotificationsOpen returns the feed as it looked before opening, then marks it read.
func (h *httpHandler) handleNotificationsOpen(c *gin.Context) {
	feed, err := h.notifications.Open(c.Request.Context(), viewerID(c), deviceID(c))
	if err != nil {
		h.respondError(c, "notifications_failed", err)
		return
	}
	c.JSON(http.StatusOK, feed)
}

func (h *httpHandler) handleNotificationsDismiss(c *gin.Context) {
	var request dismissNotificationsRequest
	if !h.bindJSON(c, &request) {
		return
	}
	feed, err := h.notifications.Dismiss(c.Request.Context(), viewerID(c), deviceID(c), request.IDs)
	if err != nil {
		h.respondError(c, "notifications_failed", err)
		return
	}
	c.JSON(http.StatusOK, feed)
}
