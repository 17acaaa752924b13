package server

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// handleDeleteAccount removes the viewer's data and then drops every in-memory trace of them.
func (h *httpHandler) handleDeleteAccount(c *gin.Context) {
	viewer := viewerID(c)
	if err := h.accounts.Delete(c.Request.Context(), viewer); err != nil {
		h.logger.Error("account deletion failed", zap.String("user_id", viewer), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "account_deletion_failed"})
		return
	}

	h.bridge.Detach(viewer)
	h.devices.Forget(viewer)
	h.billing.Forget(viewer)
	if err := h.notifications.Forget(context.WithoutCancel(c.Request.Context()), viewer); err != nil {
		h.logger.Warn("failed to clear notification state", zap.String("user_id", viewer), zap.Error(err))
	}
	c.Status(http.StatusNoContent)
}
