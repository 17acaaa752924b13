package server

import (
	"errors"
	"io"
	"net/http"

	"github.com/MarcoPoloResearchLab/localhands/internal/billing"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const stripeSignatureHeader = "Stripe-Signature"

type checkoutRequest struct {
	Type   string   `json:"type" validate:"required,oneof=subscription single_listing addons_only"`
	Plan   string   `json:"plan" validate:"required_if=Type subscription"`
	JobID  string   `json:"job_id" validate:"omitempty,max=64"`
	Addons []string `json:"addons" validate:"omitempty,dive,oneof=highlight urgent trusted"`
}

type checkoutResponse struct {
	CheckoutURL string `json:"checkout_url"`
}

func (h *httpHandler) handleBillingStatus(c *gin.Context) {
	status, err := h.billing.Status(c.Request.Context(), viewerID(c))
	if err != nil {
		h.respondError(c, "billing_status_failed", err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (h *httpHandler) handleBillingCheckout(c *gin.Context) {
	var request checkoutRequest
	if !h.bindJSON(c, &request) {
		return
	}
	addons := make([]billing.Addon, 0, len(request.Addons))
	for _, addon := range request.Addons {
		addons = append(addons, billing.Addon(addon))
	}
	url, err := h.billing.Checkout(c.Request.Context(), viewerID(c), billing.CheckoutRequest{
		Type:   billing.Purchase(request.Type),
		Plan:   request.Plan,
		JobID:  request.JobID,
		Addons: addons,
	})
	if err != nil {
		h.respondError(c, "checkout_failed", err)
		return
	}
	c.JSON(http.StatusOK, checkoutResponse{CheckoutURL: url})
}

// handleBillingWebhook verifies the processor signature before anything else. Verified events
// go to the worker queue when one is configured and are applied inline otherwise.
func (h *httpHandler) handleBillingWebhook(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBodyLen))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	raw, err := billing.VerifyEvent(body, c.GetHeader(stripeSignatureHeader), h.webhookSecret)
	if err != nil {
		h.logger.Warn("billing webhook rejected", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_signature"})
		return
	}
	event, err := billing.ParseEvent(raw)
	if err != nil {
		if !errors.Is(err, billing.ErrIgnoredEvent) {
			h.logger.Warn("billing webhook payload unusable", zap.String("event_id", raw.ID), zap.Error(err))
		}
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	}

	if h.billingQueue != nil {
		if err := h.billingQueue.EnqueueBillingEvent(c.Request.Context(), event.EventID(), body); err != nil {
			h.logger.Error("failed to enqueue billing event", zap.String("event_id", event.EventID()), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "billing_enqueue_failed"})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
		return
	}

	result, err := h.billing.Apply(c.Request.Context(), event)
	if err != nil {
		if errors.Is(err, billing.ErrUnknownPlanProduct) {
			c.JSON(http.StatusOK, gin.H{"status": "ignored"})
			return
		}
		h.respondError(c, "billing_apply_failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": string(result)})
}
