package server

import (
	"context"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/localhands/internal/billing"
	"github.com/MarcoPoloResearchLab/localhands/internal/marketplace"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type updateProfileRequest struct {
	DisplayName string `json:"display_name" validate:"required,max=320"`
}

type profilePayload struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	Headline    string `json:"headline,omitempty"`
}

type sendMessageRequest struct {
	RecipientID string `json:"recipient_id" validate:"required,max=190"`
	JobID       string `json:"job_id" validate:"omitempty,max=64"`
	Body        string `json:"body" validate:"required"`
}

type messagePayload struct {
	ID          string    `json:"id"`
	SenderID    string    `json:"sender_id"`
	RecipientID string    `json:"recipient_id"`
	JobID       string    `json:"job_id,omitempty"`
	Body        string    `json:"body"`
	CreatedAt   time.Time `json:"created_at"`
}

type createJobRequest struct {
	Title       string `json:"title" validate:"required,max=320"`
	Description string `json:"description"`
}

type jobPayload struct {
	ID          string    `json:"id"`
	OwnerID     string    `json:"owner_id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Highlighted bool      `json:"highlighted"`
	Urgent      bool      `json:"urgent"`
	CreatedAt   time.Time `json:"created_at"`
}

type submitOfferRequest struct {
	Message    string `json:"message"`
	PriceCents int64  `json:"price_cents" validate:"gte=0"`
}

type decideOfferRequest struct {
	Status string `json:"status" validate:"required,oneof=accepted declined"`
}

type offerPayload struct {
	ID          string    `json:"id"`
	JobID       string    `json:"job_id"`
	OwnerID     string    `json:"owner_id"`
	ResponderID string    `json:"responder_id"`
	Message     string    `json:"message,omitempty"`
	PriceCents  int64     `json:"price_cents"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
}

func (h *httpHandler) handleUpdateProfile(c *gin.Context) {
	var request updateProfileRequest
	if !h.bindJSON(c, &request) {
		return
	}
	profile, err := h.marketplace.UpsertProfile(c.Request.Context(), viewerID(c), request.DisplayName)
	if err != nil {
		h.respondError(c, "profile_update_failed", err)
		return
	}
	c.JSON(http.StatusOK, profilePayload{UserID: profile.UserID, DisplayName: profile.DisplayName, Headline: profile.Headline})
}

func (h *httpHandler) handleSendMessage(c *gin.Context) {
	var request sendMessageRequest
	if !h.bindJSON(c, &request) {
		return
	}
	message, err := h.marketplace.SendMessage(c.Request.Context(), viewerID(c), request.RecipientID, request.JobID, request.Body)
	if err != nil {
		h.respondError(c, "message_send_failed", err)
		return
	}
	c.JSON(http.StatusCreated, messagePayload{
		ID:          message.ID,
		SenderID:    message.SenderID,
		RecipientID: message.RecipientID,
		JobID:       message.JobID,
		Body:        message.Body,
		CreatedAt:   message.CreatedAt,
	})
}

// handleCreateJob spends one listing from the plan ledger and gives it back if the insert fails.
func (h *httpHandler) handleCreateJob(c *gin.Context) {
	var request createJobRequest
	if !h.bindJSON(c, &request) {
		return
	}
	viewer := viewerID(c)
	if err := h.billing.Consume(c.Request.Context(), viewer, billing.QuotaListings); err != nil {
		h.respondError(c, "job_create_failed", err)
		return
	}
	job, err := h.marketplace.CreateJob(c.Request.Context(), viewer, request.Title, request.Description)
	if err != nil {
		if releaseErr := h.billing.Release(context.WithoutCancel(c.Request.Context()), viewer, billing.QuotaListings); releaseErr != nil {
			h.logger.Error("failed to release listing quota", zap.String("user_id", viewer), zap.Error(releaseErr))
		}
		h.respondError(c, "job_create_failed", err)
		return
	}
	c.JSON(http.StatusCreated, jobPayload{
		ID:          job.ID,
		OwnerID:     job.OwnerID,
		Title:       job.Title,
		Description: job.Description,
		Highlighted: job.Highlighted,
		Urgent:      job.Urgent,
		CreatedAt:   job.CreatedAt,
	})
}

func (h *httpHandler) handleSubmitOffer(c *gin.Context) {
	var request submitOfferRequest
	if !h.bindJSON(c, &request) {
		return
	}
	offer, err := h.marketplace.SubmitOffer(c.Request.Context(), c.Param("id"), viewerID(c), request.Message, request.PriceCents)
	if err != nil {
		h.respondError(c, "offer_submit_failed", err)
		return
	}
	c.JSON(http.StatusCreated, newOfferPayload(offer))
}

func (h *httpHandler) handleDecideOffer(c *gin.Context) {
	var request decideOfferRequest
	if !h.bindJSON(c, &request) {
		return
	}
	offer, err := h.marketplace.DecideOffer(c.Request.Context(), c.Param("id"), viewerID(c), marketplace.OfferStatus(request.Status))
	if err != nil {
		h.respondError(c, "offer_decision_failed", err)
		return
	}
	c.JSON(http.StatusOK, newOfferPayload(offer))
}

func newOfferPayload(offer marketplace.JobResponse) offerPayload {
	return offerPayload{
		ID:          offer.ID,
		JobID:       offer.JobID,
		OwnerID:     offer.OwnerID,
		ResponderID: offer.ResponderID,
		Message:     offer.Message,
		PriceCents:  offer.PriceCents,
		Status:      string(offer.Status),
		CreatedAt:   offer.CreatedAt,
	}
}
