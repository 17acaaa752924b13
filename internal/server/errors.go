package server

import (
	"errors"
	"net/http"

	"github.com/MarcoPoloResearchLab/localhands/internal/billing"
	"github.com/MarcoPoloResearchLab/localhands/internal/location"
	"github.com/MarcoPoloResearchLab/localhands/internal/marketplace"
	"github.com/MarcoPoloResearchLab/localhands/internal/notifications"
	"github.com/MarcoPoloResearchLab/localhands/internal/orders"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type errorResponse struct {
	status    int
	code      string
	retryable bool
}

var errorResponses = []struct {
	target   error
	response errorResponse
}{
	{orders.ErrValidation, errorResponse{status: http.StatusBadRequest, code: "invalid_request"}},
	{marketplace.ErrValidation, errorResponse{status: http.StatusBadRequest, code: "invalid_request"}},
	{notifications.ErrValidation, errorResponse{status: http.StatusBadRequest, code: "invalid_request"}},
	{billing.ErrValidation, errorResponse{status: http.StatusBadRequest, code: "invalid_request"}},
	{orders.ErrForbidden, errorResponse{status: http.StatusForbidden, code: "forbidden"}},
	{marketplace.ErrForbidden, errorResponse{status: http.StatusForbidden, code: "forbidden"}},
	{billing.ErrCheckoutForbidden, errorResponse{status: http.StatusForbidden, code: "forbidden"}},
	{orders.ErrNotFound, errorResponse{status: http.StatusNotFound, code: "not_found"}},
	{marketplace.ErrNotFound, errorResponse{status: http.StatusNotFound, code: "not_found"}},
	{orders.ErrInvalidTransition, errorResponse{status: http.StatusConflict, code: "invalid_transition"}},
	{marketplace.ErrConflict, errorResponse{status: http.StatusConflict, code: "conflict"}},
	{billing.ErrLedgerConflict, errorResponse{status: http.StatusConflict, code: "conflict", retryable: true}},
	{billing.ErrQuotaExhausted, errorResponse{status: http.StatusPaymentRequired, code: "quota_exhausted"}},
	{billing.ErrProcessorMissing, errorResponse{status: http.StatusServiceUnavailable, code: "billing_unavailable"}},
	{location.ErrLocationUnavailable, errorResponse{status: http.StatusUnprocessableEntity, code: "location_unavailable", retryable: true}},
}

// respondError maps a service error onto its HTTP response. Unmapped errors are logged and become 500s.
func (h *httpHandler) respondError(c *gin.Context, fallback string, err error) {
	for _, candidate := range errorResponses {
		if errors.Is(err, candidate.target) {
			body := gin.H{"error": candidate.response.code}
			if candidate.response.retryable {
				body["retryable"] = true
			}
			c.JSON(candidate.response.status, body)
			return
		}
	}
	h.logger.Error("request failed", zap.String("error_code", fallback), zap.String("path", c.FullPath()), zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": fallback})
}
