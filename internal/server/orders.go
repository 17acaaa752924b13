package server

import (
	"net/http"

	"github.com/MarcoPoloResearchLab/localhands/internal/location"
	"github.com/MarcoPoloResearchLab/localhands/internal/orders"
	"github.com/gin-gonic/gin"
)

type devicePositionPayload struct {
	Lat    *float64 `json:"lat" validate:"omitempty,latitude"`
	Lng    *float64 `json:"lng" validate:"omitempty,longitude"`
	Denied bool     `json:"denied"`
}

type createOrderRequest struct {
	ProviderID     string                 `json:"provider_id" validate:"required,max=190"`
	DevicePosition *devicePositionPayload `json:"device_position"`
}

type advanceOrderRequest struct {
	Status string `json:"status" validate:"required"`
}

type sharePositionRequest struct {
	Lat        *float64 `json:"lat" validate:"required,latitude"`
	Lng        *float64 `json:"lng" validate:"required,longitude"`
	EtaSeconds *int     `json:"eta_seconds" validate:"omitempty,min=0"`
}

type orderListResponse struct {
	Orders []orders.Order `json:"orders"`
}

func (h *httpHandler) handleCreateOrder(c *gin.Context) {
	var request createOrderRequest
	if !h.bindJSON(c, &request) {
		return
	}
	viewer := viewerID(c)
	if request.DevicePosition != nil && !h.recordDevicePosition(c, viewer, *request.DevicePosition) {
		return
	}

	position, err := h.resolver.Resolve(c.Request.Context(), location.Request{ViewerID: viewer, ClientIP: c.ClientIP()})
	if err != nil {
		h.respondError(c, "location_failed", err)
		return
	}
	order, err := h.orders.Create(c.Request.Context(), viewer, request.ProviderID, &orders.Coordinates{Lat: position.Lat, Lng: position.Lng})
	if err != nil {
		h.respondError(c, "order_create_failed", err)
		return
	}
	c.JSON(http.StatusCreated, order)
}

func (h *httpHandler) handleListOrders(c *gin.Context) {
	list, err := h.orders.ListForViewer(c.Request.Context(), viewerID(c))
	if err != nil {
		h.respondError(c, "order_list_failed", err)
		return
	}
	if list == nil {
		list = []orders.Order{}
	}
	c.JSON(http.StatusOK, orderListResponse{Orders: list})
}

func (h *httpHandler) handleGetOrder(c *gin.Context) {
	order, err := h.orders.Get(c.Request.Context(), c.Param("id"), viewerID(c))
	if err != nil {
		h.respondError(c, "order_lookup_failed", err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (h *httpHandler) handleAcceptOrder(c *gin.Context) {
	h.respondOrder(c, "order_accept_failed")(h.orders.Accept(c.Request.Context(), c.Param("id"), viewerID(c)))
}

func (h *httpHandler) handleRejectOrder(c *gin.Context) {
	h.respondOrder(c, "order_reject_failed")(h.orders.Reject(c.Request.Context(), c.Param("id"), viewerID(c)))
}

func (h *httpHandler) handleCancelOrder(c *gin.Context) {
	h.respondOrder(c, "order_cancel_failed")(h.orders.Cancel(c.Request.Context(), c.Param("id"), viewerID(c)))
}

func (h *httpHandler) handleAdvanceOrder(c *gin.Context) {
	var request advanceOrderRequest
	if !h.bindJSON(c, &request) {
		return
	}
	next, ok := orders.ParseStatus(request.Status)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_status"})
		return
	}
	h.respondOrder(c, "order_advance_failed")(h.orders.Advance(c.Request.Context(), c.Param("id"), next, viewerID(c)))
}

func (h *httpHandler) handleSharePosition(c *gin.Context) {
	var request sharePositionRequest
	if !h.bindJSON(c, &request) {
		return
	}
	position := orders.Coordinates{Lat: *request.Lat, Lng: *request.Lng}
	h.respondOrder(c, "order_position_failed")(h.orders.SharePosition(c.Request.Context(), c.Param("id"), viewerID(c), position, request.EtaSeconds))
}

func (h *httpHandler) respondOrder(c *gin.Context, fallback string) func(orders.Order, error) {
	return func(order orders.Order, err error) {
		if err != nil {
			h.respondError(c, fallback, err)
			return
		}
		c.JSON(http.StatusOK, order)
	}
}

func (h *httpHandler) handleDevicePosition(c *gin.Context) {
	var request devicePositionPayload
	if !h.bindJSON(c, &request) {
		return
	}
	if !h.recordDevicePosition(c, viewerID(c), request) {
		return
	}
	c.Status(http.StatusNoContent)
}

// recordDevicePosition feeds a browser geolocation result into the device stage.
func (h *httpHandler) recordDevicePosition(c *gin.Context, viewer string, payload devicePositionPayload) bool {
	switch {
	case payload.Denied:
		h.devices.Deny(viewer)
	case payload.Lat != nil && payload.Lng != nil:
		h.devices.Report(viewer, location.Coordinates{Lat: *payload.Lat, Lng: *payload.Lng})
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_device_position"})
		return false
	}
	return true
}
