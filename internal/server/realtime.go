package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/localhands/internal/notifications"
	"github.com/MarcoPoloResearchLab/localhands/internal/orders"
	"github.com/MarcoPoloResearchLab/localhands/internal/realtime"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	streamEventSnapshot = "snapshot"
	streamHeartbeat     = 15 * time.Second
)

// Snapshot is the state a realtime stream pushes after each refetch.
type Snapshot struct {
	Orders        []orders.Order     `json:"orders"`
	Notifications notifications.Feed `json:"notifications"`
}

type streamEvent struct {
	Seq uint64 `json:"seq"`
	Snapshot
}

func (h *httpHandler) handleRealtimeStream(c *gin.Context) {
	viewer := viewerID(c)
	device := deviceID(c)
	ctx := c.Request.Context()

	// Only the newest snapshot matters; a slow client skips intermediate ones.
	updates := make(chan realtime.Update[Snapshot], 1)
	sink := func(update realtime.Update[Snapshot]) {
		for {
			select {
			case updates <- update:
				return
			default:
			}
			select {
			case <-updates:
			default:
			}
		}
	}

	subscription, err := h.bridge.Subscribe(ctx, viewer, realtime.ViewerFilters(viewer), h.snapshotFetcher(viewer, device), sink)
	if err != nil {
		if errors.Is(err, realtime.ErrBridgeClosed) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "realtime_unavailable"})
			return
		}
		h.logger.Error("failed to attach realtime stream", zap.String("viewer_id", viewer), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "realtime_attach_failed"})
		return
	}
	defer subscription.Close()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	heartbeat := time.NewTicker(streamHeartbeat)
	defer heartbeat.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case <-subscription.Done():
			return false
		case update := <-updates:
			c.SSEvent(streamEventSnapshot, streamEvent{Seq: update.Seq, Snapshot: update.Snapshot})
			return true
		case <-heartbeat.C:
			_, err := io.WriteString(w, ": keepalive\n\n")
			return err == nil
		}
	})
}

func (h *httpHandler) snapshotFetcher(viewer, device string) realtime.FetchFunc[Snapshot] {
	return func(ctx context.Context) (Snapshot, error) {
		var snapshot Snapshot
		group, groupCtx := errgroup.WithContext(ctx)
		group.Go(func() error {
			list, err := h.orders.ListForViewer(groupCtx, viewer)
			if err != nil {
				return err
			}
			if list == nil {
				list = []orders.Order{}
			}
			snapshot.Orders = list
			return nil
		})
		group.Go(func() error {
			feed, err := h.notifications.Feed(groupCtx, viewer, device)
			if err != nil {
				return err
			}
			snapshot.Notifications = feed
			return nil
		})
		if err := group.Wait(); err != nil {
			return Snapshot{}, err
		}
		return snapshot, nil
	}
}

func (h *httpHandler) handleSignOut(c *gin.Context) {
	viewer := viewerID(c)
	h.bridge.Detach(viewer)
	h.devices.Forget(viewer)
	c.Status(http.StatusNoContent)
}
