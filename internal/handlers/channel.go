package handlers

import (
	"errors"

	"github.com/gin-gonic/gin"

	"github.com/lockerhq/lockerd/internal/realtime"
)

// ChannelHandler upgrades HTTP requests onto a locker's realtime channel.
type ChannelHandler struct {
	hub *realtime.Hub
}

// NewChannelHandler constructs a channel handler.
func NewChannelHandler(hub *realtime.Hub) (*ChannelHandler, error) {
	if hub == nil {
		return nil, errors.New("channel handler: hub is required")
	}
	return &ChannelHandler{hub: hub}, nil
}

// Subscribe joins the caller to the locker's channel. Devices and observers
// use the same endpoint; the hub takes over the connection.
func (h *ChannelHandler) Subscribe(c *gin.Context) {
	h.hub.Serve(c.Param("id"), c.Writer, c.Request)
}
