package cluster

import (
	"github.com/gin-gonic/gin"

	"github.com/synctv-org/synctv/internal/connections"
	"github.com/synctv-org/synctv/internal/cluster/rpc"
	"github.com/synctv-org/synctv/internal/models"
	"github.com/synctv-org/synctv/pkg/response"
)

// Handler exposes cluster-wide presence queries over HTTP (admin surface).
type Handler struct {
	fanOut *FanOut
	conns  *connections.Manager
	nodeID models.NodeID
}

// NewHandler wires the cluster query routes.
func NewHandler(fanOut *FanOut, conns *connections.Manager, nodeID models.NodeID) *Handler {
	return &Handler{fanOut: fanOut, conns: conns, nodeID: nodeID}
}

// Register mounts the routes on an (already authenticated) group.
func (h *Handler) Register(g *gin.RouterGroup) {
	g.GET("/users/:id/presence", h.userPresence)
	g.GET("/rooms/:id/connections", h.roomConnections)
}

// userPresence merges this node's view with every peer's. Partial fan-out
// failure still answers; failed nodes are reported alongside.
func (h *Handler) userPresence(c *gin.Context) {
	userID := models.UserID(c.Param("id"))
	localOnline := h.conns.UserConnectionCount(userID) > 0
	presence, result := h.fanOut.IsUserOnline(c.Request.Context(), userID, localOnline, h.conns.UserRooms(userID))
	response.OK(c, gin.H{
		"online":       presence.Online,
		"rooms":        presence.Rooms,
		"nodes_failed": result.Failed,
	})
}

func (h *Handler) roomConnections(c *gin.Context) {
	roomID := models.RoomID(c.Param("id"))
	local := h.conns.GetRoomConnections(roomID)
	summaries := make([]rpc.ConnectionSummary, 0, len(local))
	for _, info := range local {
		summaries = append(summaries, SummaryFromInfo(info, h.nodeID))
	}
	merged, result := h.fanOut.GetRoomConnections(c.Request.Context(), roomID, summaries)
	response.OK(c, gin.H{
		"connections":  merged,
		"nodes_failed": result.Failed,
	})
}
