package handlers

import (
	"fmt"
	"log/slog"
	"net/http"

	"research-notes-api/internal/realtime"

	"github.com/gin-gonic/gin"
)

// ServerMessagePrefix marks messages injected through the HTTP control
// surface.
const ServerMessagePrefix = "Message from server: "

// MessageRequest is the body of the control send endpoints.
type MessageRequest struct {
	Message string `json:"message" binding:"required"`
}

// StatusResponse is the {status, message} reply of the control send
// endpoints.
type StatusResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

type GroupMembersResponse struct {
	Group   string                  `json:"group"`
	Members []realtime.ClientRecord `json:"members"`
}

// ControlHandler exposes the Hub over HTTP.
type ControlHandler struct {
	hub *realtime.Hub
	log *slog.Logger
}

func NewControlHandler(hub *realtime.Hub, log *slog.Logger) *ControlHandler {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &ControlHandler{hub: hub, log: log}
}

// ListClients returns the roster
// GET /ws/clients
func (h *ControlHandler) ListClients(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"clients": h.hub.Roster()})
}

// ListGroups returns the group summary
// GET /ws/groups
func (h *ControlHandler) ListGroups(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"groups": h.hub.Groups()})
}

// GroupMembers returns the roster records of one group
// GET /ws/groups/:group
func (h *ControlHandler) GroupMembers(c *gin.Context) {
	group := c.Param("group")
	members, ok := h.hub.GroupMembers(group)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("group %s not found", group)})
		return
	}
	c.JSON(http.StatusOK, GroupMembersResponse{Group: group, Members: members})
}

// SendToClient delivers a server message to one client
// POST /ws/send_to/:client_id
func (h *ControlHandler) SendToClient(c *gin.Context) {
	var req MessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, StatusResponse{Status: "error", Message: "message is required"})
		return
	}
	target := c.Param("client_id")
	if !h.hub.SendToClient(target, ServerMessagePrefix+req.Message) {
		c.JSON(http.StatusNotFound, StatusResponse{Status: "error", Message: fmt.Sprintf("client %s not found", target)})
		return
	}
	h.log.Info("Server message sent", "client_id", target)
	c.JSON(http.StatusOK, StatusResponse{Status: "success", Message: fmt.Sprintf("message sent to client %s", target)})
}

// BroadcastToGroup delivers a server message to every member of a group
// POST /ws/broadcast_to_group/:group
func (h *ControlHandler) BroadcastToGroup(c *gin.Context) {
	var req MessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, StatusResponse{Status: "error", Message: "message is required"})
		return
	}
	group := c.Param("group")
	if _, ok := h.hub.GroupMembers(group); !ok {
		c.JSON(http.StatusNotFound, StatusResponse{Status: "error", Message: fmt.Sprintf("group %s not found", group)})
		return
	}
	n := h.hub.BroadcastToGroup(group, ServerMessagePrefix+req.Message)
	h.log.Info("Server broadcast sent", "group", group, "delivered", n)
	c.JSON(http.StatusOK, StatusResponse{
		Status:  "success",
		Message: fmt.Sprintf("message broadcast to %d member(s) of group %s", n, group),
	})
}
