package http

import (
	"context"
	"net/http"

	"callcore/internal/core/domain"
	"callcore/internal/core/services"
	"callcore/internal/infrastructure/middleware"
	"callcore/pkg/errors"
	"callcore/pkg/validation"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// RoomAdmin is the part of the relay the admin API drives.
type RoomAdmin interface {
	Members(ctx context.Context, room domain.RoomID) ([]domain.Participant, error)
	EndRoom(ctx context.Context, room domain.RoomID) error
	IsPeerConnected(room domain.RoomID, peerID domain.PeerID) bool
}

type RoomHandler struct {
	rooms  RoomAdmin
	tokens services.TokenService
	logger *zap.SugaredLogger
}

func NewRoomHandler(rooms RoomAdmin, tokens services.TokenService, logger *zap.SugaredLogger) *RoomHandler {
	return &RoomHandler{
		rooms:  rooms,
		tokens: tokens,
		logger: logger,
	}
}

func (h *RoomHandler) SetupRoutes(router *gin.Engine, authed ...gin.HandlerFunc) {
	api := router.Group("/api/v1/rooms")
	api.Use(middleware.AuthMiddleware(h.tokens))
	api.Use(authed...)
	api.Use(middleware.RequireRole(services.RoleService))
	{
		api.GET("/:id/members", h.ListMembers)
		api.DELETE("/:id", h.EndRoom)
	}
}

type MemberResponse struct {
	domain.Participant
	Connected bool `json:"connected"`
}

func (h *RoomHandler) ListMembers(c *gin.Context) {
	roomID, ok := roomParam(c)
	if !ok {
		return
	}

	members, err := h.rooms.Members(c.Request.Context(), roomID)
	if err != nil {
		c.Error(err)
		return
	}

	out := make([]MemberResponse, 0, len(members))
	for _, m := range members {
		out = append(out, MemberResponse{
			Participant: m,
			Connected:   h.rooms.IsPeerConnected(roomID, m.PeerID),
		})
	}
	c.JSON(http.StatusOK, gin.H{
		"room_id": roomID,
		"members": out,
		"count":   len(out),
	})
}

// EndRoom sends call_ended to every member and drops the room.
func (h *RoomHandler) EndRoom(c *gin.Context) {
	roomID, ok := roomParam(c)
	if !ok {
		return
	}

	if err := h.rooms.EndRoom(c.Request.Context(), roomID); err != nil {
		c.Error(err)
		return
	}

	claims, _ := middleware.ClaimsFrom(c)
	h.logger.Infow("room ended via admin API", "room_id", roomID, "subject", claims.Subject)
	c.Status(http.StatusNoContent)
}

func roomParam(c *gin.Context) (domain.RoomID, bool) {
	roomID := c.Param("id")
	if err := validation.ValidateRoomID(roomID); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return "", false
	}
	return domain.RoomID(roomID), true
}
