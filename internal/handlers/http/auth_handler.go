package http

import (
	"net/http"
	"strings"
	"time"

	"callcore/internal/core/domain"
	"callcore/internal/core/services"
	"callcore/internal/infrastructure/middleware"
	"callcore/pkg/errors"
	"callcore/pkg/validation"

	"github.com/gin-gonic/gin"
)

// AuthHandler mints the room tokens the relay requires. Issuing is limited
// to service tokens; any participant may refresh its own token.
type AuthHandler struct {
	tokens    services.TokenService
	signalURL string
}

func NewAuthHandler(tokens services.TokenService, signalURL string) *AuthHandler {
	return &AuthHandler{
		tokens:    tokens,
		signalURL: signalURL,
	}
}

// SetupRoutes mounts the token routes. authed runs after token validation,
// e.g. a per-token rate limit.
func (h *AuthHandler) SetupRoutes(router *gin.Engine, authed ...gin.HandlerFunc) {
	api := router.Group("/api/v1")
	api.Use(middleware.AuthMiddleware(h.tokens))
	api.Use(authed...)
	{
		api.POST("/rooms/:id/tokens", middleware.RequireRole(services.RoleService), h.IssueRoomToken)
		api.POST("/auth/refresh", middleware.RequireRole(services.RoleParticipant), h.RefreshToken)
	}
}

type IssueTokenRequest struct {
	PeerID      string `json:"peer_id" binding:"required,max=128"`
	DisplayName string `json:"display_name" binding:"max=64"`
}

type TokenResponse struct {
	Token     string        `json:"token"`
	ExpiresAt time.Time     `json:"expires_at"`
	RoomID    domain.RoomID `json:"room_id"`
	PeerID    domain.PeerID `json:"peer_id"`
	SignalURL string        `json:"signal_url,omitempty"`
}

func (h *AuthHandler) IssueRoomToken(c *gin.Context) {
	roomID := c.Param("id")
	if err := validation.ValidateRoomID(roomID); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	var req IssueTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("invalid request format"))
		return
	}
	req.PeerID = strings.TrimSpace(req.PeerID)
	req.DisplayName = strings.TrimSpace(req.DisplayName)

	token, expires, err := h.tokens.IssueRoomToken(domain.RoomID(roomID), domain.PeerID(req.PeerID), req.DisplayName)
	if err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	c.JSON(http.StatusCreated, TokenResponse{
		Token:     token,
		ExpiresAt: expires,
		RoomID:    domain.RoomID(roomID),
		PeerID:    domain.PeerID(req.PeerID),
		SignalURL: h.signalURL,
	})
}

func (h *AuthHandler) RefreshToken(c *gin.Context) {
	claims, _ := middleware.ClaimsFrom(c)

	token, expires, err := h.tokens.IssueRoomToken(claims.RoomID, claims.PeerID, claims.DisplayName)
	if err != nil {
		c.Error(errors.NewInternalError("failed to generate token"))
		return
	}

	c.JSON(http.StatusOK, TokenResponse{
		Token:     token,
		ExpiresAt: expires,
		RoomID:    claims.RoomID,
		PeerID:    claims.PeerID,
		SignalURL: h.signalURL,
	})
}
