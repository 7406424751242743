package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"callcore/internal/core/domain"
	"callcore/internal/core/services"
	"callcore/internal/infrastructure/middleware"
	"callcore/internal/infrastructure/monitoring"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeRooms struct {
	members map[domain.RoomID][]domain.Participant
	online  map[domain.PeerID]bool
	ended   []domain.RoomID
}

func (f *fakeRooms) Members(_ context.Context, room domain.RoomID) ([]domain.Participant, error) {
	return f.members[room], nil
}

func (f *fakeRooms) EndRoom(_ context.Context, room domain.RoomID) error {
	if _, ok := f.members[room]; !ok {
		return domain.ErrRoomNotFound
	}
	f.ended = append(f.ended, room)
	delete(f.members, room)
	return nil
}

func (f *fakeRooms) IsPeerConnected(_ domain.RoomID, peerID domain.PeerID) bool {
	return f.online[peerID]
}

type apiHarness struct {
	router  *gin.Engine
	tokens  services.TokenService
	rooms   *fakeRooms
	service string
}

func newAPIHarness(t *testing.T) *apiHarness {
	gin.SetMode(gin.TestMode)
	logger := zaptest.NewLogger(t).Sugar()
	tokens := services.NewTokenService("api-secret", time.Hour)
	rooms := &fakeRooms{
		members: map[domain.RoomID][]domain.Participant{
			"standup": {{PeerID: "alice", DisplayName: "Alice"}, {PeerID: "bob"}},
		},
		online: map[domain.PeerID]bool{"alice": true},
	}

	router := gin.New()
	router.Use(middleware.ErrorHandlerMiddleware(logger))
	NewAuthHandler(tokens, "ws://relay/ws").SetupRoutes(router)
	NewRoomHandler(rooms, tokens, logger).SetupRoutes(router)

	checker := monitoring.NewHealthChecker()
	NewHealthHandler(checker, func() any { return gin.H{"connections": 2} }).SetupRoutes(router, false)

	service, _, err := tokens.IssueServiceToken("scheduler")
	require.NoError(t, err)
	return &apiHarness{router: router, tokens: tokens, rooms: rooms, service: service}
}

func (h *apiHarness) do(method, path, token, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	return w
}

func TestIssueRoomToken(t *testing.T) {
	h := newAPIHarness(t)

	w := h.do(http.MethodPost, "/api/v1/rooms/standup/tokens", h.service, `{"peer_id":"carol","display_name":"Carol"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var resp TokenResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, domain.RoomID("standup"), resp.RoomID)
	assert.Equal(t, "ws://relay/ws", resp.SignalURL)

	claims, err := h.tokens.ValidateToken(resp.Token)
	require.NoError(t, err)
	assert.True(t, claims.CanJoin("standup", "carol"))
	assert.Equal(t, "Carol", claims.DisplayName)
}

func TestIssueRoomToken_Rejections(t *testing.T) {
	h := newAPIHarness(t)
	participant, _, err := h.tokens.IssueRoomToken("standup", "alice", "Alice")
	require.NoError(t, err)

	assert.Equal(t, http.StatusUnauthorized,
		h.do(http.MethodPost, "/api/v1/rooms/standup/tokens", "", `{"peer_id":"carol"}`).Code)
	assert.Equal(t, http.StatusForbidden,
		h.do(http.MethodPost, "/api/v1/rooms/standup/tokens", participant, `{"peer_id":"carol"}`).Code)
	assert.Equal(t, http.StatusBadRequest,
		h.do(http.MethodPost, "/api/v1/rooms/standup/tokens", h.service, `{}`).Code)
	assert.Equal(t, http.StatusBadRequest,
		h.do(http.MethodPost, "/api/v1/rooms/bad%20room/tokens", h.service, `{"peer_id":"carol"}`).Code)
}

func TestRefreshToken(t *testing.T) {
	h := newAPIHarness(t)
	participant, _, err := h.tokens.IssueRoomToken("standup", "alice", "Alice")
	require.NoError(t, err)

	w := h.do(http.MethodPost, "/api/v1/auth/refresh", participant, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp TokenResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	claims, err := h.tokens.ValidateToken(resp.Token)
	require.NoError(t, err)
	assert.True(t, claims.CanJoin("standup", "alice"))

	assert.Equal(t, http.StatusForbidden, h.do(http.MethodPost, "/api/v1/auth/refresh", h.service, "").Code)
}

func TestListMembers(t *testing.T) {
	h := newAPIHarness(t)

	w := h.do(http.MethodGet, "/api/v1/rooms/standup/members", h.service, "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Members []MemberResponse `json:"members"`
		Count   int              `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, 2, resp.Count)
	assert.Equal(t, domain.PeerID("alice"), resp.Members[0].PeerID)
	assert.True(t, resp.Members[0].Connected)
	assert.False(t, resp.Members[1].Connected)
}

func TestEndRoom(t *testing.T) {
	h := newAPIHarness(t)

	assert.Equal(t, http.StatusNoContent, h.do(http.MethodDelete, "/api/v1/rooms/standup", h.service, "").Code)
	assert.Equal(t, []domain.RoomID{"standup"}, h.rooms.ended)
	assert.Equal(t, http.StatusNotFound, h.do(http.MethodDelete, "/api/v1/rooms/standup", h.service, "").Code)
}

func TestHealthAndReady(t *testing.T) {
	h := newAPIHarness(t)

	w := h.do(http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"connections":2`)
	assert.Equal(t, http.StatusOK, h.do(http.MethodGet, "/ready", "", "").Code)
}
