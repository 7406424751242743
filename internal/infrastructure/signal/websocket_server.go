package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"callcore/internal/core/domain"
	"callcore/internal/core/ports"
	"callcore/internal/core/services"
	"callcore/internal/infrastructure/distributed"
	"callcore/pkg/circuitbreaker"
	"callcore/pkg/config"
	"callcore/pkg/tracing"
	"callcore/pkg/validation"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var (
	ErrNotInRoom         = errors.New("join a room first")
	ErrRoomNotPermitted  = errors.New("token does not grant access to this room")
	ErrAlreadyInRoom     = errors.New("already joined another room")
	ErrTargetUnreachable = errors.New("target peer is not connected")
)

type Options struct {
	PingInterval      time.Duration
	PongTimeout       time.Duration
	WriteTimeout      time.Duration
	MaxMessageSize    int64
	MessagesPerSecond float64
	Burst             int
	SendBuffer        int
	// Empty allows every origin.
	AllowedOrigins []string
}

func DefaultOptions() Options {
	return Options{
		PingInterval:      30 * time.Second,
		PongTimeout:       60 * time.Second,
		WriteTimeout:      10 * time.Second,
		MaxMessageSize:    64 * 1024,
		MessagesPerSecond: 50,
		Burst:             100,
		SendBuffer:        64,
	}
}

func OptionsFromConfig(cfg *config.Config) Options {
	opts := DefaultOptions()
	opts.PingInterval = cfg.Signal.PingInterval
	opts.PongTimeout = cfg.Signal.PongTimeout
	opts.WriteTimeout = cfg.Signal.WriteTimeout
	opts.AllowedOrigins = cfg.Auth.AllowedOrigins
	if cfg.RateLimiting.WebSocket.MaxMessageSizeBytes > 0 {
		opts.MaxMessageSize = cfg.RateLimiting.WebSocket.MaxMessageSizeBytes
	}
	if cfg.RateLimiting.Enabled {
		opts.MessagesPerSecond = cfg.RateLimiting.WebSocket.MessagesPerSecond
		opts.Burst = cfg.RateLimiting.WebSocket.Burst
	} else {
		opts.MessagesPerSecond = 0
	}
	return opts
}

// WebSocketServer is the signaling relay. It authenticates peers with room
// tokens, tracks room membership and forwards negotiation, key and chat
// messages between the members of a room.
type WebSocketServer struct {
	rooms   ports.RoomRepository
	tokens  services.TokenService
	metrics ports.RelayMetrics
	fanout  *distributed.EventBus

	opts     Options
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	members map[domain.RoomID]map[domain.PeerID]*peerConn
	conns   map[*peerConn]struct{}

	now    func() time.Time
	logger *zap.SugaredLogger
}

func NewWebSocketServer(rooms ports.RoomRepository, tokens services.TokenService, opts Options, logger *zap.SugaredLogger) *WebSocketServer {
	s := &WebSocketServer{
		rooms:   rooms,
		tokens:  tokens,
		metrics: ports.NopMetrics{},
		opts:    opts,
		members: make(map[domain.RoomID]map[domain.PeerID]*peerConn),
		conns:   make(map[*peerConn]struct{}),
		now:     time.Now,
		logger:  logger,
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin:     s.checkOrigin,
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
	}
	return s
}

// SetMetrics replaces the no-op metrics sink.
func (s *WebSocketServer) SetMetrics(m ports.RelayMetrics) {
	s.metrics = m
}

// SetFanout routes traffic through redis so rooms can span instances.
func (s *WebSocketServer) SetFanout(bus *distributed.EventBus) {
	s.fanout = bus
}

func (s *WebSocketServer) checkOrigin(r *http.Request) bool {
	if len(s.opts.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.opts.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

func (s *WebSocketServer) authenticate(r *http.Request) (*services.RoomClaims, error) {
	token := r.URL.Query().Get("token")
	if header := r.Header.Get("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			return nil, services.ErrInvalidToken
		}
		token = parts[1]
	}
	if token == "" {
		return nil, services.ErrUnauthorized
	}

	claims, err := s.tokens.ValidateToken(token)
	if err != nil {
		return nil, err
	}
	if claims.Role != services.RoleParticipant {
		return nil, services.ErrUnauthorized
	}
	return claims, nil
}

type peerConn struct {
	peerID  domain.PeerID
	claims  *services.RoomClaims
	ws      *websocket.Conn
	limiter *rate.Limiter

	out       chan domain.SignalMessage
	closed    chan struct{}
	closeOnce sync.Once

	// guarded by WebSocketServer.mu
	room domain.RoomID
}

func (c *peerConn) enqueue(msg domain.SignalMessage) bool {
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case c.out <- msg:
		return true
	default:
		return false
	}
}

func (c *peerConn) kill() {
	c.closeOnce.Do(func() { close(c.closed) })
}

func (s *WebSocketServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	claims, err := s.authenticate(r)
	if err != nil {
		s.metrics.MessageRejected("unauthorized")
		s.logger.Infow("rejected relay connection", "remote_addr", r.RemoteAddr, "error", err)
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}
	defer ws.Close()

	limit, burst := rate.Inf, s.opts.Burst
	if s.opts.MessagesPerSecond > 0 {
		limit = rate.Limit(s.opts.MessagesPerSecond)
	}
	if burst < 1 {
		burst = 1
	}
	c := &peerConn{
		peerID:  claims.PeerID,
		claims:  claims,
		ws:      ws,
		limiter: rate.NewLimiter(limit, burst),
		out:     make(chan domain.SignalMessage, s.opts.SendBuffer),
		closed:  make(chan struct{}),
	}
	defer c.kill()

	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
	s.metrics.ConnectionOpened()

	s.logger.Infow("peer connected via WebSocket", "peer_id", c.peerID, "room_id", claims.RoomID)

	if s.opts.MaxMessageSize > 0 {
		ws.SetReadLimit(s.opts.MaxMessageSize)
	}
	ws.SetReadDeadline(time.Now().Add(s.opts.PongTimeout))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(s.opts.PongTimeout))
		return nil
	})

	pingTicker := time.NewTicker(s.opts.PingInterval)
	defer pingTicker.Stop()

	messageChan := make(chan domain.SignalMessage)
	errorChan := make(chan error, 1)

	go func() {
		for {
			var msg domain.SignalMessage
			if err := ws.ReadJSON(&msg); err != nil {
				errorChan <- err
				return
			}
			ws.SetReadDeadline(time.Now().Add(s.opts.PongTimeout))
			select {
			case messageChan <- msg:
			case <-c.closed:
				return
			}
		}
	}()

	for {
		select {
		case msg := <-messageChan:
			if !c.limiter.Allow() {
				s.metrics.MessageRejected("rate_limited")
				s.sendError(c, msg.RoomID, "rate limit exceeded")
				continue
			}
			if err := s.handleMessage(context.Background(), c, msg); err != nil {
				s.metrics.MessageRejected(string(msg.Type))
				s.logger.Infow("error handling message from peer",
					"peer_id", c.peerID,
					"type", msg.Type,
					"error", err,
				)
				s.sendError(c, msg.RoomID, err.Error())
			}

		case msg := <-c.out:
			if err := s.write(ws, msg); err != nil {
				s.logger.Infow("error writing to peer", "peer_id", c.peerID, "error", err)
				goto cleanup
			}

		case <-pingTicker.C:
			ws.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.logger.Infow("error sending ping", "peer_id", c.peerID, "error", err)
				goto cleanup
			}

		case err := <-errorChan:
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Infow("error reading message from peer", "peer_id", c.peerID, "error", err)
			}
			goto cleanup

		case <-c.closed:
			s.flush(ws, c)
			goto cleanup
		}
	}

cleanup:
	c.kill()
	s.leave(context.Background(), c)
	s.logger.Infow("peer disconnected", "peer_id", c.peerID)

	s.metrics.ConnectionClosed()
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

// flush writes whatever is still queued, then says goodbye.
func (s *WebSocketServer) flush(ws *websocket.Conn, c *peerConn) {
	for {
		select {
		case msg := <-c.out:
			if err := s.write(ws, msg); err != nil {
				return
			}
		default:
			deadline := time.Now().Add(s.opts.WriteTimeout)
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			return
		}
	}
}

func (s *WebSocketServer) write(ws *websocket.Conn, msg domain.SignalMessage) error {
	ws.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
	return ws.WriteJSON(msg)
}

func (s *WebSocketServer) handleMessage(ctx context.Context, c *peerConn, msg domain.SignalMessage) (err error) {
	if msg.Type == "" {
		return fmt.Errorf("message type is required")
	}
	if msg.From != "" && msg.From != c.peerID {
		return fmt.Errorf("from mismatch: expected %s, got %s", c.peerID, msg.From)
	}

	ctx, span := tracing.TraceWebSocketMessage(ctx, string(msg.Type), string(msg.RoomID), string(c.peerID))
	defer func() { tracing.End(span, err) }()

	switch msg.Type {
	case domain.MsgJoinRoom:
		return s.handleJoin(ctx, c, msg)
	case domain.MsgLeaveRoom:
		s.leave(ctx, c)
		return nil
	case domain.MsgSendSignal:
		return s.handleSignal(ctx, c, msg)
	case domain.MsgSendChatMessage:
		return s.handleChat(ctx, c, msg)
	default:
		return fmt.Errorf("unknown message type: %s", msg.Type)
	}
}

func (s *WebSocketServer) handleJoin(ctx context.Context, c *peerConn, msg domain.SignalMessage) error {
	if !c.claims.CanJoin(msg.RoomID, c.peerID) {
		return ErrRoomNotPermitted
	}

	s.mu.RLock()
	current := c.room
	s.mu.RUnlock()
	if current == msg.RoomID {
		return nil
	}
	if current != "" {
		return ErrAlreadyInRoom
	}

	var payload domain.JoinPayload
	if len(msg.Payload) > 0 {
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			return fmt.Errorf("invalid join_room payload: %w", err)
		}
	}
	if payload.DisplayName == "" {
		payload.DisplayName = c.claims.DisplayName
	}
	if err := validation.ValidateDisplayName(payload.DisplayName); err != nil {
		return err
	}

	room := msg.RoomID
	existing, err := s.rooms.Members(ctx, room)
	if err != nil {
		return fmt.Errorf("failed to list room members: %w", err)
	}

	participant := domain.Participant{
		PeerID:      c.peerID,
		DisplayName: payload.DisplayName,
		AvatarURL:   payload.AvatarURL,
		JoinedAt:    s.now(),
	}
	if err := s.rooms.Join(ctx, room, participant); err != nil {
		return fmt.Errorf("failed to join room: %w", err)
	}

	s.mu.Lock()
	peers, ok := s.members[room]
	if !ok {
		peers = make(map[domain.PeerID]*peerConn)
		s.members[room] = peers
	}
	if prev, ok := peers[c.peerID]; ok && prev != c {
		// Same peer reconnected; the stale socket loses its slot.
		prev.room = ""
		prev.kill()
		s.logger.Infow("closing old connection for reconnecting peer", "peer_id", c.peerID, "room_id", room)
	}
	peers[c.peerID] = c
	c.room = room
	activeRooms := len(s.members)
	s.mu.Unlock()
	s.metrics.SetActiveRooms(activeRooms)

	for _, m := range existing {
		if m.PeerID == c.peerID {
			continue
		}
		joined, err := domain.NewSignalMessage(domain.MsgUserJoined, room, m.PeerID, "", domain.JoinPayload{
			DisplayName: m.DisplayName,
			AvatarURL:   m.AvatarURL,
		})
		if err != nil {
			return err
		}
		c.enqueue(joined)
	}

	announce, err := domain.NewSignalMessage(domain.MsgUserJoined, room, c.peerID, "", payload)
	if err != nil {
		return err
	}
	s.route(ctx, room, "", c.peerID, announce)

	s.logger.Infow("peer joined room",
		"room_id", room,
		"peer_id", c.peerID,
		"members", len(existing)+1,
	)
	return nil
}

// leave drops c from its room, if any, and tells the others.
func (s *WebSocketServer) leave(ctx context.Context, c *peerConn) {
	s.mu.Lock()
	room := c.room
	c.room = ""
	if room == "" || s.members[room][c.peerID] != c {
		s.mu.Unlock()
		return
	}
	delete(s.members[room], c.peerID)
	if len(s.members[room]) == 0 {
		delete(s.members, room)
	}
	activeRooms := len(s.members)
	s.mu.Unlock()
	s.metrics.SetActiveRooms(activeRooms)

	if err := s.rooms.Leave(ctx, room, c.peerID); err != nil &&
		!errors.Is(err, domain.ErrPeerNotFound) && !errors.Is(err, domain.ErrRoomNotFound) {
		s.logger.Warnw("failed to remove room member", "room_id", room, "peer_id", c.peerID, "error", err)
	}

	left, err := domain.NewSignalMessage(domain.MsgUserLeft, room, c.peerID, "", nil)
	if err == nil {
		s.route(ctx, room, "", c.peerID, left)
	}

	s.logger.Infow("peer left room", "room_id", room, "peer_id", c.peerID)
}

func (s *WebSocketServer) requireRoom(c *peerConn, room domain.RoomID) (domain.RoomID, error) {
	s.mu.RLock()
	current := c.room
	s.mu.RUnlock()
	if current == "" {
		return "", ErrNotInRoom
	}
	if room != "" && room != current {
		return "", fmt.Errorf("%w: message for room %s", ErrNotInRoom, room)
	}
	return current, nil
}

func (s *WebSocketServer) handleSignal(ctx context.Context, c *peerConn, msg domain.SignalMessage) error {
	room, err := s.requireRoom(c, msg.RoomID)
	if err != nil {
		return err
	}
	if len(msg.Payload) == 0 {
		return fmt.Errorf("send_signal payload is required")
	}
	if msg.Target == c.peerID {
		return fmt.Errorf("cannot signal yourself")
	}
	if msg.Target != "" {
		tracing.AddSpanAttributes(ctx, tracing.RemotePeerIDKey.String(string(msg.Target)))
	}

	out := msg
	out.Type = domain.MsgReceiveSignal
	out.RoomID = room
	out.From = c.peerID

	delivered := s.route(ctx, room, msg.Target, c.peerID, out)
	if msg.Target != "" && !delivered && s.fanout == nil {
		return fmt.Errorf("%w: %s", ErrTargetUnreachable, msg.Target)
	}
	return nil
}

func (s *WebSocketServer) handleChat(ctx context.Context, c *peerConn, msg domain.SignalMessage) error {
	room, err := s.requireRoom(c, msg.RoomID)
	if err != nil {
		return err
	}

	var env domain.ChatEnvelope
	if err := json.Unmarshal(msg.Payload, &env); err != nil {
		return fmt.Errorf("invalid send_chat_message payload: %w", err)
	}
	if env.SenderID != "" && env.SenderID != c.peerID {
		return fmt.Errorf("chat sender mismatch: expected %s, got %s", c.peerID, env.SenderID)
	}
	if env.ID != "" {
		if err := validation.ValidateMessageID(string(env.ID)); err != nil {
			return err
		}
	}

	out := msg
	out.Type = domain.MsgReceiveChatMessage
	out.RoomID = room
	out.From = c.peerID
	out.Target = ""
	s.route(ctx, room, "", c.peerID, out)
	return nil
}

// route delivers msg to the local members of room and, when fan-out is
// configured, to the other instances. It reports whether a local peer got it.
func (s *WebSocketServer) route(ctx context.Context, room domain.RoomID, target, exclude domain.PeerID, msg domain.SignalMessage) bool {
	delivered := s.deliverLocal(room, target, exclude, msg)
	s.metrics.MessageRelayed(msg.Type)

	if s.fanout != nil {
		if err := s.fanout.Publish(ctx, &distributed.RelayEvent{
			RoomID:  room,
			Target:  target,
			Exclude: exclude,
			Message: msg,
		}); err != nil {
			if errors.Is(err, circuitbreaker.ErrOpen) {
				s.logger.Debugw("relay fan-out short-circuited", "room_id", room, "type", msg.Type)
			} else {
				s.logger.Warnw("failed to fan out relay message", "room_id", room, "type", msg.Type, "error", err)
			}
		}
	}
	return delivered
}

func (s *WebSocketServer) deliverLocal(room domain.RoomID, target, exclude domain.PeerID, msg domain.SignalMessage) bool {
	s.mu.RLock()
	var recipients []*peerConn
	for id, c := range s.members[room] {
		if id == exclude || (target != "" && id != target) {
			continue
		}
		recipients = append(recipients, c)
	}
	s.mu.RUnlock()

	for _, c := range recipients {
		if !c.enqueue(msg) {
			s.logger.Warnw("dropping slow peer", "room_id", room, "peer_id", c.peerID)
			c.kill()
		}
	}
	return len(recipients) > 0
}

func (s *WebSocketServer) sendError(c *peerConn, room domain.RoomID, message string) {
	msg, err := domain.NewSignalMessage(domain.MsgError, room, "", c.peerID, domain.ErrorPayload{Message: message})
	if err != nil {
		return
	}
	c.enqueue(msg)
}

// EndRoom tells every member the call is over and forgets the room.
func (s *WebSocketServer) EndRoom(ctx context.Context, room domain.RoomID) error {
	msg, err := domain.NewSignalMessage(domain.MsgCallEnded, room, "", "", nil)
	if err != nil {
		return err
	}
	s.route(ctx, room, "", "", msg)
	s.detachRoom(room)

	if err := s.rooms.Delete(ctx, room); err != nil {
		return err
	}
	s.logger.Infow("room ended", "room_id", room)
	return nil
}

func (s *WebSocketServer) detachRoom(room domain.RoomID) {
	s.mu.Lock()
	for _, c := range s.members[room] {
		c.room = ""
	}
	delete(s.members, room)
	activeRooms := len(s.members)
	s.mu.Unlock()
	s.metrics.SetActiveRooms(activeRooms)
}

// RunFanout consumes traffic published by other relay instances until ctx
// ends. It returns immediately when fan-out is not configured.
func (s *WebSocketServer) RunFanout(ctx context.Context) error {
	if s.fanout == nil {
		return nil
	}
	return s.fanout.Subscribe(ctx, func(ev *distributed.RelayEvent) error {
		s.deliverLocal(ev.RoomID, ev.Target, ev.Exclude, ev.Message)
		if ev.Message.Type == domain.MsgCallEnded {
			s.detachRoom(ev.RoomID)
		}
		return nil
	})
}

func (s *WebSocketServer) Members(ctx context.Context, room domain.RoomID) ([]domain.Participant, error) {
	return s.rooms.Members(ctx, room)
}

type Stats struct {
	Connections int `json:"connections"`
	Rooms       int `json:"rooms"`
}

func (s *WebSocketServer) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Stats{Connections: len(s.conns), Rooms: len(s.members)}
}

func (s *WebSocketServer) IsPeerConnected(room domain.RoomID, peerID domain.PeerID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.members[room][peerID]
	return ok
}

// Shutdown closes every connection. Handlers exit once their sockets drain.
func (s *WebSocketServer) Shutdown(ctx context.Context) error {
	s.mu.RLock()
	conns := make([]*peerConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.RUnlock()

	for _, c := range conns {
		c.kill()
	}

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		if s.Stats().Connections == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
