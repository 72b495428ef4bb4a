package signal

import (
	"context"
	"net/http"
	"sync"
	"time"

	"couchsync/internal/core/domain"
	"couchsync/internal/core/ports"
	"couchsync/internal/core/services"
	"couchsync/internal/infrastructure/middleware"
	"couchsync/internal/infrastructure/monitoring"
	"couchsync/internal/wire"
	"couchsync/pkg/config"
	apperrors "couchsync/pkg/errors"
	"couchsync/pkg/ids"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// WebSocketServer is the server side of the signaling channel. Each
// connection gets a participant id for its lifetime; frames from one sender
// are processed and relayed in arrival order.
type WebSocketServer struct {
	cfg     *config.Config
	rooms   ports.RoomService
	tokens  services.TokenService // nil when auth is disabled
	metrics *monitoring.PrometheusCollector

	upgrader websocket.Upgrader

	connections map[domain.ParticipantID]*clientConn
	mu          sync.RWMutex

	logger *zap.SugaredLogger
}

func NewWebSocketServer(
	cfg *config.Config,
	tokens services.TokenService,
	metrics *monitoring.PrometheusCollector,
	logger *zap.SugaredLogger,
) *WebSocketServer {
	s := &WebSocketServer{
		cfg:         cfg,
		tokens:      tokens,
		metrics:     metrics,
		connections: make(map[domain.ParticipantID]*clientConn),
		logger:      logger,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// SetRoomService wires the room directory. Separate from the constructor
// because the directory takes this server as its notifier.
func (s *WebSocketServer) SetRoomService(rooms ports.RoomService) {
	s.rooms = rooms
}

func (s *WebSocketServer) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true // non-browser clients
	}
	for _, allowed := range s.cfg.Signal.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

func (s *WebSocketServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.tokens != nil {
		token := r.URL.Query().Get("token")
		if token == "" {
			http.Error(w, "token required", http.StatusUnauthorized)
			return
		}
		if _, err := s.tokens.Validate(token); err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}

	participantID := domain.ParticipantID(ids.NewParticipantID())
	c := newClientConn(participantID, conn, s.cfg.Signal.SendBufferSize)

	s.mu.Lock()
	s.connections[participantID] = c
	s.mu.Unlock()
	s.metrics.RecordConnected()

	s.logger.Infow("participant connected", "participant_id", participantID, "remote", r.RemoteAddr)

	go c.writePump(s.cfg.Signal.PingInterval.Std(), s.cfg.Signal.WriteTimeout.Std())
	s.readLoop(c)

	// Read loop ended: tear the participant down. Departure notifications
	// fire through the room directory.
	s.mu.Lock()
	delete(s.connections, participantID)
	s.mu.Unlock()

	s.leaveCurrentRoom(c)
	c.close()
	s.metrics.RecordDisconnected()

	s.logger.Infow("participant disconnected", "participant_id", participantID)
}

func (s *WebSocketServer) readLoop(c *clientConn) {
	limiter := middleware.NewMessageLimiter(s.cfg)

	c.conn.SetReadLimit(s.cfg.Signal.MaxMessageSizeBytes)
	c.conn.SetReadDeadline(time.Now().Add(s.cfg.Signal.PongTimeout.Std()))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(s.cfg.Signal.PongTimeout.Std()))
		return nil
	})

	for {
		var env wire.Envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Infow("read error", "participant_id", c.id, "error", err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(s.cfg.Signal.PongTimeout.Std()))

		if limiter != nil && !limiter.Allow() {
			s.sendError(c, apperrors.ErrCodeRateLimit, "message rate limit exceeded")
			continue
		}

		s.handleMessage(c, env)
	}
}

func (s *WebSocketServer) handleMessage(c *clientConn, env wire.Envelope) {
	ctx := context.Background()

	switch env.Type {
	case wire.TypeCreateRoom:
		s.handleCreateRoom(ctx, c)
	case wire.TypeJoinRoom:
		s.handleJoinRoom(ctx, c, env)
	case wire.TypeSignal:
		s.handleSignal(ctx, c, env)
	case wire.TypeLeaveRoom:
		s.leaveCurrentRoom(c)
	default:
		s.metrics.RecordMalformed()
		s.logger.Warnw("unknown message type", "participant_id", c.id, "type", env.Type)
		s.sendError(c, apperrors.ErrCodeMalformed, "unknown message type")
	}
}

func (s *WebSocketServer) handleCreateRoom(ctx context.Context, c *clientConn) {
	// A participant occupies at most one room.
	s.leaveCurrentRoom(c)

	room, err := s.rooms.CreateRoom(ctx, c.id)
	if err != nil {
		s.logger.Errorw("create room failed", "participant_id", c.id, "error", err)
		s.sendError(c, apperrors.ErrCodeInternal, "could not create room")
		return
	}

	c.roomID = room.ID
	s.metrics.RecordRoomCreated()

	s.sendTo(c.id, wire.Envelope{
		Type:    wire.TypeRoomCreated,
		RoomID:  room.ID,
		Payload: wire.MustPayload(wire.RoomCreatedPayload{RoomID: room.ID}),
	})
}

func (s *WebSocketServer) handleJoinRoom(ctx context.Context, c *clientConn, env wire.Envelope) {
	if env.RoomID == "" {
		s.metrics.RecordMalformed()
		s.sendError(c, apperrors.ErrCodeMalformed, "join-room requires a roomId")
		return
	}

	s.leaveCurrentRoom(c)

	room, err := s.rooms.Join(ctx, env.RoomID, c.id)
	if err != nil {
		appErr := apperrors.FromDomain(err)
		s.metrics.RecordJoinRejected(string(appErr.Code))
		s.logger.Infow("join rejected",
			"participant_id", c.id,
			"room_id", env.RoomID,
			"code", appErr.Code,
		)
		s.sendError(c, appErr.Code, appErr.Message)
		return
	}

	c.roomID = room.ID

	s.sendTo(c.id, wire.Envelope{
		Type:    wire.TypeRoomJoined,
		RoomID:  room.ID,
		Payload: wire.MustPayload(wire.RoomJoinedPayload{RoomID: room.ID, Initiator: false}),
	})
}

// handleSignal relays an opaque negotiation payload to the other occupant.
// No peer present means the payload is dropped, not queued; originators must
// tolerate lost signals.
func (s *WebSocketServer) handleSignal(ctx context.Context, c *clientConn, env wire.Envelope) {
	roomID := env.RoomID
	if roomID == "" {
		roomID = c.roomID
	}
	if roomID == "" {
		s.metrics.RecordSignalDropped()
		return
	}

	room, err := s.rooms.GetRoom(ctx, roomID)
	if err != nil {
		s.metrics.RecordSignalDropped()
		return
	}
	// Only occupants may inject negotiation payloads; anyone can name a
	// room id in the envelope.
	if !room.HasMember(c.id) {
		s.metrics.RecordSignalDropped()
		s.logger.Warnw("signal from non-occupant dropped", "participant_id", c.id, "room_id", roomID)
		return
	}

	peer, ok := room.OtherMember(c.id)
	if !ok {
		s.metrics.RecordSignalDropped()
		return
	}

	if s.sendTo(peer, wire.Envelope{Type: wire.TypeSignal, Payload: env.Payload}) {
		s.metrics.RecordSignalRelayed()
	} else {
		s.metrics.RecordSignalDropped()
	}
}

func (s *WebSocketServer) leaveCurrentRoom(c *clientConn) {
	if c.roomID == "" {
		return
	}
	roomID := c.roomID
	c.roomID = ""

	remaining, err := s.rooms.Leave(context.Background(), roomID, c.id)
	if err != nil {
		s.logger.Errorw("leave failed", "participant_id", c.id, "room_id", roomID, "error", err)
		return
	}
	if remaining == nil {
		s.metrics.RecordRoomDeleted()
	}
}

// NotifyPeerJoined implements ports.RoomNotifier.
func (s *WebSocketServer) NotifyPeerJoined(id domain.ParticipantID) {
	s.sendTo(id, wire.Envelope{Type: wire.TypePeerJoined})
}

// NotifyPeerLeft implements ports.RoomNotifier.
func (s *WebSocketServer) NotifyPeerLeft(id domain.ParticipantID) {
	s.sendTo(id, wire.Envelope{Type: wire.TypePeerLeft})
}

func (s *WebSocketServer) sendTo(id domain.ParticipantID, env wire.Envelope) bool {
	s.mu.RLock()
	c, exists := s.connections[id]
	s.mu.RUnlock()

	if !exists {
		return false
	}
	if !c.enqueue(env) {
		// Stalled consumer: drop the connection, its read loop cleans up.
		s.logger.Warnw("send buffer full, closing connection", "participant_id", id)
		c.conn.Close()
		return false
	}
	return true
}

func (s *WebSocketServer) sendError(c *clientConn, code apperrors.ErrorCode, message string) {
	s.sendTo(c.id, wire.Envelope{
		Type:    wire.TypeError,
		Payload: wire.MustPayload(wire.ErrorPayload{Code: string(code), Message: message}),
	})
}

// ConnectionCount reports open signaling connections, for the health
// endpoint.
func (s *WebSocketServer) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.connections)
}
