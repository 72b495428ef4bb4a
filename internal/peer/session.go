package peer

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"couchsync/internal/core/domain"
	"couchsync/internal/wire"
	"couchsync/pkg/config"
	apperrors "couchsync/pkg/errors"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// State of a peer session. Transitions only move forward except for the
// Negotiating/Connected → Idle fallback when the peer departs.
type State int32

const (
	StateIdle State = iota
	StateNegotiating
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateNegotiating:
		return "negotiating"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type EventKind int

const (
	EventRoomCreated EventKind = iota
	EventRoomJoined
	EventRoomChanged
	EventPeerJoined
	EventPeerLeft
	EventConnected
	EventClosed
)

// Event is what the session reports upward to the UI layer.
type Event struct {
	Kind   EventKind
	RoomID domain.RoomID
	Err    error
}

// signalPayload is the negotiation payload relayed opaquely by the server.
// Exactly one field is set per signal.
type signalPayload struct {
	SDP       *webrtc.SessionDescription `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
}

// Session owns one peer connection and its data channel, drives negotiation
// over the signaling transport, and hands the open channel to the sync
// layer. All session fields are owned by the run loop; external calls post
// into it or go through the mutex-guarded dc/roomID snapshots.
type Session struct {
	cfg       *config.Config
	transport SignalTransport
	logger    *zap.SugaredLogger

	initiator bool
	rejoining bool

	roomID domain.RoomID
	pc     *webrtc.PeerConnection

	state atomic.Int32

	// pendingSignals queues signals that arrived before the peer
	// connection existed; pendingCandidates queues ICE candidates that
	// arrived before the remote description was set.
	pendingSignals    []json.RawMessage
	pendingCandidates []webrtc.ICECandidateInit

	watchdog *time.Timer

	mu sync.RWMutex // guards dc, roomID and onMessage for cross-goroutine reads
	dc *webrtc.DataChannel

	onMessage func([]byte)

	started   atomic.Bool
	events    chan Event
	internal  chan func()
	done      chan struct{}
	closeOnce sync.Once
	leaveOnce sync.Once
}

func NewSession(cfg *config.Config, transport SignalTransport, logger *zap.SugaredLogger) *Session {
	return &Session{
		cfg:       cfg,
		transport: transport,
		logger:    logger,
		events:    make(chan Event, 32),
		internal:  make(chan func(), 32),
		done:      make(chan struct{}),
	}
}

// Start begins the session. The initiator creates a room; the responder
// joins roomID. Events are reported on Events().
func (s *Session) Start(initiator bool, roomID domain.RoomID) error {
	s.initiator = initiator

	var env wire.Envelope
	if initiator {
		env = wire.Envelope{Type: wire.TypeCreateRoom}
	} else {
		if roomID == "" {
			return fmt.Errorf("responder requires a room id")
		}
		env = wire.Envelope{Type: wire.TypeJoinRoom, RoomID: roomID}
	}

	s.started.Store(true)
	go s.run()

	if err := s.transport.Send(env); err != nil {
		return fmt.Errorf("send %s: %w", env.Type, err)
	}
	return nil
}

func (s *Session) Events() <-chan Event { return s.events }

func (s *Session) State() State { return State(s.state.Load()) }

func (s *Session) RoomID() domain.RoomID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.roomID
}

// SetMessageHandler registers the consumer of data channel frames. Set it
// before the channel opens to avoid dropping early messages.
func (s *Session) SetMessageHandler(fn func([]byte)) {
	s.mu.Lock()
	s.onMessage = fn
	s.mu.Unlock()
}

// Send transmits a frame over the open data channel.
func (s *Session) Send(data []byte) error {
	s.mu.RLock()
	dc := s.dc
	s.mu.RUnlock()

	if dc == nil || s.State() != StateConnected {
		return domain.ErrPeerTransport
	}
	return dc.Send(data)
}

// Close ends the session, leaving the room at most once. Safe to call more
// than once; the second call is a no-op.
func (s *Session) Close() error {
	if !s.started.Load() {
		// No run loop to drain the close request; shut down inline.
		s.state.Store(int32(StateClosed))
		s.transport.Close()
		s.closeOnce.Do(func() { close(s.done) })
		return nil
	}

	select {
	case s.internal <- func() { s.closeWith(nil) }:
	case <-s.done:
		return nil
	}
	<-s.done
	return nil
}

func (s *Session) run() {
	for {
		select {
		case <-s.done:
			return
		case fn := <-s.internal:
			fn()
		case env, ok := <-s.transport.Incoming():
			if !ok {
				s.closeWith(domain.ErrSignalingDisconnected)
				return
			}
			s.handleEnvelope(env)
		case ev := <-s.transport.Events():
			s.handleTransportEvent(ev)
		}

		// Closed is terminal. Envelopes still buffered on the transport
		// must not restart negotiation.
		if s.State() == StateClosed {
			return
		}
	}
}

// post marshals work from pion callbacks into the run loop.
func (s *Session) post(fn func()) {
	select {
	case s.internal <- fn:
	case <-s.done:
	}
}

func (s *Session) emit(ev Event) {
	select {
	case s.events <- ev:
	default:
		s.logger.Warnw("event buffer full, dropping event", "kind", ev.Kind)
	}
}

func (s *Session) handleEnvelope(env wire.Envelope) {
	if s.State() == StateClosed {
		return
	}

	switch env.Type {
	case wire.TypeRoomCreated:
		s.setRoomID(env.RoomID)
		if s.rejoining {
			s.rejoining = false
			// Reconnection produced a fresh room id; the UI must learn it.
			s.emit(Event{Kind: EventRoomChanged, RoomID: env.RoomID})
		} else {
			s.emit(Event{Kind: EventRoomCreated, RoomID: env.RoomID})
		}

	case wire.TypeRoomJoined:
		s.setRoomID(env.RoomID)
		s.emit(Event{Kind: EventRoomJoined, RoomID: env.RoomID})
		if err := s.beginNegotiation(); err != nil {
			s.logger.Errorw("negotiation setup failed", "error", err)
			s.closeWith(err)
		}

	case wire.TypePeerJoined:
		s.emit(Event{Kind: EventPeerJoined, RoomID: s.roomID})
		if s.initiator {
			if err := s.beginNegotiation(); err != nil {
				s.logger.Errorw("negotiation setup failed", "error", err)
				s.closeWith(err)
			}
		}

	case wire.TypePeerLeft:
		s.emit(Event{Kind: EventPeerLeft, RoomID: s.roomID})
		s.teardownPeer()

	case wire.TypeSignal:
		s.handleSignal(env.Payload)

	case wire.TypeError:
		var payload wire.ErrorPayload
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			s.logger.Warnw("unreadable error envelope", "error", err)
			return
		}
		s.closeWith(errorFromWire(payload))

	default:
		s.logger.Warnw("unexpected envelope", "type", env.Type)
	}
}

func (s *Session) handleTransportEvent(ev TransportEvent) {
	if s.State() == StateClosed {
		return
	}

	switch ev.Kind {
	case TransportDown:
		s.closeWith(ev.Err)

	case TransportResumed:
		if s.roomID == "" {
			return
		}
		// The server lost our membership with the old connection; redo
		// the room handshake and renegotiate from scratch.
		s.teardownPeer()
		if s.initiator {
			s.rejoining = true
			if err := s.transport.Send(wire.Envelope{Type: wire.TypeCreateRoom}); err != nil {
				s.closeWith(err)
			}
		} else {
			if err := s.transport.Send(wire.Envelope{Type: wire.TypeJoinRoom, RoomID: s.roomID}); err != nil {
				s.closeWith(err)
			}
		}
	}
}

// beginNegotiation creates the peer connection and starts the watchdog. The
// initiator also opens the data channel and sends the offer.
func (s *Session) beginNegotiation() error {
	if s.pc != nil {
		// A stale peer connection from a departed peer; start over.
		s.teardownPeer()
	}

	pc, err := webrtc.NewPeerConnection(s.webrtcConfiguration())
	if err != nil {
		return fmt.Errorf("create peer connection: %w", err)
	}
	s.pc = pc

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		s.post(func() { s.sendSignal(signalPayload{Candidate: &init}) })
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		if state == webrtc.PeerConnectionStateFailed {
			s.post(func() {
				if s.State() == StateConnected || s.State() == StateNegotiating {
					s.closeWith(domain.ErrPeerTransport)
				}
			})
		}
	})

	if s.initiator {
		ordered := true
		dc, err := pc.CreateDataChannel("sync", &webrtc.DataChannelInit{Ordered: &ordered})
		if err != nil {
			return fmt.Errorf("create data channel: %w", err)
		}
		s.bindDataChannel(dc)

		offer, err := pc.CreateOffer(nil)
		if err != nil {
			return fmt.Errorf("create offer: %w", err)
		}
		if err := pc.SetLocalDescription(offer); err != nil {
			return fmt.Errorf("set local description: %w", err)
		}
		s.sendSignal(signalPayload{SDP: &offer})
	} else {
		pc.OnDataChannel(func(dc *webrtc.DataChannel) {
			s.post(func() { s.bindDataChannel(dc) })
		})
	}

	s.state.Store(int32(StateNegotiating))
	s.startWatchdog()
	s.flushPendingSignals()
	return nil
}

func (s *Session) bindDataChannel(dc *webrtc.DataChannel) {
	s.mu.Lock()
	s.dc = dc
	s.mu.Unlock()

	dc.OnOpen(func() {
		s.post(func() {
			if s.State() != StateNegotiating {
				return
			}
			s.stopWatchdog()
			s.state.Store(int32(StateConnected))
			s.emit(Event{Kind: EventConnected, RoomID: s.roomID})
		})
	})

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		s.mu.RLock()
		handler := s.onMessage
		s.mu.RUnlock()
		if handler != nil {
			handler(msg.Data)
		}
	})
}

func (s *Session) handleSignal(payload json.RawMessage) {
	if s.pc == nil {
		// Signals can outrun the room handshake; replay them once the
		// peer connection exists.
		s.pendingSignals = append(s.pendingSignals, payload)
		return
	}

	var sig signalPayload
	if err := json.Unmarshal(payload, &sig); err != nil {
		s.logger.Warnw("dropping malformed signal", "error", err)
		return
	}

	switch {
	case sig.SDP != nil && sig.SDP.Type == webrtc.SDPTypeOffer:
		s.handleOffer(*sig.SDP)
	case sig.SDP != nil && sig.SDP.Type == webrtc.SDPTypeAnswer:
		s.handleAnswer(*sig.SDP)
	case sig.Candidate != nil:
		s.handleCandidate(*sig.Candidate)
	default:
		s.logger.Warnw("dropping empty signal")
	}
}

func (s *Session) handleOffer(offer webrtc.SessionDescription) {
	if err := s.pc.SetRemoteDescription(offer); err != nil {
		s.logger.Warnw("set remote offer failed", "error", err)
		return
	}
	s.flushPendingCandidates()

	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		s.logger.Warnw("create answer failed", "error", err)
		return
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		s.logger.Warnw("set local answer failed", "error", err)
		return
	}
	s.sendSignal(signalPayload{SDP: &answer})
}

func (s *Session) handleAnswer(answer webrtc.SessionDescription) {
	if err := s.pc.SetRemoteDescription(answer); err != nil {
		s.logger.Warnw("set remote answer failed", "error", err)
		return
	}
	s.flushPendingCandidates()
}

func (s *Session) handleCandidate(candidate webrtc.ICECandidateInit) {
	if s.pc.RemoteDescription() == nil {
		s.pendingCandidates = append(s.pendingCandidates, candidate)
		return
	}
	if err := s.pc.AddICECandidate(candidate); err != nil {
		s.logger.Warnw("add ice candidate failed", "error", err)
	}
}

func (s *Session) flushPendingSignals() {
	queued := s.pendingSignals
	s.pendingSignals = nil
	for _, payload := range queued {
		s.handleSignal(payload)
	}
}

func (s *Session) flushPendingCandidates() {
	queued := s.pendingCandidates
	s.pendingCandidates = nil
	for _, candidate := range queued {
		if err := s.pc.AddICECandidate(candidate); err != nil {
			s.logger.Warnw("add queued ice candidate failed", "error", err)
		}
	}
}

func (s *Session) sendSignal(sig signalPayload) {
	payload, err := json.Marshal(sig)
	if err != nil {
		s.logger.Errorw("marshal signal failed", "error", err)
		return
	}
	env := wire.Envelope{Type: wire.TypeSignal, RoomID: s.roomID, Payload: payload}
	if err := s.transport.Send(env); err != nil {
		// Lost signals are tolerated; the watchdog catches a
		// negotiation that cannot complete.
		s.logger.Warnw("signal send failed", "error", err)
	}
}

func (s *Session) startWatchdog() {
	s.stopWatchdog()
	s.watchdog = time.AfterFunc(s.cfg.Session.NegotiationTimeout.Std(), func() {
		s.post(func() {
			if s.State() == StateNegotiating {
				s.closeWith(domain.ErrNegotiationTimeout)
			}
		})
	})
}

func (s *Session) stopWatchdog() {
	if s.watchdog != nil {
		s.watchdog.Stop()
		s.watchdog = nil
	}
}

// teardownPeer drops the peer connection but keeps the room membership and
// signaling transport, returning to Idle to await a new peer.
func (s *Session) teardownPeer() {
	s.stopWatchdog()

	s.mu.Lock()
	dc := s.dc
	s.dc = nil
	s.mu.Unlock()

	if dc != nil {
		dc.Close()
	}
	if s.pc != nil {
		s.pc.Close()
		s.pc = nil
	}
	s.pendingSignals = nil
	s.pendingCandidates = nil

	if s.State() != StateClosed {
		s.state.Store(int32(StateIdle))
	}
}

func (s *Session) closeWith(err error) {
	if s.State() == StateClosed {
		return
	}
	s.state.Store(int32(StateClosed))

	s.stopWatchdog()

	s.mu.Lock()
	dc := s.dc
	s.dc = nil
	s.mu.Unlock()
	if dc != nil {
		dc.Close()
	}
	if s.pc != nil {
		s.pc.Close()
		s.pc = nil
	}

	if s.roomID != "" {
		s.leaveOnce.Do(func() {
			if sendErr := s.transport.Send(wire.Envelope{Type: wire.TypeLeaveRoom, RoomID: s.roomID}); sendErr != nil {
				s.logger.Debugw("leave-room send failed", "error", sendErr)
			}
		})
	}
	s.transport.Close()

	s.emit(Event{Kind: EventClosed, RoomID: s.roomID, Err: err})
	s.closeOnce.Do(func() { close(s.done) })
}

func (s *Session) setRoomID(id domain.RoomID) {
	s.mu.Lock()
	s.roomID = id
	s.mu.Unlock()
}

func (s *Session) webrtcConfiguration() webrtc.Configuration {
	servers := make([]webrtc.ICEServer, 0, len(s.cfg.WebRTC.ICEServers))
	for _, ice := range s.cfg.WebRTC.ICEServers {
		server := webrtc.ICEServer{URLs: ice.URLs}
		if ice.Username != "" {
			server.Username = ice.Username
			server.Credential = ice.Credential
		}
		servers = append(servers, server)
	}
	return webrtc.Configuration{ICEServers: servers}
}

func errorFromWire(payload wire.ErrorPayload) error {
	switch apperrors.ErrorCode(payload.Code) {
	case apperrors.ErrCodeRoomNotFound:
		return domain.ErrRoomNotFound
	case apperrors.ErrCodeRoomFull:
		return domain.ErrRoomFull
	default:
		return fmt.Errorf("server error %s: %s", payload.Code, payload.Message)
	}
}
