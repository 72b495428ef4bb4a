package peer

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"couchsync/internal/core/domain"
	"couchsync/internal/wire"
	"couchsync/pkg/config"
	"couchsync/pkg/errors"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeTransport struct {
	mu       sync.Mutex
	sent     []wire.Envelope
	incoming chan wire.Envelope
	events   chan TransportEvent
	closed   int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		incoming: make(chan wire.Envelope, 32),
		events:   make(chan TransportEvent, 8),
	}
}

func (f *fakeTransport) Send(env wire.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, env)
	return nil
}

func (f *fakeTransport) Incoming() <-chan wire.Envelope { return f.incoming }
func (f *fakeTransport) Events() <-chan TransportEvent  { return f.events }

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

func (f *fakeTransport) countSent(msgType string) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	n := 0
	for _, env := range f.sent {
		if env.Type == msgType {
			n++
		}
	}
	return n
}

func (f *fakeTransport) deliver(env wire.Envelope) {
	f.incoming <- env
}

func newTestSession(t *testing.T, transport SignalTransport) *Session {
	t.Helper()
	return NewSession(config.DefaultConfig(), transport, zap.NewNop().Sugar())
}

func waitEvent(t *testing.T, s *Session, kind EventKind) Event {
	t.Helper()

	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-s.Events():
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event kind %d", kind)
		}
	}
}

// makeOffer produces a genuine SDP offer, so SetRemoteDescription in the
// session accepts it.
func makeOffer(t *testing.T) webrtc.SessionDescription {
	t.Helper()

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	require.NoError(t, err)
	t.Cleanup(func() { pc.Close() })

	_, err = pc.CreateDataChannel("sync", nil)
	require.NoError(t, err)

	offer, err := pc.CreateOffer(nil)
	require.NoError(t, err)
	require.NoError(t, pc.SetLocalDescription(offer))
	return offer
}

func signalEnvelope(t *testing.T, sig signalPayload) wire.Envelope {
	t.Helper()

	payload, err := json.Marshal(sig)
	require.NoError(t, err)
	return wire.Envelope{Type: wire.TypeSignal, Payload: payload}
}

func TestInitiator_CreatesRoom(t *testing.T) {
	transport := newFakeTransport()
	s := newTestSession(t, transport)

	require.NoError(t, s.Start(true, ""))
	require.Eventually(t, func() bool {
		return transport.countSent(wire.TypeCreateRoom) == 1
	}, time.Second, 10*time.Millisecond)

	transport.deliver(wire.Envelope{Type: wire.TypeRoomCreated, RoomID: "ab12cd34"})
	ev := waitEvent(t, s, EventRoomCreated)
	assert.Equal(t, domain.RoomID("ab12cd34"), ev.RoomID)
	assert.Equal(t, domain.RoomID("ab12cd34"), s.RoomID())
	assert.Equal(t, StateIdle, s.State(), "no negotiation until a peer joins")

	s.Close()
}

func TestResponder_RequiresRoomID(t *testing.T) {
	s := newTestSession(t, newFakeTransport())
	assert.Error(t, s.Start(false, ""))
}

func TestInitiator_SendsOfferWhenPeerJoins(t *testing.T) {
	transport := newFakeTransport()
	s := newTestSession(t, transport)

	require.NoError(t, s.Start(true, ""))
	transport.deliver(wire.Envelope{Type: wire.TypeRoomCreated, RoomID: "ab12cd34"})
	waitEvent(t, s, EventRoomCreated)

	transport.deliver(wire.Envelope{Type: wire.TypePeerJoined})
	waitEvent(t, s, EventPeerJoined)

	require.Eventually(t, func() bool {
		return transport.countSent(wire.TypeSignal) >= 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, StateNegotiating, s.State())

	s.Close()
}

func TestResponder_AnswersQueuedOffer(t *testing.T) {
	transport := newFakeTransport()
	s := newTestSession(t, transport)

	require.NoError(t, s.Start(false, "ab12cd34"))

	// The offer outruns the join confirmation; it must be queued and
	// answered once negotiation starts.
	offer := makeOffer(t)
	transport.deliver(signalEnvelope(t, signalPayload{SDP: &offer}))
	transport.deliver(wire.Envelope{Type: wire.TypeRoomJoined, RoomID: "ab12cd34"})
	waitEvent(t, s, EventRoomJoined)

	require.Eventually(t, func() bool {
		transport.mu.Lock()
		defer transport.mu.Unlock()
		for _, env := range transport.sent {
			if env.Type != wire.TypeSignal {
				continue
			}
			var sig signalPayload
			if json.Unmarshal(env.Payload, &sig) == nil &&
				sig.SDP != nil && sig.SDP.Type == webrtc.SDPTypeAnswer {
				return true
			}
		}
		return false
	}, 3*time.Second, 20*time.Millisecond)

	s.Close()
}

func TestNegotiationWatchdog_ClosesSession(t *testing.T) {
	transport := newFakeTransport()
	cfg := config.DefaultConfig()
	cfg.Session.NegotiationTimeout = config.Duration(100 * time.Millisecond)
	s := NewSession(cfg, transport, zap.NewNop().Sugar())

	require.NoError(t, s.Start(false, "ab12cd34"))
	transport.deliver(wire.Envelope{Type: wire.TypeRoomJoined, RoomID: "ab12cd34"})
	waitEvent(t, s, EventRoomJoined)

	ev := waitEvent(t, s, EventClosed)
	assert.ErrorIs(t, ev.Err, domain.ErrNegotiationTimeout)
	assert.Equal(t, StateClosed, s.State())
	assert.Equal(t, 1, transport.countSent(wire.TypeLeaveRoom))
}

func TestClose_Idempotent(t *testing.T) {
	transport := newFakeTransport()
	s := newTestSession(t, transport)

	require.NoError(t, s.Start(true, ""))
	transport.deliver(wire.Envelope{Type: wire.TypeRoomCreated, RoomID: "ab12cd34"})
	waitEvent(t, s, EventRoomCreated)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	assert.Equal(t, 1, transport.countSent(wire.TypeLeaveRoom))
	assert.Equal(t, StateClosed, s.State())
}

func TestClose_BufferedEnvelopeCannotReviveSession(t *testing.T) {
	// A room confirmation sitting in the transport buffer when Close runs
	// must not restart negotiation. Repeated because the run loop picks
	// between ready channels nondeterministically.
	for i := 0; i < 20; i++ {
		transport := newFakeTransport()
		s := newTestSession(t, transport)

		require.NoError(t, s.Start(false, "ab12cd34"))
		transport.deliver(wire.Envelope{Type: wire.TypeRoomJoined, RoomID: "ab12cd34"})

		require.NoError(t, s.Close())
		require.Equal(t, StateClosed, s.State())

		time.Sleep(10 * time.Millisecond)
		require.Equal(t, StateClosed, s.State(), "closed is terminal")
	}
}

func TestClose_BeforeStartDoesNotBlock(t *testing.T) {
	transport := newFakeTransport()
	s := newTestSession(t, transport)

	closed := make(chan struct{})
	go func() {
		s.Close()
		close(closed)
	}()

	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("Close blocked on a session that was never started")
	}
	assert.Equal(t, StateClosed, s.State())
}

func TestServerError_RoomFullClosesSession(t *testing.T) {
	transport := newFakeTransport()
	s := newTestSession(t, transport)

	require.NoError(t, s.Start(false, "ab12cd34"))
	transport.deliver(wire.Envelope{
		Type:    wire.TypeError,
		Payload: wire.MustPayload(wire.ErrorPayload{Code: string(errors.ErrCodeRoomFull), Message: "room is full"}),
	})

	ev := waitEvent(t, s, EventClosed)
	assert.ErrorIs(t, ev.Err, domain.ErrRoomFull)
}

func TestPeerLeft_ReturnsToIdle(t *testing.T) {
	transport := newFakeTransport()
	s := newTestSession(t, transport)

	require.NoError(t, s.Start(true, ""))
	transport.deliver(wire.Envelope{Type: wire.TypeRoomCreated, RoomID: "ab12cd34"})
	waitEvent(t, s, EventRoomCreated)
	transport.deliver(wire.Envelope{Type: wire.TypePeerJoined})
	waitEvent(t, s, EventPeerJoined)

	transport.deliver(wire.Envelope{Type: wire.TypePeerLeft})
	waitEvent(t, s, EventPeerLeft)

	require.Eventually(t, func() bool {
		return s.State() == StateIdle
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, domain.RoomID("ab12cd34"), s.RoomID(), "room membership survives a peer departure")

	s.Close()
}

func TestTransportResumed_InitiatorRecreatesRoom(t *testing.T) {
	transport := newFakeTransport()
	s := newTestSession(t, transport)

	require.NoError(t, s.Start(true, ""))
	transport.deliver(wire.Envelope{Type: wire.TypeRoomCreated, RoomID: "ab12cd34"})
	waitEvent(t, s, EventRoomCreated)

	transport.events <- TransportEvent{Kind: TransportResumed}
	require.Eventually(t, func() bool {
		return transport.countSent(wire.TypeCreateRoom) == 2
	}, time.Second, 10*time.Millisecond)

	transport.deliver(wire.Envelope{Type: wire.TypeRoomCreated, RoomID: "ef56gh78"})
	ev := waitEvent(t, s, EventRoomChanged)
	assert.Equal(t, domain.RoomID("ef56gh78"), ev.RoomID)
	assert.Equal(t, domain.RoomID("ef56gh78"), s.RoomID())

	s.Close()
}

func TestTransportResumed_ResponderRejoins(t *testing.T) {
	transport := newFakeTransport()
	s := newTestSession(t, transport)

	require.NoError(t, s.Start(false, "ab12cd34"))
	transport.deliver(wire.Envelope{Type: wire.TypeRoomJoined, RoomID: "ab12cd34"})
	waitEvent(t, s, EventRoomJoined)

	transport.events <- TransportEvent{Kind: TransportResumed}
	require.Eventually(t, func() bool {
		return transport.countSent(wire.TypeJoinRoom) == 2
	}, time.Second, 10*time.Millisecond)

	s.Close()
}

func TestSend_FailsBeforeConnected(t *testing.T) {
	transport := newFakeTransport()
	s := newTestSession(t, transport)

	require.NoError(t, s.Start(true, ""))
	assert.ErrorIs(t, s.Send([]byte("x")), domain.ErrPeerTransport)

	s.Close()
}
