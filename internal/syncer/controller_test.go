package syncer

import (
	"testing"

	"couchsync/internal/core/domain"
	"couchsync/pkg/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakePlayer struct {
	time       float64
	loaded     []string
	seeks      []float64
	playCalls  int
	pauseCalls int
}

func (p *fakePlayer) CurrentTime() float64     { return p.time }
func (p *fakePlayer) SeekTo(seconds float64)   { p.seeks = append(p.seeks, seconds) }
func (p *fakePlayer) Play()                    { p.playCalls++ }
func (p *fakePlayer) Pause()                   { p.pauseCalls++ }
func (p *fakePlayer) LoadVideo(videoID string) { p.loaded = append(p.loaded, videoID) }

type fakeSender struct {
	frames [][]byte
	err    error
}

func (s *fakeSender) Send(data []byte) error {
	if s.err != nil {
		return s.err
	}
	s.frames = append(s.frames, data)
	return nil
}

func (s *fakeSender) decoded(t *testing.T) []*Message {
	t.Helper()
	out := make([]*Message, 0, len(s.frames))
	for _, frame := range s.frames {
		msg, err := Decode(frame)
		require.NoError(t, err)
		out = append(out, msg)
	}
	return out
}

func newController(t *testing.T, role domain.Role) (*Controller, *fakePlayer, *fakeSender) {
	t.Helper()

	player := &fakePlayer{}
	sender := &fakeSender{}
	c := NewController(config.DefaultConfig(), role, player, sender, nil, zap.NewNop().Sugar())
	return c, player, sender
}

func videoStateFrame(t *testing.T, state domain.VideoState) []byte {
	t.Helper()
	data, err := EncodeVideoState(state)
	require.NoError(t, err)
	return data
}

func TestGuest_FirstStateLoadsVideo(t *testing.T) {
	c, player, _ := newController(t, domain.RoleGuest)

	c.HandleIncoming(videoStateFrame(t, domain.VideoState{VideoID: "xyz", CurrentTime: 0, IsPlaying: true}))

	assert.Equal(t, []string{"xyz"}, player.loaded)
	assert.Equal(t, []float64{0}, player.seeks)
	assert.Equal(t, 1, player.playCalls)
}

func TestGuest_OnReceiveSeeksBeyondThreshold(t *testing.T) {
	c, player, _ := newController(t, domain.RoleGuest)
	c.HandleIncoming(videoStateFrame(t, domain.VideoState{VideoID: "xyz", CurrentTime: 0, IsPlaying: true}))
	player.seeks = nil

	player.time = 48.5
	c.HandleIncoming(videoStateFrame(t, domain.VideoState{VideoID: "xyz", CurrentTime: 50, IsPlaying: true}))
	assert.Equal(t, []float64{50}, player.seeks, "1.5s drift exceeds the on-receive threshold")

	player.seeks = nil
	player.time = 49.5
	c.HandleIncoming(videoStateFrame(t, domain.VideoState{VideoID: "xyz", CurrentTime: 50, IsPlaying: true}))
	assert.Empty(t, player.seeks, "0.5s drift stays within the on-receive threshold")
}

func TestGuest_PeriodicCheckSeeksBeyondThreshold(t *testing.T) {
	c, player, _ := newController(t, domain.RoleGuest)
	c.HandleIncoming(videoStateFrame(t, domain.VideoState{VideoID: "xyz", CurrentTime: 100, IsPlaying: true}))
	player.seeks = nil

	player.time = 96
	c.checkDrift()
	assert.Equal(t, []float64{100}, player.seeks)

	player.seeks = nil
	player.time = 99
	c.checkDrift()
	assert.Empty(t, player.seeks)
}

func TestGuest_PauseApplied(t *testing.T) {
	c, player, _ := newController(t, domain.RoleGuest)

	c.HandleIncoming(videoStateFrame(t, domain.VideoState{VideoID: "xyz", CurrentTime: 10, IsPlaying: false}))

	assert.Equal(t, 1, player.pauseCalls)
	assert.Zero(t, player.playCalls)
}

func TestHost_IgnoresGuestVideoState(t *testing.T) {
	c, player, _ := newController(t, domain.RoleHost)

	c.HandleIncoming(videoStateFrame(t, domain.VideoState{VideoID: "xyz", CurrentTime: 42, IsPlaying: true}))

	assert.Empty(t, player.loaded)
	assert.Empty(t, player.seeks)
	assert.Nil(t, c.LastState())
}

func TestHost_SetVideoStateBroadcasts(t *testing.T) {
	c, _, sender := newController(t, domain.RoleHost)

	require.NoError(t, c.SetVideoState(domain.VideoState{VideoID: "xyz", CurrentTime: 12, IsPlaying: true}))

	msgs := sender.decoded(t)
	require.Len(t, msgs, 1)
	require.Equal(t, MessageVideoState, msgs[0].Type)
	assert.Equal(t, "xyz", msgs[0].VideoState.VideoID)
}

func TestGuest_SetVideoStateDoesNotSend(t *testing.T) {
	c, _, sender := newController(t, domain.RoleGuest)

	require.NoError(t, c.SetVideoState(domain.VideoState{VideoID: "xyz", CurrentTime: 12, IsPlaying: true}))

	assert.Empty(t, sender.frames)
}

func TestHost_RebroadcastSendsLastState(t *testing.T) {
	c, _, sender := newController(t, domain.RoleHost)

	c.rebroadcast()
	assert.Empty(t, sender.frames, "nothing to rebroadcast before any state is set")

	require.NoError(t, c.SetVideoState(domain.VideoState{VideoID: "xyz", CurrentTime: 7, IsPlaying: false}))
	sender.frames = nil

	c.rebroadcast()
	msgs := sender.decoded(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, 7.0, msgs[0].VideoState.CurrentTime)
}

func TestChat_SendAppendsLocallyOnce(t *testing.T) {
	c, _, sender := newController(t, domain.RoleHost)

	msg := domain.ChatMessage{Text: "hi", Sender: "A", Timestamp: 1000}
	require.NoError(t, c.SendChat(msg))

	transcript := c.Transcript()
	require.Len(t, transcript, 1)
	assert.Equal(t, "hi", transcript[0].Text)

	msgs := sender.decoded(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, MessageChat, msgs[0].Type)
}

func TestChat_ReceiveAppends(t *testing.T) {
	c, _, _ := newController(t, domain.RoleGuest)

	data, err := EncodeChat(domain.ChatMessage{Text: "hello", Sender: "B", Timestamp: 2000})
	require.NoError(t, err)
	c.HandleIncoming(data)

	transcript := c.Transcript()
	require.Len(t, transcript, 1)
	assert.Equal(t, "B", transcript[0].Sender)
}

func TestChat_BlankTextRejected(t *testing.T) {
	c, _, sender := newController(t, domain.RoleHost)

	err := c.SendChat(domain.ChatMessage{Text: "   ", Sender: "A", Timestamp: 1})
	assert.ErrorIs(t, err, domain.ErrMalformedMessage)
	assert.Empty(t, sender.frames)
	assert.Empty(t, c.Transcript())
}

func TestPing_PeerPingIsEchoedUnchanged(t *testing.T) {
	c, _, sender := newController(t, domain.RoleGuest)

	data, err := EncodePing(42)
	require.NoError(t, err)
	c.HandleIncoming(data)

	msgs := sender.decoded(t)
	require.Len(t, msgs, 1)
	require.Equal(t, MessagePing, msgs[0].Type)
	assert.Equal(t, int64(42), msgs[0].Ping)
}

func TestPing_OwnEchoIsAbsorbed(t *testing.T) {
	c, _, sender := newController(t, domain.RoleGuest)
	c.nowMillis = func() int64 { return 777 }

	require.True(t, c.tickPing())
	msgs := sender.decoded(t)
	require.Len(t, msgs, 1)
	require.Equal(t, int64(777), msgs[0].Ping)

	sender.frames = nil
	echo, err := EncodePing(777)
	require.NoError(t, err)
	c.HandleIncoming(echo)

	assert.Empty(t, sender.frames, "own ping coming back must not be re-echoed")

	// Echo received, so the next tick sends a fresh ping instead of
	// counting a miss.
	c.nowMillis = func() int64 { return 888 }
	require.True(t, c.tickPing())
	msgs = sender.decoded(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, int64(888), msgs[0].Ping)
}

func TestPing_MissedEchoesReportDeadTransport(t *testing.T) {
	player := &fakePlayer{}
	sender := &fakeSender{}

	var dead error
	c := NewController(config.DefaultConfig(), domain.RoleGuest, player, sender,
		func(err error) { dead = err }, zap.NewNop().Sugar())
	c.nowMillis = func() int64 { return 1 }

	require.True(t, c.tickPing()) // sends, outstanding
	require.True(t, c.tickPing()) // miss 1
	require.True(t, c.tickPing()) // miss 2
	require.False(t, c.tickPing(), "third miss hits the limit")

	assert.ErrorIs(t, dead, domain.ErrPeerTransport)
}

func TestHandleIncoming_MalformedDropped(t *testing.T) {
	c, player, sender := newController(t, domain.RoleGuest)

	c.HandleIncoming([]byte("not json"))
	c.HandleIncoming([]byte(`{"type":"mystery","payload":{}}`))
	c.HandleIncoming([]byte(`{"type":"videoState","payload":{"videoId":"","currentTime":-1}}`))

	assert.Empty(t, player.loaded)
	assert.Empty(t, player.seeks)
	assert.Empty(t, sender.frames)
}

func TestDecode_RoundTrip(t *testing.T) {
	data, err := EncodeVideoState(domain.VideoState{VideoID: "abc", CurrentTime: 3.5, IsPlaying: true})
	require.NoError(t, err)

	msg, err := Decode(data)
	require.NoError(t, err)
	require.Equal(t, MessageVideoState, msg.Type)
	assert.Equal(t, 3.5, msg.VideoState.CurrentTime)
	assert.True(t, msg.VideoState.IsPlaying)
}
