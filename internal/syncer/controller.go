package syncer

import (
	"math"
	"sync"
	"time"

	"couchsync/internal/core/domain"
	"couchsync/pkg/config"

	"go.uber.org/zap"
)

// Player is the playback surface the UI layer implements. The controller
// drives it on the guest side; on the host side the UI drives the player and
// reports changes through SetVideoState.
type Player interface {
	CurrentTime() float64
	SeekTo(seconds float64)
	Play()
	Pause()
	LoadVideo(videoID string)
}

// Sender transmits an encoded frame over the peer data channel.
type Sender interface {
	Send(data []byte) error
}

// Controller runs the sync protocol for one side of a session. The host is
// the source of truth for video state; the guest reconciles its replica
// against it. Chat and liveness pings flow both ways.
type Controller struct {
	cfg    *config.Config
	role   domain.Role
	player Player
	sender Sender
	onDead func(error)
	logger *zap.SugaredLogger

	mu         sync.Mutex
	lastState  *domain.VideoState
	lastVideo  string
	transcript []domain.ChatMessage

	// pingOutstanding holds the value of the last unanswered ping, zero
	// when the peer has echoed it back.
	pingOutstanding int64
	missedEchoes    int

	nowMillis func() int64

	stop     chan struct{}
	stopOnce sync.Once
	deadOnce sync.Once
	wg       sync.WaitGroup
}

func NewController(
	cfg *config.Config,
	role domain.Role,
	player Player,
	sender Sender,
	onDead func(error),
	logger *zap.SugaredLogger,
) *Controller {
	return &Controller{
		cfg:       cfg,
		role:      role,
		player:    player,
		sender:    sender,
		onDead:    onDead,
		logger:    logger,
		nowMillis: func() int64 { return time.Now().UnixMilli() },
		stop:      make(chan struct{}),
	}
}

// Start launches the controller's timers: the liveness ping on both sides,
// the rebroadcast ticker on the host, the drift check on the guest. Call once
// the data channel is open.
func (c *Controller) Start() {
	c.wg.Add(1)
	go c.run()
}

func (c *Controller) run() {
	defer c.wg.Done()

	ping := time.NewTicker(c.cfg.Session.PingInterval.Std())
	defer ping.Stop()
	syncTick := time.NewTicker(c.cfg.Session.RebroadcastInterval.Std())
	defer syncTick.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ping.C:
			if !c.tickPing() {
				return
			}
		case <-syncTick.C:
			if c.role == domain.RoleHost {
				c.rebroadcast()
			} else {
				c.checkDrift()
			}
		}
	}
}

// Stop cancels the timers. Safe to call more than once.
func (c *Controller) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
	c.wg.Wait()
}

// HandleIncoming processes one frame from the peer. Malformed frames are
// logged and dropped; they never end the session.
func (c *Controller) HandleIncoming(data []byte) {
	msg, err := Decode(data)
	if err != nil {
		c.logger.Warnw("dropping malformed data channel message", "error", err)
		return
	}

	switch msg.Type {
	case MessageVideoState:
		if c.role == domain.RoleHost {
			c.logger.Debugw("ignoring videoState from guest")
			return
		}
		c.applyRemoteState(*msg.VideoState, c.cfg.Session.SeekDriftSec)

	case MessageChat:
		c.mu.Lock()
		c.transcript = append(c.transcript, *msg.Chat)
		c.mu.Unlock()

	case MessagePing:
		c.handlePing(msg.Ping)
	}
}

// SetVideoState records a local playback change. On the host it is also
// pushed to the peer.
func (c *Controller) SetVideoState(state domain.VideoState) error {
	if !state.Valid() {
		return domain.ErrMalformedMessage
	}

	c.mu.Lock()
	c.lastState = &state
	c.lastVideo = state.VideoID
	c.mu.Unlock()

	if c.role != domain.RoleHost {
		return nil
	}
	data, err := EncodeVideoState(state)
	if err != nil {
		return err
	}
	return c.sender.Send(data)
}

// SendChat transmits a chat message and appends it to the local transcript
// immediately, without waiting for any round trip.
func (c *Controller) SendChat(msg domain.ChatMessage) error {
	if !msg.Valid() {
		return domain.ErrMalformedMessage
	}

	data, err := EncodeChat(msg)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.transcript = append(c.transcript, msg)
	c.mu.Unlock()

	return c.sender.Send(data)
}

// Transcript returns a copy of the session's chat history.
func (c *Controller) Transcript() []domain.ChatMessage {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]domain.ChatMessage, len(c.transcript))
	copy(out, c.transcript)
	return out
}

// LastState returns the most recent authoritative state, nil before any
// state has been seen.
func (c *Controller) LastState() *domain.VideoState {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.lastState == nil {
		return nil
	}
	state := *c.lastState
	return &state
}

// applyRemoteState reconciles the local player against authoritative state.
// A seek happens only when drift exceeds the threshold, so small clock skew
// does not cause constant seeking.
func (c *Controller) applyRemoteState(state domain.VideoState, threshold float64) {
	c.mu.Lock()
	videoChanged := state.VideoID != c.lastVideo
	c.lastState = &state
	c.lastVideo = state.VideoID
	c.mu.Unlock()

	if videoChanged {
		c.player.LoadVideo(state.VideoID)
		c.player.SeekTo(state.CurrentTime)
	} else if math.Abs(state.CurrentTime-c.player.CurrentTime()) > threshold {
		c.player.SeekTo(state.CurrentTime)
	}

	if state.IsPlaying {
		c.player.Play()
	} else {
		c.player.Pause()
	}
}

// checkDrift is the guest's periodic pass against the last received state.
// Its threshold is looser than the on-receive one.
func (c *Controller) checkDrift() {
	c.mu.Lock()
	state := c.lastState
	c.mu.Unlock()

	if state == nil {
		return
	}
	if math.Abs(state.CurrentTime-c.player.CurrentTime()) > c.cfg.Session.PeriodicDriftSec {
		c.player.SeekTo(state.CurrentTime)
	}
}

// rebroadcast pushes the host's current state so a guest that missed an
// update converges within one interval.
func (c *Controller) rebroadcast() {
	c.mu.Lock()
	state := c.lastState
	c.mu.Unlock()

	if state == nil {
		return
	}
	data, err := EncodeVideoState(*state)
	if err != nil {
		return
	}
	if err := c.sender.Send(data); err != nil {
		c.logger.Warnw("rebroadcast failed", "error", err)
	}
}

// tickPing sends the next liveness ping. An unanswered previous ping counts
// as a missed echo; too many in a row means the transport died silently.
// Returns false when the controller should stop.
func (c *Controller) tickPing() bool {
	c.mu.Lock()
	if c.pingOutstanding != 0 {
		c.missedEchoes++
		if c.missedEchoes >= c.cfg.Session.MissedEchoLimit {
			c.mu.Unlock()
			c.reportDead()
			return false
		}
		c.mu.Unlock()
		return true
	}
	value := c.nowMillis()
	c.pingOutstanding = value
	c.mu.Unlock()

	data, err := EncodePing(value)
	if err != nil {
		return true
	}
	if err := c.sender.Send(data); err != nil {
		c.logger.Warnw("ping send failed", "error", err)
	}
	return true
}

// handlePing distinguishes our own ping coming back from a ping originated
// by the peer. Only the latter is echoed, so two symmetric sides do not
// bounce the same value forever.
func (c *Controller) handlePing(value int64) {
	c.mu.Lock()
	if value != 0 && value == c.pingOutstanding {
		c.pingOutstanding = 0
		c.missedEchoes = 0
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	data, err := EncodePing(value)
	if err != nil {
		return
	}
	if err := c.sender.Send(data); err != nil {
		c.logger.Warnw("ping echo failed", "error", err)
	}
}

func (c *Controller) reportDead() {
	c.deadOnce.Do(func() {
		c.logger.Warnw("peer transport presumed dead", "missed_echoes", c.missedEchoes)
		if c.onDead != nil {
			c.onDead(domain.ErrPeerTransport)
		}
	})
}
