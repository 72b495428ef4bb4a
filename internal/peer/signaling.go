// Package peer is the client library: the signaling transport, the session
// state machine, and the glue that hands a reliable ordered message stream to
// the sync layer.
package peer

import (
	"sync"
	"time"

	"couchsync/internal/core/domain"
	"couchsync/internal/wire"
	"couchsync/pkg/config"
	"couchsync/pkg/retry"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type TransportEventKind int

const (
	// TransportResumed fires after a dropped signaling connection was
	// re-established. Sessions re-issue room creation or join on it.
	TransportResumed TransportEventKind = iota
	// TransportDown fires when reconnection attempts are exhausted.
	TransportDown
)

type TransportEvent struct {
	Kind TransportEventKind
	Err  error
}

// SignalTransport is the session's view of the signaling channel. The
// production implementation is SignalClient; tests substitute a fake.
type SignalTransport interface {
	Send(env wire.Envelope) error
	Incoming() <-chan wire.Envelope
	Events() <-chan TransportEvent
	Close() error
}

// SignalClient is a websocket connection to the signaling server with
// automatic reconnection. Incoming frames preserve arrival order.
type SignalClient struct {
	url    string
	cfg    *config.Config
	logger *zap.SugaredLogger

	mu   sync.Mutex
	conn *websocket.Conn

	incoming chan wire.Envelope
	events   chan TransportEvent

	done      chan struct{}
	closeOnce sync.Once
}

func NewSignalClient(url string, cfg *config.Config, logger *zap.SugaredLogger) (*SignalClient, error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, err
	}

	c := &SignalClient{
		url:      url,
		cfg:      cfg,
		conn:     conn,
		logger:   logger,
		incoming: make(chan wire.Envelope, 32),
		events:   make(chan TransportEvent, 8),
		done:     make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *SignalClient) Incoming() <-chan wire.Envelope { return c.incoming }
func (c *SignalClient) Events() <-chan TransportEvent  { return c.events }

func (c *SignalClient) Send(env wire.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return domain.ErrSignalingDisconnected
	}
	return c.conn.WriteJSON(env)
}

// Close tears the connection down and stops reconnection. Safe to call more
// than once.
func (c *SignalClient) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.mu.Lock()
		if c.conn != nil {
			c.conn.Close()
		}
		c.mu.Unlock()
	})
	return nil
}

func (c *SignalClient) readLoop() {
	defer close(c.incoming)

	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()

		var env wire.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			select {
			case <-c.done:
				return
			default:
			}

			c.logger.Warnw("signaling connection lost", "error", err)
			if !c.reconnect() {
				return
			}
			continue
		}

		select {
		case c.incoming <- env:
		case <-c.done:
			return
		}
	}
}

// reconnect redials with bounded exponential backoff. Reports false when the
// attempts are exhausted or the client was closed.
func (c *SignalClient) reconnect() bool {
	backoff := retry.Config{
		MaxAttempts:  c.cfg.Reconnect.MaxAttempts,
		InitialDelay: c.cfg.Reconnect.InitialDelay.Std(),
		MaxDelay:     c.cfg.Reconnect.MaxDelay.Std(),
		Multiplier:   c.cfg.Reconnect.Multiplier,
		Jitter:       true,
	}

	for attempt := 0; attempt < backoff.MaxAttempts; attempt++ {
		delay := retry.Delay(backoff, attempt)
		c.logger.Infow("reconnecting to signaling server",
			"attempt", attempt+1,
			"max_attempts", backoff.MaxAttempts,
			"delay", delay,
		)

		timer := time.NewTimer(delay)
		select {
		case <-c.done:
			timer.Stop()
			return false
		case <-timer.C:
		}

		conn, _, err := websocket.DefaultDialer.Dial(c.url, nil)
		if err != nil {
			c.logger.Warnw("reconnect attempt failed", "attempt", attempt+1, "error", err)
			continue
		}

		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()

		c.emit(TransportEvent{Kind: TransportResumed})
		return true
	}

	c.emit(TransportEvent{Kind: TransportDown, Err: domain.ErrSignalingDisconnected})
	return false
}

func (c *SignalClient) emit(ev TransportEvent) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}
