// ABOUTME: Client-side realtime adapter speaking the relay websocket protocol
// ABOUTME: Handles async connect, scoped subscribe, token refresh, and fixed-interval redial

package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/coven-support/internal/capability"
	"github.com/2389/coven-support/internal/relay"
)

// DefaultReconnectInterval is the fixed delay between redial attempts.
const DefaultReconnectInterval = 3 * time.Second

const (
	writeWait = 10 * time.Second
	readWait  = 75 * time.Second
)

// TokenSource fetches a fresh capability token after the current one expires.
type TokenSource func(ctx context.Context) (string, error)

// Handler receives one delivered event.
type Handler func(relay.Event)

// StateListener observes state transitions. err is the cause for
// StateDisconnected and StateFailed, nil otherwise.
type StateListener func(state State, err error)

// Config configures an Adapter.
type Config struct {
	// URL is the relay endpoint, e.g. ws://localhost:8080/relay.
	URL               string
	ReconnectInterval time.Duration
	TokenSource       TokenSource
	Dialer            *websocket.Dialer
	Logger            *slog.Logger
}

// Adapter owns one relay connection for one session.
type Adapter struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	state    State
	token    string
	claims   *capability.Claims
	subs     map[string]Handler
	conn     *websocket.Conn
	listener StateListener
	started  bool
	closed   bool
	cancel   context.CancelFunc

	wmu  sync.Mutex // serializes websocket writes
	done chan struct{}
	once sync.Once
}

// New creates an adapter. Nothing happens until Connect.
func New(cfg Config) *Adapter {
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = DefaultReconnectInterval
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		cfg:    cfg,
		logger: logger.With("component", "transport"),
		state:  StateConnecting,
		subs:   make(map[string]Handler),
		done:   make(chan struct{}),
	}
}

// OnStateChange registers the state listener. It is called from the
// adapter's goroutine and must not call Close.
func (a *Adapter) OnStateChange(fn StateListener) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.listener = fn
}

// State returns the current connection state.
func (a *Adapter) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Connect starts connecting with token and returns immediately. Progress
// is reported through the state listener.
func (a *Adapter) Connect(ctx context.Context, token string) error {
	claims, err := capability.ParseUnverified(token)
	if err != nil {
		return err
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return ErrClosed
	}
	if a.started {
		a.mu.Unlock()
		return ErrAlreadyConnected
	}
	a.started = true
	a.token = token
	a.claims = claims
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.mu.Unlock()

	a.setState(StateConnecting, nil)
	go a.run(runCtx)
	return nil
}

// Subscribe registers onEvent for channel. Channels outside the token's
// scope are rejected locally. Subscriptions survive reconnects.
func (a *Adapter) Subscribe(channel string, onEvent Handler) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return ErrClosed
	}
	if a.claims == nil || !a.claims.CanSubscribe(channel) {
		a.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrChannelNotPermitted, channel)
	}
	a.subs[channel] = onEvent
	conn := a.conn
	a.mu.Unlock()

	if conn != nil {
		if err := a.write(conn, relay.Frame{Type: relay.FrameSubscribe, Channel: channel}); err != nil {
			// The read loop will notice the broken connection and resubscribe after redial
			a.logger.Debug("subscribe write failed", "channel", channel, "error", err)
		}
	}
	return nil
}

// Close unsubscribes, releases the socket, and waits for the adapter
// goroutine to exit. No handler runs after Close returns. Safe to call
// more than once.
func (a *Adapter) Close() error {
	a.once.Do(func() {
		a.mu.Lock()
		a.closed = true
		started := a.started
		conn := a.conn
		cancel := a.cancel
		channels := make([]string, 0, len(a.subs))
		for ch := range a.subs {
			channels = append(channels, ch)
		}
		a.subs = make(map[string]Handler)
		a.mu.Unlock()

		if conn != nil {
			for _, ch := range channels {
				_ = a.write(conn, relay.Frame{Type: relay.FrameUnsubscribe, Channel: ch})
			}
			a.wmu.Lock()
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			a.wmu.Unlock()
			_ = conn.Close()
		}
		if cancel != nil {
			cancel()
		}
		if started {
			<-a.done
		}
		a.logger.Debug("transport closed")
	})
	return nil
}

func (a *Adapter) isClosed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}

func (a *Adapter) setState(s State, cause error) {
	a.mu.Lock()
	if a.state == s && cause == nil {
		a.mu.Unlock()
		return
	}
	a.state = s
	listener := a.listener
	a.mu.Unlock()

	if cause != nil {
		a.logger.Info("transport state changed", "state", s, "cause", cause)
	} else {
		a.logger.Debug("transport state changed", "state", s)
	}
	if listener != nil {
		listener(s, cause)
	}
}

// outcome is why a connection ended.
type outcome int

const (
	outcomeClosed outcome = iota
	outcomeNetwork
	outcomeExpired
	outcomeFatal
)

func (a *Adapter) run(ctx context.Context) {
	defer close(a.done)

	for {
		if ctx.Err() != nil || a.isClosed() {
			return
		}

		conn, result, err := a.dial(ctx)
		if conn != nil {
			result, err = a.serve(ctx, conn)
		}

		switch result {
		case outcomeClosed:
			return
		case outcomeFatal:
			if !a.isClosed() {
				a.setState(StateFailed, err)
			}
			return
		case outcomeExpired:
			if refreshErr := a.refreshToken(ctx); refreshErr != nil {
				if !a.isClosed() {
					a.setState(StateFailed, refreshErr)
				}
				return
			}
			a.setState(StateConnecting, nil)
			continue
		case outcomeNetwork:
			if a.isClosed() {
				return
			}
			a.setState(StateDisconnected, err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(a.cfg.ReconnectInterval):
			}
		}
	}
}

func (a *Adapter) dial(ctx context.Context) (*websocket.Conn, outcome, error) {
	a.mu.Lock()
	token := a.token
	a.mu.Unlock()

	target, err := url.Parse(a.cfg.URL)
	if err != nil {
		return nil, outcomeFatal, fmt.Errorf("%w: relay url: %v", ErrProtocol, err)
	}
	q := target.Query()
	q.Set("token", token)
	target.RawQuery = q.Encode()

	conn, resp, err := a.cfg.Dialer.DialContext(ctx, target.String(), nil)
	if err != nil {
		if ctx.Err() != nil {
			return nil, outcomeClosed, ctx.Err()
		}
		if resp != nil {
			defer resp.Body.Close()
			if resp.StatusCode == http.StatusUnauthorized {
				var hs relay.HandshakeError
				_ = json.NewDecoder(resp.Body).Decode(&hs)
				if hs.Code == relay.CodeTokenExpired {
					return nil, outcomeExpired, capability.ErrTokenExpired
				}
				return nil, outcomeFatal, fmt.Errorf("%w: %s", ErrUnauthorized, hs.Message)
			}
		}
		return nil, outcomeNetwork, err
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		_ = conn.Close()
		return nil, outcomeClosed, ErrClosed
	}
	a.conn = conn
	channels := make([]string, 0, len(a.subs))
	for ch := range a.subs {
		channels = append(channels, ch)
	}
	a.mu.Unlock()

	a.setState(StateConnected, nil)

	for _, ch := range channels {
		if err := a.write(conn, relay.Frame{Type: relay.FrameSubscribe, Channel: ch}); err != nil {
			a.dropConn(conn)
			return nil, outcomeNetwork, err
		}
	}
	return conn, outcomeNetwork, nil
}

// serve reads frames until the connection ends and reports why.
func (a *Adapter) serve(ctx context.Context, conn *websocket.Conn) (outcome, error) {
	defer a.dropConn(conn)

	_ = conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(readWait))
		a.wmu.Lock()
		defer a.wmu.Unlock()
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if a.isClosed() || ctx.Err() != nil {
				return outcomeClosed, nil
			}
			return outcomeNetwork, err
		}
		// A whole frame arrived, so any decode failure is the relay's fault
		var f relay.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			return outcomeFatal, fmt.Errorf("%w: %v", ErrProtocol, err)
		}

		switch f.Type {
		case relay.FrameEvent:
			if f.Event == nil {
				return outcomeFatal, fmt.Errorf("%w: event frame without event", ErrProtocol)
			}
			a.dispatch(f.Channel, *f.Event)
		case relay.FrameError:
			switch f.Code {
			case relay.CodeTokenExpired:
				return outcomeExpired, capability.ErrTokenExpired
			case relay.CodeUnauthorized:
				return outcomeFatal, fmt.Errorf("%w: %s", ErrUnauthorized, f.Message)
			case relay.CodeForbidden:
				return outcomeFatal, fmt.Errorf("%w: %s", ErrForbidden, f.Message)
			case relay.CodeEvicted:
				// Reconnecting replays what was missed
				return outcomeNetwork, errors.New("evicted by relay: " + f.Message)
			default:
				a.logger.Warn("relay error frame", "code", f.Code, "message", f.Message)
			}
		case relay.FrameSubscribed, relay.FrameUnsubscribed, relay.FramePong:
			a.logger.Debug("relay ack", "type", f.Type, "channel", f.Channel)
		default:
			return outcomeFatal, fmt.Errorf("%w: unknown frame %q", ErrProtocol, f.Type)
		}
	}
}

func (a *Adapter) dispatch(channel string, ev relay.Event) {
	if channel == "" {
		channel = ev.Channel
	}
	a.mu.Lock()
	handler, ok := a.subs[channel]
	closed := a.closed
	a.mu.Unlock()

	if !ok || closed {
		return
	}
	handler(ev)
}

func (a *Adapter) dropConn(conn *websocket.Conn) {
	a.mu.Lock()
	if a.conn == conn {
		a.conn = nil
	}
	a.mu.Unlock()
	_ = conn.Close()
}

func (a *Adapter) write(conn *websocket.Conn, f relay.Frame) error {
	a.wmu.Lock()
	defer a.wmu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(f)
}

func (a *Adapter) refreshToken(ctx context.Context) error {
	if a.cfg.TokenSource == nil {
		return fmt.Errorf("%w: no token source", ErrTokenRefresh)
	}
	token, err := a.cfg.TokenSource(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTokenRefresh, err)
	}
	claims, err := capability.ParseUnverified(token)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTokenRefresh, err)
	}

	a.mu.Lock()
	a.token = token
	a.claims = claims
	a.mu.Unlock()

	a.logger.Debug("capability token refreshed", "channel", claims.Channel)
	return nil
}
