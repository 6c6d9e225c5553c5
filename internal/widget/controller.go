// ABOUTME: Controller ties one human-facing chat session to the API, relay, and session state
// ABOUTME: A single event loop applies every state change and publishes snapshots

package widget

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/2389/coven-support/internal/capability"
	"github.com/2389/coven-support/internal/client"
	"github.com/2389/coven-support/internal/relay"
	"github.com/2389/coven-support/internal/session"
	"github.com/2389/coven-support/internal/store"
	"github.com/2389/coven-support/internal/transport"
	"github.com/2389/coven-support/internal/wire"
)

// Local send guards. Nothing reaches the network when one of these is returned.
var (
	ErrNoConversation     = errors.New("no conversation")
	ErrConversationClosed = store.ErrConversationClosed
	ErrEmptyBody          = errors.New("message body is empty")
	ErrNotConnected       = errors.New("not connected")
	ErrNotAgent           = errors.New("only agents can close conversations")
	ErrControllerClosed   = errors.New("controller closed")
)

// API is the subset of the gateway client the controller uses.
type API interface {
	CreateConversation(ctx context.Context) (string, error)
	History(ctx context.Context, conversationID string) (*wire.MessagesResponse, error)
	AdminHistory(ctx context.Context, conversationID string) (*wire.MessagesResponse, error)
	Send(ctx context.Context, conversationID, body string) (*wire.Message, error)
	AdminSend(ctx context.Context, conversationID, body string) (*wire.Message, error)
	Token(ctx context.Context, conversationID string, admin bool) (*wire.TokenResponse, error)
	AdminClose(ctx context.Context, conversationID string) error
}

// Transport is the realtime connection the controller drives.
type Transport interface {
	OnStateChange(fn transport.StateListener)
	Connect(ctx context.Context, token string) error
	Subscribe(channel string, onEvent transport.Handler) error
	Close() error
}

// Config configures a Controller.
type Config struct {
	Role capability.Role

	// ConversationID is required for agents. For visitors it resumes an
	// existing conversation; empty creates a new one on Open.
	ConversationID string

	API API

	// RelayURL and ReconnectInterval configure the default transport.
	RelayURL          string
	ReconnectInterval time.Duration

	// NewTransport overrides the default transport constructor.
	NewTransport func(tokens transport.TokenSource) Transport

	Logger *slog.Logger
}

// Controller runs one chat session.
type Controller struct {
	cfg    Config
	api    API
	state  *session.State
	logger *slog.Logger

	ops      chan func()
	updates  chan session.Snapshot
	stop     chan struct{}
	loopDone chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc

	mu        sync.Mutex
	transport Transport
	closed    bool
	closeOnce sync.Once
}

// New creates a controller and starts its event loop.
func New(cfg Config) (*Controller, error) {
	if cfg.API == nil {
		return nil, errors.New("widget: API is required")
	}
	switch cfg.Role {
	case capability.RoleVisitor:
	case capability.RoleAgent:
		if cfg.ConversationID == "" {
			return nil, fmt.Errorf("widget: agent session needs a conversation: %w", ErrNoConversation)
		}
	default:
		return nil, fmt.Errorf("widget: unknown role %q", cfg.Role)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.NewTransport == nil {
		cfg.NewTransport = func(tokens transport.TokenSource) Transport {
			return transport.New(transport.Config{
				URL:               cfg.RelayURL,
				ReconnectInterval: cfg.ReconnectInterval,
				TokenSource:       tokens,
				Logger:            logger,
			})
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		cfg:      cfg,
		api:      cfg.API,
		state:    session.New(cfg.ConversationID),
		logger:   logger.With("component", "widget", "role", cfg.Role),
		ops:      make(chan func(), 64),
		updates:  make(chan session.Snapshot, 1),
		stop:     make(chan struct{}),
		loopDone: make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
	go c.loop()
	return c, nil
}

func (c *Controller) loop() {
	defer close(c.loopDone)
	defer close(c.updates)

	for {
		select {
		case fn := <-c.ops:
			fn()
			c.publish()
		case <-c.stop:
			return
		}
	}
}

// publish hands the latest snapshot to Updates, replacing an unread one.
func (c *Controller) publish() {
	snap := c.state.Snapshot()
	select {
	case c.updates <- snap:
	default:
		select {
		case <-c.updates:
		default:
		}
		c.updates <- snap
	}
}

// post queues fn on the event loop without waiting.
func (c *Controller) post(fn func()) {
	select {
	case c.ops <- fn:
	case <-c.stop:
	}
}

// apply runs fn on the event loop and waits for it.
func (c *Controller) apply(fn func()) {
	done := make(chan struct{})
	select {
	case c.ops <- func() { fn(); close(done) }:
	case <-c.stop:
		return
	}
	select {
	case <-done:
	case <-c.stop:
	}
}

// Updates delivers a snapshot after every state change. Only the latest
// unread snapshot is kept. Closed when the controller closes.
func (c *Controller) Updates() <-chan session.Snapshot {
	return c.updates
}

// Snapshot returns the current state.
func (c *Controller) Snapshot() session.Snapshot {
	return c.state.Snapshot()
}

func (c *Controller) isAgent() bool {
	return c.cfg.Role == capability.RoleAgent
}

func (c *Controller) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Open runs the init chain: conversation, token, connect and subscribe,
// then history. Snapshots report Loading for the whole chain. On failure
// the error is also set on the snapshot; Retry runs the chain again.
func (c *Controller) Open(ctx context.Context) error {
	if c.isClosed() {
		return ErrControllerClosed
	}

	c.apply(func() {
		c.state.SetLoading(true)
		c.state.SetError(nil)
	})

	err := c.open(ctx)

	c.apply(func() {
		c.state.SetLoading(false)
		if err != nil {
			c.state.SetError(err)
		}
	})
	if err != nil {
		c.logger.Warn("session init failed", "error", err)
	}
	return err
}

// Retry drops the current connection and runs the init chain again.
func (c *Controller) Retry(ctx context.Context) error {
	c.releaseTransport()
	return c.Open(ctx)
}

func (c *Controller) open(ctx context.Context) error {
	conversationID := c.state.Snapshot().ConversationID
	if conversationID == "" {
		if c.isAgent() {
			return ErrNoConversation
		}
		id, err := c.api.CreateConversation(ctx)
		if err != nil {
			return fmt.Errorf("creating conversation: %w", err)
		}
		conversationID = id
		c.apply(func() { c.state.SetConversation(id) })
		c.logger.Info("conversation started", "conversation_id", id)
	}

	token, err := c.api.Token(ctx, conversationID, c.isAgent())
	if err != nil {
		return err
	}

	tr := c.cfg.NewTransport(func(ctx context.Context) (string, error) {
		fresh, err := c.api.Token(ctx, conversationID, c.isAgent())
		if err != nil {
			return "", err
		}
		return fresh.Token, nil
	})
	tr.OnStateChange(func(s transport.State, cause error) {
		c.post(func() {
			c.state.OnConnectionStateChanged(s)
			if s == transport.StateFailed {
				c.state.SetError(fmt.Errorf("connection failed: %w", cause))
			}
		})
	})

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrControllerClosed
	}
	old := c.transport
	c.transport = tr
	c.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}

	if err := tr.Connect(c.ctx, token.Token); err != nil {
		return fmt.Errorf("connecting: %w", err)
	}
	if err := tr.Subscribe(token.Channel, c.onEvent); err != nil {
		return fmt.Errorf("subscribing: %w", err)
	}

	// Subscribed before loading history, so nothing falls in between
	var history *wire.MessagesResponse
	if c.isAgent() {
		history, err = c.api.AdminHistory(ctx, conversationID)
	} else {
		history, err = c.api.History(ctx, conversationID)
	}
	if err != nil {
		return fmt.Errorf("loading history: %w", err)
	}

	c.apply(func() {
		c.state.Seed(history.Messages)
		if history.Status == string(store.StatusClosed) {
			c.state.OnConversationClosed()
		}
	})
	return nil
}

// onEvent runs on the transport goroutine and forwards to the loop.
func (c *Controller) onEvent(ev relay.Event) {
	switch ev.Name {
	case relay.EventMessage:
		var msg wire.Message
		if err := json.Unmarshal(ev.Data, &msg); err != nil {
			c.logger.Warn("dropping malformed message event", "event_id", ev.ID, "error", err)
			return
		}
		c.post(func() { c.state.OnInboundMessage(msg) })
	case relay.EventConversationClosed:
		c.post(func() { c.state.OnConversationClosed() })
	default:
		c.logger.Debug("ignoring relay event", "name", ev.Name)
	}
}

// Send posts body to the conversation. The message shows up in the
// session when the relay delivers it; nothing is inserted optimistically.
func (c *Controller) Send(ctx context.Context, body string) error {
	if c.isClosed() {
		return ErrControllerClosed
	}

	snap := c.state.Snapshot()
	switch {
	case snap.ConversationID == "":
		return ErrNoConversation
	case snap.Closed:
		return ErrConversationClosed
	case strings.TrimSpace(body) == "":
		return ErrEmptyBody
	case !snap.Connected:
		return ErrNotConnected
	}

	var msg *wire.Message
	var err error
	if c.isAgent() {
		msg, err = c.api.AdminSend(ctx, snap.ConversationID, body)
	} else {
		msg, err = c.api.Send(ctx, snap.ConversationID, body)
	}

	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrConversationClosed):
		c.apply(func() { c.state.OnConversationClosed() })
	case errors.Is(err, client.ErrTransport) && msg != nil:
		// Saved but never broadcast: the relay will not deliver it
		persisted := *msg
		c.apply(func() {
			c.state.OnInboundMessage(persisted)
			c.state.SetError(err)
		})
	case errors.Is(err, client.ErrValidation):
	default:
		c.apply(func() { c.state.SetError(err) })
	}
	return err
}

// CloseConversation ends the conversation for both sides. Agents only.
func (c *Controller) CloseConversation(ctx context.Context) error {
	if !c.isAgent() {
		return ErrNotAgent
	}
	if c.isClosed() {
		return ErrControllerClosed
	}

	id := c.state.Snapshot().ConversationID
	if err := c.api.AdminClose(ctx, id); err != nil {
		c.apply(func() { c.state.SetError(err) })
		return err
	}
	c.apply(func() { c.state.OnConversationClosed() })
	return nil
}

// DismissError clears the banner error.
func (c *Controller) DismissError() {
	c.apply(func() { c.state.SetError(nil) })
}

func (c *Controller) releaseTransport() {
	c.mu.Lock()
	tr := c.transport
	c.transport = nil
	c.mu.Unlock()
	if tr != nil {
		_ = tr.Close()
	}
}

// Close releases the transport and stops the event loop before returning.
// Safe to call more than once.
func (c *Controller) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()

		c.releaseTransport()
		c.cancel()
		close(c.stop)
		<-c.loopDone
		c.logger.Debug("session closed")
	})
	return nil
}
