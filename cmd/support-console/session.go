// ABOUTME: Interactive session loop shared by the visitor and agent commands
// ABOUTME: Reads commands from stdin and renders controller snapshots as they change

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/fatih/color"

	"github.com/2389/coven-support/internal/capability"
	"github.com/2389/coven-support/internal/client"
	"github.com/2389/coven-support/internal/config"
	"github.com/2389/coven-support/internal/session"
	"github.com/2389/coven-support/internal/transport"
	"github.com/2389/coven-support/internal/widget"
)

type sessionOptions struct {
	role           capability.Role
	conversationID string
	identity       string
	in             io.Reader
	out            io.Writer
}

func runSession(ctx context.Context, opts sessionOptions) error {
	logger, _, err := config.SetupLogger(config.LoggingConfig{Level: logLevel, Format: "color"})
	if err != nil {
		return err
	}

	clientOpts := []client.Option{client.WithLogger(logger)}
	if opts.identity != "" {
		clientOpts = append(clientOpts, client.WithIdentityToken(opts.identity))
	}
	api := client.New(serverURL, clientOpts...)

	ctrl, err := widget.New(widget.Config{
		Role:           opts.role,
		ConversationID: opts.conversationID,
		API:            api,
		RelayURL:       api.RelayURL(),
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	r := newRenderer(opts.out, opts.role)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for snap := range ctrl.Updates() {
			r.render(snap)
		}
	}()
	defer wg.Wait()
	defer ctrl.Close()

	if err := ctrl.Open(ctx); err != nil {
		r.notice(color.RedString("could not open session: %v (type /retry)", err))
	} else if opts.role == capability.RoleVisitor {
		r.notice(color.HiBlackString("conversation %s", ctrl.Snapshot().ConversationID))
	}
	r.notice(color.HiBlackString("Type a message and press Enter. /help for commands."))

	return readLoop(ctx, ctrl, opts, r)
}

func readLoop(ctx context.Context, ctrl *widget.Controller, opts sessionOptions, r *renderer) error {
	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(opts.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			readErr <- err
			return
		}
		readErr <- io.EOF
	}()

	for {
		var input string
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("reading input: %w", err)
		case input = <-lines:
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}

		switch input {
		case "/quit", "/exit", "/q":
			return nil
		case "/help":
			r.notice(helpText(opts.role))
			continue
		case "/retry":
			if err := ctrl.Retry(ctx); err != nil {
				r.notice(color.RedString("retry failed: %v", err))
			}
			continue
		case "/dismiss":
			ctrl.DismissError()
			continue
		case "/close":
			if err := ctrl.CloseConversation(ctx); err != nil {
				r.notice(color.RedString("close failed: %v", err))
			}
			continue
		}

		if err := ctrl.Send(ctx, input); err != nil {
			r.notice(color.RedString("not sent: %v", err))
		}
	}
}

func helpText(role capability.Role) string {
	var b strings.Builder
	b.WriteString("Commands:\n")
	if role == capability.RoleAgent {
		b.WriteString("  /close     End the conversation for both sides\n")
	}
	b.WriteString("  /retry     Reconnect and reload history\n")
	b.WriteString("  /dismiss   Clear the current error\n")
	b.WriteString("  /help      Show this help\n")
	b.WriteString("  /quit      Exit")
	return b.String()
}

// renderer prints what changed between consecutive snapshots.
type renderer struct {
	mu      sync.Mutex
	out     io.Writer
	role    capability.Role
	printed map[string]bool
	conn    transport.State
	closed  bool
	errText string
}

func newRenderer(out io.Writer, role capability.Role) *renderer {
	return &renderer{
		out:     out,
		role:    role,
		printed: make(map[string]bool),
		conn:    transport.StateDisconnected,
	}
}

func (r *renderer) notice(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintln(r.out, line)
}

func (r *renderer) render(snap session.Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if snap.Connection != r.conn {
		r.conn = snap.Connection
		switch snap.Connection {
		case transport.StateConnected:
			fmt.Fprintln(r.out, color.GreenString("● connected"))
		case transport.StateConnecting:
			fmt.Fprintln(r.out, color.YellowString("○ connecting"))
		case transport.StateDisconnected:
			fmt.Fprintln(r.out, color.YellowString("○ disconnected, reconnecting"))
		case transport.StateFailed:
			fmt.Fprintln(r.out, color.RedString("✗ connection failed (type /retry)"))
		}
	}

	for _, m := range snap.Messages {
		if r.printed[m.ID] {
			continue
		}
		r.printed[m.ID] = true
		who := color.CyanString("visitor")
		if m.SenderType == string(capability.RoleAgent) {
			who = color.MagentaString("agent")
		}
		if m.SenderType == string(r.role) {
			who += color.HiBlackString(" (you)")
		}
		fmt.Fprintf(r.out, "%s %s: %s\n", color.HiBlackString(m.CreatedAt.Local().Format("15:04:05")), who, m.Body)
	}

	if snap.Closed && !r.closed {
		r.closed = true
		fmt.Fprintln(r.out, color.HiBlackString("-- conversation closed --"))
	}

	errText := ""
	if snap.Err != nil {
		errText = snap.Err.Error()
	}
	if errText != r.errText {
		r.errText = errText
		if errText != "" {
			fmt.Fprintln(r.out, color.RedString("! %s", errText))
		}
	}
}
