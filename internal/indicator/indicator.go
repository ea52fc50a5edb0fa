// Package indicator handles conversation state notices and audio cue playback.
package indicator

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rbright/parlo/internal/config"
)

// Controller is the session-facing indicator contract.
type Controller interface {
	ShowConnecting(context.Context)
	ShowListening(context.Context)
	ShowSpeaking(context.Context)
	ShowError(context.Context, string)
	CueStart(context.Context)
	CueStop(context.Context)
	Hide(context.Context)
}

// Notifier routes state notices to the terminal or to desktop notifications.
type Notifier struct {
	cfg      config.IndicatorConfig
	logger   *slog.Logger
	messages messages
	out      io.Writer

	mu                    sync.Mutex
	last                  string
	desktopNotificationID uint32
	soundMu               sync.Mutex
	cue                   func(context.Context, cueKind) error
}

// NewNotifier creates an indicator controller from config.
// Terminal notices go to stderr.
func NewNotifier(cfg config.IndicatorConfig, logger *slog.Logger) *Notifier {
	return &Notifier{
		cfg:      cfg,
		logger:   logger,
		messages: indicatorMessagesFromEnv(),
		out:      os.Stderr,
		cue:      emitCue,
	}
}

// ShowConnecting signals that devices are being opened and the session is dialing.
func (n *Notifier) ShowConnecting(ctx context.Context) {
	n.show(ctx, 300000, n.messages.connecting)
}

// ShowListening signals that the model is waiting for the user.
func (n *Notifier) ShowListening(ctx context.Context) {
	n.show(ctx, 300000, n.messages.listening)
}

// ShowSpeaking signals that model speech is playing.
func (n *Notifier) ShowSpeaking(ctx context.Context) {
	n.show(ctx, 300000, n.messages.speaking)
}

// ShowError displays an error-state message.
func (n *Notifier) ShowError(ctx context.Context, text string) {
	if text == "" {
		text = n.messages.errorText
	}
	timeout := n.cfg.ErrorTimeoutMS
	if timeout <= 0 {
		timeout = 1200
	}
	n.playCue(cueError)
	n.show(ctx, timeout, text)
}

// CueStart emits the connected cue.
func (n *Notifier) CueStart(context.Context) {
	n.playCue(cueStart)
}

// CueStop emits the session-ended cue.
func (n *Notifier) CueStop(context.Context) {
	n.playCue(cueStop)
}

// Hide dismisses the active indicator surface.
func (n *Notifier) Hide(ctx context.Context) {
	if !n.cfg.Enable {
		return
	}
	n.mu.Lock()
	n.last = ""
	n.mu.Unlock()
	if n.desktop() {
		n.run(ctx, n.dismissDesktop)
	}
}

func (n *Notifier) show(ctx context.Context, timeoutMS int, text string) {
	if !n.cfg.Enable {
		return
	}
	n.mu.Lock()
	repeated := n.last == text
	n.last = text
	n.mu.Unlock()
	if repeated {
		return
	}

	if n.desktop() {
		n.run(ctx, func(ctx context.Context) error {
			return n.notifyDesktop(ctx, timeoutMS, text)
		})
		return
	}
	n.run(ctx, func(context.Context) error {
		_, err := fmt.Fprintf(n.out, "parlo: %s\n", text)
		return err
	})
}

func (n *Notifier) desktop() bool {
	return strings.EqualFold(strings.TrimSpace(n.cfg.Backend), "desktop")
}

// notifyDesktop sends a replaceable desktop notification and stores its ID.
func (n *Notifier) notifyDesktop(ctx context.Context, timeoutMS int, text string) error {
	n.mu.Lock()
	replaceID := n.desktopNotificationID
	n.mu.Unlock()

	appName := strings.TrimSpace(n.cfg.DesktopAppName)
	if appName == "" {
		appName = "parlo"
	}

	id, err := desktopNotify(ctx, appName, replaceID, text, timeoutMS)
	if err != nil {
		return err
	}

	n.mu.Lock()
	n.desktopNotificationID = id
	n.mu.Unlock()
	return nil
}

// dismissDesktop closes the current desktop notification ID when present.
func (n *Notifier) dismissDesktop(ctx context.Context) error {
	n.mu.Lock()
	id := n.desktopNotificationID
	n.desktopNotificationID = 0
	n.mu.Unlock()

	if id == 0 {
		return nil
	}
	return desktopDismiss(ctx, id)
}

// run executes an indicator operation with a bounded timeout.
func (n *Notifier) run(ctx context.Context, fn func(context.Context) error) {
	runCtx, cancel := context.WithTimeout(ctx, 400*time.Millisecond)
	defer cancel()
	if err := fn(runCtx); err != nil {
		n.log("indicator dispatch failed", err)
	}
}

// playCue serializes cue playback and emits audio asynchronously.
func (n *Notifier) playCue(kind cueKind) {
	if !n.cfg.SoundEnable {
		return
	}
	go func() {
		n.soundMu.Lock()
		defer n.soundMu.Unlock()
		ctx, cancel := context.WithTimeout(context.Background(), 4*time.Second)
		defer cancel()
		if err := n.cue(ctx, kind); err != nil {
			n.log("indicator audio cue failed", err)
		}
	}()
}

// log emits debug-only indicator failures to the runtime logger.
func (n *Notifier) log(message string, err error) {
	if n.logger == nil || err == nil {
		return
	}
	n.logger.Debug(message, "error", err.Error())
}
