// Package app wires the parlo command line to config, devices, IPC, and the
// session controller.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/rbright/parlo/internal/audio"
	"github.com/rbright/parlo/internal/cli"
	"github.com/rbright/parlo/internal/config"
	"github.com/rbright/parlo/internal/doctor"
	"github.com/rbright/parlo/internal/encode"
	"github.com/rbright/parlo/internal/history"
	"github.com/rbright/parlo/internal/indicator"
	"github.com/rbright/parlo/internal/ipc"
	"github.com/rbright/parlo/internal/logging"
	"github.com/rbright/parlo/internal/metrics"
	"github.com/rbright/parlo/internal/session"
	"github.com/rbright/parlo/internal/transcript"
	"github.com/rbright/parlo/internal/version"
	"github.com/rbright/parlo/internal/video"
)

const binaryName = "parlo"

type Runner struct {
	Stdout io.Writer
	Stderr io.Writer
	Logger *slog.Logger

	// newResources overrides device and model wiring in tests.
	newResources func(config.Config, *slog.Logger) (session.Resources, error)
}

func Execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	r := Runner{Stdout: stdout, Stderr: stderr}
	return r.Execute(ctx, args)
}

func (r Runner) Execute(ctx context.Context, args []string) int {
	parsed, err := cli.Parse(args)
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n\n", err)
		fmt.Fprint(r.Stderr, cli.HelpText(binaryName))
		return 2
	}

	if parsed.ShowHelp {
		fmt.Fprint(r.Stdout, cli.HelpText(binaryName))
		return 0
	}

	if parsed.Command == cli.CommandVersion {
		fmt.Fprintln(r.Stdout, version.String())
		return 0
	}

	logRuntime, err := logging.New()
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: setup logging: %v\n", err)
		return 1
	}
	defer func() { _ = logRuntime.Close() }()

	logger := r.Logger
	if logger == nil {
		logger = logRuntime.Logger
	}

	cfgLoaded, err := config.Load(parsed.ConfigPath)
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		logger.Error("load config failed", "error", err.Error())
		return 1
	}
	for _, w := range cfgLoaded.Warnings {
		msg := w.Message
		if w.Line > 0 {
			msg = fmt.Sprintf("line %d: %s", w.Line, w.Message)
		}
		fmt.Fprintf(r.Stderr, "warning: %s\n", msg)
		logger.Warn("config warning", "line", w.Line, "message", w.Message)
	}

	if loaded := loadDotEnv(cfgLoaded.Path); len(loaded) > 0 {
		logger.Debug("loaded env files", "paths", loaded)
	}

	logger.Info("command start",
		"command", parsed.Command,
		"vision", parsed.Vision,
		"config", cfgLoaded.Path,
		"log", logRuntime.Path,
	)

	mode := session.ModeAudio
	if parsed.Vision {
		mode = session.ModeVision
	}

	switch parsed.Command {
	case cli.CommandDoctor:
		report := doctor.Run(cfgLoaded)
		fmt.Fprintln(r.Stdout, report.String())
		if report.OK() {
			return 0
		}
		return 1
	case cli.CommandDevices:
		return r.commandDevices(ctx)
	case cli.CommandStatus:
		return r.commandStatus(ctx)
	case cli.CommandStop:
		return r.forwardOrFail(ctx, ipc.CommandStop)
	case cli.CommandToggle:
		return r.commandSession(ctx, cfgLoaded.Config, logger, mode, true)
	case cli.CommandStart:
		return r.commandSession(ctx, cfgLoaded.Config, logger, mode, false)
	default:
		fmt.Fprintf(r.Stderr, "error: unsupported command %q\n", parsed.Command)
		return 2
	}
}

func (r Runner) commandDevices(ctx context.Context) int {
	inputs, err := audio.ListDevices(ctx)
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}
	outputs, err := audio.ListOutputs(ctx)
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}
	if len(inputs) == 0 && len(outputs) == 0 {
		fmt.Fprintln(r.Stdout, "no audio devices found")
		return 1
	}

	fmt.Fprintln(r.Stdout, "inputs:")
	for _, device := range inputs {
		r.printDevice(device, true)
	}
	fmt.Fprintln(r.Stdout, "outputs:")
	for _, device := range outputs {
		r.printDevice(device, false)
	}
	return 0
}

func (r Runner) printDevice(device audio.Device, input bool) {
	defaultMark := " "
	if device.Default {
		defaultMark = "*"
	}
	if !input {
		fmt.Fprintf(r.Stdout, "%s id=%s | description=%q\n", defaultMark, device.ID, device.Description)
		return
	}
	fmt.Fprintf(
		r.Stdout,
		"%s id=%s | description=%q | state=%s | available=%s | muted=%s\n",
		defaultMark,
		device.ID,
		device.Description,
		device.State,
		yesNo(device.Available),
		yesNo(device.Muted),
	)
}

func yesNo(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}

func (r Runner) commandStatus(ctx context.Context) int {
	socketPath, err := ipc.RuntimeSocketPath()
	if err != nil {
		fmt.Fprintln(r.Stdout, "idle")
		return 0
	}

	resp, handled, err := tryForward(ctx, socketPath, ipc.CommandStatus)
	if handled {
		if err != nil {
			fmt.Fprintf(r.Stderr, "error: %v\n", err)
			return 1
		}
		fmt.Fprintln(r.Stdout, formatStatus(resp))
		return 0
	}

	fmt.Fprintln(r.Stdout, "idle")
	return 0
}

func formatStatus(resp ipc.Response) string {
	state := resp.State
	if state == "" {
		state = "idle"
	}
	if resp.Session == "" {
		return state
	}
	return fmt.Sprintf("%s session=%s mode=%s turns=%d", state, resp.Session, resp.Mode, resp.Turns)
}

func (r Runner) forwardOrFail(ctx context.Context, command string) int {
	socketPath, err := ipc.RuntimeSocketPath()
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}

	resp, handled, err := tryForward(ctx, socketPath, command)
	if !handled {
		fmt.Fprintf(r.Stderr, "error: %v\n", session.ErrNotActive)
		return 1
	}
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}
	if resp.Message != "" {
		fmt.Fprintln(r.Stdout, resp.Message)
	}
	return 0
}

// commandSession either hands the request to the process that owns the
// running conversation or becomes that owner for the life of one session.
func (r Runner) commandSession(ctx context.Context, cfg config.Config, logger *slog.Logger, mode session.Mode, toggle bool) int {
	socketPath, err := ipc.RuntimeSocketPath()
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}

	if code, handled := r.forwardToOwner(ctx, socketPath, toggle); handled {
		return code
	}

	listener, err := ipc.Acquire(ctx, socketPath, 180*time.Millisecond, 8, nil)
	if err != nil {
		if errors.Is(err, ipc.ErrAlreadyRunning) {
			if code, handled := r.forwardToOwner(ctx, socketPath, toggle); handled {
				return code
			}
		}
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}
	defer func() {
		_ = listener.Close()
		_ = os.Remove(socketPath)
	}()

	newResources := r.newResources
	if newResources == nil {
		newResources = func(cfg config.Config, logger *slog.Logger) (session.Resources, error) {
			return newDeviceResources(cfg, logger)
		}
	}
	resources, err := newResources(cfg, logger)
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		logger.Error("live setup failed", "error", err.Error())
		return 1
	}

	serverCtx, serverCancel := context.WithCancel(ctx)
	defer serverCancel()

	m := metrics.New()
	if addr := strings.TrimSpace(cfg.Metrics.Listen); addr != "" {
		go func() {
			if err := m.Serve(serverCtx, addr, logger); err != nil {
				logger.Warn("metrics server failed", "addr", addr, "error", err.Error())
			}
		}()
	}

	sinks, err := openHistory(cfg.History, r.Stdout, m, logger)
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}
	defer func() {
		if err := sinks.Close(); err != nil {
			logger.Warn("close history sinks failed", "error", err.Error())
		}
	}()

	controller := session.NewController(buildOptions(cfg, resources, sinks, m, logger))

	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- ipc.Serve(serverCtx, listener, controller)
	}()

	user := session.UserContext{Name: cfg.User.Name, Memory: cfg.User.Memory}
	outcome := controller.Run(ctx, mode, user)
	serverCancel()
	if serverErr := <-serverErrCh; serverErr != nil {
		fmt.Fprintf(r.Stderr, "error: ipc server failed: %v\n", serverErr)
		return 1
	}

	logSessionOutcome(logger, outcome)

	switch {
	case outcome.Failed():
		notice := outcome.Notice()
		if notice == "" && outcome.Err != nil {
			notice = outcome.Err.Error()
		}
		fmt.Fprintf(r.Stderr, "error: %s\n", notice)
		return 1
	case outcome.Kind == session.OutcomeCancelled:
		fmt.Fprintln(r.Stdout, "cancelled")
		return 0
	default:
		fmt.Fprintf(r.Stdout, "session ended after %s (%d turns)\n", outcome.Duration().Round(time.Second), outcome.Turns)
		return 0
	}
}

// forwardToOwner reports handled=true when another process owns the session.
// toggle stops that session; start refuses to run a second one.
func (r Runner) forwardToOwner(ctx context.Context, socketPath string, toggle bool) (int, bool) {
	command := ipc.CommandStatus
	if toggle {
		command = ipc.CommandToggle
	}

	resp, handled, err := tryForward(ctx, socketPath, command)
	if !handled {
		return 0, false
	}
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1, true
	}
	if !toggle {
		fmt.Fprintf(r.Stderr, "error: %v\n", session.ErrSessionActive)
		return 1, true
	}
	if resp.Message != "" {
		fmt.Fprintln(r.Stdout, resp.Message)
	}
	return 0, true
}

func buildOptions(cfg config.Config, resources session.Resources, sinks *history.Multi, m *metrics.Metrics, logger *slog.Logger) session.Options {
	deltaMode, err := transcript.ParseDeltaMode(cfg.Transcript.DeltaMode)
	if err != nil {
		deltaMode = transcript.DeltaCumulative
	}

	opts := session.Options{
		Resources:   resources,
		Indicator:   indicator.NewNotifier(cfg.Indicator, logger),
		Metrics:     m,
		Logger:      logger,
		Instruction: cfg.Live.SystemInstruction,
		DeltaMode:   deltaMode,
		Video: video.LoopConfig{
			Interval: time.Duration(cfg.Vision.IntervalMS) * time.Millisecond,
			JPEG: encode.JPEGOptions{
				MaxWidth: cfg.Vision.MaxWidth,
				Quality:  cfg.Vision.JPEGQuality,
			},
		},
		AudioDump: cfg.Debug.EnableAudioDump,
		EventDump: cfg.Debug.EnableEventDump,
	}
	if sinks.Len() > 0 {
		opts.History = sinks
	}
	return opts
}

func logSessionOutcome(logger *slog.Logger, outcome session.Outcome) {
	if logger == nil {
		return
	}
	fields := []any{
		"session", outcome.SessionID,
		"kind", outcome.Kind,
		"mode", outcome.Mode,
		"audio_device", outcome.Device,
		"duration_ms", outcome.Duration().Milliseconds(),
		"turns", outcome.Turns,
		"audio_frames", outcome.AudioFrames,
		"video_frames", outcome.VideoFrames,
		"playback_buffers", outcome.PlaybackBuffers,
		"interruptions", outcome.Interruptions,
	}

	if outcome.Failed() {
		if outcome.Err != nil {
			fields = append(fields, "error", outcome.Err.Error())
		}
		logger.Error("session failed", fields...)
		return
	}
	logger.Info("session complete", fields...)
}

func tryForward(ctx context.Context, socketPath string, command string) (ipc.Response, bool, error) {
	resp, err := ipc.Send(ctx, socketPath, ipc.Request{Command: command}, 220*time.Millisecond)
	if err == nil {
		if resp.OK {
			return resp, true, nil
		}
		return resp, true, errors.New(resp.Error)
	}

	if isSocketMissing(err) {
		return ipc.Response{}, false, nil
	}
	if isConnectionRefused(err) {
		return ipc.Response{}, false, nil
	}

	return ipc.Response{}, true, fmt.Errorf("forward command %q: %w", command, err)
}

func isSocketMissing(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, os.ErrNotExist) ||
		strings.Contains(err.Error(), "no such file or directory")
}

func isConnectionRefused(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, syscall.ECONNREFUSED)
}
