// Package session coordinates the conversation lifecycle: device acquisition,
// connect, the inbound event loop, and one ordered teardown.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rbright/parlo/internal/encode"
	"github.com/rbright/parlo/internal/fsm"
	"github.com/rbright/parlo/internal/history"
	"github.com/rbright/parlo/internal/ipc"
	"github.com/rbright/parlo/internal/live"
	"github.com/rbright/parlo/internal/metrics"
	"github.com/rbright/parlo/internal/pipeline"
	"github.com/rbright/parlo/internal/playback"
	"github.com/rbright/parlo/internal/transcript"
	"github.com/rbright/parlo/internal/video"
)

var (
	// ErrSessionActive is returned by Start while another session is not yet idle.
	ErrSessionActive = errors.New("a parlo session is already active")
	// ErrNotActive is returned by Stop when nothing is running.
	ErrNotActive = errors.New("no active parlo session")
)

// Mode selects whether camera frames are streamed alongside audio.
type Mode string

const (
	ModeAudio  Mode = "audio"
	ModeVision Mode = "vision"
)

// ParseMode accepts audio or vision; empty means audio.
func ParseMode(raw string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(raw))) {
	case "", ModeAudio:
		return ModeAudio, nil
	case ModeVision:
		return ModeVision, nil
	default:
		return "", fmt.Errorf("unknown session mode %q", raw)
	}
}

// Info describes a session that reached the active state.
type Info struct {
	SessionID   string
	Mode        Mode
	State       fsm.State
	AudioDevice string
	StartedAt   time.Time
}

// Indicator is the session-facing subset of indicator behavior.
type Indicator interface {
	ShowConnecting(context.Context)
	ShowListening(context.Context)
	ShowSpeaking(context.Context)
	ShowError(context.Context, string)
	CueStart(context.Context)
	CueStop(context.Context)
	Hide(context.Context)
}

// noopIndicator preserves session flow when no indicator is wired.
type noopIndicator struct{}

func (noopIndicator) ShowConnecting(context.Context)    {}
func (noopIndicator) ShowListening(context.Context)     {}
func (noopIndicator) ShowSpeaking(context.Context)      {}
func (noopIndicator) ShowError(context.Context, string) {}
func (noopIndicator) CueStart(context.Context)          {}
func (noopIndicator) CueStop(context.Context)           {}
func (noopIndicator) Hide(context.Context)              {}

// HistorySink receives finalized turns.
type HistorySink interface {
	Publish(ctx context.Context, rec history.Record) error
}

// Options wires a controller to its collaborators.
type Options struct {
	Resources   Resources
	Indicator   Indicator
	History     HistorySink
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
	Instruction string
	DeltaMode   transcript.DeltaMode
	Video       video.LoopConfig
	AudioDump   bool
	EventDump   bool
}

// Controller owns at most one session at a time.
type Controller struct {
	opts      Options
	logger    *slog.Logger
	indicator Indicator
	now       func() time.Time

	mu      sync.Mutex
	state   fsm.State
	current *run
	last    Outcome
}

// NewController constructs a controller with safe default fallbacks.
func NewController(opts Options) *Controller {
	indicator := opts.Indicator
	if indicator == nil {
		indicator = noopIndicator{}
	}
	if opts.DeltaMode == "" {
		opts.DeltaMode = transcript.DeltaCumulative
	}
	return &Controller{
		opts:      opts,
		logger:    opts.Logger,
		indicator: indicator,
		now:       time.Now,
		state:     fsm.StateIdle,
	}
}

// State returns the current lifecycle state snapshot.
func (c *Controller) State() fsm.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Last returns the outcome of the most recently finished session.
func (c *Controller) Last() Outcome {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// transitionLocked applies one lifecycle event. c.mu must be held.
func (c *Controller) transitionLocked(event fsm.Event) error {
	next, err := fsm.Transition(c.state, event)
	if err != nil {
		return err
	}
	c.state = next
	return nil
}

// Start acquires devices, connects, and begins streaming. It returns once the
// session is active or has failed; failures have already been torn down.
// Cancelling ctx ends the session.
func (c *Controller) Start(ctx context.Context, mode Mode, user UserContext) (Info, error) {
	r, err := c.start(ctx, mode, user)
	if err != nil {
		return Info{}, err
	}
	return r.info(), nil
}

func (c *Controller) start(ctx context.Context, mode Mode, user UserContext) (*run, error) {
	if mode == "" {
		mode = ModeAudio
	}

	c.mu.Lock()
	if err := c.transitionLocked(fsm.EventStart); err != nil {
		state := c.state
		c.mu.Unlock()
		return nil, fmt.Errorf("%w (state %s)", ErrSessionActive, state)
	}
	r := c.newRun(ctx, mode)
	c.current = r
	c.mu.Unlock()

	c.logInfo("session starting", "session_id", r.id, "mode", string(mode))
	c.indicator.ShowConnecting(context.Background())

	if err := r.acquire(); err != nil {
		kind := OutcomeDeviceError
		if r.cancelled() {
			kind = OutcomeCancelled
		}
		r.closeWith(kind, err)
		return nil, err
	}

	c.opts.Metrics.RecordSessionStart(string(mode))
	r.streaming = true

	r.link = c.opts.Resources.NewLink(BuildInstruction(c.opts.Instruction, user))
	if err := r.link.Connect(r.ctx); err != nil {
		kind := OutcomeConnectError
		if r.cancelled() {
			kind = OutcomeCancelled
		}
		r.closeWith(kind, err)
		return nil, err
	}

	c.mu.Lock()
	if r.stopRequested {
		c.mu.Unlock()
		r.closeWith(OutcomeCancelled, context.Canceled)
		return nil, context.Canceled
	}
	_ = c.transitionLocked(fsm.EventConnected)
	c.mu.Unlock()

	r.activate()
	return r, nil
}

// Stop ends the running session. During connecting it aborts the connect
// attempt; while closing it is a no-op.
func (c *Controller) Stop() error {
	c.mu.Lock()
	r := c.current
	switch c.state {
	case fsm.StateConnecting:
		r.stopRequested = true
		c.mu.Unlock()
		r.cancel()
		return nil
	case fsm.StateActive:
		c.mu.Unlock()
		r.closeWith(OutcomeNormal, nil)
		return nil
	case fsm.StateClosing:
		c.mu.Unlock()
		return nil
	default:
		c.mu.Unlock()
		return ErrNotActive
	}
}

// Wait blocks until the current session finishes and returns its outcome.
// With no session running it returns the last outcome.
func (c *Controller) Wait(ctx context.Context) Outcome {
	c.mu.Lock()
	r := c.current
	last := c.last
	c.mu.Unlock()
	if r == nil {
		return last
	}
	select {
	case <-r.done:
		return r.outcome
	case <-ctx.Done():
		return Outcome{Kind: OutcomeCancelled, Err: ctx.Err(), SessionID: r.id, Mode: r.mode}
	}
}

// Run starts a session and blocks until it ends. Cancelling ctx stops it.
func (c *Controller) Run(ctx context.Context, mode Mode, user UserContext) Outcome {
	r, err := c.start(ctx, mode, user)
	if err != nil {
		if errors.Is(err, ErrSessionActive) {
			return Outcome{Err: err, Mode: mode}
		}
		return c.Last()
	}
	<-r.done
	return r.outcome
}

// Handle serves IPC commands for the owning process.
func (c *Controller) Handle(_ context.Context, req ipc.Request) ipc.Response {
	switch req.Command {
	case ipc.CommandStatus:
		return c.status()
	case ipc.CommandStop, ipc.CommandToggle:
		state := c.State()
		switch state {
		case fsm.StateIdle:
			return ipc.Response{OK: false, State: string(state), Error: ErrNotActive.Error()}
		case fsm.StateClosing:
			return ipc.Response{OK: true, State: string(state), Message: "stop already in progress"}
		}
		// Teardown can outlast the client's read deadline.
		go func() {
			if err := c.Stop(); err != nil {
				c.logDebug("ipc stop ignored", "error", err.Error())
			}
		}()
		return ipc.Response{OK: true, State: string(state), Message: "stop requested"}
	default:
		return ipc.Response{OK: false, State: string(c.State()), Error: fmt.Sprintf("unknown command: %s", req.Command)}
	}
}

func (c *Controller) status() ipc.Response {
	c.mu.Lock()
	state := c.state
	r := c.current
	c.mu.Unlock()

	resp := ipc.Response{OK: true, State: string(state), Message: "status"}
	if r != nil {
		resp.Session = r.id
		resp.Mode = string(r.mode)
		resp.Turns = len(r.reconciler.History())
	}
	return resp
}

func (c *Controller) logInfo(message string, args ...any) {
	if c.logger == nil {
		return
	}
	c.logger.Info(message, args...)
}

func (c *Controller) logWarn(message string, args ...any) {
	if c.logger == nil {
		return
	}
	c.logger.Warn(message, args...)
}

func (c *Controller) logDebug(message string, args ...any) {
	if c.logger == nil {
		return
	}
	c.logger.Debug(message, args...)
}

// drainTimeout bounds how long teardown waits for the event sink to close.
const drainTimeout = 2 * time.Second

// run is the state of one session from Start to teardown.
type run struct {
	ctrl    *Controller
	id      string
	mode    Mode
	started time.Time

	ctx    context.Context
	cancel context.CancelFunc

	// guarded by ctrl.mu
	stopRequested bool

	failedDevice string
	streaming    bool

	uplink     *pipeline.Uplink
	reconciler *transcript.Reconciler
	presence   *presence
	recorder   *recorder
	dump       *pipeline.EventDump

	teardownMu sync.Mutex
	tornDown   bool
	mic        Microphone
	cam        Camera
	speaker    Speaker
	scheduler  *playback.Scheduler
	link       Link
	loop       *video.Loop

	interruptions atomic.Int64
	// closed when consume has drained the transport's event sink
	consumed chan struct{}

	closeOnce sync.Once
	done      chan struct{}
	outcome   Outcome
}

func (c *Controller) newRun(parent context.Context, mode Mode) *run {
	ctx, cancel := context.WithCancel(parent)
	r := &run{
		ctrl:    c,
		id:      uuid.NewString(),
		mode:    mode,
		started: c.now(),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	if c.opts.EventDump {
		dump, err := pipeline.OpenEventDump()
		if err != nil {
			c.logWarn("unable to open event dump", "error", err.Error())
		} else {
			r.dump = dump
			c.logInfo("event dump enabled", "path", dump.Path())
		}
	}

	r.presence = newPresence(c.indicator)
	r.recorder = newRecorder(c.opts.History, r.id, mode, c.logger)
	r.reconciler = transcript.NewReconciler(c.opts.DeltaMode, r.recorder.enqueue)
	r.uplink = pipeline.NewUplink(pipeline.UplinkConfig{AudioDump: c.opts.AudioDump}, func(err error) {
		// Raised on the capture goroutine, which teardown waits for.
		go r.closeWith(OutcomeEncodeError, err)
	}, c.logger)
	return r
}

func (r *run) cancelled() bool {
	r.ctrl.mu.Lock()
	defer r.ctrl.mu.Unlock()
	return r.stopRequested || r.ctx.Err() != nil
}

// acquire opens the microphone, the camera in vision mode, and the speaker.
func (r *run) acquire() error {
	res := r.ctrl.opts.Resources

	mic, err := res.OpenMicrophone(r.ctx, r.uplink.HandleFrame)
	if err != nil {
		r.failedDevice = "microphone"
		return fmt.Errorf("open microphone: %w", err)
	}
	r.mic = mic

	if r.mode == ModeVision {
		cam, err := res.OpenCamera(r.ctx)
		if err != nil {
			r.failedDevice = "camera"
			return fmt.Errorf("open camera: %w", err)
		}
		r.cam = cam
	}

	speaker, err := res.OpenSpeaker(r.ctx)
	if err != nil {
		r.failedDevice = "speaker"
		return fmt.Errorf("open speaker: %w", err)
	}
	r.speaker = speaker
	r.scheduler = playback.NewScheduler(speaker, r.presence, r.ctrl.logger)
	return nil
}

// activate opens the uplink, starts the video loop, and begins consuming events.
func (r *run) activate() {
	c := r.ctrl

	r.teardownMu.Lock()
	if r.tornDown {
		r.teardownMu.Unlock()
		return
	}
	r.uplink.Open(r.link)
	if r.cam != nil {
		r.loop = video.NewLoop(r.cam, r.link.SendVideo, c.opts.Video, c.logger)
		r.loop.Start(r.ctx)
	}
	r.consumed = make(chan struct{})
	go r.consume()
	r.teardownMu.Unlock()

	go r.watch()

	c.logInfo("session active", "session_id", r.id, "mode", string(r.mode), "audio_device", pipeline.DescribeDevice(r.mic.Device()))
	c.indicator.CueStart(context.Background())
	c.indicator.ShowListening(context.Background())
}

func (r *run) watch() {
	select {
	case <-r.ctx.Done():
		r.closeWith(OutcomeCancelled, r.ctx.Err())
	case <-r.done:
	}
}

// consume is the only reader of transport events. It runs until the sink
// closes, so events buffered before a local close still reach the reconciler.
func (r *run) consume() {
	c := r.ctrl
	defer close(r.consumed)
	for ev := range r.link.Events() {
		if err := r.dump.Write(ev); err != nil {
			c.logDebug("event dump write failed", "error", err.Error())
		}

		switch ev.Kind {
		case live.EventAudio:
			r.play(ev.Audio)
		case live.EventTranscript:
			r.reconciler.Apply(roleFor(ev.Source), ev.Text)
		case live.EventInterrupted:
			r.interruptions.Add(1)
			flushed := r.scheduler.Flush()
			c.logDebug("playback interrupted", "session_id", r.id, "flushed", flushed)
		case live.EventTurnComplete:
			_, kept := r.reconciler.TurnComplete()
			c.opts.Metrics.RecordTurn(kept)
		case live.EventClosed:
			kind := OutcomeConnectionLost
			if ev.Reason == live.ReasonLocal {
				kind = OutcomeNormal
			}
			// teardown waits for consume, so it cannot run on this goroutine
			go r.closeWith(kind, ev.Err)
		case live.EventError:
			go r.closeWith(OutcomeTransportError, ev.Err)
		}
	}
}

func (r *run) play(data []byte) {
	samples, err := encode.DecodePCM16(data)
	if err != nil {
		r.ctrl.logWarn("dropping undecodable model audio", "session_id", r.id, "bytes", len(data), "error", err.Error())
		return
	}
	if _, err := r.scheduler.Enqueue(samples, encode.OutputSampleRate); err != nil && !errors.Is(err, playback.ErrClosed) {
		r.ctrl.logDebug("model audio not scheduled", "session_id", r.id, "error", err.Error())
	}
}

func roleFor(source live.Source) transcript.Role {
	if source == live.SourceUser {
		return transcript.RoleUser
	}
	return transcript.RoleModel
}

// closeWith funnels every exit path into one teardown. The first caller decides the outcome.
func (r *run) closeWith(kind OutcomeKind, err error) {
	r.closeOnce.Do(func() { r.finish(kind, err) })
}

func (r *run) finish(kind OutcomeKind, err error) {
	c := r.ctrl
	deviceFail := kind == OutcomeDeviceError

	c.mu.Lock()
	if !deviceFail {
		_ = c.transitionLocked(fsm.EventClose)
	}
	c.mu.Unlock()

	teardownErr := r.teardown()
	outcome := r.buildOutcome(kind, err)

	if teardownErr != nil {
		c.logWarn("session teardown incomplete", "session_id", r.id, "error", teardownErr.Error())
	}
	args := []any{
		"session_id", r.id,
		"mode", string(r.mode),
		"outcome", string(outcome.Kind),
		"duration_ms", outcome.Duration().Milliseconds(),
		"turns", outcome.Turns,
		"audio_frames", outcome.AudioFrames,
		"audio_dropped", outcome.AudioDropped,
		"video_frames", outcome.VideoFrames,
		"playback_buffers", outcome.PlaybackBuffers,
		"interruptions", outcome.Interruptions,
	}
	if outcome.Err != nil {
		args = append(args, "error", outcome.Err.Error())
	}
	if outcome.Failed() {
		c.logWarn("session ended", args...)
	} else {
		c.logInfo("session ended", args...)
	}

	c.opts.Metrics.RecordUplink(outcome.AudioFrames, outcome.AudioDropped, outcome.VideoFrames, outcome.VideoDropped)
	if r.scheduler != nil {
		st := r.scheduler.Stats()
		c.opts.Metrics.RecordPlayback(st.Scheduled, st.Flushes, st.CatchUps)
	}
	if r.streaming {
		c.opts.Metrics.RecordSessionEnd(string(outcome.Kind), outcome.Duration())
	} else {
		c.opts.Metrics.RecordOutcome(string(outcome.Kind))
	}

	if notice := outcome.Notice(); notice != "" {
		c.indicator.ShowError(context.Background(), notice)
	} else {
		c.indicator.CueStop(context.Background())
		c.indicator.Hide(context.Background())
	}

	c.mu.Lock()
	if deviceFail {
		_ = c.transitionLocked(fsm.EventDeviceFail)
	} else {
		_ = c.transitionLocked(fsm.EventClosed)
	}
	if c.current == r {
		c.current = nil
	}
	c.last = outcome
	c.mu.Unlock()

	r.outcome = outcome
	close(r.done)
}

// teardown releases everything the session acquired, in order. Every step
// runs even when an earlier one fails. Later calls are no-ops.
func (r *run) teardown() error {
	r.teardownMu.Lock()
	defer r.teardownMu.Unlock()
	if r.tornDown {
		return nil
	}
	r.tornDown = true

	var errs []error
	r.uplink.Close()
	if r.loop != nil {
		r.loop.Stop()
	}
	if r.cam != nil {
		if err := r.cam.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close camera: %w", err))
		}
	}
	if r.mic != nil {
		r.mic.Close()
	}
	if r.scheduler != nil {
		r.scheduler.Close()
	}
	if r.link != nil {
		if err := r.link.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close transport: %w", err))
		}
	}
	if r.consumed != nil {
		select {
		case <-r.consumed:
		case <-time.After(drainTimeout):
			errs = append(errs, errors.New("transport events not drained"))
		}
	}
	if r.speaker != nil {
		if err := r.speaker.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close speaker: %w", err))
		}
	}
	r.cancel()
	r.presence.stop()
	r.reconciler.Finish()
	r.recorder.close()
	if err := r.dump.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close event dump: %w", err))
	}
	return errors.Join(errs...)
}

func (r *run) buildOutcome(kind OutcomeKind, err error) Outcome {
	outcome := Outcome{
		Kind:      kind,
		Err:       err,
		SessionID: r.id,
		Mode:      r.mode,
		Device:    r.failedDevice,
		StartedAt: r.started,
		EndedAt:   r.ctrl.now(),
		Turns:     len(r.reconciler.History()),
	}
	uplink := r.uplink.Stats()
	outcome.AudioFrames = uplink.Frames
	outcome.AudioDropped = uplink.Dropped
	if r.loop != nil {
		outcome.VideoFrames = r.loop.Sent()
		outcome.VideoDropped = r.loop.Dropped()
	}
	if r.scheduler != nil {
		outcome.PlaybackBuffers = r.scheduler.Stats().Scheduled
	}
	outcome.Interruptions = r.interruptions.Load()
	return outcome
}

func (r *run) info() Info {
	info := Info{
		SessionID: r.id,
		Mode:      r.mode,
		State:     r.ctrl.State(),
		StartedAt: r.started,
	}
	if r.mic != nil {
		info.AudioDevice = pipeline.DescribeDevice(r.mic.Device())
	}
	return info
}
