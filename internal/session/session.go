// Package session implements the control state machine (B) that owns the
// conversation session, the reconnect policy, and every timeout in spec
// §4.3. It translates transport events and pipeline (A) events into state
// transitions and outbound messages.
//
// Grounded on the teacher's internal/agent/session.go: the goroutine-driven
// event loop is the same shape (here the state is owned by the Run
// goroutine alone and has no mutex), restructured
// around the spec's explicit state table instead of an STT->LLM->TTS
// pipeline.
package session

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/tonypk/hitony-firmware/internal/collaborators"
	"github.com/tonypk/hitony-firmware/internal/metrics"
	"github.com/tonypk/hitony-firmware/internal/pipeline"
	"github.com/tonypk/hitony-firmware/internal/pool"
	"github.com/tonypk/hitony-firmware/internal/transport"
)

// State is B's session state.
type State int

const (
	StateIdle State = iota
	StateRecording
	StateSpeaking
	StateMusic
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRecording:
		return "recording"
	case StateSpeaking:
		return "speaking"
	case StateMusic:
		return "music"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Config bundles B's identity and timeouts (spec §4.3, §6).
type Config struct {
	DeviceID        string
	FirmwareVersion string
	DefaultListenMode string
	WakePhrase      string

	RecordingHardCap    time.Duration // spec: 15s
	ThinkingTimeout      time.Duration // spec: 10s
	SpeakingSilenceLimit time.Duration // spec: 8s
	SpeakingWarn1        time.Duration // spec: 2s
	SpeakingWarn2        time.Duration // spec: 4s
	DrainPollInterval    time.Duration // spec: 10ms
	DrainRequiredEmpty   int           // spec: 10 consecutive empty polls

	ExpressionDefaultDuration time.Duration // spec: 3000ms

	// AutoListen controls whether a Speaking/Music drain that isn't resuming
	// music lands back in Recording instead of Idle. Spec §9 leaves this an
	// open question; default false matches today's touch/wake-gated flow.
	AutoListen bool
}

// DefaultConfig returns the spec's stated defaults.
func DefaultConfig(deviceID, fw string) Config {
	return Config{
		DeviceID:                  deviceID,
		FirmwareVersion:           fw,
		DefaultListenMode:         "auto",
		WakePhrase:                "Hi Tony",
		RecordingHardCap:          15 * time.Second,
		ThinkingTimeout:           10 * time.Second,
		SpeakingSilenceLimit:      8 * time.Second,
		SpeakingWarn1:             2 * time.Second,
		SpeakingWarn2:             4 * time.Second,
		DrainPollInterval:         10 * time.Millisecond,
		DrainRequiredEmpty:        10,
		ExpressionDefaultDuration: 3 * time.Second,
		AutoListen:                false,
	}
}

// Session drives the control state machine. It owns no lock shared with
// pipeline.Worker or transport.Client — all cross-worker communication is
// through their queues.
type Session struct {
	cfg     Config
	log     *zap.Logger
	trans   *transport.Client
	pipe    *pipeline.Worker
	alloc   *pool.Allocator
	ui      collaborators.UI
	led     collaborators.LED
	touch   collaborators.TouchSource
	fwSess  collaborators.FirmwareUpdateSession
	metrics *metrics.Collector

	state State

	helloReceived   bool
	sessionID       string
	serverAbortCap  bool

	thinking        bool
	thinkingDeadline time.Time

	recordingDeadline time.Time

	musicWasPlaying bool

	ttsEndPending bool
	drainEmptyHits int

	lastPacketAt time.Time
	warned1, warned2 bool

	backoffAttempt int
}

// New constructs a Session. Collaborators that are nil get no-op defaults
// for UI and LED and firmware-update session; touch must be supplied by
// the caller if the device has a touch surface (nil disables touch wake).
func New(cfg Config, trans *transport.Client, pipe *pipeline.Worker, alloc *pool.Allocator, ui collaborators.UI, led collaborators.LED, touch collaborators.TouchSource, fwSess collaborators.FirmwareUpdateSession, log *zap.Logger) *Session {
	if ui == nil {
		ui = collaborators.NoopUI{}
	}
	if led == nil {
		led = collaborators.NoopLED{}
	}
	if fwSess == nil {
		fwSess = collaborators.NoopFirmwareUpdateSession{}
	}
	return &Session{
		cfg:    cfg,
		log:    log,
		trans:  trans,
		pipe:   pipe,
		alloc:  alloc,
		ui:     ui,
		led:    led,
		touch:  touch,
		fwSess: fwSess,
		state:  StateIdle,
	}
}

// State reports the current session state. For diagnostics/tests.
func (s *Session) State() State { return s.state }

// SetMetrics attaches a metrics collector. Optional; nil leaves reporting
// disabled.
func (s *Session) SetMetrics(m *metrics.Collector) { s.metrics = m }

// Run drives B's event loop until ctx is cancelled.
func (s *Session) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.DrainPollInterval)
	defer ticker.Stop()

	var touchCh <-chan struct{}
	if s.touch != nil {
		touchCh = s.touch.Wake()
	}

	go s.trans.Run(ctx, s.onBackoff)

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-s.trans.Events():
			s.handleTransportEvent(ev)
		case ev := <-s.pipe.Events():
			s.handlePipelineEvent(ev)
		case <-touchCh:
			s.pipe.TouchWake()
		case <-ticker.C:
			s.tick()
		}
	}
}

func (s *Session) onBackoff(attempt int, delay time.Duration) {
	s.ui.SetReconnectCountdown(int(delay / time.Second))
	s.log.Warn("session: reconnect backoff", zap.Int("attempt", attempt), zap.Duration("delay", delay))
}

// ---- transport events ----

func (s *Session) handleTransportEvent(ev transport.Event) {
	switch ev.Kind {
	case transport.EventConnected:
		s.onWsConnected()
	case transport.EventDisconnected:
		s.onWsDisconnected(false)
	case transport.EventClosed:
		s.onWsDisconnected(true)
	case transport.EventText:
		s.handleControlMessage(ev.Block.Buf[:ev.Len])
		s.alloc.Release(ev.Block)
	case transport.EventBinary:
		s.handleBinaryBatch(ev.Block.Buf[:ev.Len])
		s.alloc.Release(ev.Block)
	}
}

func (s *Session) onWsConnected() {
	s.helloReceived = false
	if s.state == StateError {
		// spec §4.3 transition table: Error --WsConnected--> Idle.
		s.state = StateIdle
		s.led.SetPattern(collaborators.PatternIdle)
	}
	s.ui.SetStatus("connecting")
	s.send(helloOut{Type: "hello", DeviceID: s.cfg.DeviceID, Fw: s.cfg.FirmwareVersion, ListenMode: s.cfg.DefaultListenMode})
}

// onWsDisconnected handles both an unexpected disconnect and an
// intentional close (spec §7 "must not flag the transport loss as
// user-visible error" when the firmware-update collaborator is running).
func (s *Session) onWsDisconnected(intentional bool) {
	s.flushOnStateChange()
	if intentional || s.fwSess.InProgress() {
		return
	}
	s.state = StateError
	s.ui.SetStatus("error")
	s.led.SetPattern(collaborators.PatternError)
}

func (s *Session) send(v any) {
	if err := s.trans.Send(marshal(v)); err != nil {
		s.log.Warn("session: send failed", zap.Error(err))
	}
}

func (s *Session) handleControlMessage(raw []byte) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		s.log.Warn("session: malformed control message", zap.Error(err))
		return
	}
	switch env.Type {
	case "hello":
		var m helloIn
		_ = json.Unmarshal(raw, &m)
		s.sessionID = m.SessionID
		s.serverAbortCap = m.Features.Abort
		s.helloReceived = true
		if s.state == StateIdle {
			s.ui.SetStatus("idle")
		}
		s.trans.ResetBackoff()
		s.backoffAttempt = 0
	case "tts_start":
		var m ttsFrameIn
		_ = json.Unmarshal(raw, &m)
		s.onTtsStart()
	case "tts_end":
		s.onTtsEnd()
	case "music_start":
		var m musicFrameIn
		_ = json.Unmarshal(raw, &m)
		s.onMusicStart(m.Title)
	case "music_end":
		s.onTtsEnd() // synthetic TtsEnd, spec §4.3
	case "music_resume":
		s.onMusicResume()
	case "asr_text":
		var m asrTextIn
		_ = json.Unmarshal(raw, &m)
		s.log.Debug("session: asr_text", zap.String("text", m.Text))
	case "error":
		var m errorIn
		_ = json.Unmarshal(raw, &m)
		s.onServerError(m.Message)
	case "expression":
		var m expressionIn
		_ = json.Unmarshal(raw, &m)
		dur := s.cfg.ExpressionDefaultDuration
		if m.DurationMs > 0 {
			dur = time.Duration(m.DurationMs) * time.Millisecond
		}
		s.ui.SetExpression(m.Expr, dur)
	case "pong":
		// no-op; application-level ping is disabled per spec §6, but a
		// server-initiated pong is harmless to observe.
	case "ota_notify":
		var m otaNotifyIn
		_ = json.Unmarshal(raw, &m)
		if m.Version != s.cfg.FirmwareVersion {
			s.log.Info("session: firmware update available", zap.String("version", m.Version))
		}
	default:
		s.log.Debug("session: unknown control message type", zap.String("type", env.Type))
	}
}

func (s *Session) handleBinaryBatch(batch []byte) {
	if s.state != StateSpeaking && s.state != StateMusic {
		if s.metrics != nil {
			s.metrics.RecordDropped("state_gated")
		}
		s.log.Warn("session: binary batch outside Speaking/Music, dropped")
		return
	}
	packets, truncated := transport.ParseFrameBatch(batch)
	if truncated {
		if s.metrics != nil {
			s.metrics.RecordDropped("truncated")
		}
		s.log.Warn("session: truncated binary batch")
	}
	for _, pkt := range packets {
		blk := s.alloc.AcquireFor(len(pkt))
		if blk == nil {
			s.log.Warn("session: pool exhausted, dropping downlink packet")
			continue
		}
		n := copy(blk.Buf, pkt)
		if !s.pipe.Enqueue(pipeline.PlaybackPacket{Block: blk, Len: n}) {
			s.alloc.Release(blk)
			s.log.Warn("session: playback queue full, dropping downlink packet")
		}
	}
	s.lastPacketAt = time.Now()
	s.warned1, s.warned2 = false, false
}

// ---- pipeline (A) events ----

func (s *Session) handlePipelineEvent(ev pipeline.Event) {
	switch ev.Kind {
	case pipeline.EventWakeDetected, pipeline.EventTouchWake:
		s.onWakeDetected()
	case pipeline.EventVadEnd:
		s.onRecordingEnd()
	case pipeline.EventEncodeReady:
		if s.state != StateRecording {
			s.log.Warn("session: encoded frame outside Recording, dropped")
			return
		}
		if err := s.trans.SendBinary(ev.Packet); err != nil {
			s.log.Warn("session: uplink send failed", zap.Error(err))
		}
	}
}

func (s *Session) onWakeDetected() {
	switch s.state {
	case StateIdle:
		if !s.helloReceived {
			return // spec testable property 9: no Recording before hello reply
		}
		s.send(listenOut{Type: "listen", State: "detect", Text: s.cfg.WakePhrase})
		s.send(listenOut{Type: "listen", State: "start", Mode: s.cfg.DefaultListenMode})
		s.pipe.Command(pipeline.CmdStartRecording)
		s.enterRecording()
	case StateSpeaking:
		s.send(abortOut{Type: "abort", Reason: "wake_word_detected"})
		s.pipe.FlushPlayback()
		s.pipe.Command(pipeline.CmdStopPlayback)
		s.pipe.Command(pipeline.CmdStartRecording)
		s.enterRecording()
	case StateMusic:
		s.send(musicCtrlOut{Type: "music_ctrl", Action: "pause"})
		s.musicWasPlaying = true
		s.pipe.FlushPlayback()
		s.pipe.Command(pipeline.CmdStopPlayback)
		s.pipe.Command(pipeline.CmdStartRecording)
		s.enterRecording()
	case StateRecording, StateError:
		// Recording: already listening, ignored. Error: ignored per table.
	}
}

func (s *Session) enterRecording() {
	s.state = StateRecording
	s.recordingDeadline = time.Now().Add(s.cfg.RecordingHardCap)
	s.ui.SetStatus("recording")
	s.led.SetPattern(collaborators.PatternListening)
}

func (s *Session) onRecordingEnd() {
	if s.state != StateRecording {
		return
	}
	s.send(listenOut{Type: "listen", State: "stop"})
	s.pipe.Command(pipeline.CmdStopRecording)
	if s.metrics != nil {
		s.metrics.RecordInteraction()
	}
	s.enterThinking()
}

func (s *Session) enterThinking() {
	s.state = StateIdle
	s.thinking = true
	s.thinkingDeadline = time.Now().Add(s.cfg.ThinkingTimeout)
	s.ui.SetThinking(true)
	s.led.SetPattern(collaborators.PatternThinking)
}

func (s *Session) onTtsStart() {
	if s.metrics != nil {
		s.metrics.ResetSessionBaseline()
	}
	switch s.state {
	case StateIdle:
		s.enterSpeaking()
	case StateRecording:
		s.pipe.Command(pipeline.CmdStopRecording)
		s.pipe.Command(pipeline.CmdStartPlayback)
		s.enterSpeaking()
	}
}

func (s *Session) enterSpeaking() {
	s.state = StateSpeaking
	s.thinking = false
	s.ui.SetThinking(false)
	s.ui.SetStatus("speaking")
	s.led.SetPattern(collaborators.PatternSpeaking)
	s.lastPacketAt = time.Now()
	s.warned1, s.warned2 = false, false
	s.ttsEndPending = false
	s.drainEmptyHits = 0
}

func (s *Session) onTtsEnd() {
	if s.state != StateSpeaking && s.state != StateMusic {
		return
	}
	s.ttsEndPending = true
	s.drainEmptyHits = 0
}

func (s *Session) onMusicStart(title string) {
	// "flushes stale events": any drain-wait already in flight belongs to a
	// session that is being superseded by this new music stream.
	if s.metrics != nil {
		s.metrics.ResetSessionBaseline()
	}
	s.ttsEndPending = false
	s.drainEmptyHits = 0
	s.pipe.Command(pipeline.CmdStartPlayback)
	s.state = StateMusic
	s.ui.SetStatus("music")
	s.ui.SetMusicTitle(title)
	s.led.SetPattern(collaborators.PatternMusic)
}

func (s *Session) onMusicResume() {
	if s.state != StateIdle || !s.musicWasPlaying {
		return
	}
	s.musicWasPlaying = false
	s.pipe.Command(pipeline.CmdStartPlayback)
	s.state = StateMusic
	s.ui.SetStatus("music")
	s.led.SetPattern(collaborators.PatternMusic)
}

func (s *Session) onServerError(message string) {
	if s.thinking {
		s.thinking = false
		s.ui.SetThinking(false)
		s.ui.SetStatus("idle")
		return
	}
	s.ui.SetStatus("error: " + message)
}

// ---- periodic tick: drain-wait + timeouts ----

func (s *Session) tick() {
	s.progressDrain()

	switch s.state {
	case StateRecording:
		if time.Now().After(s.recordingDeadline) {
			s.onRecordingEnd()
		}
	case StateSpeaking:
		s.checkSpeakingSilence()
	}

	if s.thinking && time.Now().After(s.thinkingDeadline) {
		s.thinking = false
		s.ui.SetThinking(false)
		s.ui.SetStatus("idle")
	}
}

func (s *Session) progressDrain() {
	if !s.ttsEndPending {
		return
	}
	if s.pipe.PlaybackQueueDepth() == 0 {
		s.drainEmptyHits++
	} else {
		s.drainEmptyHits = 0
	}
	if s.drainEmptyHits < s.cfg.DrainRequiredEmpty {
		return
	}
	s.ttsEndPending = false
	s.drainEmptyHits = 0
	s.pipe.Command(pipeline.CmdStopPlayback)
	if s.musicWasPlaying {
		s.musicWasPlaying = false
		s.send(musicCtrlOut{Type: "music_ctrl", Action: "resume"})
		s.state = StateMusic
		s.ui.SetStatus("music")
		s.led.SetPattern(collaborators.PatternMusic)
		return
	}
	if s.cfg.AutoListen {
		s.send(listenOut{Type: "listen", State: "detect", Text: s.cfg.WakePhrase})
		s.send(listenOut{Type: "listen", State: "start", Mode: s.cfg.DefaultListenMode})
		s.pipe.Command(pipeline.CmdStartRecording)
		s.enterRecording()
		return
	}
	s.state = StateIdle
	s.ui.SetStatus("idle")
	s.led.SetPattern(collaborators.PatternIdle)
}

func (s *Session) checkSpeakingSilence() {
	since := time.Since(s.lastPacketAt)
	switch {
	case since >= s.cfg.SpeakingSilenceLimit:
		s.send(abortOut{Type: "abort", Reason: "speaking_timeout"})
		s.pipe.FlushPlayback()
		s.pipe.Command(pipeline.CmdStopPlayback)
		s.state = StateIdle
		s.ui.SetStatus("idle")
		s.led.SetPattern(collaborators.PatternIdle)
		s.ttsEndPending = false
		s.drainEmptyHits = 0
	case since >= s.cfg.SpeakingWarn2 && !s.warned2:
		s.warned2 = true
		s.log.Warn("session: speaking silence approaching timeout", zap.Duration("since", since))
	case since >= s.cfg.SpeakingWarn1 && !s.warned1:
		s.warned1 = true
		s.log.Warn("session: speaking silence warning", zap.Duration("since", since))
	}
}

// flushOnStateChange drains both the transport-receive queue and the
// playback queue, releasing pool blocks, whenever B leaves Speaking/Music
// or enters Error (spec §4.3 "flushing on state change").
func (s *Session) flushOnStateChange() {
	s.pipe.FlushPlayback()
	for {
		select {
		case ev := <-s.trans.Events():
			if ev.Block != nil {
				s.alloc.Release(ev.Block)
			}
		default:
			return
		}
	}
}
