// Package pipeline implements the capture & pipeline worker (spec §4.1):
// it turns the microphone stream into encoded uplink packets while
// Recording, turns decoded downlink packets into speaker output while
// Playing, and keeps the wake detector fed at all times. It is driven by
// commands from the session state machine and reports back over a bounded
// event queue; the two workers never share a lock, only queues and a
// single atomic event bit-set's moral equivalent (a buffered channel).
//
// Grounded on the teacher's internal/rtc/audio.go OpusPacedWriter pacing
// loop and internal/barge/engine.go's onMicFrame dispatch style, adapted
// from a single WebRTC audio path to the spec's capture+playback loop.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/tonypk/hitony-firmware/internal/codec"
	"github.com/tonypk/hitony-firmware/internal/frontend"
	"github.com/tonypk/hitony-firmware/internal/metrics"
	"github.com/tonypk/hitony-firmware/internal/pool"
	"github.com/tonypk/hitony-firmware/internal/ring"
)

// Mode is A's internal sub-mode, independent of B's session state.
type Mode int

const (
	ModeIdle Mode = iota
	ModeRecording
	ModeThinking
	ModePlaying
)

func (m Mode) String() string {
	switch m {
	case ModeIdle:
		return "idle"
	case ModeRecording:
		return "recording"
	case ModeThinking:
		return "thinking"
	case ModePlaying:
		return "playing"
	default:
		return "unknown"
	}
}

// Command is one of the four commands B issues to A.
type Command int

const (
	CmdStartRecording Command = iota
	CmdStopRecording
	CmdStartPlayback
	CmdStopPlayback
)

// EventKind tags an event A reports back to B.
type EventKind int

const (
	EventWakeDetected EventKind = iota
	EventVadEnd
	EventEncodeReady
	EventTouchWake
)

// Event is what A pushes onto its bounded event queue. Packet is populated
// only for EventEncodeReady.
type Event struct {
	Kind   EventKind
	Packet []byte
}

// CaptureSource is the microphone collaborator: one blocking read of a
// fixed-size interleaved frame (mic0, mic1 pairs), bounded by the DMA
// period. Low-level I2S/codec bring-up is out of scope; this is the
// contract A drives.
type CaptureSource interface {
	ReadFrame(ctx context.Context, interleaved []int16) (n int, err error)
}

// SpeakerSink is the speaker collaborator A writes decoded PCM to.
type SpeakerSink interface {
	Write(pcm []int16) error
}

// Config bundles A's tunables (spec §4.1 numerics).
type Config struct {
	SampleRate int

	MicFrameSamples int // samples per channel read from CaptureSource per pass

	RingCapacity int // per-ring int16 capacity

	CodecFrameSamples int // uplink codec frame size (320 @16kHz = 20ms)
	UplinkGain        float64

	RecordingHardCap      time.Duration // spec: 10s
	VadSilenceWindow       time.Duration // spec: 800ms
	ShortUtteranceWindow   time.Duration // spec: 500ms
	ThinkingTimeout        time.Duration // spec: 15s
	AECConvergenceDeadline time.Duration // spec: 300ms
	PlaybackDequeueTimeout time.Duration
	StatsInterval          time.Duration

	ZeroBlockFallbackCount int // spec: 100 consecutive all-zero blocks

	// AcousticWakeDuringPlayback controls whether an acoustic wake-word hit
	// is honoured while Mode is Playing. Spec §9 leaves this an open
	// question; default false keeps the device muted to its own speaker
	// output except via touch wake, which always bypasses this gate.
	AcousticWakeDuringPlayback bool
}

// DefaultConfig returns the spec's stated defaults.
func DefaultConfig() Config {
	return Config{
		SampleRate:             16000,
		MicFrameSamples:        320,
		RingCapacity:           16000, // 1s
		CodecFrameSamples:      320,
		UplinkGain:             3.0,
		RecordingHardCap:       10 * time.Second,
		VadSilenceWindow:       800 * time.Millisecond,
		ShortUtteranceWindow:   500 * time.Millisecond,
		ThinkingTimeout:        15 * time.Second,
		AECConvergenceDeadline: 300 * time.Millisecond,
		PlaybackDequeueTimeout: 20 * time.Millisecond,
		StatsInterval:          10 * time.Second,
		ZeroBlockFallbackCount: 100,
		AcousticWakeDuringPlayback: false,
	}
}

// PlaybackPacket is a compressed downlink packet queued for decode+playback.
// Block is released by the pipeline once decoded (or dropped).
type PlaybackPacket struct {
	Block *pool.Block
	Len   int
}

// Worker is the capture & pipeline worker (A).
type Worker struct {
	cfg     Config
	cap     CaptureSource
	speaker SpeakerSink
	fe      frontend.Processor
	enc     *codec.Encoder
	dec     *codec.Decoder
	alloc   *pool.Allocator
	log     *zap.Logger
	metrics *metrics.Collector

	mic0, mic1, ref *ring.Ring

	commands chan Command
	events   chan Event
	playback chan PlaybackPacket

	mode             Mode
	recordingStarted time.Time
	lastSilenceStart time.Time
	inSilenceRun     bool
	thinkingStarted  time.Time
	aecDeadline      time.Time
	zeroBlockStreak  int
	echoEnabled      bool

	accum    []int16
	accumLen int

	underrunLim *rate.Limiter
	dropLim     *rate.Limiter

	micFrame []int16
}

// New builds a Worker. fe's channel layout decides whether each input block
// carries the reference ring as a third channel (ChannelsMicAndRef) or only
// the two mic rings (ChannelsMicOnly) — see frontend.Config.
func New(cfg Config, cap CaptureSource, speaker SpeakerSink, fe frontend.Processor, enc *codec.Encoder, dec *codec.Decoder, alloc *pool.Allocator, log *zap.Logger) *Worker {
	return &Worker{
		cfg:         cfg,
		cap:         cap,
		speaker:     speaker,
		fe:          fe,
		enc:         enc,
		dec:         dec,
		alloc:       alloc,
		log:         log,
		mic0:        ring.New(cfg.RingCapacity),
		mic1:        ring.New(cfg.RingCapacity),
		ref:         ring.New(cfg.RingCapacity),
		commands:    make(chan Command, 8),
		events:      make(chan Event, 32),
		playback:    make(chan PlaybackPacket, 16),
		echoEnabled: true,
		accum:       make([]int16, cfg.CodecFrameSamples),
		underrunLim: rate.NewLimiter(rate.Every(time.Second), 1),
		dropLim:     rate.NewLimiter(rate.Every(time.Second), 1),
		micFrame:    make([]int16, cfg.MicFrameSamples*2),
	}
}

// Command sends a command to A. Non-blocking; B must not stall on this.
func (w *Worker) Command(c Command) {
	select {
	case w.commands <- c:
	default:
		w.log.Warn("pipeline: command queue full, dropping command", zap.Int("command", int(c)))
	}
}

// Events returns A's event queue.
func (w *Worker) Events() <-chan Event { return w.events }

// SetMetrics attaches a metrics collector. Optional; nil leaves reporting
// disabled, which the zero-value Worker defaults to.
func (w *Worker) SetMetrics(m *metrics.Collector) { w.metrics = m }

// Enqueue queues a downlink packet for playback. Returns false (and does
// not take ownership of pkt.Block) if the playback queue is full.
func (w *Worker) Enqueue(pkt PlaybackPacket) bool {
	select {
	case w.playback <- pkt:
		return true
	default:
		return false
	}
}

// PlaybackQueueDepth reports the number of packets currently queued, used
// by the session's drain-wait (spec §4.3).
func (w *Worker) PlaybackQueueDepth() int { return len(w.playback) }

// FlushPlayback drains the playback queue, releasing every pending block
// without decoding it. Used by the session when leaving Speaking/Music or
// entering Error, so in-flight pool blocks are never leaked (spec §4.3
// "flushing on state change").
func (w *Worker) FlushPlayback() {
	for {
		select {
		case pkt := <-w.playback:
			w.alloc.Release(pkt.Block)
		default:
			return
		}
	}
}

func (w *Worker) pushEvent(kind EventKind, packet []byte) {
	select {
	case w.events <- Event{Kind: kind, Packet: packet}:
	default:
		if w.dropLim.Allow() {
			w.log.Warn("pipeline: event queue full, dropping event", zap.Int("kind", int(kind)))
		}
	}
}

// TouchWake forwards a touch-sourced wake event, exempt from A's acoustic
// gating (spec §4.1 point 5).
func (w *Worker) TouchWake() {
	if w.metrics != nil {
		w.metrics.RecordWake()
	}
	w.pushEvent(EventTouchWake, nil)
}

// Run drives A's main loop until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	lastStats := time.Now()
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		// 1. Playback dispatch.
		if w.mode == ModePlaying {
			w.dispatchPlayback()
		}

		// 2. Capture read.
		n, err := w.cap.ReadFrame(ctx, w.micFrame)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("pipeline: capture read: %w", err)
		}
		w.deinterleaveCapture(n)

		// 3. Command poll (non-blocking).
		select {
		case cmd := <-w.commands:
			w.applyCommand(cmd)
		default:
		}

		// 4/5. Front-end feed + fetch.
		w.feedFrontend()
		w.fetchFrontend()

		// 6. Thinking timeout.
		if w.mode == ModeThinking && time.Since(w.thinkingStarted) >= w.cfg.ThinkingTimeout {
			w.mode = ModeIdle
		}

		// 7. Periodic stats.
		if time.Since(lastStats) >= w.cfg.StatsInterval {
			lastStats = time.Now()
			w.logStats()
		}
	}
}

func (w *Worker) dispatchPlayback() {
	select {
	case pkt := <-w.playback:
		pcm := make([]int16, w.dec.FrameSamples())
		n, err := w.dec.Decode(pkt.Block.Buf[:pkt.Len], pcm)
		w.alloc.Release(pkt.Block)
		if err != nil {
			w.log.Warn("pipeline: decode error, dropping packet", zap.Error(err))
			return
		}
		pcm = pcm[:n]
		if err := w.speaker.Write(pcm); err != nil {
			w.log.Warn("pipeline: speaker write failed", zap.Error(err))
		}
		w.ref.Write(pcm)
	case <-time.After(w.cfg.PlaybackDequeueTimeout):
		if w.metrics != nil {
			w.metrics.RecordUnderrun()
		}
		if w.underrunLim.Allow() {
			w.log.Warn("pipeline: playback underrun")
		}
	}
}

func (w *Worker) deinterleaveCapture(n int) {
	pairs := n / 2
	m0 := make([]int16, pairs)
	m1 := make([]int16, pairs)
	for i := 0; i < pairs; i++ {
		m0[i] = w.micFrame[2*i]
		m1[i] = w.micFrame[2*i+1]
	}
	w.mic0.Write(m0)
	w.mic1.Write(m1)
}

func (w *Worker) applyCommand(cmd Command) {
	switch cmd {
	case CmdStartRecording:
		w.mic0.Reset()
		w.mic1.Reset()
		w.ref.Reset()
		w.recordingStarted = time.Now()
		w.inSilenceRun = false
		w.setEchoCancellation(false)
		w.accumLen = 0
		w.mode = ModeRecording
	case CmdStopRecording:
		w.mode = ModeThinking
		w.thinkingStarted = time.Now()
		w.pushEvent(EventVadEnd, nil)
		w.accumLen = 0
	case CmdStartPlayback:
		w.mode = ModePlaying
		w.zeroBlockStreak = 0
		if w.echoEnabled {
			w.setEchoCancellation(true)
			w.aecDeadline = time.Now().Add(w.cfg.AECConvergenceDeadline)
		}
	case CmdStopPlayback:
		w.mode = ModeIdle
		w.ref.Reset()
		w.mic1.Reset()
		w.setEchoCancellation(false)
		w.lastSilenceStart = time.Now()
		w.inSilenceRun = true
	}
}

func (w *Worker) setEchoCancellation(on bool) {
	w.echoEnabled = on
	w.fe.SetEchoCancellation(on)
}

func (w *Worker) feedFrontend() {
	chunk := w.fe.ChunkSize()
	if w.mic0.Available() < chunk || w.mic1.Available() < chunk {
		return
	}
	ch := w.fe.Channels()
	m0 := make([]int16, chunk)
	m1 := make([]int16, chunk)
	w.mic0.Read(m0)
	w.mic1.Read(m1)

	var block []int16
	if ch == frontend.ChannelsMicAndRef {
		r := make([]int16, chunk)
		got := w.ref.Read(r)
		for i := got; i < chunk; i++ {
			r[i] = 0
		}
		block = make([]int16, chunk*3)
		for i := 0; i < chunk; i++ {
			block[3*i] = m0[i]
			block[3*i+1] = m1[i]
			block[3*i+2] = r[i]
		}
	} else {
		block = make([]int16, chunk*2)
		for i := 0; i < chunk; i++ {
			block[2*i] = m0[i]
			block[2*i+1] = m1[i]
		}
	}
	w.fe.Feed(block)
}

const fetchBound = 10

func (w *Worker) fetchFrontend() {
	for i := 0; i < fetchBound; i++ {
		out, ok := w.fe.Fetch()
		if !ok {
			return
		}
		w.handleFrontendOutput(out)
	}
}

func (w *Worker) handleFrontendOutput(out frontend.Output) {
	if allZero(out.PCM) {
		w.zeroBlockStreak++
		if w.zeroBlockStreak >= w.cfg.ZeroBlockFallbackCount && w.echoEnabled {
			w.log.Warn("pipeline: echo canceller diverged, disabling AEC")
			w.setEchoCancellation(false)
		}
	} else {
		w.zeroBlockStreak = 0
	}

	if w.mode == ModeRecording {
		if time.Since(w.recordingStarted) >= w.cfg.RecordingHardCap {
			w.mode = ModeThinking
			w.thinkingStarted = time.Now()
			w.pushEvent(EventVadEnd, nil)
			w.accumLen = 0
			return
		}

		if out.Meta.Vad == frontend.VadSilence {
			if !w.inSilenceRun {
				w.inSilenceRun = true
				w.lastSilenceStart = time.Now()
			} else if time.Since(w.lastSilenceStart) >= w.cfg.VadSilenceWindow {
				if time.Since(w.recordingStarted) < w.cfg.ShortUtteranceWindow {
					w.mode = ModeIdle
				} else {
					w.mode = ModeThinking
					w.thinkingStarted = time.Now()
					w.pushEvent(EventVadEnd, nil)
				}
				w.accumLen = 0
				return
			}
		} else {
			w.inSilenceRun = false
		}

		w.accumulateAndEncode(out.PCM)
	}

	w.evaluateWake(out.Meta)
}

func (w *Worker) accumulateAndEncode(pcm []int16) {
	i := 0
	for i < len(pcm) {
		n := copy(w.accum[w.accumLen:], pcm[i:])
		w.accumLen += n
		i += n
		if w.accumLen == len(w.accum) {
			frame := make([]int16, len(w.accum))
			copy(frame, w.accum)
			codec.ApplyGain(frame, w.cfg.UplinkGain)
			packet, err := w.enc.Encode(frame)
			w.accumLen = 0
			if err != nil {
				w.log.Warn("pipeline: encode failed, dropping frame", zap.Error(err))
				continue
			}
			if w.metrics != nil {
				w.metrics.RecordEncoded()
			}
			w.pushEvent(EventEncodeReady, packet)
		}
	}
}

func (w *Worker) evaluateWake(meta frontend.OutputMeta) {
	if meta.Wake != frontend.WakeTriggered {
		return
	}
	if !w.aecDeadline.IsZero() && time.Now().Before(w.aecDeadline) {
		return
	}
	if w.mode == ModePlaying && !w.cfg.AcousticWakeDuringPlayback {
		return
	}
	if w.metrics != nil {
		w.metrics.RecordWake()
	}
	w.pushEvent(EventWakeDetected, nil)
}

func allZero(pcm []int16) bool {
	for _, s := range pcm {
		if s != 0 {
			return false
		}
	}
	return true
}

func (w *Worker) logStats() {
	w.log.Info("pipeline: stats",
		zap.String("mode", w.mode.String()),
		zap.Int("mic0_depth", w.mic0.Available()),
		zap.Int("mic1_depth", w.mic1.Available()),
		zap.Int("ref_depth", w.ref.Available()),
		zap.Int("playback_depth", len(w.playback)),
	)
	if w.metrics != nil {
		w.metrics.SetRingDepth("mic0", w.mic0.Available())
		w.metrics.SetRingDepth("mic1", w.mic1.Available())
		w.metrics.SetRingDepth("ref", w.ref.Available())
		w.metrics.SetPlaybackDepth(len(w.playback))
		for _, s := range w.alloc.AllStats() {
			w.metrics.SetPoolStats(fmt.Sprintf("%d", s.Size), s.InUse, s.Peak, s.Leak())
		}
	}
}

// Mode reports A's current sub-mode. For diagnostics/tests only; B never
// reads it to make decisions (it drives A purely through commands/events).
func (w *Worker) Mode() Mode { return w.mode }
