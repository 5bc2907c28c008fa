// Package frontend is the contract and reference implementation of the
// front-end processor (spec §4.2): acoustic echo cancellation, noise
// suppression, AGC, VAD, and wake-word detection over interleaved microphone
// (and optional reference) channels.
//
// The real DSP chain is proprietary per vendor SDK; this package gives the
// shape the pipeline worker depends on and a self-contained reference
// implementation, in the same spirit as the teacher's internal/barge engine
// stubs ("lightweight DSP stubs to keep this self-contained and testable" —
// production wires a vendor AEC/wake library behind the same Processor
// interface).
package frontend

import (
	"math"
	"sync"
)

// WakeState is the per-block wake-word detector state.
type WakeState int

const (
	WakeNone WakeState = iota
	WakeTriggered
)

// VadState is the per-block voice-activity classification.
type VadState int

const (
	VadSilence VadState = iota
	VadSpeech
)

// Channels describes the front-end's expected input channel layout.
type Channels int

const (
	// ChannelsMicOnly is (mic0, mic1) — used when echo cancellation is off.
	ChannelsMicOnly Channels = 2
	// ChannelsMicAndRef is (mic0, mic1, ref) — used when echo cancellation is on.
	ChannelsMicAndRef Channels = 3
)

// Config enumerates the front-end's configuration surface (spec §4.2).
type Config struct {
	SampleRate        int
	Channels          Channels
	SamplesPerChunk   int
	EnableAEC         bool
	EnableNoiseSuppr  bool
	EnableAGC         bool
	EnableVAD         bool
	EnableWakeWord    bool
	VadSensitivity    int // 0 lenient/quality .. 3 aggressive
	AGCCompressionGain float64
	AGCTargetLevel     float64
	WakeModelIDs       []string
}

// ChunkSize returns the length, in samples per channel, of one front-end
// input/output chunk.
func (c Config) ChunkSize() int { return c.SamplesPerChunk }

// DefaultConfig matches the device's nominal operating point: 16kHz mono
// processing, 20ms-ish front-end chunks (320 samples), AEC+VAD+wake on.
func DefaultConfig() Config {
	return Config{
		SampleRate:         16000,
		Channels:           ChannelsMicAndRef,
		SamplesPerChunk:    320,
		EnableAEC:          true,
		EnableNoiseSuppr:   true,
		EnableAGC:          true,
		EnableVAD:          true,
		EnableWakeWord:     true,
		VadSensitivity:     2,
		AGCCompressionGain: 6.0,
		AGCTargetLevel:     -3.0,
		WakeModelIDs:       []string{"hi_tony"},
	}
}

// OutputMeta accompanies each output block (spec §3 "Front-end output block").
type OutputMeta struct {
	Wake       WakeState
	Vad        VadState
	Volume     float64
	WakeWordID int // valid only when Wake == WakeTriggered
}

// Output bundles one processed mono chunk with its metadata.
type Output struct {
	PCM  []int16
	Meta OutputMeta
}

// Processor is the contract exposed to the pipeline worker (spec §4.2).
// Feed and Fetch are both non-blocking from the caller's perspective: Feed
// enqueues a chunk for the internal worker, Fetch drains whatever the worker
// has finished. Both must be drained every pass or the internal channels
// fill and the worker stalls.
type Processor interface {
	// Feed hands off one input block (interleaved, Channels()*ChunkSize()
	// samples). Returns false if the internal input queue is full — the
	// caller drops the chunk rather than blocking.
	Feed(block []int16) bool
	// Fetch returns the next processed output block, or false if none is
	// ready yet.
	Fetch() (Output, bool)
	// SetEchoCancellation toggles AEC at run time.
	SetEchoCancellation(on bool)
	// SetWakeDetection toggles wake-word spotting at run time.
	SetWakeDetection(on bool)
	ChunkSize() int
	Channels() Channels
	Close()
}

// processor is the reference DSP chain: a passthrough AEC, an RMS-threshold
// VAD, and an energy-burst wake detector. It runs its own worker goroutine,
// fed and drained through buffered channels, mirroring the spec's "runs on
// its own cooperative schedule" contract without requiring a dedicated CPU
// core.
type processor struct {
	cfg Config

	mu        sync.Mutex
	aecOn     bool
	wakeOn    bool

	in  chan []int16
	out chan Output

	stop chan struct{}

	vadWin    []bool
	wakeEnergyHist []float64
	wakeArmed bool
}

// New constructs the reference Processor and starts its worker goroutine.
func New(cfg Config) Processor {
	p := &processor{
		cfg:    cfg,
		aecOn:  cfg.EnableAEC,
		wakeOn: cfg.EnableWakeWord,
		in:     make(chan []int16, 32),
		out:    make(chan Output, 32),
		stop:   make(chan struct{}),
	}
	go p.run()
	return p
}

func (p *processor) ChunkSize() int    { return p.cfg.SamplesPerChunk }
func (p *processor) Channels() Channels { return p.cfg.Channels }

func (p *processor) Feed(block []int16) bool {
	select {
	case p.in <- block:
		return true
	default:
		return false
	}
}

func (p *processor) Fetch() (Output, bool) {
	select {
	case o := <-p.out:
		return o, true
	default:
		return Output{}, false
	}
}

func (p *processor) SetEchoCancellation(on bool) {
	p.mu.Lock()
	p.aecOn = on
	p.mu.Unlock()
}

func (p *processor) SetWakeDetection(on bool) {
	p.mu.Lock()
	p.wakeOn = on
	p.mu.Unlock()
}

func (p *processor) Close() {
	select {
	case <-p.stop:
	default:
		close(p.stop)
	}
}

func (p *processor) run() {
	for {
		select {
		case <-p.stop:
			return
		case block := <-p.in:
			out := p.processBlock(block)
			select {
			case p.out <- out:
			default:
				// output queue full: the pipeline worker isn't draining
				// fast enough. Drop the oldest to make room rather than
				// stalling the front-end worker permanently.
				select {
				case <-p.out:
				default:
				}
				select {
				case p.out <- out:
				default:
				}
			}
		}
	}
}

func (p *processor) processBlock(block []int16) Output {
	p.mu.Lock()
	aecOn := p.aecOn
	wakeOn := p.wakeOn
	p.mu.Unlock()

	n := p.cfg.SamplesPerChunk
	mono := make([]int16, n)
	nch := int(p.cfg.Channels)
	for i := 0; i < n && i*nch < len(block); i++ {
		mic0 := block[i*nch]
		var ref int16
		if aecOn && nch == int(ChannelsMicAndRef) && i*nch+2 < len(block) {
			ref = block[i*nch+2]
		}
		// Passthrough AEC: subtract a small fraction of the reference
		// sample as a crude residual estimate. A production build wires a
		// real AEC (WebRTC AEC3, Speex) behind this same interface.
		v := int32(mic0)
		if aecOn {
			v -= int32(ref) / 4
		}
		mono[i] = clampInt16(v)
	}

	rms := rms16(mono)
	vad := p.classifyVAD(rms)
	wake, wakeIdx := p.classifyWake(wakeOn, rms)

	return Output{
		PCM: mono,
		Meta: OutputMeta{
			Wake:       wake,
			Vad:        vad,
			Volume:     rms,
			WakeWordID: wakeIdx,
		},
	}
}

func (p *processor) classifyVAD(rms float64) VadState {
	if !p.cfg.EnableVAD {
		return VadSilence
	}
	threshold := vadThreshold(p.cfg.VadSensitivity)
	speech := rms >= threshold
	p.vadWin = append(p.vadWin, speech)
	const smoothN = 3
	if len(p.vadWin) > smoothN {
		p.vadWin = p.vadWin[len(p.vadWin)-smoothN:]
	}
	trueCount := 0
	for _, b := range p.vadWin {
		if b {
			trueCount++
		}
	}
	if trueCount*2 >= len(p.vadWin) {
		return VadSpeech
	}
	return VadSilence
}

func vadThreshold(sensitivity int) float64 {
	switch {
	case sensitivity <= 0:
		return 600
	case sensitivity == 1:
		return 450
	case sensitivity == 2:
		return 300
	default:
		return 180
	}
}

// classifyWake is a deliberately crude energy-burst detector: it fires once
// when the newest chunk's RMS exceeds both 500 and 2.2x the mean of the
// previous four chunks, and re-arms only after the level falls back below
// 1.2x that baseline. Production firmware replaces this with a real
// keyword-spotting model loaded from cfg.WakeModelIDs.
func (p *processor) classifyWake(enabled bool, rms float64) (WakeState, int) {
	if !enabled {
		p.wakeEnergyHist = nil
		p.wakeArmed = false
		return WakeNone, 0
	}
	p.wakeEnergyHist = append(p.wakeEnergyHist, rms)
	const histLen = 5
	if len(p.wakeEnergyHist) > histLen {
		p.wakeEnergyHist = p.wakeEnergyHist[len(p.wakeEnergyHist)-histLen:]
	}
	if len(p.wakeEnergyHist) < histLen {
		return WakeNone, 0
	}
	var baseline float64
	for _, v := range p.wakeEnergyHist[:histLen-1] {
		baseline += v
	}
	baseline /= float64(histLen - 1)
	last := p.wakeEnergyHist[histLen-1]
	if !p.wakeArmed && baseline > 0 && last > baseline*2.2 && last > 500 {
		p.wakeArmed = true
		return WakeTriggered, 0
	}
	if last < baseline*1.2 {
		p.wakeArmed = false
	}
	return WakeNone, 0
}

func rms16(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		f := float64(s)
		sum += f * f
	}
	return math.Sqrt(sum / float64(len(samples)))
}

func clampInt16(v int32) int16 {
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}
