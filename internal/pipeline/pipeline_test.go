package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/tonypk/hitony-firmware/internal/codec"
	"github.com/tonypk/hitony-firmware/internal/frontend"
	"github.com/tonypk/hitony-firmware/internal/pool"
)

// fakeCapture feeds a caller-supplied sequence of interleaved frames, then
// silence forever. Safe for concurrent Command/Read access in tests since
// only Run reads it.
type fakeCapture struct {
	mu     sync.Mutex
	frames [][]int16
	idx    int
}

func (f *fakeCapture) ReadFrame(ctx context.Context, out []int16) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.idx < len(f.frames) {
		n := copy(out, f.frames[f.idx])
		f.idx++
		return n, nil
	}
	for i := range out {
		out[i] = 0
	}
	return len(out), nil
}

func (f *fakeCapture) push(frame []int16) {
	f.mu.Lock()
	f.frames = append(f.frames, frame)
	f.mu.Unlock()
}

type fakeSpeaker struct {
	mu      sync.Mutex
	written [][]int16
}

func (s *fakeSpeaker) Write(pcm []int16) error {
	s.mu.Lock()
	cp := make([]int16, len(pcm))
	copy(cp, pcm)
	s.written = append(s.written, cp)
	s.mu.Unlock()
	return nil
}

func loudFrame(n int, amp int16) []int16 {
	out := make([]int16, n*2)
	for i := 0; i < n; i++ {
		v := amp
		if i%2 == 1 {
			v = -amp
		}
		out[2*i] = v
		out[2*i+1] = v
	}
	return out
}

func testWorker(t *testing.T) (*Worker, *fakeCapture, *fakeSpeaker) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.MicFrameSamples = 320
	cfg.RingCapacity = 4000
	cfg.RecordingHardCap = 200 * time.Millisecond
	cfg.VadSilenceWindow = 50 * time.Millisecond
	cfg.ShortUtteranceWindow = 10 * time.Millisecond
	cfg.ThinkingTimeout = 150 * time.Millisecond
	cfg.AECConvergenceDeadline = 10 * time.Millisecond
	cfg.PlaybackDequeueTimeout = 5 * time.Millisecond
	cfg.StatsInterval = time.Hour

	feCfg := frontend.DefaultConfig()
	feCfg.SamplesPerChunk = 320
	fe := frontend.New(feCfg)

	enc, err := codec.NewEncoder(16000, cfg.CodecFrameSamples)
	if err != nil {
		t.Skipf("opus unavailable: %v", err)
	}
	dec, err := codec.NewDecoder(16000, 960)
	if err != nil {
		t.Skipf("opus unavailable: %v", err)
	}

	alloc := pool.New(pool.DefaultCapacities())
	cap := &fakeCapture{}
	speaker := &fakeSpeaker{}
	w := New(cfg, cap, speaker, fe, enc, dec, alloc, zap.NewNop())
	return w, cap, speaker
}

func TestStartRecordingEntersRecordingMode(t *testing.T) {
	w, _, _ := testWorker(t)
	w.mic0.Write([]int16{1, 2, 3})
	w.Command(CmdStartRecording)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	go w.Run(ctx)
	time.Sleep(20 * time.Millisecond)

	if w.Mode() != ModeRecording {
		t.Fatalf("mode = %v, want Recording", w.Mode())
	}
}

func TestRecordingHardCapEntersThinking(t *testing.T) {
	w, cap, _ := testWorker(t)
	// Keep the VAD-silence path out of the way so only the hard cap can end
	// the recording.
	w.cfg.VadSilenceWindow = time.Hour
	for i := 0; i < 20; i++ {
		cap.push(loudFrame(320, 5000))
	}
	w.Command(CmdStartRecording)

	ctx, cancel := context.WithTimeout(context.Background(), 400*time.Millisecond)
	defer cancel()
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	deadline := time.After(350 * time.Millisecond)
	for {
		select {
		case ev := <-w.Events():
			if ev.Kind == EventVadEnd {
				if w.Mode() != ModeThinking {
					t.Fatalf("expected Thinking after hard cap VadEnd, got %v", w.Mode())
				}
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for recording hard-cap VadEnd")
		}
	}
}

func TestWakeMutedDuringPlayback(t *testing.T) {
	w, _, _ := testWorker(t)
	w.Command(CmdStartPlayback)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	go w.Run(ctx)
	time.Sleep(20 * time.Millisecond)

	w.evaluateWake(frontend.OutputMeta{Wake: frontend.WakeTriggered})
	select {
	case ev := <-w.Events():
		if ev.Kind == EventWakeDetected {
			t.Fatal("acoustic wake must be muted during Playing")
		}
	default:
	}
}

func TestTouchWakeAlwaysHonoured(t *testing.T) {
	w, _, _ := testWorker(t)
	w.Command(CmdStartPlayback)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	go w.Run(ctx)
	time.Sleep(10 * time.Millisecond)

	w.TouchWake()
	select {
	case ev := <-w.Events():
		if ev.Kind != EventTouchWake {
			t.Fatalf("expected EventTouchWake, got %v", ev.Kind)
		}
	case <-time.After(200 * time.Millisecond):
		t.Fatal("touch wake was not delivered")
	}
}

func TestEnqueuePlaybackRespectsCapacity(t *testing.T) {
	w, _, _ := testWorker(t)
	alloc := w.alloc
	ok := true
	var last bool
	for i := 0; i < 32; i++ {
		blk := alloc.AcquireFor(64)
		if blk == nil {
			t.Fatalf("pool exhausted at %d", i)
		}
		last = w.Enqueue(PlaybackPacket{Block: blk, Len: 1})
		if !last {
			ok = false
			alloc.Release(blk)
			break
		}
	}
	if ok {
		t.Fatal("expected playback queue to eventually reject when full")
	}
}
