package session

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/tonypk/hitony-firmware/internal/codec"
	"github.com/tonypk/hitony-firmware/internal/frontend"
	"github.com/tonypk/hitony-firmware/internal/pipeline"
	"github.com/tonypk/hitony-firmware/internal/pool"
	"github.com/tonypk/hitony-firmware/internal/transport"
)

type nopCapture struct{}

func (nopCapture) ReadFrame(ctx context.Context, out []int16) (int, error) {
	return len(out), nil
}

type nopSpeaker struct{}

func (nopSpeaker) Write(pcm []int16) error { return nil }

// fakeUI records the last SetMusicTitle call for assertions; every other
// method is a no-op.
type fakeUI struct {
	musicTitle string
}

func (*fakeUI) SetStatus(string)                    {}
func (*fakeUI) SetExpression(string, time.Duration) {}
func (*fakeUI) SetReconnectCountdown(int)           {}
func (*fakeUI) SetThinking(bool)                    {}
func (f *fakeUI) SetMusicTitle(title string)        { f.musicTitle = title }

func testSession(t *testing.T) (*Session, *pipeline.Worker, *pool.Allocator) {
	t.Helper()
	alloc := pool.New(pool.DefaultCapacities())

	feCfg := frontend.DefaultConfig()
	fe := frontend.New(feCfg)

	enc, err := codec.NewEncoder(16000, 320)
	if err != nil {
		t.Skipf("opus unavailable: %v", err)
	}
	dec, err := codec.NewDecoder(16000, 960)
	if err != nil {
		t.Skipf("opus unavailable: %v", err)
	}

	pcfg := pipeline.DefaultConfig()
	pipe := pipeline.New(pcfg, nopCapture{}, nopSpeaker{}, fe, enc, dec, alloc, zap.NewNop())

	tcfg := transport.DefaultConfig("ws://unused.invalid", "hitony-aabbccddeeff", "tok")
	trans := transport.New(tcfg, alloc, zap.NewNop())

	scfg := DefaultConfig("hitony-aabbccddeeff", "1.0.0")
	scfg.DrainPollInterval = time.Millisecond
	s := New(scfg, trans, pipe, alloc, nil, nil, nil, nil, zap.NewNop())
	return s, pipe, alloc
}

func TestWakeIgnoredBeforeHandshake(t *testing.T) {
	s, _, _ := testSession(t)
	s.onWakeDetected()
	if s.state != StateIdle {
		t.Fatalf("state = %v, want Idle (wake must be gated until hello reply)", s.state)
	}
}

func TestWakeEntersRecordingAfterHandshake(t *testing.T) {
	s, _, _ := testSession(t)
	s.helloReceived = true
	s.onWakeDetected()
	if s.state != StateRecording {
		t.Fatalf("state = %v, want Recording", s.state)
	}
}

func TestRecordingIgnoresRepeatWake(t *testing.T) {
	s, _, _ := testSession(t)
	s.helloReceived = true
	s.onWakeDetected()
	deadline := s.recordingDeadline
	s.onWakeDetected()
	if s.state != StateRecording {
		t.Fatalf("state = %v, want Recording", s.state)
	}
	if !s.recordingDeadline.Equal(deadline) {
		t.Fatalf("repeat wake while Recording must be ignored, deadline changed")
	}
}

func TestWakeDuringSpeakingAbortsAndFlushes(t *testing.T) {
	s, pipe, alloc := testSession(t)
	s.helloReceived = true
	s.enterSpeaking()

	blk := alloc.AcquireFor(64)
	if !pipe.Enqueue(pipeline.PlaybackPacket{Block: blk, Len: 4}) {
		t.Fatal("enqueue failed")
	}
	before := alloc.StatsFor(64)

	s.onWakeDetected()

	if s.state != StateRecording {
		t.Fatalf("state = %v, want Recording", s.state)
	}
	after := alloc.StatsFor(64)
	if after.Releases != before.Releases+1 {
		t.Fatalf("expected flushed playback packet to be released, releases %d -> %d", before.Releases, after.Releases)
	}
}

func TestWakeDuringMusicPausesAndMarksWasPlaying(t *testing.T) {
	s, _, _ := testSession(t)
	s.helloReceived = true
	s.state = StateMusic

	s.onWakeDetected()

	if s.state != StateRecording {
		t.Fatalf("state = %v, want Recording", s.state)
	}
	if !s.musicWasPlaying {
		t.Fatal("expected musicWasPlaying to be set")
	}
}

func TestMusicStartThreadsTitleToUI(t *testing.T) {
	s, _, _ := testSession(t)
	ui := &fakeUI{}
	s.ui = ui

	s.handleControlMessage([]byte(`{"type":"music_start","title":"Kind of Blue"}`))

	if s.state != StateMusic {
		t.Fatalf("state = %v, want Music", s.state)
	}
	if ui.musicTitle != "Kind of Blue" {
		t.Fatalf("musicTitle = %q, want %q", ui.musicTitle, "Kind of Blue")
	}
}

func TestRecordingEndEntersThinking(t *testing.T) {
	s, _, _ := testSession(t)
	s.helloReceived = true
	s.onWakeDetected()

	s.onRecordingEnd()

	if s.state != StateIdle {
		t.Fatalf("state = %v, want Idle", s.state)
	}
	if !s.thinking {
		t.Fatal("expected thinking to be true after RecordingEnd")
	}
}

func TestRecordingEndIgnoredOutsideRecording(t *testing.T) {
	s, _, _ := testSession(t)
	s.onRecordingEnd()
	if s.state != StateIdle || s.thinking {
		t.Fatal("RecordingEnd outside Recording must be a no-op")
	}
}

func TestTtsStartFromIdleEntersSpeaking(t *testing.T) {
	s, _, _ := testSession(t)
	s.onTtsStart()
	if s.state != StateSpeaking {
		t.Fatalf("state = %v, want Speaking", s.state)
	}
}

func TestDrainWaitRequiresTenConsecutiveEmptyPolls(t *testing.T) {
	s, _, _ := testSession(t)
	s.enterSpeaking()
	s.onTtsEnd()

	for i := 0; i < DefaultConfig("d", "f").DrainRequiredEmpty-1; i++ {
		s.progressDrain()
		if s.state != StateSpeaking {
			t.Fatalf("transitioned early after %d empty polls", i+1)
		}
	}
	s.progressDrain()
	if s.state != StateIdle {
		t.Fatalf("state = %v, want Idle after required empty polls", s.state)
	}
}

func TestDrainWaitResetsOnNonEmptyQueue(t *testing.T) {
	s, pipe, alloc := testSession(t)
	s.enterSpeaking()
	s.onTtsEnd()

	s.progressDrain()
	s.progressDrain()
	if s.drainEmptyHits != 2 {
		t.Fatalf("drainEmptyHits = %d, want 2", s.drainEmptyHits)
	}

	blk := alloc.AcquireFor(64)
	pipe.Enqueue(pipeline.PlaybackPacket{Block: blk, Len: 1})
	s.progressDrain()
	if s.drainEmptyHits != 0 {
		t.Fatalf("drainEmptyHits = %d, want reset to 0 when queue non-empty", s.drainEmptyHits)
	}
	pipe.FlushPlayback()
}

func TestMusicResumeAfterDrainWhenWasPlaying(t *testing.T) {
	s, _, _ := testSession(t)
	s.helloReceived = true
	s.state = StateMusic
	s.onWakeDetected() // -> Recording, musicWasPlaying = true
	s.onRecordingEnd()
	s.onTtsStart() // voice turn TTS
	s.onTtsEnd()

	for i := 0; i < DefaultConfig("d", "f").DrainRequiredEmpty; i++ {
		s.progressDrain()
	}

	if s.state != StateMusic {
		t.Fatalf("state = %v, want Music (resumed)", s.state)
	}
	if s.musicWasPlaying {
		t.Fatal("musicWasPlaying should be consumed after resume")
	}
}

func TestRecordingHardCapForcesThinking(t *testing.T) {
	s, _, _ := testSession(t)
	s.helloReceived = true
	s.onWakeDetected()
	s.recordingDeadline = time.Now().Add(-time.Millisecond)

	s.tick()

	if s.state != StateIdle || !s.thinking {
		t.Fatalf("state=%v thinking=%v, want Idle+thinking after hard cap", s.state, s.thinking)
	}
}

func TestSpeakingSilenceTimeoutForcesIdle(t *testing.T) {
	s, _, _ := testSession(t)
	s.enterSpeaking()
	s.lastPacketAt = time.Now().Add(-9 * time.Second)

	s.tick()

	if s.state != StateIdle {
		t.Fatalf("state = %v, want Idle after speaking silence timeout", s.state)
	}
}

func TestThinkingTimeoutClearsThinkingFlag(t *testing.T) {
	s, _, _ := testSession(t)
	s.helloReceived = true
	s.onWakeDetected()
	s.onRecordingEnd()
	s.thinkingDeadline = time.Now().Add(-time.Millisecond)

	s.tick()

	if s.thinking {
		t.Fatal("expected thinking to clear after thinking timeout")
	}
}

func TestWsDisconnectedEntersErrorAndFlushes(t *testing.T) {
	s, pipe, alloc := testSession(t)
	s.enterSpeaking()
	blk := alloc.AcquireFor(64)
	pipe.Enqueue(pipeline.PlaybackPacket{Block: blk, Len: 1})

	s.handleTransportEvent(transport.Event{Kind: transport.EventDisconnected})

	if s.state != StateError {
		t.Fatalf("state = %v, want Error", s.state)
	}
	if pipe.PlaybackQueueDepth() != 0 {
		t.Fatal("expected playback queue flushed on disconnect")
	}
}

func TestReconnectAfterErrorRestoresIdleAndWake(t *testing.T) {
	s, _, _ := testSession(t)
	s.enterSpeaking()

	s.handleTransportEvent(transport.Event{Kind: transport.EventDisconnected})
	if s.state != StateError {
		t.Fatalf("state = %v, want Error", s.state)
	}

	s.handleTransportEvent(transport.Event{Kind: transport.EventConnected})
	if s.state != StateIdle {
		t.Fatalf("state = %v, want Idle after reconnect", s.state)
	}

	// Wake before the rehandshook hello reply must still be ignored.
	s.handlePipelineEvent(pipeline.Event{Kind: pipeline.EventWakeDetected})
	if s.state != StateIdle {
		t.Fatalf("state = %v, want Idle before hello reply", s.state)
	}

	s.handleControlMessage([]byte(`{"type":"hello","session_id":"def456"}`))
	if !s.helloReceived {
		t.Fatal("expected helloReceived after rehandshake")
	}

	s.handlePipelineEvent(pipeline.Event{Kind: pipeline.EventWakeDetected})
	if s.state != StateRecording {
		t.Fatalf("state = %v, want Recording; wake ignored permanently after reconnect", s.state)
	}

	s.onRecordingEnd()
	s.onTtsStart()
	if s.state != StateSpeaking {
		t.Fatalf("state = %v, want Speaking; tts_start ignored permanently after reconnect", s.state)
	}
}

func TestIntentionalCloseDoesNotEnterError(t *testing.T) {
	s, _, _ := testSession(t)
	s.state = StateSpeaking
	s.handleTransportEvent(transport.Event{Kind: transport.EventClosed})
	if s.state == StateError {
		t.Fatal("intentional close must not surface as Error")
	}
}

func TestHelloInboundGatesHandshake(t *testing.T) {
	s, _, _ := testSession(t)
	if s.helloReceived {
		t.Fatal("helloReceived should start false")
	}
	s.handleControlMessage([]byte(`{"type":"hello","session_id":"abc123"}`))
	if !s.helloReceived || s.sessionID != "abc123" {
		t.Fatalf("expected hello reply to set helloReceived and sessionID, got %v %q", s.helloReceived, s.sessionID)
	}
}

func TestBinaryBatchDroppedOutsideSpeakingOrMusic(t *testing.T) {
	s, pipe, _ := testSession(t)
	s.handleBinaryBatch([]byte{0, 2, 'h', 'i'})
	if pipe.PlaybackQueueDepth() != 0 {
		t.Fatal("expected binary batch outside Speaking/Music to be dropped")
	}
}
