// Package codec wraps Opus encode/decode of the fixed-duration PCM frames
// that cross the wire as compressed packets (spec §3, §6). The encoder and
// decoder each hold codec-internal state across frames, so a dropped frame
// on either side must never desynchronise the stream — callers simply skip
// the frame and keep calling with the next one.
package codec

import (
	"fmt"

	"github.com/hraban/opus"
)

// Encoder turns fixed-size mono PCM frames into compressed packets.
// Grounded on the teacher's internal/rtc/audio.go OpusPacedWriter, which
// does the equivalent encode step for outbound WebRTC samples.
type Encoder struct {
	enc         *opus.Encoder
	frameSamples int
}

// NewEncoder builds a mono encoder for the given sample rate and frame size
// (in samples), using the opus.AppVoIP (speech) application mode.
func NewEncoder(sampleRate, frameSamples int) (*Encoder, error) {
	enc, err := opus.NewEncoder(sampleRate, 1, opus.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("codec: new encoder: %w", err)
	}
	return &Encoder{enc: enc, frameSamples: frameSamples}, nil
}

// Encode compresses one frame of exactly frameSamples int16 samples. On
// encoder failure, per spec §4.1 "an encoder failure drops one frame" — the
// caller must not retry with stale state, just move on to the next frame.
func (e *Encoder) Encode(pcm []int16) ([]byte, error) {
	if len(pcm) != e.frameSamples {
		return nil, fmt.Errorf("codec: encode: expected %d samples, got %d", e.frameSamples, len(pcm))
	}
	buf := make([]byte, 4096)
	n, err := e.enc.Encode(pcm, buf)
	if err != nil {
		return nil, fmt.Errorf("codec: encode: %w", err)
	}
	out := make([]byte, n)
	copy(out, buf[:n])
	return out, nil
}

// Decoder turns compressed downlink packets back into fixed-size mono PCM
// frames.
type Decoder struct {
	dec          *opus.Decoder
	frameSamples int
}

// NewDecoder builds a decoder for the given sample rate and frame size (in
// samples) — the downlink codec frame duration, per spec §6 60ms/960
// samples at 16kHz by default.
func NewDecoder(sampleRate, frameSamples int) (*Decoder, error) {
	dec, err := opus.NewDecoder(sampleRate, 1)
	if err != nil {
		return nil, fmt.Errorf("codec: new decoder: %w", err)
	}
	return &Decoder{dec: dec, frameSamples: frameSamples}, nil
}

// FrameSamples reports the fixed frame size this decoder was built for.
func (d *Decoder) FrameSamples() int { return d.frameSamples }

// Decode expands one compressed packet into PCM, returning the number of
// samples written into out (out must be at least frameSamples long). On
// decode error, per spec §4.1 "a decode error drops one packet" — the
// caller should treat this as silence for that slot and continue.
func (d *Decoder) Decode(packet []byte, out []int16) (int, error) {
	if len(out) < d.frameSamples {
		return 0, fmt.Errorf("codec: decode: output buffer too small (%d < %d)", len(out), d.frameSamples)
	}
	n, err := d.dec.Decode(packet, out[:d.frameSamples])
	if err != nil {
		return 0, fmt.Errorf("codec: decode: %w", err)
	}
	return n, nil
}

// ApplyGain applies the fixed software preamp described in spec §4.1 /
// §6 ("fixed 3x with saturation") in place, saturating at int16 bounds.
func ApplyGain(pcm []int16, gain float64) {
	for i, s := range pcm {
		v := float64(s) * gain
		if v > 32767 {
			v = 32767
		} else if v < -32768 {
			v = -32768
		}
		pcm[i] = int16(v)
	}
}
