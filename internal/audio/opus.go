package audio

import (
	"fmt"

	"layeh.com/gopus"
)

// Opus streams decode at 48 kHz; 120 ms is the longest frame a packet can
// carry.
const (
	OpusSampleRate   = 48000
	opusMaxFrameSize = OpusSampleRate * 120 / 1000
)

// OpusTap decodes Opus packets into a SpectrumTap so that speech arriving
// encoded (for example TTS playback) can be analyzed.
type OpusTap struct {
	dec      *gopus.Decoder
	tap      *SpectrumTap
	channels int
	mono     []int16
}

// NewOpusTap creates a decoder feeding tap. The tap must run at 48 kHz.
func NewOpusTap(tap *SpectrumTap, channels int) (*OpusTap, error) {
	if tap.SampleRate() != OpusSampleRate {
		return nil, fmt.Errorf("opus tap: spectrum tap runs at %v Hz, need %d", tap.SampleRate(), OpusSampleRate)
	}
	if channels != 1 && channels != 2 {
		return nil, fmt.Errorf("opus tap: unsupported channel count %d", channels)
	}
	dec, err := gopus.NewDecoder(OpusSampleRate, channels)
	if err != nil {
		return nil, fmt.Errorf("opus tap: create decoder: %w", err)
	}
	return &OpusTap{dec: dec, tap: tap, channels: channels}, nil
}

// Write decodes one packet and feeds the mono downmix to the tap. It returns
// the number of samples per channel the packet carried.
func (o *OpusTap) Write(packet []byte) (int, error) {
	pcm, err := o.dec.Decode(packet, opusMaxFrameSize, false)
	if err != nil {
		return 0, fmt.Errorf("opus tap: decode: %w", err)
	}
	mono := o.downmix(pcm)
	o.tap.WriteInt16(mono)
	return len(mono), nil
}

// downmix averages interleaved channels into a mono buffer reused across
// calls.
func (o *OpusTap) downmix(pcm []int16) []int16 {
	if o.channels == 1 {
		return pcm
	}
	n := len(pcm) / o.channels
	if cap(o.mono) < n {
		o.mono = make([]int16, n)
	}
	o.mono = o.mono[:n]
	for i := 0; i < n; i++ {
		o.mono[i] = int16((int32(pcm[2*i]) + int32(pcm[2*i+1])) / 2)
	}
	return o.mono
}

// Source returns the tap the decoder writes to.
func (o *OpusTap) Source() *SpectrumTap {
	return o.tap
}
