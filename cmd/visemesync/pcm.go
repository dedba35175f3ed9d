package main

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/normanking/visemesync/internal/audio"
)

const pcmChunk = 10 * time.Millisecond

// pcmFrames reads raw mono s16le PCM in fixed chunks.
type pcmFrames struct {
	r     io.Reader
	tap   *audio.SpectrumTap
	rate  int
	chunk time.Duration
	buf   []byte
	pcm   []int16
}

func newPCMFrames(r io.Reader, tap *audio.SpectrumTap, rate int) *pcmFrames {
	return &pcmFrames{r: r, tap: tap, rate: rate, chunk: pcmChunk}
}

func (p *pcmFrames) next() (time.Duration, error) {
	if p.buf == nil {
		samples := p.rate * int(p.chunk) / int(time.Second)
		if samples <= 0 {
			return 0, fmt.Errorf("pcm: chunk of %v at %d Hz holds no samples", p.chunk, p.rate)
		}
		p.buf = make([]byte, samples*2)
		p.pcm = make([]int16, samples)
	}

	n, err := io.ReadFull(p.r, p.buf)
	var d time.Duration
	if n >= 2 {
		samples := decodeS16LE(p.buf[:n-n%2], p.pcm)
		p.tap.WriteInt16(samples)
		d = time.Duration(len(samples)) * time.Second / time.Duration(p.rate)
	}
	switch {
	case err == nil:
		return d, nil
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return d, io.EOF
	default:
		return d, fmt.Errorf("read pcm: %w", err)
	}
}

func decodeS16LE(b []byte, dst []int16) []int16 {
	n := len(b) / 2
	for i := 0; i < n; i++ {
		dst[i] = int16(binary.LittleEndian.Uint16(b[2*i:]))
	}
	return dst[:n]
}
