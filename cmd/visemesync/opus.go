package main

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/normanking/visemesync/internal/audio"
)

// opusFrames reads Opus packets, each prefixed with its length as a 2-byte
// little-endian integer.
type opusFrames struct {
	r      io.Reader
	dec    *audio.OpusTap
	packet []byte
}

func newOpusFrames(r io.Reader, dec *audio.OpusTap) *opusFrames {
	return &opusFrames{r: r, dec: dec}
}

func (o *opusFrames) next() (time.Duration, error) {
	var size [2]byte
	if _, err := io.ReadFull(o.r, size[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return 0, io.EOF
		}
		return 0, fmt.Errorf("read opus packet length: %w", err)
	}

	n := int(binary.LittleEndian.Uint16(size[:]))
	if cap(o.packet) < n {
		o.packet = make([]byte, n)
	}
	o.packet = o.packet[:n]
	if _, err := io.ReadFull(o.r, o.packet); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return 0, fmt.Errorf("read opus packet: %w", err)
	}

	samples, err := o.dec.Write(o.packet)
	if err != nil {
		return 0, err
	}
	return time.Duration(samples) * time.Second / audio.OpusSampleRate, nil
}
