package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/normanking/visemesync/internal/audio"
	"github.com/normanking/visemesync/internal/bus"
	"github.com/rs/zerolog"
)

// Input formats accepted by run --input-format.
const (
	formatPCM  = "pcm"
	formatOpus = "opus"
)

// frameReader moves one frame of input into a spectrum tap and reports how
// much audio it carried. It returns io.EOF once the input is exhausted.
type frameReader interface {
	next() (time.Duration, error)
}

// openFrames builds the tap and frame reader for an input format. PCM runs at
// the configured rate; Opus always decodes at 48 kHz.
func openFrames(format string, r io.Reader, rate, channels int) (*audio.SpectrumTap, frameReader, error) {
	switch format {
	case "", formatPCM:
		if rate <= 0 {
			return nil, nil, fmt.Errorf("pcm: invalid sample rate %d", rate)
		}
		tap := audio.NewSpectrumTap(float64(rate))
		return tap, newPCMFrames(r, tap, rate), nil
	case formatOpus:
		tap := audio.NewSpectrumTap(audio.OpusSampleRate)
		dec, err := audio.NewOpusTap(tap, channels)
		if err != nil {
			return nil, nil, err
		}
		return tap, newOpusFrames(r, dec), nil
	default:
		return nil, nil, fmt.Errorf("unknown input format %q (want %s or %s)", format, formatPCM, formatOpus)
	}
}

// feeder plays frames into the analyzer at real-time pace, bracketing
// playback with session events.
type feeder struct {
	frames   frameReader
	eventBus *bus.EventBus
	start    bus.EventType
	stop     bus.EventType
	logger   zerolog.Logger
}

func newFeeder(frames frameReader, stream audio.StreamKind, eventBus *bus.EventBus, logger zerolog.Logger) *feeder {
	f := &feeder{
		frames:   frames,
		eventBus: eventBus,
		start:    bus.EventTypeListeningStarted,
		stop:     bus.EventTypeConnected,
		logger:   logger.With().Str("component", "input").Logger(),
	}
	if stream == audio.StreamOutput {
		f.start = bus.EventTypeSpeakingStarted
		f.stop = bus.EventTypeSpeakingStopped
	}
	return f
}

func (f *feeder) publish(t bus.EventType) {
	if f.eventBus != nil {
		f.eventBus.PublishSync(bus.Event{Type: t})
	}
}

// Run feeds until EOF or cancellation.
func (f *feeder) Run(ctx context.Context) error {
	f.publish(f.start)
	defer f.publish(f.stop)

	timer := time.NewTimer(0)
	defer timer.Stop()

	var total time.Duration
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}

		d, err := f.frames.next()
		total += d
		if errors.Is(err, io.EOF) {
			f.logger.Info().Dur("duration", total).Msg("Audio input finished")
			return nil
		}
		if err != nil {
			return err
		}
		timer.Reset(d)
	}
}
