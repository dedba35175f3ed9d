package audio

import (
	"fmt"
	"sync"
)

// StreamKind names which stream is analyzed.
type StreamKind string

const (
	StreamInput  StreamKind = "input"  // microphone / user speech
	StreamOutput StreamKind = "output" // playback / avatar speech
)

// StreamSelector exposes whichever of its two streams is active as a single
// Source. Both streams must share a sample rate because the analyzer derives
// its band table once per attach.
type StreamSelector struct {
	mu     sync.RWMutex
	input  Source
	output Source
	active StreamKind
}

// NewStreamSelector pairs an input and an output stream. Either may be nil;
// a nil active stream reads as silence.
func NewStreamSelector(input, output Source) (*StreamSelector, error) {
	if input != nil && output != nil && input.SampleRate() != output.SampleRate() {
		return nil, fmt.Errorf("stream selector: input rate %v differs from output rate %v",
			input.SampleRate(), output.SampleRate())
	}
	return &StreamSelector{
		input:  input,
		output: output,
		active: StreamInput,
	}, nil
}

// Select makes kind the analyzed stream.
func (s *StreamSelector) Select(kind StreamKind) error {
	if kind != StreamInput && kind != StreamOutput {
		return fmt.Errorf("stream selector: unknown stream %q", kind)
	}
	s.mu.Lock()
	s.active = kind
	s.mu.Unlock()
	return nil
}

// Active returns the analyzed stream kind.
func (s *StreamSelector) Active() StreamKind {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

func (s *StreamSelector) current() Source {
	if s.active == StreamOutput {
		return s.output
	}
	return s.input
}

// SampleRate implements Source.
func (s *StreamSelector) SampleRate() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if src := s.current(); src != nil {
		return src.SampleRate()
	}
	if s.input != nil {
		return s.input.SampleRate()
	}
	if s.output != nil {
		return s.output.SampleRate()
	}
	return 0
}

// FrequencyData implements Source.
func (s *StreamSelector) FrequencyData(dst []byte) {
	s.mu.RLock()
	src := s.current()
	s.mu.RUnlock()

	if src == nil {
		clear(dst)
		return
	}
	src.FrequencyData(dst)
}

// SetSmoothing forwards the time constant to both streams.
func (s *StreamSelector) SetSmoothing(tau float64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, src := range []Source{s.input, s.output} {
		if ss, ok := src.(smoothingSource); ok {
			ss.SetSmoothing(tau)
		}
	}
}
