package audio

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/normanking/visemesync/internal/observe"
	"github.com/normanking/visemesync/internal/viseme"
	"github.com/rs/zerolog"
)

// Classification thresholds on the 0..255 magnitude scale.
const (
	bandThreshold      = 20
	consonantThreshold = 30
	sibilantRatio      = 1.5
)

// Analyzer classifies the attached source's spectrum into lip-sync frames.
// Analyze must be driven serially by one loop; Attach, Detach and SetActive
// may be called from other goroutines between ticks.
type Analyzer struct {
	mu      sync.Mutex
	cfg     Config
	logger  zerolog.Logger
	metrics *observe.Metrics
	now     func() time.Time

	src      Source
	bands    []FrequencyBand
	spectrum []byte
	history  PhonemeHistory
	seq      uint64

	attachedOnce    bool
	active          bool
	detachPending   bool
	inactivePending bool
}

// Option customises an Analyzer.
type Option func(*Analyzer)

// WithClock overrides the frame timestamp source.
func WithClock(now func() time.Time) Option {
	return func(a *Analyzer) { a.now = now }
}

// WithMetrics records emitted frames on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *Analyzer) { a.metrics = m }
}

// NewAnalyzer validates cfg and returns an unattached, active analyzer.
func NewAnalyzer(cfg Config, logger zerolog.Logger, opts ...Option) (*Analyzer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	a := &Analyzer{
		cfg:      cfg,
		logger:   logger.With().Str("component", "analyzer").Logger(),
		now:      time.Now,
		spectrum: make([]byte, BinCount),
		active:   true,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.history.Reset()
	return a, nil
}

// Attach binds src and derives the band table from its sample rate. An
// already attached source is detached first without a trailing silence frame.
func (a *Analyzer) Attach(src Source) error {
	if src == nil {
		return ErrNoSource
	}
	rate := src.SampleRate()
	if !(rate > 0) {
		return &ConfigurationError{Field: "sample_rate", Value: rate, Reason: "must be positive"}
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.src != nil {
		a.logger.Debug().Msg("Re-attaching, previous source detached")
	}

	if s, ok := src.(smoothingSource); ok {
		s.SetSmoothing(float64(a.cfg.Smoothing))
	}

	a.src = src
	a.bands = ComputeBands(rate, BinCount)
	a.history.Reset()
	a.attachedOnce = true
	a.detachPending = false

	a.logger.Info().
		Float64("sample_rate", rate).
		Int("bins", BinCount).
		Msg("Audio source attached")
	return nil
}

// Detach releases the source. The next Analyze returns one silence frame,
// later calls return ErrDetached. Detaching twice is a no-op.
func (a *Analyzer) Detach() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.src == nil {
		return
	}
	a.src = nil
	a.detachPending = true
	a.inactivePending = false
	a.logger.Info().Msg("Audio source detached")
}

// SetActive toggles analysis. Going inactive yields one silence frame on the
// next Analyze, after which Analyze returns ErrInactive until reactivated.
func (a *Analyzer) SetActive(active bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.active == active {
		return
	}
	a.active = active
	a.inactivePending = !active
	a.logger.Debug().Bool("active", active).Msg("Analyzer activity changed")
}

// Active reports whether analysis is enabled.
func (a *Analyzer) Active() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.active
}

// Bands returns a copy of the current band table.
func (a *Analyzer) Bands() []FrequencyBand {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]FrequencyBand(nil), a.bands...)
}

// Config returns the active configuration.
func (a *Analyzer) Config() Config {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg
}

// SetSensitivity changes the intensity multiplier.
func (a *Analyzer) SetSensitivity(s float32) error {
	cfg := a.Config()
	cfg.Sensitivity = s
	if err := cfg.Validate(); err != nil {
		return err
	}
	a.mu.Lock()
	a.cfg.Sensitivity = s
	a.mu.Unlock()
	return nil
}

// Analyze produces the frame for the current tick.
func (a *Analyzer) Analyze() (viseme.Frame, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.src == nil {
		if a.detachPending {
			a.detachPending = false
			return a.silence(), nil
		}
		if a.attachedOnce {
			a.metrics.RecordSkip(context.Background(), "detached")
			return viseme.Frame{}, ErrDetached
		}
		a.metrics.RecordSkip(context.Background(), "unattached")
		return viseme.Frame{}, ErrUnattached
	}

	if !a.active {
		if a.inactivePending {
			a.inactivePending = false
			return a.silence(), nil
		}
		a.metrics.RecordSkip(context.Background(), "inactive")
		return viseme.Frame{}, ErrInactive
	}

	a.src.FrequencyData(a.spectrum)

	volume := a.volume(a.spectrum)

	raw := viseme.Silence
	if volume >= a.cfg.MinVolume*2 {
		raw = classify(a.spectrum, a.bands)
	}
	a.history.Push(raw)

	a.seq++
	frame := viseme.Frame{
		Volume:    volume,
		Phoneme:   a.history.Majority(),
		Intensity: clamp(volume*a.cfg.Sensitivity, 0, 1),
		Timestamp: a.now(),
		Spectrum:  append([]byte(nil), a.spectrum...),
		Seq:       a.seq,
	}

	a.metrics.RecordFrame(context.Background(), frame.Phoneme.String(), frame.Volume)
	return frame, nil
}

func (a *Analyzer) silence() viseme.Frame {
	a.seq++
	f := viseme.SilenceFrame(a.now(), a.seq)
	a.metrics.RecordFrame(context.Background(), f.Phoneme.String(), f.Volume)
	return f
}

// volume is the mean magnitude normalised to [0,1] and clamped to the
// configured bounds.
func (a *Analyzer) volume(spectrum []byte) float32 {
	var sum float64
	for _, v := range spectrum {
		sum += float64(v)
	}
	mean := sum / float64(len(spectrum))
	return clamp(float32(mean/255), a.cfg.MinVolume, a.cfg.MaxVolume)
}

// classify picks the raw viseme for one spectrum snapshot.
func classify(spectrum []byte, bands []FrequencyBand) viseme.Class {
	var energy [viseme.ClassCount]float64
	for _, b := range bands {
		energy[b.Class] = b.average(spectrum)
	}

	best := viseme.Silence
	bestEnergy := float64(bandThreshold)
	bestVowel := 0.0
	for _, b := range bands {
		if b.Class == viseme.Silence {
			continue
		}
		e := energy[b.Class]
		if b.Class != viseme.Consonant && e > bestVowel {
			bestVowel = e
		}
		if e > bestEnergy {
			best, bestEnergy = b.Class, e
		}
	}

	c := energy[viseme.Consonant]
	if c > bestVowel && c > consonantThreshold {
		return consonant(c, (energy[viseme.E]+energy[viseme.I])/2)
	}
	return best
}

// consonant splits strong high-band energy into sibilant, closed and plosive
// shapes by comparing it to the front-vowel energy.
func consonant(c, frontVowel float64) viseme.Class {
	switch {
	case c > sibilantRatio*frontVowel:
		return viseme.S
	case frontVowel > c:
		return viseme.M
	default:
		return viseme.B
	}
}

func clamp(v, min, max float32) float32 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

// String describes the band table, mainly for logs and the inspect command.
func (b FrequencyBand) String() string {
	return fmt.Sprintf("%s[%d..%d]", b.Class, b.Start, b.End)
}
