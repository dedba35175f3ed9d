// Package audio turns a live audio stream into lip-sync frames: it captures a
// frequency-domain snapshot of the stream, classifies it into a coarse viseme
// by band energy and damps the classification over a short history window.
package audio

import (
	"errors"
	"fmt"

	"github.com/normanking/visemesync/internal/viseme"
)

// Common errors
var (
	ErrUnattached = errors.New("audio analyzer not attached")
	ErrDetached   = errors.New("audio analyzer detached")
	ErrInactive   = errors.New("audio analyzer inactive")
	ErrNoSource   = errors.New("audio source is nil")

	// ErrConfiguration matches every *ConfigurationError via errors.Is.
	ErrConfiguration = errors.New("invalid audio configuration")
)

// FFTSize is the length of the transform window; BinCount is the number of
// magnitude bins it yields.
const (
	FFTSize  = 256
	BinCount = FFTSize / 2
)

// ConfigurationError reports a rejected construction parameter.
type ConfigurationError struct {
	Field  string
	Value  float64
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("audio: invalid %s %v: %s", e.Field, e.Value, e.Reason)
}

func (e *ConfigurationError) Is(target error) bool {
	return target == ErrConfiguration
}

// Config holds analyzer configuration
type Config struct {
	Sensitivity float32 `json:"sensitivity"` // Post-multiplier on intensity, default 1.0
	Smoothing   float32 `json:"smoothing"`   // Spectrum time constant passed to the source, default 0.8
	MinVolume   float32 `json:"min_volume"`  // Default: 0.01
	MaxVolume   float32 `json:"max_volume"`  // Default: 1.0
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		Sensitivity: 1.0,
		Smoothing:   0.8,
		MinVolume:   0.01,
		MaxVolume:   1.0,
	}
}

// Validate rejects out-of-range parameters with a *ConfigurationError.
func (c Config) Validate() error {
	if !unit(c.MinVolume) {
		return &ConfigurationError{Field: "min_volume", Value: float64(c.MinVolume), Reason: "must be within [0,1]"}
	}
	if !unit(c.MaxVolume) {
		return &ConfigurationError{Field: "max_volume", Value: float64(c.MaxVolume), Reason: "must be within [0,1]"}
	}
	if c.MinVolume > c.MaxVolume {
		return &ConfigurationError{Field: "min_volume", Value: float64(c.MinVolume), Reason: "must not exceed max_volume"}
	}
	if !unit(c.Smoothing) {
		return &ConfigurationError{Field: "smoothing", Value: float64(c.Smoothing), Reason: "must be within [0,1]"}
	}
	if !(c.Sensitivity >= 0) {
		return &ConfigurationError{Field: "sensitivity", Value: float64(c.Sensitivity), Reason: "must not be negative"}
	}
	return nil
}

// unit reports v ∈ [0,1]; NaN fails.
func unit(v float32) bool {
	return v >= 0 && v <= 1
}

// Source is a non-blocking handle onto an audio stream's current spectrum.
type Source interface {
	// SampleRate of the underlying stream in Hz.
	SampleRate() float64

	// FrequencyData fills dst with one magnitude byte per bin.
	FrequencyData(dst []byte)
}

// smoothingSource is implemented by sources whose spectrum pre-filter takes a
// time constant.
type smoothingSource interface {
	SetSmoothing(tau float64)
}

// FrequencyBand is an inclusive bin range attributed to one viseme class.
type FrequencyBand struct {
	Class viseme.Class `json:"class"`
	Start int          `json:"start"`
	End   int          `json:"end"`
}

// bandRange holds the reference frequencies of a band in Hz.
type bandRange struct {
	class  viseme.Class
	lo, hi float64
}

// Order is significant: ties between vowel bands go to the earlier entry.
var referenceBands = []bandRange{
	{viseme.A, 700, 1100},
	{viseme.E, 400, 600},
	{viseme.I, 300, 400},
	{viseme.O, 500, 800},
	{viseme.U, 300, 500},
	{viseme.Consonant, 2000, 4000},
	{viseme.Silence, 0, 200},
}

// ComputeBands derives the band bin ranges for a stream sample rate.
func ComputeBands(sampleRate float64, binCount int) []FrequencyBand {
	binSize := (sampleRate / 2) / float64(binCount)
	bands := make([]FrequencyBand, 0, len(referenceBands))
	for _, r := range referenceBands {
		bands = append(bands, FrequencyBand{
			Class: r.class,
			Start: clampBin(int(r.lo/binSize), binCount),
			End:   clampBin(int(r.hi/binSize), binCount),
		})
	}
	return bands
}

func clampBin(i, binCount int) int {
	if i < 0 {
		return 0
	}
	if i >= binCount {
		return binCount - 1
	}
	return i
}

// average returns the mean magnitude over the band's bins.
func (b FrequencyBand) average(spectrum []byte) float64 {
	if b.End < b.Start || b.Start >= len(spectrum) {
		return 0
	}
	end := b.End
	if end >= len(spectrum) {
		end = len(spectrum) - 1
	}
	var sum float64
	for _, v := range spectrum[b.Start : end+1] {
		sum += float64(v)
	}
	return sum / float64(end-b.Start+1)
}
