package audio

import (
	"math"
	"math/cmplx"
	"sync"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/dsp/window"
)

// Decibel range mapped onto the 0..255 byte scale.
const (
	minDecibels = -100.0
	maxDecibels = -30.0
)

// SpectrumTap is the frequency-transform context behind a Source. PCM is
// written from the capture or playback path; FrequencyData runs a windowed
// FFT over the newest FFTSize samples and smooths magnitudes over time.
type SpectrumTap struct {
	mu         sync.Mutex
	sampleRate float64
	smoothing  float64

	// ring holds the newest FFTSize samples; pos is the next write slot.
	ring [FFTSize]float64
	pos  int

	fft      *fourier.FFT
	buf      []float64
	coeffs   []complex128
	smoothed [BinCount]float64
}

// NewSpectrumTap creates a tap for a mono stream at sampleRate Hz.
func NewSpectrumTap(sampleRate float64) *SpectrumTap {
	return &SpectrumTap{
		sampleRate: sampleRate,
		smoothing:  float64(DefaultConfig().Smoothing),
		fft:        fourier.NewFFT(FFTSize),
		buf:        make([]float64, FFTSize),
		coeffs:     make([]complex128, FFTSize/2+1),
	}
}

// SampleRate implements Source.
func (t *SpectrumTap) SampleRate() float64 {
	return t.sampleRate
}

// SetSmoothing sets the averaging constant in [0,1) applied across
// successive snapshots. Values outside the range are clamped.
func (t *SpectrumTap) SetSmoothing(tau float64) {
	if tau < 0 {
		tau = 0
	}
	if tau > 1 {
		tau = 1
	}
	t.mu.Lock()
	t.smoothing = tau
	t.mu.Unlock()
}

// WriteInt16 appends signed 16-bit mono samples.
func (t *SpectrumTap) WriteInt16(samples []int16) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, s := range samples {
		t.push(float64(s) / 32768.0)
	}
}

// WriteFloat32 appends float mono samples in [-1,1].
func (t *SpectrumTap) WriteFloat32(samples []float32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, s := range samples {
		t.push(float64(s))
	}
}

func (t *SpectrumTap) push(v float64) {
	t.ring[t.pos] = v
	t.pos = (t.pos + 1) % len(t.ring)
}

// Reset clears buffered samples and smoothing state.
func (t *SpectrumTap) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ring = [FFTSize]float64{}
	t.smoothed = [BinCount]float64{}
	t.pos = 0
}

// FrequencyData implements Source. dst receives min(len(dst), BinCount)
// bytes; any remainder is zeroed.
func (t *SpectrumTap) FrequencyData(dst []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()

	// Oldest sample first.
	n := copy(t.buf, t.ring[t.pos:])
	copy(t.buf[n:], t.ring[:t.pos])

	window.Blackman(t.buf)
	t.coeffs = t.fft.Coefficients(t.coeffs, t.buf)

	for k := 0; k < len(dst); k++ {
		if k >= BinCount {
			dst[k] = 0
			continue
		}
		mag := cmplx.Abs(t.coeffs[k]) / FFTSize
		t.smoothed[k] = t.smoothing*t.smoothed[k] + (1-t.smoothing)*mag
		dst[k] = toByte(t.smoothed[k])
	}
}

// toByte maps a linear magnitude onto the byte scale through decibels.
func toByte(mag float64) byte {
	if mag <= 0 {
		return 0
	}
	db := 20 * math.Log10(mag)
	scaled := 255 * (db - minDecibels) / (maxDecibels - minDecibels)
	switch {
	case scaled <= 0:
		return 0
	case scaled >= 255:
		return 255
	default:
		return byte(scaled)
	}
}
