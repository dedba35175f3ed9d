package audio

import (
	"errors"
	"testing"
	"time"

	"github.com/normanking/visemesync/internal/viseme"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSource serves a fixed spectrum.
type fakeSource struct {
	rate      float64
	data      []byte
	smoothing float64
}

func (f *fakeSource) SampleRate() float64      { return f.rate }
func (f *fakeSource) FrequencyData(dst []byte) { copy(dst, f.data) }
func (f *fakeSource) SetSmoothing(tau float64) { f.smoothing = tau }

// filled returns a spectrum of BinCount bins set to base, with [from,to]
// set to peak.
func filled(base, peak byte, from, to int) []byte {
	s := make([]byte, BinCount)
	for i := range s {
		s[i] = base
	}
	for i := from; i <= to; i++ {
		s[i] = peak
	}
	return s
}

// At 48 kHz the A band is bins 3..5 and the E band bins 2..3.
var (
	spectrumA = filled(124, 255, 3, 5)
	spectrumE = filled(124, 255, 2, 3)
)

func newTestAnalyzer(t *testing.T, cfg Config) *Analyzer {
	t.Helper()
	a, err := NewAnalyzer(cfg, zerolog.Nop(), WithClock(func() time.Time { return time.Unix(100, 0) }))
	require.NoError(t, err)
	return a
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name  string
		edit  func(*Config)
		field string
	}{
		{name: "defaults", edit: func(*Config) {}},
		{name: "negative min volume", edit: func(c *Config) { c.MinVolume = -0.1 }, field: "min_volume"},
		{name: "max volume above one", edit: func(c *Config) { c.MaxVolume = 1.5 }, field: "max_volume"},
		{name: "min above max", edit: func(c *Config) { c.MinVolume, c.MaxVolume = 0.6, 0.5 }, field: "min_volume"},
		{name: "smoothing above one", edit: func(c *Config) { c.Smoothing = 2 }, field: "smoothing"},
		{name: "negative sensitivity", edit: func(c *Config) { c.Sensitivity = -1 }, field: "sensitivity"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.edit(&cfg)

			_, err := NewAnalyzer(cfg, zerolog.Nop())
			if tt.field == "" {
				assert.NoError(t, err)
				return
			}

			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrConfiguration))
			var cerr *ConfigurationError
			require.True(t, errors.As(err, &cerr))
			assert.Equal(t, tt.field, cerr.Field)
		})
	}
}

func TestComputeBands(t *testing.T) {
	bands := ComputeBands(48000, BinCount)

	want := []FrequencyBand{
		{viseme.A, 3, 5},
		{viseme.E, 2, 3},
		{viseme.I, 1, 2},
		{viseme.O, 2, 4},
		{viseme.U, 1, 2},
		{viseme.Consonant, 10, 21},
		{viseme.Silence, 0, 1},
	}
	assert.Equal(t, want, bands)
}

func TestComputeBandsClampsToBinRange(t *testing.T) {
	bands := ComputeBands(8000, BinCount)

	for _, b := range bands {
		assert.GreaterOrEqual(t, b.Start, 0)
		assert.Less(t, b.End, BinCount)
	}
	// 4000 Hz is exactly Nyquist at 8 kHz.
	assert.Equal(t, FrequencyBand{viseme.Consonant, 64, BinCount - 1}, bands[5])
}

func TestAnalyzeBeforeAttach(t *testing.T) {
	a := newTestAnalyzer(t, DefaultConfig())

	_, err := a.Analyze()
	assert.ErrorIs(t, err, ErrUnattached)
}

func TestAttachRejectsBadSource(t *testing.T) {
	a := newTestAnalyzer(t, DefaultConfig())

	assert.ErrorIs(t, a.Attach(nil), ErrNoSource)
	assert.ErrorIs(t, a.Attach(&fakeSource{rate: 0}), ErrConfiguration)
}

func TestAttachPassesSmoothing(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Smoothing = 0.5
	a := newTestAnalyzer(t, cfg)
	src := &fakeSource{rate: 48000, data: make([]byte, BinCount)}

	require.NoError(t, a.Attach(src))
	assert.InDelta(t, 0.5, src.smoothing, 1e-6)
	assert.Len(t, a.Bands(), 7)
}

func TestVolumeStaysWithinBounds(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinVolume = 0.05
	cfg.MaxVolume = 0.6

	spectra := [][]byte{
		filled(0, 0, 0, 0),
		filled(255, 255, 0, 0),
		filled(3, 255, 100, 127),
		spectrumA,
		spectrumE,
	}
	for i := 0; i < 16; i++ {
		s := make([]byte, BinCount)
		for j := range s {
			s[j] = byte((j*37 + i*91) % 256)
		}
		spectra = append(spectra, s)
	}

	for _, s := range spectra {
		a := newTestAnalyzer(t, cfg)
		require.NoError(t, a.Attach(&fakeSource{rate: 48000, data: s}))

		f, err := a.Analyze()
		require.NoError(t, err)
		assert.GreaterOrEqual(t, f.Volume, cfg.MinVolume)
		assert.LessOrEqual(t, f.Volume, cfg.MaxVolume)
		assert.GreaterOrEqual(t, f.Intensity, float32(0))
		assert.LessOrEqual(t, f.Intensity, float32(1))
	}
}

func TestSilentSpectrumSettlesToSilence(t *testing.T) {
	a := newTestAnalyzer(t, DefaultConfig())
	require.NoError(t, a.Attach(&fakeSource{rate: 48000, data: make([]byte, BinCount)}))

	var f viseme.Frame
	var err error
	for i := 0; i < HistorySize; i++ {
		f, err = a.Analyze()
		require.NoError(t, err)
	}
	assert.Equal(t, viseme.Silence, f.Phoneme)
	assert.Equal(t, float32(0.01), f.Volume)
}

func TestEndToEndVowelA(t *testing.T) {
	for _, sensitivity := range []float32{1.0, 1.5, 3.0} {
		cfg := DefaultConfig()
		cfg.Sensitivity = sensitivity
		a := newTestAnalyzer(t, cfg)
		require.NoError(t, a.Attach(&fakeSource{rate: 48000, data: spectrumA}))

		f, err := a.Analyze()
		require.NoError(t, err)

		assert.Equal(t, viseme.A, f.Phoneme)
		assert.InDelta(t, 0.5, f.Volume, 0.01)
		assert.Equal(t, clamp(f.Volume*sensitivity, 0, 1), f.Intensity)
		assert.Equal(t, time.Unix(100, 0), f.Timestamp)
		assert.Len(t, f.Spectrum, BinCount)
	}
}

func TestClassify(t *testing.T) {
	consonantOnly := filled(0, 200, 10, 21)
	plosive := filled(0, 120, 10, 21)
	plosive[1], plosive[2], plosive[3] = 100, 100, 100
	weakConsonant := filled(40, 25, 10, 21)
	for i := 0; i < 10; i++ {
		weakConsonant[i] = 0
	}

	tests := []struct {
		name     string
		spectrum []byte
		want     viseme.Class
	}{
		{name: "A band", spectrum: spectrumA, want: viseme.A},
		{name: "E band", spectrum: spectrumE, want: viseme.E},
		{name: "below threshold", spectrum: filled(15, 15, 0, 0), want: viseme.Silence},
		{name: "sibilant", spectrum: consonantOnly, want: viseme.S},
		{name: "plosive", spectrum: plosive, want: viseme.B},
		{name: "weak consonant", spectrum: weakConsonant, want: viseme.Consonant},
	}

	bands := ComputeBands(48000, BinCount)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, classify(tt.spectrum, bands))
		})
	}
}

func TestConsonantHeuristic(t *testing.T) {
	assert.Equal(t, viseme.S, consonant(100, 50))
	assert.Equal(t, viseme.M, consonant(40, 50))
	assert.Equal(t, viseme.B, consonant(60, 50))
}

func TestMajorityVoteThroughAnalyzer(t *testing.T) {
	tests := []struct {
		name string
		feed []viseme.Class
		want viseme.Class
	}{
		{name: "single outlier", feed: []viseme.Class{viseme.A, viseme.A, viseme.E, viseme.A, viseme.A}, want: viseme.A},
		{name: "run of E", feed: []viseme.Class{viseme.A, viseme.E, viseme.E, viseme.E, viseme.A}, want: viseme.E},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := &fakeSource{rate: 48000}
			a := newTestAnalyzer(t, DefaultConfig())
			require.NoError(t, a.Attach(src))

			var f viseme.Frame
			for _, c := range tt.feed {
				if c == viseme.A {
					src.data = spectrumA
				} else {
					src.data = spectrumE
				}
				var err error
				f, err = a.Analyze()
				require.NoError(t, err)
			}
			assert.Equal(t, tt.want, f.Phoneme)
		})
	}
}

func TestDetachEmitsOneSilenceFrame(t *testing.T) {
	a := newTestAnalyzer(t, DefaultConfig())
	require.NoError(t, a.Attach(&fakeSource{rate: 48000, data: spectrumA}))

	var first viseme.Frame
	var err error
	for i := 0; i < 3; i++ {
		first, err = a.Analyze()
		require.NoError(t, err)
	}
	assert.Equal(t, viseme.A, first.Phoneme)

	a.Detach()
	a.Detach()

	f, err := a.Analyze()
	require.NoError(t, err)
	assert.Equal(t, viseme.Silence, f.Phoneme)
	assert.Zero(t, f.Volume)
	assert.Zero(t, f.Intensity)
	assert.Greater(t, f.Seq, first.Seq)

	_, err = a.Analyze()
	assert.ErrorIs(t, err, ErrDetached)

	require.NoError(t, a.Attach(&fakeSource{rate: 48000, data: spectrumE}))
	f, err = a.Analyze()
	require.NoError(t, err)
	assert.Equal(t, viseme.E, f.Phoneme, "history is cleared on attach")
}

func TestSetActive(t *testing.T) {
	a := newTestAnalyzer(t, DefaultConfig())
	require.NoError(t, a.Attach(&fakeSource{rate: 48000, data: spectrumA}))

	a.SetActive(false)
	assert.False(t, a.Active())

	f, err := a.Analyze()
	require.NoError(t, err)
	assert.Equal(t, viseme.Silence, f.Phoneme)

	_, err = a.Analyze()
	assert.ErrorIs(t, err, ErrInactive)
	_, err = a.Analyze()
	assert.ErrorIs(t, err, ErrInactive)

	a.SetActive(true)
	f, err = a.Analyze()
	require.NoError(t, err)
	assert.Equal(t, viseme.A, f.Phoneme)
}

func TestFramesAreIndependentOfSource(t *testing.T) {
	src := &fakeSource{rate: 48000, data: append([]byte(nil), spectrumA...)}
	a := newTestAnalyzer(t, DefaultConfig())
	require.NoError(t, a.Attach(src))

	f1, err := a.Analyze()
	require.NoError(t, err)
	src.data[4] = 0
	f2, err := a.Analyze()
	require.NoError(t, err)

	assert.Equal(t, byte(255), f1.Spectrum[4])
	assert.Equal(t, byte(0), f2.Spectrum[4])
	assert.Equal(t, f1.Seq+1, f2.Seq)
}

func TestSetSensitivity(t *testing.T) {
	a := newTestAnalyzer(t, DefaultConfig())
	require.NoError(t, a.Attach(&fakeSource{rate: 48000, data: spectrumA}))

	assert.ErrorIs(t, a.SetSensitivity(-2), ErrConfiguration)
	require.NoError(t, a.SetSensitivity(3))
	assert.Equal(t, float32(3), a.Config().Sensitivity)

	f, err := a.Analyze()
	require.NoError(t, err)
	assert.Equal(t, float32(1), f.Intensity)
}
