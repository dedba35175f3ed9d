package avatar3d

import (
	"time"

	"github.com/normanking/visemesync/internal/viseme"
)

const (
	smoothingGain  = 0.3
	voiceThreshold = 0.02
	restClosure    = 0.3
	silenceTimeout = 100 * time.Millisecond
	decayFactor    = 0.9
)

// LipSyncController turns lip-sync frames into smoothed blend-shape weights
// for every bound mesh.
type LipSyncController struct {
	bindings  []MorphBinding
	smoothing []smoothingState
	weights   []BlendshapeWeights

	// channels lists the distinct bound indices per binding.
	channels [][]int

	seen        bool
	lastSeq     uint64
	lastStamp   time.Time
	lastFrameAt time.Time
}

func NewLipSyncController(bindings []MorphBinding, now time.Time) *LipSyncController {
	l := &LipSyncController{
		bindings:    bindings,
		smoothing:   make([]smoothingState, len(bindings)),
		weights:     make([]BlendshapeWeights, len(bindings)),
		channels:    make([][]int, len(bindings)),
		lastFrameAt: now,
	}
	for i, b := range bindings {
		l.weights[i] = make(BlendshapeWeights, b.TargetCount)
		seen := make(map[int]bool)
		for _, c := range viseme.All() {
			if idx, ok := b.TargetIndexByViseme[c]; ok && !seen[idx] {
				seen[idx] = true
				l.channels[i] = append(l.channels[i], idx)
			}
		}
	}
	return l
}

// Update runs one smoothing step. frame is the latest available frame and
// may repeat across ticks; only a frame with a new sequence or timestamp
// counts as arrival.
func (l *LipSyncController) Update(frame *viseme.Frame, now time.Time) {
	if frame != nil && l.isNew(frame) {
		l.seen = true
		l.lastSeq = frame.Seq
		l.lastStamp = frame.Timestamp
		l.lastFrameAt = now
	}

	stale := now.Sub(l.lastFrameAt) >= silenceTimeout
	if stale {
		frame = nil
	}

	for i, b := range l.bindings {
		s := &l.smoothing[i]
		for _, c := range viseme.All() {
			if _, ok := b.TargetIndexByViseme[c]; !ok {
				continue
			}
			s[c] += (targetWeight(c, frame) - s[c]) * smoothingGain
			// Stale channels take the rest-target step and the decay, so
			// non-Silence weights shrink by 0.7*0.9 = 0.63 per tick.
			if stale && c != viseme.Silence {
				s[c] *= decayFactor
			}
		}
		l.compose(i)
	}
}

func (l *LipSyncController) isNew(f *viseme.Frame) bool {
	return !l.seen || f.Seq != l.lastSeq || !f.Timestamp.Equal(l.lastStamp)
}

// targetWeight applies the per-channel target rules.
func targetWeight(c viseme.Class, frame *viseme.Frame) float32 {
	voiced := frame != nil && frame.Volume > voiceThreshold
	switch {
	case voiced && c == frame.Phoneme:
		return clamp(frame.Intensity*frame.Volume, 0, 1)
	case c == viseme.Silence && !voiced:
		return restClosure
	default:
		return 0
	}
}

// compose writes the channel weights of binding i; classes sharing an index
// contribute their maximum.
func (l *LipSyncController) compose(i int) {
	w := l.weights[i]
	for _, idx := range l.channels[i] {
		w.Set(idx, 0)
	}
	s := &l.smoothing[i]
	for c, idx := range l.bindings[i].TargetIndexByViseme {
		if s[c] > w.Get(idx) {
			w.Set(idx, s[c])
		}
	}
}

// Apply writes every bound channel to model.
func (l *LipSyncController) Apply(model Model) {
	for i, b := range l.bindings {
		for _, idx := range l.channels[i] {
			model.SetMorphWeight(b.MeshID, idx, l.weights[i].Get(idx))
		}
	}
}

// Clear zeroes all smoothing state and weights.
func (l *LipSyncController) Clear() {
	for i := range l.smoothing {
		l.smoothing[i].Reset()
		l.weights[i].Reset()
	}
}

// Smoothed returns the smoothed weight of class c on mesh meshID.
func (l *LipSyncController) Smoothed(meshID string, c viseme.Class) (float32, bool) {
	for i, b := range l.bindings {
		if b.MeshID != meshID {
			continue
		}
		if _, ok := b.TargetIndexByViseme[c]; !ok {
			return 0, false
		}
		return l.smoothing[i][c], true
	}
	return 0, false
}

// Weights returns a copy of the composed weights per mesh.
func (l *LipSyncController) Weights() map[string][]float32 {
	out := make(map[string][]float32, len(l.bindings))
	for i, b := range l.bindings {
		out[b.MeshID] = append([]float32(nil), l.weights[i]...)
	}
	return out
}
