package avatar3d

import "github.com/normanking/visemesync/internal/viseme"

// Channel names tried per viseme, most preferred first.
var visemeChannels = [viseme.ClassCount][]string{
	viseme.A:         {"viseme_aa", "mouthOpen", "jawOpen"},
	viseme.E:         {"viseme_E", "mouthSmile"},
	viseme.I:         {"viseme_I", "mouthSmile"},
	viseme.O:         {"viseme_O", "mouthFunnel"},
	viseme.U:         {"viseme_U", "mouthPucker"},
	viseme.Consonant: {"viseme_DD", "viseme_kk", "viseme_nn"},
	viseme.S:         {"viseme_SS", "viseme_CH"},
	viseme.M:         {"viseme_PP", "mouthClose"},
	viseme.B:         {"viseme_PP", "mouthPressLeft"},
	viseme.Silence:   {"viseme_sil", "mouthClose"},
}

// ChannelCandidates returns the candidate channel names for c.
func ChannelCandidates(c viseme.Class) []string {
	if !c.Valid() {
		return nil
	}
	return append([]string(nil), visemeChannels[c]...)
}

// MorphBinding maps viseme classes to blend-shape indices on one mesh.
type MorphBinding struct {
	MeshID              string               `json:"mesh_id"`
	TargetIndexByViseme map[viseme.Class]int `json:"targets"`
	TargetCount         int                  `json:"target_count"`
}

// resolveBinding searches mesh for every class. ok is false when no class
// resolved.
func resolveBinding(mesh MeshInfo) (binding MorphBinding, ok bool) {
	index := make(map[string]int, len(mesh.MorphTargets))
	for i, name := range mesh.MorphTargets {
		if _, dup := index[name]; !dup {
			index[name] = i
		}
	}

	binding = MorphBinding{
		MeshID:              mesh.ID,
		TargetIndexByViseme: make(map[viseme.Class]int),
		TargetCount:         len(mesh.MorphTargets),
	}
	for _, c := range viseme.All() {
		for _, name := range visemeChannels[c] {
			if i, found := index[name]; found {
				binding.TargetIndexByViseme[c] = i
				break
			}
		}
	}
	return binding, len(binding.TargetIndexByViseme) > 0
}

// smoothingState holds the last emitted weight per class for one mesh.
type smoothingState [viseme.ClassCount]float32

func (s *smoothingState) Reset() {
	for i := range s {
		s[i] = 0
	}
}

// BlendshapeWeights is the per-channel weight vector written to one mesh.
type BlendshapeWeights []float32

// Set stores value clamped to [0,1]. Out-of-range indices are ignored.
func (w BlendshapeWeights) Set(idx int, value float32) {
	if idx < 0 || idx >= len(w) {
		return
	}
	w[idx] = clamp(value, 0, 1)
}

func (w BlendshapeWeights) Get(idx int) float32 {
	if idx < 0 || idx >= len(w) {
		return 0
	}
	return w[idx]
}

func (w BlendshapeWeights) Reset() {
	for i := range w {
		w[i] = 0
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
