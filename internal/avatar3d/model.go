package avatar3d

import (
	"reflect"
	"sync"
)

// MeshInfo describes one mesh and its named blend-shape channels, in
// channel-index order.
type MeshInfo struct {
	ID           string   `json:"id"`
	MorphTargets []string `json:"morph_targets,omitempty"`
}

// ClipInfo is a named animation clip. Duration is in seconds; zero means
// unknown and the clip time is not wrapped.
type ClipInfo struct {
	Name     string  `json:"name"`
	Duration float32 `json:"duration"`
}

// Model is a loaded character as seen by the animator. Rebinding the same
// instance is detected by equality, so implementations are usually pointers;
// a value whose dynamic type is not comparable is always rebound.
type Model interface {
	ID() string
	Meshes() []MeshInfo
	Clips() []ClipInfo
	RootNode() string
	SetMorphWeight(meshID string, index int, weight float32)
}

// sameModel reports whether a and b are the same comparable instance.
func sameModel(a, b Model) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	va, vb := reflect.ValueOf(a), reflect.ValueOf(b)
	if va.Type() != vb.Type() || !va.Comparable() || !vb.Comparable() {
		return false
	}
	return va.Equal(vb)
}

// StaticModel is an in-memory Model that records written weights.
type StaticModel struct {
	mu sync.RWMutex

	id     string
	root   string
	meshes []MeshInfo
	clips  []ClipInfo

	weights map[string]BlendshapeWeights
}

func NewStaticModel(id, root string, meshes []MeshInfo, clips []ClipInfo) *StaticModel {
	m := &StaticModel{
		id:      id,
		root:    root,
		meshes:  meshes,
		clips:   clips,
		weights: make(map[string]BlendshapeWeights, len(meshes)),
	}
	for _, mesh := range meshes {
		m.weights[mesh.ID] = make(BlendshapeWeights, len(mesh.MorphTargets))
	}
	return m
}

func (m *StaticModel) ID() string       { return m.id }
func (m *StaticModel) RootNode() string { return m.root }

func (m *StaticModel) Meshes() []MeshInfo {
	out := make([]MeshInfo, len(m.meshes))
	for i, mesh := range m.meshes {
		out[i] = MeshInfo{ID: mesh.ID, MorphTargets: append([]string(nil), mesh.MorphTargets...)}
	}
	return out
}

func (m *StaticModel) Clips() []ClipInfo {
	return append([]ClipInfo(nil), m.clips...)
}

func (m *StaticModel) SetMorphWeight(meshID string, index int, weight float32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w, ok := m.weights[meshID]; ok {
		w.Set(index, weight)
	}
}

// MorphWeights returns a copy of the weights last written to meshID.
func (m *StaticModel) MorphWeights(meshID string) []float32 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]float32(nil), m.weights[meshID]...)
}
