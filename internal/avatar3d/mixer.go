package avatar3d

import "math"

// CrossFadeDuration is the overlap between outgoing and incoming clips, in
// seconds.
const CrossFadeDuration float32 = 0.5

// ClipLayer is one weighted clip in the current pose.
type ClipLayer struct {
	Name   string  `json:"name"`
	Time   float32 `json:"time"`
	Weight float32 `json:"weight"`
}

type clipPlayback struct {
	clip ClipInfo
	time float32
}

func (p *clipPlayback) advance(dt float32) {
	p.time += dt
	if p.clip.Duration > 0 {
		p.time = float32(math.Mod(float64(p.time), float64(p.clip.Duration)))
	}
}

// mixLayer is a playing clip whose weight moves linearly from from toward
// its target over a cross-fade.
type mixLayer struct {
	playback *clipPlayback
	from     float32
}

func (l *mixLayer) weight(target, progress float32) float32 {
	return l.from + (target-l.from)*progress
}

// ClipMixer plays one looping clip at a time and cross-fades on change. Every
// other layer still audible fades out from the weight it had when the fade
// began, so weights stay continuous and sum to one.
type ClipMixer struct {
	current *mixLayer
	fading  []*mixLayer
	fade    float32
}

// Play switches to clip. With fade the outgoing clips keep playing while
// their weights ramp down. Playing the current clip again is a no-op.
func (m *ClipMixer) Play(clip ClipInfo, fade bool) {
	if m.current != nil && m.current.playback.clip.Name == clip.Name {
		return
	}
	if !fade || m.current == nil {
		m.current = &mixLayer{playback: &clipPlayback{clip: clip}, from: 1}
		m.fading = nil
		m.fade = 0
		return
	}

	p := m.progress()
	var incoming *mixLayer
	fading := make([]*mixLayer, 0, len(m.fading)+1)
	keep := func(l *mixLayer, w float32) {
		if l.playback.clip.Name == clip.Name {
			incoming = &mixLayer{playback: l.playback, from: w}
			return
		}
		if w > 0 {
			fading = append(fading, &mixLayer{playback: l.playback, from: w})
		}
	}
	keep(m.current, m.current.weight(1, p))
	for _, l := range m.fading {
		keep(l, l.weight(0, p))
	}
	if incoming == nil {
		incoming = &mixLayer{playback: &clipPlayback{clip: clip}}
	}

	m.current = incoming
	m.fading = fading
	m.fade = 0
}

func (m *ClipMixer) progress() float32 {
	if len(m.fading) == 0 {
		return 1
	}
	return clamp(m.fade/CrossFadeDuration, 0, 1)
}

func (m *ClipMixer) Update(dt float32) {
	if m.current != nil {
		m.current.playback.advance(dt)
	}
	if len(m.fading) == 0 {
		return
	}
	for _, l := range m.fading {
		l.playback.advance(dt)
	}
	m.fade += dt
	if m.fade >= CrossFadeDuration {
		m.fading = nil
		m.current.from = 1
		m.fade = 0
	}
}

// Current returns the name of the incoming or playing clip.
func (m *ClipMixer) Current() string {
	if m.current == nil {
		return ""
	}
	return m.current.playback.clip.Name
}

// Layers returns the weighted clips, incoming first.
func (m *ClipMixer) Layers() []ClipLayer {
	if m.current == nil {
		return nil
	}
	p := m.progress()
	layers := make([]ClipLayer, 0, len(m.fading)+1)
	layers = append(layers, m.current.layer(m.current.weight(1, p)))
	for _, l := range m.fading {
		layers = append(layers, l.layer(l.weight(0, p)))
	}
	return layers
}

func (l *mixLayer) layer(w float32) ClipLayer {
	return ClipLayer{Name: l.playback.clip.Name, Time: l.playback.time, Weight: w}
}

func (m *ClipMixer) Stop() {
	m.current = nil
	m.fading = nil
	m.fade = 0
}
