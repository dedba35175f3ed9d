package avatar3d

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/normanking/visemesync/internal/observe"
	"github.com/normanking/visemesync/internal/viseme"
	"github.com/rs/zerolog"
)

var (
	ErrUnbound  = errors.New("avatar animator has no bound model")
	ErrNilModel = errors.New("avatar model is nil")
)

// Animator owns the bindings of one model and produces its pose. Update must
// be driven serially by the render loop; the other methods may be called
// from any goroutine between ticks.
type Animator struct {
	mu      sync.Mutex
	logger  zerolog.Logger
	metrics *observe.Metrics
	now     func() time.Time

	model    Model
	lipSync  *LipSyncController
	clips    *StateMapper
	bindings []MorphBinding

	state AnimationState
	mixer ClipMixer
	idle  *IdleAnimator
}

type Option func(*Animator)

// WithClock overrides the clock used for frame freshness.
func WithClock(now func() time.Time) Option {
	return func(a *Animator) { a.now = now }
}

// WithMetrics records transitions and update timings on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *Animator) { a.metrics = m }
}

// NewAnimator returns an unbound animator in the idle state.
func NewAnimator(logger zerolog.Logger, opts ...Option) *Animator {
	a := &Animator{
		logger: logger.With().Str("component", "animator").Logger(),
		now:    time.Now,
		state:  StateIdle,
		idle:   NewIdleAnimator(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Bind discovers blend-shape and clip bindings on model. Binding the model
// that is already bound is a no-op; binding another model replaces it.
func (a *Animator) Bind(model Model) error {
	if model == nil {
		return ErrNilModel
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if sameModel(a.model, model) {
		return nil
	}
	a.bindLocked(model)
	return nil
}

// Reload rebinds model even if it is the bound instance.
func (a *Animator) Reload(model Model) error {
	if model == nil {
		return ErrNilModel
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.unbindLocked()
	a.bindLocked(model)
	return nil
}

func (a *Animator) bindLocked(model Model) {
	if a.model != nil {
		a.unbindLocked()
	}

	var bindings []MorphBinding
	for _, mesh := range model.Meshes() {
		b, ok := resolveBinding(mesh)
		if !ok {
			a.logger.Debug().Str("mesh", mesh.ID).Msg("Mesh has no viseme channels, skipped")
			continue
		}
		bindings = append(bindings, b)
	}

	a.model = model
	a.bindings = bindings
	a.lipSync = NewLipSyncController(bindings, a.now())
	a.clips = NewStateMapper(model.Clips())

	if clip, ok := a.clips.ClipFor(a.state); ok {
		a.mixer.Play(clip, false)
	}

	if len(bindings) == 0 {
		a.logger.Warn().Str("model", model.ID()).Msg("Model has no viseme channels, lip sync disabled")
	}
	a.logger.Info().
		Str("model", model.ID()).
		Int("meshes", len(bindings)).
		Int("clips", len(a.clips.Table())).
		Msg("Model bound")
}

// Unbind releases the model, resetting its bound channels to rest and all
// smoothing state to zero.
func (a *Animator) Unbind() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.unbindLocked()
}

func (a *Animator) unbindLocked() {
	if a.model == nil {
		return
	}
	a.lipSync.Clear()
	a.lipSync.Apply(a.model)
	a.logger.Info().Str("model", a.model.ID()).Msg("Model unbound")

	a.model = nil
	a.lipSync = nil
	a.clips = nil
	a.bindings = nil
	a.mixer.Stop()
}

// Bound reports whether a model is bound.
func (a *Animator) Bound() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.model != nil
}

// SetState switches the animation state. Any state may follow any other.
// When the bound model has no clip for the new state the current clip keeps
// playing.
func (a *Animator) SetState(s AnimationState) error {
	if !s.Valid() {
		return fmt.Errorf("set state: unknown animation state %q", s)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if s == a.state {
		return nil
	}
	from := a.state
	a.state = s
	a.metrics.RecordTransition(context.Background(), string(s))

	if a.model != nil {
		if clip, ok := a.clips.ClipFor(s); ok {
			a.mixer.Play(clip, true)
		} else {
			a.metrics.RecordClipFallback(context.Background(), string(s))
			a.logger.Warn().
				Str("state", string(s)).
				Str("clip", a.mixer.Current()).
				Msg("No clip for state, keeping current clip")
		}
	}

	a.logger.Debug().Str("from", string(from)).Str("to", string(s)).Msg("Animation state changed")
	return nil
}

// State returns the active animation state.
func (a *Animator) State() AnimationState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Update advances one render tick. frame is the latest available lip-sync
// frame or nil. dt is the tick length in seconds.
func (a *Animator) Update(frame *viseme.Frame, dt float32) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.model == nil {
		return ErrUnbound
	}
	if dt < 0 {
		dt = 0
	}

	now := a.now()
	a.lipSync.Update(frame, now)
	a.lipSync.Apply(a.model)
	a.mixer.Update(dt)
	a.idle.Update(dt)

	a.metrics.RecordUpdate(context.Background(), a.now().Sub(now))
	return nil
}

// Pose returns a snapshot of the current pose.
func (a *Animator) Pose() Pose {
	a.mu.Lock()
	defer a.mu.Unlock()

	p := Pose{
		State: a.state,
		Time:  a.idle.GetTime(),
		At:    a.now(),
	}
	root := ""
	if a.model != nil {
		p.ModelID = a.model.ID()
		root = a.model.RootNode()
		p.Morphs = a.lipSync.Weights()
	}
	p.Root = newRootTransform(root, a.idle.Offset(a.state))
	p.Clips = a.mixer.Layers()
	return p
}

// Bindings returns the discovered morph bindings.
func (a *Animator) Bindings() []MorphBinding {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]MorphBinding, len(a.bindings))
	for i, b := range a.bindings {
		m := make(map[viseme.Class]int, len(b.TargetIndexByViseme))
		for c, idx := range b.TargetIndexByViseme {
			m[c] = idx
		}
		out[i] = MorphBinding{MeshID: b.MeshID, TargetIndexByViseme: m, TargetCount: b.TargetCount}
	}
	return out
}

// ClipTable returns the clip resolved per state for the bound model.
func (a *Animator) ClipTable() map[AnimationState]string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.clips == nil {
		return nil
	}
	return a.clips.Table()
}

// Smoothed exposes the smoothing state of one class on one mesh.
func (a *Animator) Smoothed(meshID string, c viseme.Class) (float32, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.lipSync == nil {
		return 0, false
	}
	return a.lipSync.Smoothed(meshID, c)
}
