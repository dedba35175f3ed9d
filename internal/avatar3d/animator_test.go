package avatar3d

import (
	"math"
	"sync"
	"testing"
	"time"

	"github.com/normanking/visemesync/internal/viseme"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Unix(1000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

const tick = 16 * time.Millisecond

// Face channel indices of testModel.
const (
	idxMouthOpen = iota
	idxAA
	idxE
	idxMouthSmile
	idxI
	idxO
	idxU
	idxDD
	idxSS
	idxPP
	idxMouthClose
	idxSil
)

func testModel(clips ...ClipInfo) *StaticModel {
	if clips == nil {
		clips = []ClipInfo{{Name: "Idle", Duration: 4}, {Name: "Talk", Duration: 2}, {Name: "Wave", Duration: 1.5}}
	}
	return NewStaticModel("hannah", "Head", []MeshInfo{
		{ID: "face", MorphTargets: []string{
			"mouthOpen", "viseme_aa", "viseme_E", "mouthSmile", "viseme_I", "viseme_O",
			"viseme_U", "viseme_DD", "viseme_SS", "viseme_PP", "mouthClose", "viseme_sil",
		}},
		{ID: "eyes", MorphTargets: []string{"eyeBlinkLeft", "eyeBlinkRight"}},
		{ID: "body"},
	}, clips)
}

func newTestAnimator(clock *fakeClock) *Animator {
	return NewAnimator(zerolog.Nop(), WithClock(clock.Now))
}

// speak feeds n fresh frames, advancing the clock by one tick each.
func speak(t *testing.T, a *Animator, clock *fakeClock, f viseme.Frame, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		f.Seq++
		f.Timestamp = clock.Now()
		require.NoError(t, a.Update(&f, float32(tick.Seconds())))
		clock.Advance(tick)
	}
}

func smoothed(t *testing.T, a *Animator, c viseme.Class) float32 {
	t.Helper()
	v, ok := a.Smoothed("face", c)
	require.True(t, ok)
	return v
}

func TestBindResolvesFirstPriorityName(t *testing.T) {
	a := newTestAnimator(newFakeClock())
	require.NoError(t, a.Bind(testModel()))

	bindings := a.Bindings()
	require.Len(t, bindings, 1, "meshes without viseme channels are skipped")
	b := bindings[0]
	assert.Equal(t, "face", b.MeshID)

	assert.Equal(t, idxAA, b.TargetIndexByViseme[viseme.A], "viseme_aa preferred over mouthOpen")
	assert.Equal(t, idxE, b.TargetIndexByViseme[viseme.E])
	assert.Equal(t, idxI, b.TargetIndexByViseme[viseme.I])
	assert.Equal(t, idxO, b.TargetIndexByViseme[viseme.O])
	assert.Equal(t, idxU, b.TargetIndexByViseme[viseme.U])
	assert.Equal(t, idxDD, b.TargetIndexByViseme[viseme.Consonant])
	assert.Equal(t, idxSS, b.TargetIndexByViseme[viseme.S])
	assert.Equal(t, idxPP, b.TargetIndexByViseme[viseme.M])
	assert.Equal(t, idxPP, b.TargetIndexByViseme[viseme.B])
	assert.Equal(t, idxSil, b.TargetIndexByViseme[viseme.Silence])
}

func TestResolveBindingFallsBackInOrder(t *testing.T) {
	b, ok := resolveBinding(MeshInfo{ID: "head", MorphTargets: []string{"jawOpen", "mouthClose", "mouthPressLeft", "mouthOpen"}})
	require.True(t, ok)

	assert.Equal(t, 3, b.TargetIndexByViseme[viseme.A], "mouthOpen ranks above jawOpen")
	assert.Equal(t, 1, b.TargetIndexByViseme[viseme.M])
	assert.Equal(t, 2, b.TargetIndexByViseme[viseme.B])
	assert.Equal(t, 1, b.TargetIndexByViseme[viseme.Silence])
	_, hasE := b.TargetIndexByViseme[viseme.E]
	assert.False(t, hasE)

	_, ok = resolveBinding(MeshInfo{ID: "hair"})
	assert.False(t, ok)
}

func TestBindIsIdempotent(t *testing.T) {
	clock := newFakeClock()
	a := newTestAnimator(clock)
	model := testModel()

	require.NoError(t, a.Bind(model))
	first := a.Bindings()
	speak(t, a, clock, viseme.Frame{Volume: 0.5, Intensity: 0.5, Phoneme: viseme.A}, 5)
	before := smoothed(t, a, viseme.A)

	require.NoError(t, a.Bind(model))
	assert.Equal(t, first, a.Bindings())
	assert.Equal(t, before, smoothed(t, a, viseme.A), "rebinding the same model keeps state")

	require.NoError(t, a.Reload(model))
	assert.Equal(t, first, a.Bindings())
	assert.Zero(t, smoothed(t, a, viseme.A), "reload starts from rest")
}

func TestUpdateBeforeBind(t *testing.T) {
	a := newTestAnimator(newFakeClock())

	assert.ErrorIs(t, a.Update(nil, 0.016), ErrUnbound)
	assert.ErrorIs(t, a.Bind(nil), ErrNilModel)
	assert.ErrorIs(t, a.Reload(nil), ErrNilModel)
	assert.False(t, a.Bound())
}

func TestWeightConvergesWithinFifteenTicks(t *testing.T) {
	clock := newFakeClock()
	a := newTestAnimator(clock)
	model := testModel()
	require.NoError(t, a.Bind(model))

	frame := viseme.Frame{Volume: 0.5, Intensity: 0.5, Phoneme: viseme.A}
	const target = 0.25

	prev := float32(0)
	for i := 0; i < 15; i++ {
		speak(t, a, clock, frame, 1)
		frame.Seq++
		cur := smoothed(t, a, viseme.A)
		assert.Greater(t, cur, prev)
		assert.LessOrEqual(t, cur, float32(target))
		prev = cur
	}

	assert.InDelta(t, target, prev, target*0.01)
	assert.Equal(t, prev, model.MorphWeights("face")[idxAA])
}

func TestSilenceRestsPartiallyClosed(t *testing.T) {
	clock := newFakeClock()
	a := newTestAnimator(clock)
	model := testModel()
	require.NoError(t, a.Bind(model))

	for i := 0; i < 30; i++ {
		require.NoError(t, a.Update(nil, 0.016))
		clock.Advance(tick)
	}

	assert.InDelta(t, restClosure, smoothed(t, a, viseme.Silence), 0.001)
	assert.InDelta(t, restClosure, model.MorphWeights("face")[idxSil], 0.001)
	assert.Zero(t, smoothed(t, a, viseme.A))
}

func TestQuietFrameTargetsSilence(t *testing.T) {
	clock := newFakeClock()
	a := newTestAnimator(clock)
	require.NoError(t, a.Bind(testModel()))

	speak(t, a, clock, viseme.Frame{Volume: 0.02, Intensity: 0.02, Phoneme: viseme.A}, 20)

	assert.Zero(t, smoothed(t, a, viseme.A))
	assert.InDelta(t, restClosure, smoothed(t, a, viseme.Silence), 0.001)
}

func TestStalledFeedDecaysToRest(t *testing.T) {
	clock := newFakeClock()
	a := newTestAnimator(clock)
	model := testModel()
	require.NoError(t, a.Bind(model))

	frame := viseme.Frame{Volume: 0.5, Intensity: 0.5, Phoneme: viseme.A, Seq: 1, Timestamp: clock.Now()}
	require.NoError(t, a.Update(&frame, 0.016))
	for i := 0; i < 4; i++ {
		clock.Advance(tick)
		require.NoError(t, a.Update(&frame, 0.016))
	}
	held := smoothed(t, a, viseme.A)
	assert.Greater(t, held, float32(0.1), "a repeated frame is still current within the timeout")

	clock.Advance(silenceTimeout)
	prev := held
	for i := 0; i < 25; i++ {
		require.NoError(t, a.Update(&frame, 0.016))
		clock.Advance(tick)
		cur := smoothed(t, a, viseme.A)
		assert.Less(t, cur, prev)
		prev = cur
	}
	assert.Less(t, prev, float32(0.001))
	assert.Less(t, model.MorphWeights("face")[idxAA], float32(0.001))
	assert.InDelta(t, restClosure, smoothed(t, a, viseme.Silence), 0.01)
}

func TestStaleDecayPerTick(t *testing.T) {
	clock := newFakeClock()
	a := newTestAnimator(clock)
	require.NoError(t, a.Bind(testModel()))

	speak(t, a, clock, viseme.Frame{Volume: 0.8, Intensity: 0.8, Phoneme: viseme.A}, 10)
	clock.Advance(silenceTimeout)

	require.NoError(t, a.Update(nil, 0.016))
	prev := smoothed(t, a, viseme.A)
	require.Greater(t, prev, float32(0.05))
	for i := 0; i < 3; i++ {
		clock.Advance(tick)
		require.NoError(t, a.Update(nil, 0.016))
		cur := smoothed(t, a, viseme.A)
		assert.InDelta(t, prev*(1-smoothingGain)*decayFactor, cur, 1e-6)
		prev = cur
	}
}

func TestDecayRunsWithoutAnyFrame(t *testing.T) {
	clock := newFakeClock()
	a := newTestAnimator(clock)
	require.NoError(t, a.Bind(testModel()))

	speak(t, a, clock, viseme.Frame{Volume: 0.8, Intensity: 0.8, Phoneme: viseme.O}, 10)
	start := smoothed(t, a, viseme.O)
	require.Greater(t, start, float32(0.3))

	clock.Advance(200 * time.Millisecond)
	for i := 0; i < 30; i++ {
		require.NoError(t, a.Update(nil, 0.016))
	}
	assert.Less(t, smoothed(t, a, viseme.O), float32(0.001))
}

func TestSharedChannelTakesMaximum(t *testing.T) {
	clock := newFakeClock()
	a := newTestAnimator(clock)
	model := testModel()
	require.NoError(t, a.Bind(model))

	speak(t, a, clock, viseme.Frame{Volume: 0.6, Intensity: 0.6, Phoneme: viseme.M}, 10)
	speak(t, a, clock, viseme.Frame{Volume: 0.3, Intensity: 0.3, Phoneme: viseme.B}, 1)

	m := smoothed(t, a, viseme.M)
	b := smoothed(t, a, viseme.B)
	require.Greater(t, m, b)
	assert.Equal(t, m, model.MorphWeights("face")[idxPP])

	speak(t, a, clock, viseme.Frame{Volume: 0.9, Intensity: 0.9, Phoneme: viseme.B}, 20)
	assert.Equal(t, smoothed(t, a, viseme.B), model.MorphWeights("face")[idxPP])
}

func TestWrittenWeightsStayInUnitRange(t *testing.T) {
	clock := newFakeClock()
	a := newTestAnimator(clock)
	model := testModel()
	require.NoError(t, a.Bind(model))

	speak(t, a, clock, viseme.Frame{Volume: 4, Intensity: 9, Phoneme: viseme.E}, 40)

	for i, w := range model.MorphWeights("face") {
		assert.GreaterOrEqual(t, w, float32(0), "channel %d", i)
		assert.LessOrEqual(t, w, float32(1), "channel %d", i)
	}
	assert.InDelta(t, 1, model.MorphWeights("face")[idxE], 0.001)
}

func TestUnbindResetsToRest(t *testing.T) {
	clock := newFakeClock()
	a := newTestAnimator(clock)
	model := testModel()
	require.NoError(t, a.Bind(model))
	speak(t, a, clock, viseme.Frame{Volume: 0.5, Intensity: 0.5, Phoneme: viseme.A}, 10)
	require.Greater(t, model.MorphWeights("face")[idxAA], float32(0))

	a.Unbind()
	a.Unbind()

	assert.Zero(t, model.MorphWeights("face")[idxAA])
	assert.ErrorIs(t, a.Update(nil, 0.016), ErrUnbound)
	assert.Nil(t, a.ClipTable())

	require.NoError(t, a.Bind(model))
	assert.Zero(t, smoothed(t, a, viseme.A))
}

func TestModelWithoutChannelsStillAnimates(t *testing.T) {
	a := newTestAnimator(newFakeClock())
	model := NewStaticModel("robot", "Root", []MeshInfo{{ID: "shell", MorphTargets: []string{"dent"}}},
		[]ClipInfo{{Name: "Idle", Duration: 2}})
	require.NoError(t, a.Bind(model))

	require.NoError(t, a.Update(&viseme.Frame{Volume: 0.5, Intensity: 0.5, Phoneme: viseme.A, Seq: 1}, 0.5))
	p := a.Pose()
	assert.Empty(t, p.Morphs)
	require.Len(t, p.Clips, 1)
	assert.Equal(t, "Idle", p.Clips[0].Name)
	assert.InDelta(t, 0.5, p.Clips[0].Time, 1e-6)
}

func TestSetStateCrossFades(t *testing.T) {
	clock := newFakeClock()
	a := newTestAnimator(clock)
	require.NoError(t, a.Bind(testModel()))

	layers := a.Pose().Clips
	require.Len(t, layers, 1)
	assert.Equal(t, ClipLayer{Name: "Idle", Time: 0, Weight: 1}, layers[0])

	require.NoError(t, a.SetState(StateSpeaking))
	assert.Equal(t, StateSpeaking, a.State())

	layers = a.Pose().Clips
	require.Len(t, layers, 2)
	assert.Equal(t, "Talk", layers[0].Name)
	assert.Zero(t, layers[0].Weight)
	assert.Equal(t, "Idle", layers[1].Name)
	assert.Equal(t, float32(1), layers[1].Weight)

	require.NoError(t, a.Update(nil, 0.25))
	layers = a.Pose().Clips
	require.Len(t, layers, 2)
	assert.InDelta(t, 0.5, layers[0].Weight, 1e-6)
	assert.InDelta(t, 0.5, layers[1].Weight, 1e-6)
	assert.InDelta(t, 1, layers[0].Weight+layers[1].Weight, 1e-6)

	require.NoError(t, a.Update(nil, 0.25))
	layers = a.Pose().Clips
	require.Len(t, layers, 1)
	assert.Equal(t, "Talk", layers[0].Name)
	assert.Equal(t, float32(1), layers[0].Weight)
}

func TestSetStateDuringCrossFadeKeepsWeightsContinuous(t *testing.T) {
	a := newTestAnimator(newFakeClock())
	require.NoError(t, a.Bind(testModel()))

	require.NoError(t, a.SetState(StateSpeaking))
	require.NoError(t, a.Update(nil, 0.1))
	before := layerWeights(a.Pose().Clips)
	assert.InDelta(t, 0.2, before["Talk"], 1e-6)
	assert.InDelta(t, 0.8, before["Idle"], 1e-6)

	require.NoError(t, a.SetState(StateConnecting))
	layers := a.Pose().Clips
	require.Len(t, layers, 3)
	assert.Equal(t, "Wave", layers[0].Name)
	after := layerWeights(layers)
	assert.Zero(t, after["Wave"])
	assert.InDelta(t, before["Talk"], after["Talk"], 1e-6)
	assert.InDelta(t, before["Idle"], after["Idle"], 1e-6)

	require.NoError(t, a.Update(nil, 0.25))
	mid := layerWeights(a.Pose().Clips)
	assert.InDelta(t, 0.5, mid["Wave"], 1e-6)
	assert.InDelta(t, 0.1, mid["Talk"], 1e-6)
	assert.InDelta(t, 0.4, mid["Idle"], 1e-6)
	assert.InDelta(t, 1, mid["Wave"]+mid["Talk"]+mid["Idle"], 1e-6)

	require.NoError(t, a.Update(nil, 0.25))
	layers = a.Pose().Clips
	require.Len(t, layers, 1)
	assert.Equal(t, "Wave", layers[0].Name)
	assert.Equal(t, float32(1), layers[0].Weight)
}

// valueModel is a Model held by value; its slices make it non-comparable.
type valueModel struct {
	meshes []MeshInfo
	clips  []ClipInfo
}

func (m valueModel) ID() string                          { return "value" }
func (m valueModel) Meshes() []MeshInfo                  { return m.meshes }
func (m valueModel) Clips() []ClipInfo                   { return m.clips }
func (m valueModel) RootNode() string                    { return "Head" }
func (m valueModel) SetMorphWeight(string, int, float32) {}

func TestBindNonComparableModel(t *testing.T) {
	a := newTestAnimator(newFakeClock())
	m := valueModel{
		meshes: []MeshInfo{{ID: "face", MorphTargets: []string{"viseme_aa", "viseme_sil"}}},
		clips:  []ClipInfo{{Name: "Idle", Duration: 2}},
	}

	assert.NotPanics(t, func() {
		require.NoError(t, a.Bind(m))
		require.NoError(t, a.Bind(m))
	})
	assert.True(t, a.Bound())
	require.Len(t, a.Bindings(), 1)
}

func TestSameModel(t *testing.T) {
	m := testModel()
	assert.True(t, sameModel(m, m))
	assert.False(t, sameModel(m, testModel()))
	assert.False(t, sameModel(nil, m))
	assert.True(t, sameModel(nil, nil))

	v := valueModel{}
	assert.False(t, sameModel(v, v))
	assert.False(t, sameModel(m, v))
}

func TestSpeakingWithoutSpeakingClipKeepsCurrentClip(t *testing.T) {
	clock := newFakeClock()
	a := newTestAnimator(clock)
	require.NoError(t, a.Bind(testModel(ClipInfo{Name: "Idle", Duration: 3})))

	require.NoError(t, a.SetState(StateSpeaking))
	for i := 0; i < 60; i++ {
		require.NoError(t, a.Update(nil, 0.05))
	}

	p := a.Pose()
	assert.Equal(t, StateSpeaking, p.State)
	require.Len(t, p.Clips, 1)
	assert.Equal(t, "Idle", p.Clips[0].Name)
	assert.Equal(t, float32(1), p.Clips[0].Weight)

	assert.Zero(t, p.Root.Offset.Yaw)
	assert.Zero(t, p.Root.Offset.Pitch)
	assert.InDelta(t, math.Sin(2*3.0)*0.005, p.Root.Offset.Bob, 1e-4)
	assert.InDelta(t, 1, p.Root.Rotation.W, 1e-6)
}

func TestListeningReusesIdleClip(t *testing.T) {
	a := newTestAnimator(newFakeClock())
	require.NoError(t, a.Bind(testModel()))

	require.NoError(t, a.SetState(StateListening))
	layers := a.Pose().Clips
	require.Len(t, layers, 1, "same clip, no cross-fade")
	assert.Equal(t, "Idle", layers[0].Name)
}

func TestStateBeforeBindSelectsClipOnBind(t *testing.T) {
	a := newTestAnimator(newFakeClock())
	require.NoError(t, a.SetState(StateConnecting))
	require.NoError(t, a.Bind(testModel()))

	layers := a.Pose().Clips
	require.Len(t, layers, 1)
	assert.Equal(t, "Wave", layers[0].Name)
	assert.Equal(t, float32(1), layers[0].Weight)
	assert.Equal(t, map[AnimationState]string{
		StateIdle:       "Idle",
		StateListening:  "Idle",
		StateSpeaking:   "Talk",
		StateConnecting: "Wave",
		StateError:      "Idle",
	}, a.ClipTable())
}

func TestSetStateRejectsUnknown(t *testing.T) {
	a := newTestAnimator(newFakeClock())
	assert.Error(t, a.SetState("dancing"))
	assert.Equal(t, StateIdle, a.State())
}

func TestPoseRootTransform(t *testing.T) {
	clock := newFakeClock()
	a := newTestAnimator(clock)
	require.NoError(t, a.Bind(testModel()))

	for i := 0; i < 10; i++ {
		require.NoError(t, a.Update(nil, 0.1))
	}

	p := a.Pose()
	assert.Equal(t, "Head", p.Root.Node)
	assert.Equal(t, "hannah", p.ModelID)
	assert.InDelta(t, 1.0, p.Time, 1e-5)
	assert.InDelta(t, math.Sin(0.8)*0.008, p.Root.Translation.Y(), 1e-6)
	assert.InDelta(t, 1, p.Root.Rotation.Len(), 1e-5)
	assert.Contains(t, p.Morphs, "face")
}

func TestConcurrentStateChangesAndUpdates(t *testing.T) {
	clock := newFakeClock()
	a := newTestAnimator(clock)
	require.NoError(t, a.Bind(testModel()))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			_ = a.SetState(States[i%len(States)])
		}
	}()
	go func() {
		defer wg.Done()
		f := viseme.Frame{Volume: 0.5, Intensity: 0.5, Phoneme: viseme.U}
		for i := 0; i < 200; i++ {
			f.Seq++
			_ = a.Update(&f, 0.016)
			clock.Advance(tick)
		}
	}()
	wg.Wait()

	assert.True(t, a.State().Valid())
}
