package avatar3d

import "math"

// RootOffset is the additive procedural offset for the root/head node.
type RootOffset struct {
	Bob   float32 `json:"bob"`
	Yaw   float32 `json:"yaw"`
	Pitch float32 `json:"pitch"`
}

type idleProfile struct {
	bobRate, bobAmplitude     float64
	yawRate, yawAmplitude     float64
	pitchRate, pitchAmplitude float64
}

var (
	restingProfile  = idleProfile{0.8, 0.008, 0.3, 0.015, 0.4, 0.008}
	speakingProfile = idleProfile{2, 0.005, 0, 0, 0, 0}
)

// IdleAnimator layers breathing and head sway keyed by accumulated session
// time. The clock is not reset on state changes.
type IdleAnimator struct {
	time float64
}

func NewIdleAnimator() *IdleAnimator {
	return &IdleAnimator{}
}

func (ia *IdleAnimator) Update(dt float32) {
	if dt > 0 {
		ia.time += float64(dt)
	}
}

// Offset returns the procedural offset for state at the current time.
// Connecting and Error carry no procedural motion.
func (ia *IdleAnimator) Offset(state AnimationState) RootOffset {
	var p idleProfile
	switch state {
	case StateIdle, StateListening:
		p = restingProfile
	case StateSpeaking:
		p = speakingProfile
	default:
		return RootOffset{}
	}

	t := ia.time
	return RootOffset{
		Bob:   float32(math.Sin(t*p.bobRate) * p.bobAmplitude),
		Yaw:   float32(math.Sin(t*p.yawRate) * p.yawAmplitude),
		Pitch: float32(math.Sin(t*p.pitchRate) * p.pitchAmplitude),
	}
}

func (ia *IdleAnimator) GetTime() float32 {
	return float32(ia.time)
}
