package avatar3d

import (
	"time"

	"github.com/go-gl/mathgl/mgl32"
)

// RootTransform is the procedural offset applied to the root/head node.
type RootTransform struct {
	Node        string     `json:"node"`
	Translation mgl32.Vec3 `json:"translation"`
	Rotation    mgl32.Quat `json:"rotation"`
	Offset      RootOffset `json:"offset"`
}

// Pose is a snapshot of everything a renderer needs for one frame.
type Pose struct {
	ModelID string               `json:"model_id,omitempty"`
	State   AnimationState       `json:"state"`
	Time    float32              `json:"time"`
	Root    RootTransform        `json:"root"`
	Clips   []ClipLayer          `json:"clips"`
	Morphs  map[string][]float32 `json:"morphs"`
	At      time.Time            `json:"at"`
}

func newRootTransform(node string, off RootOffset) RootTransform {
	yaw := mgl32.QuatRotate(off.Yaw, mgl32.Vec3{0, 1, 0})
	pitch := mgl32.QuatRotate(off.Pitch, mgl32.Vec3{1, 0, 0})
	return RootTransform{
		Node:        node,
		Translation: mgl32.Vec3{0, off.Bob, 0},
		Rotation:    yaw.Mul(pitch),
		Offset:      off,
	}
}
