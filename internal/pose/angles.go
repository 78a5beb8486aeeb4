// Package pose turns raw keypoint sets into named joint angles and compares
// the angle sets of two poses.
package pose

import (
	"math"

	"github.com/andresmejia3/groove/internal/types"
)

// degenerateLength is the bone length below which an angle is left undefined.
const degenerateLength = 1e-9

// Joint defines a named angle by an ordered triple of connected keypoints.
// The angle is measured at Vertex between the bones to Proximal and Distal.
type Joint struct {
	Name     string
	Proximal string
	Vertex   string
	Distal   string
}

// Catalog is the fixed set of joints derived for every pose.
var Catalog = []Joint{
	{Name: "left-elbow", Proximal: "leftShoulder", Vertex: "leftElbow", Distal: "leftWrist"},
	{Name: "right-elbow", Proximal: "rightShoulder", Vertex: "rightElbow", Distal: "rightWrist"},
	{Name: "left-shoulder", Proximal: "leftElbow", Vertex: "leftShoulder", Distal: "leftHip"},
	{Name: "right-shoulder", Proximal: "rightElbow", Vertex: "rightShoulder", Distal: "rightHip"},
	{Name: "left-hip", Proximal: "leftShoulder", Vertex: "leftHip", Distal: "leftKnee"},
	{Name: "right-hip", Proximal: "rightShoulder", Vertex: "rightHip", Distal: "rightKnee"},
	{Name: "left-knee", Proximal: "leftHip", Vertex: "leftKnee", Distal: "leftAnkle"},
	{Name: "right-knee", Proximal: "rightHip", Vertex: "rightKnee", Distal: "rightAnkle"},
}

// NamedAngle is a joint angle in degrees, always within [0,180].
type NamedAngle struct {
	Name  string  `json:"name"`
	Angle float64 `json:"angle"`
}

// AngleSet holds the angles of one pose in catalog order.
type AngleSet []NamedAngle

// Get looks up an angle by joint name.
func (s AngleSet) Get(name string) (float64, bool) {
	for _, a := range s {
		if a.Name == name {
			return a.Angle, true
		}
	}
	return 0, false
}

// Names returns the joint names present in the set.
func (s AngleSet) Names() []string {
	names := make([]string, len(s))
	for i, a := range s {
		names[i] = a.Name
	}
	return names
}

// ExtractAngles computes every catalog angle whose three keypoints all meet
// minPartConfidence. Joints with a missing, low-confidence or degenerate
// keypoint are omitted.
func ExtractAngles(keypoints []types.Keypoint, minPartConfidence float64) AngleSet {
	byPart := make(map[string]types.Keypoint, len(keypoints))
	for _, kp := range keypoints {
		byPart[kp.Part] = kp
	}

	set := make(AngleSet, 0, len(Catalog))
	for _, j := range Catalog {
		a, okA := confident(byPart, j.Proximal, minPartConfidence)
		b, okB := confident(byPart, j.Vertex, minPartConfidence)
		c, okC := confident(byPart, j.Distal, minPartConfidence)
		if !okA || !okB || !okC {
			continue
		}
		angle, ok := JointAngle(a.Position, b.Position, c.Position)
		if !ok {
			continue
		}
		set = append(set, NamedAngle{Name: j.Name, Angle: angle})
	}
	return set
}

func confident(byPart map[string]types.Keypoint, part string, min float64) (types.Keypoint, bool) {
	kp, ok := byPart[part]
	if !ok || kp.Score < min {
		return types.Keypoint{}, false
	}
	return kp, true
}

// JointAngle returns the angle in degrees at vertex between the bones
// vertex→proximal and vertex→distal. A fully extended limb measures 180.
// ok is false when either bone has near-zero length.
func JointAngle(proximal, vertex, distal types.Position) (float64, bool) {
	ux, uy := proximal.X-vertex.X, proximal.Y-vertex.Y
	vx, vy := distal.X-vertex.X, distal.Y-vertex.Y

	nu := math.Hypot(ux, uy)
	nv := math.Hypot(vx, vy)
	if nu < degenerateLength || nv < degenerateLength {
		return 0, false
	}

	cos := (ux*vx + uy*vy) / (nu * nv)
	// Rounding can push |cos| slightly past 1 for collinear bones
	cos = math.Max(-1, math.Min(1, cos))

	deg := math.Acos(cos) * 180 / math.Pi
	return math.Max(0, math.Min(180, deg)), true
}
