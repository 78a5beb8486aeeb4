package types

// StreamID identifies which of the two session streams a frame or pose belongs to.
type StreamID int

const (
	Reference StreamID = iota
	Performer
)

func (s StreamID) String() string {
	switch s {
	case Reference:
		return "reference"
	case Performer:
		return "performer"
	default:
		return "unknown"
	}
}

// Frame is a single decoded JPEG frame pulled from a media source.
type Frame struct {
	Stream StreamID
	Index  int
	Data   []byte
}

// Position is a 2D point in frame pixel coordinates.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Keypoint matches the JSON structure coming back from the pose worker.
type Keypoint struct {
	Part     string   `json:"part"`
	Score    float64  `json:"score"` // confidence in [0,1]
	Position Position `json:"position"`
}

// Pose is a single-person estimate: overall confidence plus its keypoints.
type Pose struct {
	Score     float64    `json:"score"`
	Keypoints []Keypoint `json:"keypoints"`
}

// Keypoint returns the keypoint with the given part name.
func (p Pose) Keypoint(part string) (Keypoint, bool) {
	for _, kp := range p.Keypoints {
		if kp.Part == part {
			return kp, true
		}
	}
	return Keypoint{}, false
}

// EstimateOptions are forwarded verbatim to the pose model for each estimate.
type EstimateOptions struct {
	ImageScaleFactor float64 `json:"image_scale_factor"`
	FlipHorizontal   bool    `json:"flip_horizontal"`
	OutputStride     int     `json:"output_stride"`
}

// ErrorResult captures the error object returned by Python on failure
type ErrorResult struct {
	Error string `json:"error"`
}

// ReadyResult is the handshake written by the worker once the model is loaded.
type ReadyResult struct {
	Ready        bool   `json:"ready"`
	Architecture string `json:"architecture"`
	Error        string `json:"error"`
}
