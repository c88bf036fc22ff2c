package classifier

import (
	"math"

	"github.com/MrWong99/moodwire/pkg/types"
)

// Face-mesh landmark indices (468-point MediaPipe topology).
const (
	idxNoseTip        = 1
	idxUpperLip       = 13
	idxLowerLip       = 14
	idxMouthLeft      = 61
	idxMouthRight     = 291
	idxLeftEyeOuter   = 33
	idxRightEyeOuter  = 263
	idxLeftEyeTop     = 159
	idxLeftEyeBottom  = 145
	idxRightEyeTop    = 386
	idxRightEyeBottom = 374
	idxLeftBrow       = 105
	idxRightBrow      = 334
	idxLeftBrowInner  = 55
	idxRightBrowInner = 285

	// minPoints is the highest index used plus one.
	minPoints = idxRightBrow + 1
)

// Features summarises a landmark batch as scale-free geometric ratios
// averaged over every usable frame. Distances are divided by the outer
// eye-corner distance so the values do not depend on how close the face is
// to the camera.
type Features struct {
	// FrameCount is the number of frames in the batch.
	FrameCount int `json:"frameCount"`

	// Usable is the number of frames with a complete mesh.
	Usable int `json:"usableFrames"`

	MouthOpen  float64 `json:"mouthOpen"`
	MouthWidth float64 `json:"mouthWidth"`

	// SmileCurve is positive when the mouth corners sit above the lip centre.
	SmileCurve float64 `json:"smileCurve"`

	EyeOpen    float64 `json:"eyeOpen"`
	BrowRaise  float64 `json:"browRaise"`
	BrowFurrow float64 `json:"browFurrow"`

	// HeadMotion is the mean nose-tip displacement between consecutive
	// frames.
	HeadMotion float64 `json:"headMotion"`
}

// ExtractFeatures reduces frames to [Features]. Frames with fewer points than
// the face mesh needs are counted but skipped.
func ExtractFeatures(frames []types.LandmarkFrame) Features {
	f := Features{FrameCount: len(frames)}
	var prevNose *types.Point
	var motion float64
	var moves int

	for i := range frames {
		p := frames[i].Points
		if len(p) < minPoints {
			continue
		}
		scale := dist(p[idxLeftEyeOuter], p[idxRightEyeOuter])
		if scale == 0 {
			continue
		}
		f.Usable++

		lipCentreY := (p[idxUpperLip].Y + p[idxLowerLip].Y) / 2
		cornersY := (p[idxMouthLeft].Y + p[idxMouthRight].Y) / 2
		eyeTopY := (p[idxLeftEyeTop].Y + p[idxRightEyeTop].Y) / 2

		f.MouthOpen += dist(p[idxUpperLip], p[idxLowerLip]) / scale
		f.MouthWidth += dist(p[idxMouthLeft], p[idxMouthRight]) / scale
		// Image y grows downwards.
		f.SmileCurve += (lipCentreY - cornersY) / scale
		f.EyeOpen += (dist(p[idxLeftEyeTop], p[idxLeftEyeBottom]) + dist(p[idxRightEyeTop], p[idxRightEyeBottom])) / 2 / scale
		f.BrowRaise += (eyeTopY - (p[idxLeftBrow].Y+p[idxRightBrow].Y)/2) / scale
		f.BrowFurrow += dist(p[idxLeftBrowInner], p[idxRightBrowInner]) / scale

		nose := p[idxNoseTip]
		if prevNose != nil {
			motion += dist(*prevNose, nose) / scale
			moves++
		}
		prevNose = &nose
	}

	if f.Usable == 0 {
		return f
	}
	n := float64(f.Usable)
	f.MouthOpen /= n
	f.MouthWidth /= n
	f.SmileCurve /= n
	f.EyeOpen /= n
	f.BrowRaise /= n
	f.BrowFurrow /= n
	if moves > 0 {
		f.HeadMotion = motion / float64(moves)
	}
	return f
}

func dist(a, b types.Point) float64 {
	dx, dy, dz := a.X-b.X, a.Y-b.Y, a.Z-b.Z
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}
