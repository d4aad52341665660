package media

// Facing is the direction a camera points.
type Facing string

const (
	FacingUser        Facing = "user"
	FacingEnvironment Facing = "environment"
)

// Opposite returns the other camera direction.
func (f Facing) Opposite() Facing {
	if f == FacingEnvironment {
		return FacingUser
	}
	return FacingEnvironment
}

type AudioConstraints struct {
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
}

type VideoConstraints struct {
	Width     int
	Height    int
	FrameRate float32
	Facing    Facing
}

// Constraints is one concrete set of capture parameters. A nil member means
// that kind is not captured.
type Constraints struct {
	Tier  string
	Audio *AudioConstraints
	Video *VideoConstraints
}

// Request describes what a call needs, independent of quality tier.
type Request struct {
	Audio  bool
	Video  bool
	Facing Facing
}

const (
	TierHigh    = "high"
	TierMinimal = "minimal"
)

// HighQuality is the first constraint set tried for a request.
func HighQuality(req Request) Constraints {
	c := Constraints{Tier: TierHigh}
	if req.Audio {
		c.Audio = &AudioConstraints{
			EchoCancellation: true,
			NoiseSuppression: true,
			AutoGainControl:  true,
		}
	}
	if req.Video {
		c.Video = &VideoConstraints{
			Width:     1280,
			Height:    720,
			FrameRate: 30,
			Facing:    facingOrDefault(req.Facing),
		}
	}
	return c
}

// Minimal is the fallback set used after an overconstrained failure.
func Minimal(req Request) Constraints {
	c := Constraints{Tier: TierMinimal}
	if req.Audio {
		c.Audio = &AudioConstraints{}
	}
	if req.Video {
		c.Video = &VideoConstraints{
			Width:  640,
			Height: 480,
			Facing: facingOrDefault(req.Facing),
		}
	}
	return c
}

func facingOrDefault(f Facing) Facing {
	if f == "" {
		return FacingUser
	}
	return f
}
