package apriltag

import (
	"context"
	"encoding/json"
	"image"
	"os"
	"sync"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"github.com/xnav-frc/xnav/config"
	"github.com/xnav-frc/xnav/logging"
	"github.com/xnav-frc/xnav/spatialmath"
)

// BackendFixture replays recorded detections from a JSON file, one recorded frame per call,
// looping at the end. It is used for bench testing without a decoder.
const BackendFixture = "fixture"

func init() {
	RegisterBackend(BackendFixture, func(cfg config.AprilTag, logger logging.Logger) (Backend, error) {
		if cfg.FixtureFile == "" {
			return nil, errors.New("fixture backend requires apriltag.fixture_file")
		}
		fb, err := LoadFixture(cfg.FixtureFile)
		if err != nil {
			return nil, err
		}
		return fb, nil
	})
}

// fixtureFile is the on-disk format:
//
//	{"frames": [{"detections": [{"id": 1, "center": [640, 360], "corners": [[..], ..],
//	  "rotation": [r00, r01, .., r22], "translation": [x, y, z]}]}]}
type fixtureFile struct {
	Frames []struct {
		Detections []fixtureDetection `json:"detections"`
	} `json:"frames"`
}

type fixtureDetection struct {
	ID             int          `json:"id"`
	Hamming        int          `json:"hamming"`
	DecisionMargin float64      `json:"decision_margin"`
	Center         [2]float64   `json:"center"`
	Corners        [][2]float64 `json:"corners"`
	Rotation       *[9]float64  `json:"rotation"`
	Translation    *[3]float64  `json:"translation"`
}

func (fd fixtureDetection) raw() RawDetection {
	raw := RawDetection{
		ID:             fd.ID,
		Hamming:        fd.Hamming,
		DecisionMargin: fd.DecisionMargin,
		Center:         r2.Point{X: fd.Center[0], Y: fd.Center[1]},
	}
	for _, c := range fd.Corners {
		raw.Corners = append(raw.Corners, r2.Point{X: c[0], Y: c[1]})
	}
	if fd.Translation != nil {
		rot := spatialmath.IdentityRotation()
		if fd.Rotation != nil {
			rot = spatialmath.NewRotationMatrix(*fd.Rotation)
		}
		t := *fd.Translation
		raw.Pose = &TagPose3D{Rotation: rot, Translation: r3.Vector{X: t[0], Y: t[1], Z: t[2]}}
	}
	return raw
}

// FixtureBackend serves recorded frames in order.
type FixtureBackend struct {
	mu     sync.Mutex
	frames [][]RawDetection
	next   int
}

// NewFixtureBackend serves the given frames in order. Each call gets copies.
func NewFixtureBackend(frames [][]RawDetection) *FixtureBackend {
	return &FixtureBackend{frames: frames}
}

// LoadFixture reads a fixture file.
func LoadFixture(path string) (*FixtureBackend, error) {
	//nolint:gosec
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading detection fixture")
	}
	var f fixtureFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, errors.Wrapf(err, "parsing detection fixture %q", path)
	}
	frames := make([][]RawDetection, 0, len(f.Frames))
	for _, fr := range f.Frames {
		dets := make([]RawDetection, 0, len(fr.Detections))
		for _, fd := range fr.Detections {
			dets = append(dets, fd.raw())
		}
		frames = append(frames, dets)
	}
	return NewFixtureBackend(frames), nil
}

// Detect returns the next recorded frame. Poses are dropped unless opts.EstimatePose is set.
func (fb *FixtureBackend) Detect(ctx context.Context, img *image.Gray, opts DetectOptions) ([]RawDetection, error) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	if len(fb.frames) == 0 {
		return nil, nil
	}
	frame := fb.frames[fb.next]
	fb.next = (fb.next + 1) % len(fb.frames)

	out := make([]RawDetection, 0, len(frame))
	for _, raw := range frame {
		c := raw
		c.Corners = append([]r2.Point(nil), raw.Corners...)
		if raw.Pose != nil && opts.EstimatePose {
			p := *raw.Pose
			c.Pose = &p
		} else {
			c.Pose = nil
		}
		out = append(out, c)
	}
	return out, nil
}

// Close does nothing.
func (fb *FixtureBackend) Close() error {
	return nil
}
