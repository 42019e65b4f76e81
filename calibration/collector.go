// Package calibration collects checkerboard frames for camera calibration and stores the
// resulting intrinsics. Corner finding and the intrinsics solve are pluggable.
package calibration

import (
	"context"
	"encoding/json"
	"image"
	"os"
	"path/filepath"
	"sync"

	"github.com/golang/geo/r2"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/xnav-frc/xnav/config"
	"github.com/xnav-frc/xnav/logging"
)

// Status is the session state.
type Status string

// Session states.
const (
	StatusIdle             Status = "idle"
	StatusCollecting       Status = "collecting"
	StatusReadyToCalibrate Status = "ready_to_calibrate"
	StatusStopped          Status = "stopped"
	StatusComputing        Status = "computing"
	StatusDone             Status = "done"
	StatusError            Status = "error"
)

// MinFrames is the fewest accepted frames a solve will run on.
const MinFrames = 5

// A PatternFinder locates the inner corners of a rows×cols checkerboard.
type PatternFinder interface {
	FindPattern(gray *image.Gray, rows, cols int) ([]r2.Point, bool)
}

// Observation is one accepted calibration frame.
type Observation struct {
	Corners   []r2.Point
	ImageSize image.Point
}

// Board describes the checkerboard. SquareSize is in meters.
type Board struct {
	Rows       int
	Cols       int
	SquareSize float64
}

// A Solver computes intrinsics from observations of a board.
type Solver interface {
	Calibrate(ctx context.Context, board Board, obs []Observation) (Result, error)
}

// Result is a solved calibration, in the format of the calibration file.
type Result struct {
	CameraMatrix [][]float64 `json:"camera_matrix"`
	DistCoeffs   []float64   `json:"dist_coeffs"`
	RMSError     float64     `json:"rms_error"`
	ImageSize    []int       `json:"image_size"`
	NumFrames    int         `json:"num_frames"`
}

func (r Result) clone() Result {
	out := r
	out.CameraMatrix = make([][]float64, 0, len(r.CameraMatrix))
	for _, row := range r.CameraMatrix {
		out.CameraMatrix = append(out.CameraMatrix, append([]float64(nil), row...))
	}
	out.DistCoeffs = append([]float64(nil), r.DistCoeffs...)
	out.ImageSize = append([]int(nil), r.ImageSize...)
	return out
}

// Report is a point-in-time view of the session.
type Report struct {
	SessionID  string `json:"session_id"`
	Collecting bool   `json:"collecting"`
	Progress   int    `json:"progress"`
	Target     int    `json:"target"`
	Status     Status `json:"status"`
	HasResult  bool   `json:"has_result"`
}

// Collector runs one collection session at a time.
type Collector struct {
	cfg    *config.Store
	logger logging.Logger
	finder PatternFinder
	solver Solver

	mu         sync.Mutex
	sessionID  uuid.UUID
	collecting bool
	target     int
	status     Status
	obs        []Observation
	result     *Result
}

// NewCollector returns an idle collector. A nil finder accepts every frame; a nil solver makes
// Compute fail.
func NewCollector(cfg *config.Store, finder PatternFinder, solver Solver, logger logging.Logger) *Collector {
	return &Collector{
		cfg:    cfg,
		logger: logger,
		finder: finder,
		solver: solver,
		target: config.DefaultCalibration().TargetFrames,
		status: StatusIdle,
	}
}

// Start begins a new session, discarding frames from any previous one. A non-positive target uses
// calibration.target_frames.
func (c *Collector) Start(target int) string {
	if target <= 0 {
		cal, err := c.cfg.Calibration()
		if err != nil {
			c.logger.Warnw("invalid calibration config", "error", err)
		}
		target = cal.TargetFrames
		if target <= 0 {
			target = config.DefaultCalibration().TargetFrames
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionID = uuid.New()
	c.obs = nil
	c.collecting = true
	c.target = target
	c.status = StatusCollecting
	c.logger.Infow("calibration collection started", "session", c.sessionID, "target", target)
	return c.sessionID.String()
}

// Stop ends collection, keeping the frames gathered so far.
func (c *Collector) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.collecting = false
	c.status = StatusStopped
}

// Collecting reports whether AddFrame would consider a frame.
func (c *Collector) Collecting() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.collecting && len(c.obs) < c.target
}

// AddFrame offers a frame to the session. It returns true when the board was found and the frame
// was kept. Reaching the target ends collection.
func (c *Collector) AddFrame(gray *image.Gray) bool {
	if gray == nil || !c.Collecting() {
		return false
	}
	cal, err := c.cfg.Calibration()
	if err != nil {
		c.logger.Warnw("invalid calibration config", "error", err)
	}

	var corners []r2.Point
	if c.finder != nil {
		found := false
		corners, found = c.finder.FindPattern(gray, cal.CheckerboardRows, cal.CheckerboardCols)
		if !found {
			return false
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.collecting || len(c.obs) >= c.target {
		return false
	}
	c.obs = append(c.obs, Observation{Corners: corners, ImageSize: gray.Bounds().Size()})
	c.logger.Debugf("calibration frame %d/%d", len(c.obs), c.target)
	if len(c.obs) >= c.target {
		c.collecting = false
		c.status = StatusReadyToCalibrate
		c.logger.Infow("calibration collection complete", "session", c.sessionID, "frames", len(c.obs))
	}
	return true
}

// Report returns the session state.
func (c *Collector) Report() Report {
	c.mu.Lock()
	defer c.mu.Unlock()
	r := Report{
		Collecting: c.collecting,
		Progress:   len(c.obs),
		Target:     c.target,
		Status:     c.status,
		HasResult:  c.result != nil,
	}
	if c.sessionID != uuid.Nil {
		r.SessionID = c.sessionID.String()
	}
	return r
}

// Compute solves for intrinsics from the collected frames, stores the result and saves it to the
// calibration file and config.
func (c *Collector) Compute(ctx context.Context) (Result, error) {
	if c.solver == nil {
		return Result{}, errors.New("no calibration solver available")
	}
	c.mu.Lock()
	obs := append([]Observation(nil), c.obs...)
	c.mu.Unlock()
	if len(obs) < MinFrames {
		return Result{}, errors.Errorf("need at least %d frames, have %d", MinFrames, len(obs))
	}

	cal, err := c.cfg.Calibration()
	if err != nil {
		return Result{}, err
	}
	c.setStatus(StatusComputing)
	c.logger.Infof("computing calibration from %d frames", len(obs))
	res, err := c.solver.Calibrate(ctx, Board{
		Rows:       cal.CheckerboardRows,
		Cols:       cal.CheckerboardCols,
		SquareSize: cal.CheckerboardSquareSize,
	}, obs)
	if err != nil {
		c.setStatus(StatusError)
		return Result{}, errors.Wrap(err, "calibration failed")
	}
	res.NumFrames = len(obs)

	c.mu.Lock()
	stored := res.clone()
	c.result = &stored
	c.status = StatusDone
	c.mu.Unlock()

	if err := c.save(cal.CalibrationFile, res); err != nil {
		c.logger.Errorw("failed to save calibration", "error", err)
	}
	c.logger.Infof("calibration done, RMS error %.4f", res.RMSError)
	return res, nil
}

func (c *Collector) setStatus(s Status) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = s
}

func (c *Collector) save(path string, res Result) error {
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return err
		}
		data, err := json.MarshalIndent(res, "", "  ")
		if err != nil {
			return err
		}
		if err := os.WriteFile(path, data, 0o600); err != nil {
			return err
		}
		c.logger.Infow("calibration saved", "path", path)
	}
	section := c.cfg.GetSection(config.SectionCalibration)
	if section == nil {
		section = map[string]any{}
	}
	section["camera_matrix"] = res.CameraMatrix
	section["dist_coeffs"] = res.DistCoeffs
	return c.cfg.UpdateSection(config.SectionCalibration, section)
}

// Result returns a copy of the last solved or loaded calibration.
func (c *Collector) Result() (Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.result == nil {
		return Result{}, false
	}
	return c.result.clone(), true
}

// LoadSaved reads the calibration file named in config into the collector.
func (c *Collector) LoadSaved() (Result, bool) {
	cal, err := c.cfg.Calibration()
	if err != nil || cal.CalibrationFile == "" {
		return Result{}, false
	}
	//nolint:gosec
	data, err := os.ReadFile(cal.CalibrationFile)
	if err != nil {
		if !os.IsNotExist(err) {
			c.logger.Errorw("failed to load calibration", "error", err)
		}
		return Result{}, false
	}
	var res Result
	if err := json.Unmarshal(data, &res); err != nil {
		c.logger.Errorw("failed to load calibration", "error", err)
		return Result{}, false
	}
	c.mu.Lock()
	stored := res.clone()
	c.result = &stored
	c.mu.Unlock()
	return res, true
}
