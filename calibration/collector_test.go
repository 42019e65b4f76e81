package calibration

import (
	"context"
	"image"
	"path/filepath"
	"testing"

	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
	"go.viam.com/test"

	"github.com/xnav-frc/xnav/config"
	"github.com/xnav-frc/xnav/logging"
)

// brightFinder finds the board in frames whose first pixel is non-zero.
type brightFinder struct {
	rows, cols int
}

func (f *brightFinder) FindPattern(gray *image.Gray, rows, cols int) ([]r2.Point, bool) {
	f.rows, f.cols = rows, cols
	if gray.Pix[0] == 0 {
		return nil, false
	}
	return []r2.Point{{X: 1, Y: 1}}, true
}

type fakeSolver struct {
	board Board
	n     int
	err   error
}

func (s *fakeSolver) Calibrate(_ context.Context, board Board, obs []Observation) (Result, error) {
	s.board, s.n = board, len(obs)
	if s.err != nil {
		return Result{}, s.err
	}
	return Result{
		CameraMatrix: [][]float64{{900, 0, 320}, {0, 900, 240}, {0, 0, 1}},
		DistCoeffs:   []float64{0.1, 0, 0, 0, 0},
		RMSError:     0.25,
		ImageSize:    []int{640, 480},
	}, nil
}

func frame(v uint8) *image.Gray {
	g := image.NewGray(image.Rect(0, 0, 640, 480))
	g.Pix[0] = v
	return g
}

func newStore(t *testing.T) *config.Store {
	t.Helper()
	doc := config.DefaultDocument()
	doc[config.SectionCalibration].(map[string]any)["calibration_file"] = filepath.Join(t.TempDir(), "cal", "calibration.json")
	return config.NewStore("", doc, logging.NewTestLogger(t))
}

func TestCollectorProgression(t *testing.T) {
	finder := &brightFinder{}
	c := NewCollector(newStore(t), finder, nil, logging.NewTestLogger(t))

	r := c.Report()
	test.That(t, r.Status, test.ShouldEqual, StatusIdle)
	test.That(t, r.SessionID, test.ShouldBeEmpty)
	test.That(t, c.AddFrame(frame(1)), test.ShouldBeFalse)

	id := c.Start(3)
	test.That(t, id, test.ShouldNotBeEmpty)
	test.That(t, c.Report().SessionID, test.ShouldEqual, id)

	test.That(t, c.AddFrame(frame(0)), test.ShouldBeFalse)
	test.That(t, c.AddFrame(nil), test.ShouldBeFalse)
	test.That(t, c.AddFrame(frame(1)), test.ShouldBeTrue)
	test.That(t, c.AddFrame(frame(1)), test.ShouldBeTrue)
	test.That(t, finder.rows, test.ShouldEqual, 6)
	test.That(t, finder.cols, test.ShouldEqual, 9)

	r = c.Report()
	test.That(t, r.Collecting, test.ShouldBeTrue)
	test.That(t, r.Progress, test.ShouldEqual, 2)
	test.That(t, r.Target, test.ShouldEqual, 3)

	test.That(t, c.AddFrame(frame(1)), test.ShouldBeTrue)
	r = c.Report()
	test.That(t, r.Status, test.ShouldEqual, StatusReadyToCalibrate)
	test.That(t, r.Collecting, test.ShouldBeFalse)
	test.That(t, c.AddFrame(frame(1)), test.ShouldBeFalse)
	test.That(t, c.Report().Progress, test.ShouldEqual, 3)

	second := c.Start(0)
	test.That(t, second, test.ShouldNotEqual, id)
	r = c.Report()
	test.That(t, r.Progress, test.ShouldEqual, 0)
	test.That(t, r.Target, test.ShouldEqual, 20)

	c.Stop()
	test.That(t, c.Report().Status, test.ShouldEqual, StatusStopped)
	test.That(t, c.AddFrame(frame(1)), test.ShouldBeFalse)
}

func TestCollectorComputeAndSave(t *testing.T) {
	store := newStore(t)
	solver := &fakeSolver{}
	c := NewCollector(store, nil, solver, logging.NewTestLogger(t))

	c.Start(5)
	for i := 0; i < 4; i++ {
		test.That(t, c.AddFrame(frame(0)), test.ShouldBeTrue)
	}
	_, err := c.Compute(context.Background())
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "at least 5")

	test.That(t, c.AddFrame(frame(0)), test.ShouldBeTrue)
	res, err := c.Compute(context.Background())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.NumFrames, test.ShouldEqual, 5)
	test.That(t, solver.n, test.ShouldEqual, 5)
	test.That(t, solver.board, test.ShouldResemble, Board{Rows: 6, Cols: 9, SquareSize: 0.025})
	test.That(t, c.Report().Status, test.ShouldEqual, StatusDone)
	test.That(t, c.Report().HasResult, test.ShouldBeTrue)

	cal, err := store.Calibration()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cal.CameraMatrix, test.ShouldResemble, res.CameraMatrix)
	test.That(t, cal.DistCoeffs, test.ShouldResemble, res.DistCoeffs)

	fresh := NewCollector(store, nil, nil, logging.NewTestLogger(t))
	loaded, ok := fresh.LoadSaved()
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, loaded, test.ShouldResemble, res)
	got, ok := fresh.Result()
	test.That(t, ok, test.ShouldBeTrue)
	got.CameraMatrix[0][0] = 1
	again, _ := fresh.Result()
	test.That(t, again.CameraMatrix[0][0], test.ShouldEqual, 900.0)
}

func TestCollectorComputeFailures(t *testing.T) {
	c := NewCollector(newStore(t), nil, nil, logging.NewTestLogger(t))
	_, err := c.Compute(context.Background())
	test.That(t, err, test.ShouldNotBeNil)

	solver := &fakeSolver{err: errors.New("singular")}
	c = NewCollector(newStore(t), nil, solver, logging.NewTestLogger(t))
	c.Start(5)
	for i := 0; i < 5; i++ {
		c.AddFrame(frame(0))
	}
	_, err = c.Compute(context.Background())
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, c.Report().Status, test.ShouldEqual, StatusError)
	_, ok := c.Result()
	test.That(t, ok, test.ShouldBeFalse)

	_, ok = c.LoadSaved()
	test.That(t, ok, test.ShouldBeFalse)
}
