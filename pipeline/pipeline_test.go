package pipeline

import (
	"context"
	"errors"
	"image"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"github.com/xnav-frc/xnav/components/camera"
	"github.com/xnav-frc/xnav/components/thermal"
	"github.com/xnav-frc/xnav/config"
	"github.com/xnav-frc/xnav/logging"
	"github.com/xnav-frc/xnav/spatialmath"
	"github.com/xnav-frc/xnav/telemetry"
	"github.com/xnav-frc/xnav/vision/apriltag"
	"github.com/xnav-frc/xnav/vision/pose"
)

var testCam = apriltag.Intrinsics{Fx: 1000, Fy: 1000, Cx: 640, Cy: 360}

type fakeDetector struct {
	mu           sync.Mutex
	dets         []apriltag.Detection
	calls        int
	reconfigured int
}

func (d *fakeDetector) Detect(_ context.Context, _ *image.Gray, _ time.Duration) []apriltag.Detection {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	out := make([]apriltag.Detection, len(d.dets))
	for i, det := range d.dets {
		out[i] = det.Clone()
	}
	return out
}

func (d *fakeDetector) Reconfigure() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reconfigured++
	return nil
}

type fakeTransport struct {
	telemetry.Noop
	mu         sync.Mutex
	inputs     telemetry.Inputs
	frames     []telemetry.Frame
	statuses   []string
	publishErr error
}

func (f *fakeTransport) Publish(_ context.Context, frame telemetry.Frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, frame)
	return f.publishErr
}

func (f *fakeTransport) PublishStatus(_ context.Context, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, status)
	return nil
}

func (f *fakeTransport) ReadInputs() telemetry.Inputs {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inputs
}

type fakeThermal struct {
	snap thermal.Snapshot
}

func (f fakeThermal) Snapshot() thermal.Snapshot { return f.snap }
func (f fakeThermal) AutoThrottleFPS() float64  { return f.snap.ThrottleFPS }

type fakeCollector struct {
	collecting bool
	frames     int
}

func (c *fakeCollector) Collecting() bool { return c.collecting }

func (c *fakeCollector) AddFrame(*image.Gray) bool {
	c.frames++
	return true
}

type harness struct {
	cfg       *config.Store
	detector  *fakeDetector
	transport *fakeTransport
	collector *fakeCollector
	clock     *clock.Mock
	pipeline  *Pipeline
}

func newHarness(t *testing.T, logger logging.Logger, th ThermalReader) *harness {
	t.Helper()
	h := &harness{
		cfg: config.NewStore("", config.DefaultDocument(), logger),
		detector: &fakeDetector{dets: []apriltag.Detection{
			apriltag.NewDetection(apriltag.RawDetection{
				ID:   4,
				Pose: &apriltag.TagPose3D{Rotation: spatialmath.IdentityRotation(), Translation: r3.Vector{Z: 2}},
			}, testCam, 0),
		}},
		transport: &fakeTransport{},
		collector: &fakeCollector{},
		clock:     clock.NewMock(),
	}
	p, err := New(Deps{
		Config:      h.cfg,
		Detector:    h.detector,
		Calculator:  pose.New(h.cfg, logger),
		Thermal:     th,
		Transport:   h.transport,
		Calibration: h.collector,
		Clock:       h.clock,
		Logger:      logger,
	})
	test.That(t, err, test.ShouldBeNil)
	h.pipeline = p
	return h
}

func grayFrame(ts time.Duration) camera.Frame {
	return camera.Frame{Gray: image.NewGray(image.Rect(0, 0, 64, 48)), Timestamp: ts}
}

func TestEffectiveCap(t *testing.T) {
	test.That(t, EffectiveCap(0, 0), test.ShouldEqual, 0.0)
	test.That(t, EffectiveCap(10, 0), test.ShouldEqual, 10.0)
	test.That(t, EffectiveCap(0, 15), test.ShouldEqual, 15.0)
	test.That(t, EffectiveCap(10, 5), test.ShouldEqual, 5.0)
	test.That(t, EffectiveCap(10, 15), test.ShouldEqual, 10.0)
	test.That(t, EffectiveCap(-1, 15), test.ShouldEqual, 15.0)
}

func TestThrottleGate(t *testing.T) {
	var g ThrottleGate
	test.That(t, g.Allow(0, 10), test.ShouldBeTrue)
	test.That(t, g.Allow(50*time.Millisecond, 10), test.ShouldBeFalse)
	test.That(t, g.Allow(150*time.Millisecond, 10), test.ShouldBeTrue)
	// the gap is measured from the last accepted frame, not the last seen one
	test.That(t, g.Allow(200*time.Millisecond, 10), test.ShouldBeFalse)
	test.That(t, g.Allow(250*time.Millisecond, 10), test.ShouldBeTrue)

	// no cap, no gate
	test.That(t, g.Allow(251*time.Millisecond, 0), test.ShouldBeTrue)

	// a restarted source is not locked out
	test.That(t, g.Allow(0, 10), test.ShouldBeTrue)

	g.Reset()
	test.That(t, g.Allow(time.Millisecond, 10), test.ShouldBeTrue)
}

func TestThrottleGateTinyCap(t *testing.T) {
	test.That(t, minFrameGap(10), test.ShouldEqual, 100*time.Millisecond)
	test.That(t, minFrameGap(1e-12), test.ShouldEqual, maxFrameGap)

	var g ThrottleGate
	test.That(t, g.Allow(0, 1e-12), test.ShouldBeTrue)
	test.That(t, g.Allow(time.Minute, 1e-12), test.ShouldBeFalse)
	test.That(t, g.Allow(59*time.Minute, 1e-12), test.ShouldBeFalse)
	test.That(t, g.Allow(maxFrameGap, 1e-12), test.ShouldBeTrue)
}

func TestOnFrameThrottled(t *testing.T) {
	h := newHarness(t, logging.NewTestLogger(t), nil)
	test.That(t, h.cfg.Set(config.SectionThrottle, "fps", 10), test.ShouldBeNil)
	test.That(t, h.pipeline.Start(context.Background()), test.ShouldBeNil)
	defer h.pipeline.Stop()

	test.That(t, h.pipeline.OnFrame(grayFrame(0)), test.ShouldBeTrue)
	test.That(t, h.pipeline.OnFrame(grayFrame(50*time.Millisecond)), test.ShouldBeFalse)
	test.That(t, h.pipeline.OnFrame(grayFrame(150*time.Millisecond)), test.ShouldBeTrue)

	processed, dropped := h.pipeline.Counters()
	test.That(t, processed, test.ShouldEqual, uint64(2))
	test.That(t, dropped, test.ShouldEqual, uint64(1))
	test.That(t, h.detector.calls, test.ShouldEqual, 2)
	test.That(t, h.transport.frames, test.ShouldHaveLength, 2)
}

func TestOnFrameThermalCapWins(t *testing.T) {
	th := fakeThermal{snap: thermal.Snapshot{State: thermal.StateCritical, TemperatureC: 82, ThrottleFPS: 5}}
	h := newHarness(t, logging.NewTestLogger(t), th)
	test.That(t, h.cfg.Set(config.SectionThrottle, "fps", 10), test.ShouldBeNil)
	test.That(t, h.pipeline.Start(context.Background()), test.ShouldBeNil)
	defer h.pipeline.Stop()

	test.That(t, h.pipeline.EffectiveThrottleFPS(), test.ShouldEqual, 5.0)
	test.That(t, h.pipeline.OnFrame(grayFrame(0)), test.ShouldBeTrue)
	test.That(t, h.pipeline.OnFrame(grayFrame(150*time.Millisecond)), test.ShouldBeFalse)
	test.That(t, h.pipeline.OnFrame(grayFrame(200*time.Millisecond)), test.ShouldBeTrue)

	res := h.pipeline.State().Snapshot()
	test.That(t, res.ThermalState, test.ShouldEqual, thermal.StateCritical)
	test.That(t, res.TemperatureC, test.ShouldEqual, 82.0)
	test.That(t, res.EffectiveThrottleFPS, test.ShouldEqual, 5.0)
	test.That(t, res.Status, test.ShouldEqual, StatusRunning)
}

func TestOnFrameStopped(t *testing.T) {
	h := newHarness(t, logging.NewTestLogger(t), nil)
	test.That(t, h.pipeline.OnFrame(grayFrame(0)), test.ShouldBeFalse)

	test.That(t, h.pipeline.Start(context.Background()), test.ShouldBeNil)
	test.That(t, h.pipeline.Start(context.Background()), test.ShouldNotBeNil)
	test.That(t, h.pipeline.Running(), test.ShouldBeTrue)
	h.pipeline.Stop()
	h.pipeline.Stop()
	test.That(t, h.pipeline.Running(), test.ShouldBeFalse)
	test.That(t, h.pipeline.OnFrame(grayFrame(time.Second)), test.ShouldBeFalse)
	test.That(t, h.transport.statuses, test.ShouldResemble, []string{StatusRunning, StatusStopped})
	test.That(t, h.pipeline.State().Snapshot().Status, test.ShouldEqual, StatusStopped)
}

func TestOnFrameTurret(t *testing.T) {
	h := newHarness(t, logging.NewTestLogger(t), nil)
	test.That(t, h.pipeline.Start(context.Background()), test.ShouldBeNil)
	defer h.pipeline.Stop()

	// controller input alone does nothing while the config disables the turret
	h.transport.inputs = telemetry.Inputs{TurretAngle: 90, TurretEnabled: true}
	test.That(t, h.pipeline.OnFrame(grayFrame(0)), test.ShouldBeTrue)
	det := h.pipeline.State().Snapshot().Detections[0]
	test.That(t, det.Translation.Z, test.ShouldAlmostEqual, 2.0, 1e-9)

	test.That(t, h.cfg.Set(config.SectionTurret, "enabled", true), test.ShouldBeNil)
	test.That(t, h.pipeline.OnFrame(grayFrame(time.Second)), test.ShouldBeTrue)
	det = h.pipeline.State().Snapshot().Detections[0]
	test.That(t, det.Translation.X, test.ShouldAlmostEqual, 2.0, 1e-9)
	test.That(t, det.Translation.Z, test.ShouldAlmostEqual, 0.0, 1e-9)
	test.That(t, det.TX, test.ShouldAlmostEqual, 90.0, 1e-9)

	// the mount offset applies even when the controller disables the turret
	h.transport.inputs = telemetry.Inputs{TurretAngle: 90, TurretEnabled: false}
	test.That(t, h.cfg.Set(config.SectionTurret, "mount_angle_offset", -90), test.ShouldBeNil)
	test.That(t, h.pipeline.OnFrame(grayFrame(2*time.Second)), test.ShouldBeTrue)
	det = h.pipeline.State().Snapshot().Detections[0]
	test.That(t, det.Translation.X, test.ShouldAlmostEqual, -2.0, 1e-9)
}

func TestOnFrameOffsetPoint(t *testing.T) {
	h := newHarness(t, logging.NewTestLogger(t), nil)
	test.That(t, h.cfg.UpdateSection(config.SectionOffsetPoint, map[string]any{
		"enabled": true, "tag_id": 4, "x": 0.0, "y": 0.0, "z": 0.0,
	}), test.ShouldBeNil)
	test.That(t, h.pipeline.Start(context.Background()), test.ShouldBeNil)
	defer h.pipeline.Stop()

	test.That(t, h.pipeline.OnFrame(grayFrame(0)), test.ShouldBeTrue)
	res := h.pipeline.State().Snapshot()
	test.That(t, res.Offset.Valid, test.ShouldBeTrue)
	test.That(t, res.Offset.Z, test.ShouldAlmostEqual, 2.0, 1e-9)
	test.That(t, res.Offset.DirectDistance, test.ShouldAlmostEqual, res.Detections[0].Distance, 1e-9)
	test.That(t, res.RobotPose.Valid, test.ShouldBeFalse)

	frames := h.transport.frames
	test.That(t, frames, test.ShouldHaveLength, 1)
	test.That(t, frames[0].Offset.Valid, test.ShouldBeTrue)
	test.That(t, frames[0].Seq, test.ShouldEqual, uint64(1))
}

func TestOnFrameLatency(t *testing.T) {
	h := newHarness(t, logging.NewTestLogger(t), nil)
	h.detector.dets = nil
	test.That(t, h.pipeline.Start(context.Background()), test.ShouldBeNil)
	defer h.pipeline.Stop()

	test.That(t, h.pipeline.OnFrame(grayFrame(0)), test.ShouldBeTrue)
	res := h.pipeline.State().Snapshot()
	test.That(t, res.LatencyMs, test.ShouldEqual, 0.0)
	test.That(t, res.Detections, test.ShouldBeEmpty)
	test.That(t, h.pipeline.Latency().Samples, test.ShouldEqual, 1)
}

func TestOnFrameCalibration(t *testing.T) {
	h := newHarness(t, logging.NewTestLogger(t), nil)
	test.That(t, h.pipeline.Start(context.Background()), test.ShouldBeNil)
	defer h.pipeline.Stop()

	test.That(t, h.pipeline.OnFrame(grayFrame(0)), test.ShouldBeTrue)
	test.That(t, h.collector.frames, test.ShouldEqual, 0)

	h.collector.collecting = true
	test.That(t, h.pipeline.OnFrame(grayFrame(time.Second)), test.ShouldBeTrue)
	test.That(t, h.collector.frames, test.ShouldEqual, 1)

	// an active session keeps receiving frames in match mode
	h.transport.inputs.MatchMode = true
	test.That(t, h.pipeline.OnFrame(grayFrame(2*time.Second)), test.ShouldBeTrue)
	test.That(t, h.collector.frames, test.ShouldEqual, 2)
	test.That(t, h.pipeline.State().Snapshot().MatchMode, test.ShouldBeTrue)

	h.transport.inputs.MatchMode = false
	test.That(t, h.cfg.Set(config.KeyMatchMode, true), test.ShouldBeNil)
	test.That(t, h.pipeline.OnFrame(grayFrame(3*time.Second)), test.ShouldBeTrue)
	test.That(t, h.collector.frames, test.ShouldEqual, 3)

	h.collector.collecting = false
	test.That(t, h.pipeline.OnFrame(grayFrame(4*time.Second)), test.ShouldBeTrue)
	test.That(t, h.collector.frames, test.ShouldEqual, 3)
}

func TestOnFramePublishFailureSwallowed(t *testing.T) {
	logger, logs := logging.NewObservedTestLogger(t)
	h := newHarness(t, logger, nil)
	h.transport.publishErr = errors.New("network unreachable")
	test.That(t, h.pipeline.Start(context.Background()), test.ShouldBeNil)
	defer h.pipeline.Stop()

	for i := range 3 {
		test.That(t, h.pipeline.OnFrame(grayFrame(time.Duration(i)*time.Second)), test.ShouldBeTrue)
	}
	test.That(t, logs.FilterMessage("telemetry publish failed").Len(), test.ShouldEqual, 1)
	processed, _ := h.pipeline.Counters()
	test.That(t, processed, test.ShouldEqual, uint64(3))
}

const singleTagMap = `{
	"field": {"length": 16.54, "width": 8.21},
	"tags": [{"ID": 4, "pose": {"translation": {"x": 2, "y": 0, "z": 1},
		"rotation": {"quaternion": {"W": 1, "X": 0, "Y": 0, "Z": 0}}}}]
}`

func TestFieldMapReloadOnConfigChange(t *testing.T) {
	h := newHarness(t, logging.NewTestLogger(t), nil)
	test.That(t, h.pipeline.Start(context.Background()), test.ShouldBeNil)
	defer h.pipeline.Stop()

	calc := h.pipeline.calc
	test.That(t, calc.FieldMap(), test.ShouldBeNil)

	path := filepath.Join(t.TempDir(), "field.fmap")
	test.That(t, os.WriteFile(path, []byte(singleTagMap), 0o600), test.ShouldBeNil)
	test.That(t, h.cfg.UpdateSection(config.SectionFieldMap, map[string]any{
		"enabled": true, "fmap_file": path,
	}), test.ShouldBeNil)
	test.That(t, calc.FieldMap(), test.ShouldNotBeNil)
	test.That(t, calc.FieldMap().Len(), test.ShouldEqual, 1)

	test.That(t, h.pipeline.OnFrame(grayFrame(0)), test.ShouldBeTrue)
	res := h.pipeline.State().Snapshot()
	test.That(t, res.RobotPose.Valid, test.ShouldBeTrue)
	test.That(t, res.RobotPose.TagIDs, test.ShouldResemble, []int{4})

	// a missing file clears the map instead of keeping the stale one
	test.That(t, h.cfg.Set(config.SectionFieldMap, "fmap_file", filepath.Join(t.TempDir(), "gone.fmap")), test.ShouldBeNil)
	test.That(t, calc.FieldMap(), test.ShouldBeNil)

	test.That(t, h.cfg.Set(config.SectionFieldMap, "fmap_file", path), test.ShouldBeNil)
	test.That(t, calc.FieldMap(), test.ShouldNotBeNil)
	test.That(t, h.cfg.Set(config.SectionFieldMap, "enabled", false), test.ShouldBeNil)
	test.That(t, calc.FieldMap(), test.ShouldBeNil)
}

func TestDetectorReconfigureOnConfigChange(t *testing.T) {
	h := newHarness(t, logging.NewTestLogger(t), nil)
	test.That(t, h.pipeline.Start(context.Background()), test.ShouldBeNil)

	test.That(t, h.cfg.Set(config.SectionCamera, "fps", 60), test.ShouldBeNil)
	test.That(t, h.cfg.Set(config.SectionAprilTag, "nthreads", 2), test.ShouldBeNil)
	test.That(t, h.cfg.Set(config.SectionThrottle, "fps", 30), test.ShouldBeNil)
	test.That(t, h.detector.reconfigured, test.ShouldEqual, 2)

	h.pipeline.Stop()
	test.That(t, h.cfg.Set(config.SectionAprilTag, "nthreads", 4), test.ShouldBeNil)
	test.That(t, h.detector.reconfigured, test.ShouldEqual, 2)
}

func TestStateStoreCopies(t *testing.T) {
	s := NewStateStore()
	test.That(t, s.Snapshot().Status, test.ShouldEqual, StatusStarting)

	det := apriltag.NewDetection(apriltag.RawDetection{
		ID:   1,
		Pose: &apriltag.TagPose3D{Rotation: spatialmath.IdentityRotation(), Translation: r3.Vector{Z: 1}},
	}, testCam, 0)
	in := Result{Detections: []apriltag.Detection{det}, RobotPose: pose.RobotPose{TagIDs: []int{1}}, Status: "ignored"}
	s.SetStatus(StatusRunning)
	s.Replace(in)

	in.Detections[0].ID = 99
	in.RobotPose.TagIDs[0] = 99

	snap := s.Snapshot()
	test.That(t, snap.Status, test.ShouldEqual, StatusRunning)
	test.That(t, snap.Detections[0].ID, test.ShouldEqual, 1)
	test.That(t, snap.RobotPose.TagIDs, test.ShouldResemble, []int{1})

	snap.Detections[0].Pose.Translation.Z = 42
	test.That(t, s.Snapshot().Detections[0].Pose.Translation.Z, test.ShouldEqual, 1.0)
}

func TestLatencyStats(t *testing.T) {
	var l LatencyStats
	test.That(t, l.Summary(), test.ShouldResemble, LatencySummary{})
	for i := 1; i <= 100; i++ {
		l.Add(float64(i))
	}
	sum := l.Summary()
	test.That(t, sum.Samples, test.ShouldEqual, 100)
	test.That(t, sum.MeanMs, test.ShouldAlmostEqual, 50.5)
	test.That(t, sum.MaxMs, test.ShouldEqual, 100.0)
	test.That(t, sum.P95Ms, test.ShouldBeBetweenOrEqual, 94.0, 96.0)

	for range latencyWindow {
		l.Add(2)
	}
	sum = l.Summary()
	test.That(t, sum.Samples, test.ShouldEqual, latencyWindow)
	test.That(t, sum.MeanMs, test.ShouldEqual, 2.0)
}
