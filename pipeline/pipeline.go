// Package pipeline runs the per-frame loop: throttle gate, detection, turret compensation, pose
// fusion, offset targeting and publishing.
package pipeline

import (
	"context"
	"image"
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"golang.org/x/time/rate"

	"github.com/xnav-frc/xnav/components/camera"
	"github.com/xnav-frc/xnav/components/thermal"
	"github.com/xnav-frc/xnav/config"
	"github.com/xnav-frc/xnav/fieldmap"
	"github.com/xnav-frc/xnav/logging"
	"github.com/xnav-frc/xnav/telemetry"
	"github.com/xnav-frc/xnav/vision/apriltag"
	"github.com/xnav-frc/xnav/vision/pose"
)

// turretMinAngleDeg is the effective turret angle below which compensation is skipped.
const turretMinAngleDeg = 0.001

// A Detector finds tags in a grayscale frame. *apriltag.Detector is the production implementation.
type Detector interface {
	Detect(ctx context.Context, gray *image.Gray, ts time.Duration) []apriltag.Detection
	Reconfigure() error
}

// ThermalReader exposes the latest thermal reading. *thermal.Monitor implements it.
type ThermalReader interface {
	Snapshot() thermal.Snapshot
	AutoThrottleFPS() float64
}

// FrameCollector takes frames for an active calibration session. *calibration.Collector
// implements it.
type FrameCollector interface {
	Collecting() bool
	AddFrame(gray *image.Gray) bool
}

// FrameSource is the part of a capture source the pipeline needs.
type FrameSource interface {
	RegisterFrameCallback(cb camera.FrameCallback)
	FPS() float64
}

// Deps are the collaborators of a Pipeline. Config, Detector, Calculator and Logger are required;
// the rest may be nil.
type Deps struct {
	Config      *config.Store
	Detector    Detector
	Calculator  *pose.Calculator
	Thermal     ThermalReader
	Transport   telemetry.Transport
	Calibration FrameCollector
	Camera      FrameSource
	Clock       clock.Clock
	Logger      logging.Logger
}

// Pipeline processes frames one at a time. OnFrame must not be called concurrently with itself;
// capture sources deliver frames sequentially.
type Pipeline struct {
	cfg         *config.Store
	detector    Detector
	calc        *pose.Calculator
	thermal     ThermalReader
	transport   telemetry.Transport
	calibration FrameCollector
	camera      FrameSource
	clock       clock.Clock
	logger      logging.Logger

	gate    ThrottleGate
	state   *StateStore
	latency LatencyStats

	running   atomic.Bool
	processed atomic.Uint64
	dropped   atomic.Uint64

	publishWarn rate.Sometimes

	mu          sync.Mutex
	ctx         context.Context
	unsubscribe func()
	registered  bool
}

// New validates deps and returns a stopped pipeline.
func New(deps Deps) (*Pipeline, error) {
	switch {
	case deps.Config == nil:
		return nil, errors.New("pipeline needs a config store")
	case deps.Detector == nil:
		return nil, errors.New("pipeline needs a detector")
	case deps.Calculator == nil:
		return nil, errors.New("pipeline needs a pose calculator")
	case deps.Logger == nil:
		return nil, errors.New("pipeline needs a logger")
	}
	if deps.Transport == nil {
		deps.Transport = telemetry.Noop{}
	}
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	return &Pipeline{
		cfg:         deps.Config,
		detector:    deps.Detector,
		calc:        deps.Calculator,
		thermal:     deps.Thermal,
		transport:   deps.Transport,
		calibration: deps.Calibration,
		camera:      deps.Camera,
		clock:       deps.Clock,
		logger:      deps.Logger,
		state:       NewStateStore(),
		publishWarn: rate.Sometimes{Interval: 10 * time.Second},
		ctx:         context.Background(),
	}, nil
}

// Start loads the field map, subscribes to config changes, registers with the capture source and
// begins accepting frames. ctx bounds detector calls.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running.Load() {
		return errors.New("pipeline already running")
	}
	p.ctx = ctx
	p.ReloadFieldMap()
	p.gate.Reset()
	p.unsubscribe = p.cfg.Subscribe(config.ListenerFunc(p.OnConfigChange))
	if p.camera != nil && !p.registered {
		p.camera.RegisterFrameCallback(func(f camera.Frame) { p.OnFrame(f) })
		p.registered = true
	}
	p.running.Store(true)
	p.state.SetStatus(StatusRunning)
	p.publishStatus(StatusRunning)
	p.logger.Info("vision pipeline running")
	return nil
}

// Stop makes subsequent frames no-ops. A frame already in progress finishes normally.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running.Swap(false) {
		return
	}
	if p.unsubscribe != nil {
		p.unsubscribe()
		p.unsubscribe = nil
	}
	p.state.SetStatus(StatusStopped)
	p.publishStatus(StatusStopped)
	p.logger.Infow("vision pipeline stopped", "processed", p.processed.Load(), "dropped", p.dropped.Load())
}

// Running reports whether frames are being accepted.
func (p *Pipeline) Running() bool { return p.running.Load() }

// State is the shared result store read by the status surface.
func (p *Pipeline) State() *StateStore { return p.state }

// Latency summarizes recent processing latency.
func (p *Pipeline) Latency() LatencySummary { return p.latency.Summary() }

// Counters returns how many frames were processed and dropped by the throttle gate.
func (p *Pipeline) Counters() (processed, dropped uint64) {
	return p.processed.Load(), p.dropped.Load()
}

// EffectiveThrottleFPS is the cap currently applied to incoming frames, 0 when uncapped.
func (p *Pipeline) EffectiveThrottleFPS() float64 {
	manual := 0.0
	if th, err := p.cfg.Throttle(); err == nil {
		manual = th.FPS
	}
	auto := 0.0
	if p.thermal != nil {
		auto = p.thermal.AutoThrottleFPS()
	}
	return EffectiveCap(manual, auto)
}

// OnFrame runs one frame through the pipeline and reports whether it was processed. Frames that
// arrive while stopped or too soon under the throttle cap are dropped.
func (p *Pipeline) OnFrame(frame camera.Frame) bool {
	if !p.running.Load() {
		return false
	}
	capFPS := p.EffectiveThrottleFPS()
	if !p.gate.Allow(frame.Timestamp, capFPS) {
		p.dropped.Inc()
		return false
	}

	start := p.clock.Now()
	inputs := p.transport.ReadInputs()
	matchMode := p.cfg.MatchMode() || inputs.MatchMode

	gray := frame.Gray
	if gray == nil && frame.Color != nil {
		gray = camera.ToGray(frame.Color)
	}
	dets := p.detector.Detect(p.context(), gray, frame.Timestamp)

	if angle := p.turretAngle(inputs); math.Abs(angle) > turretMinAngleDeg {
		dets = p.calc.ApplyTurretCompensation(dets, angle)
	}

	robotPose := p.calc.ComputeRobotPose(dets)

	offsetCfg, err := p.cfg.OffsetPoint()
	if err != nil {
		offsetCfg.Enabled = false
	}
	offset := p.calc.ComputeOffsetPoint(dets, offsetCfg)

	latency := p.clock.Since(start)
	fps := 0.0
	if p.camera != nil {
		fps = p.camera.FPS()
	}

	if p.calibration != nil && p.calibration.Collecting() && gray != nil {
		p.calibration.AddFrame(gray)
	}

	snap := thermal.Snapshot{State: thermal.StateUnknown}
	if p.thermal != nil {
		snap = p.thermal.Snapshot()
	}
	seq := p.processed.Inc()
	result := Result{
		Detections:           dets,
		RobotPose:            robotPose,
		Offset:               offset,
		FPS:                  fps,
		LatencyMs:            float64(latency) / float64(time.Millisecond),
		ThermalState:         snap.State,
		TemperatureC:         snap.TemperatureC,
		EffectiveThrottleFPS: capFPS,
		MatchMode:            matchMode,
		FrameSeq:             seq,
		Timestamp:            frame.Timestamp,
	}
	p.latency.Add(result.LatencyMs)
	p.state.Replace(result)

	if err := p.transport.Publish(p.context(), result.Telemetry()); err != nil {
		p.publishWarn.Do(func() {
			p.logger.Warnw("telemetry publish failed", "error", err)
		})
	}
	return true
}

func (p *Pipeline) context() context.Context {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ctx
}

// turretAngle is the input angle, zeroed unless both the config and the controller enable the
// turret, plus the fixed mount offset.
func (p *Pipeline) turretAngle(inputs telemetry.Inputs) float64 {
	cfg, err := p.cfg.Turret()
	if err != nil {
		return 0
	}
	angle := cfg.MountAngleOffset
	if cfg.Enabled && inputs.TurretEnabled {
		angle += inputs.TurretAngle
	}
	return angle
}

// OnConfigChange reloads what a section change affects. It runs on the mutating goroutine.
func (p *Pipeline) OnConfigChange(keys []string, _ any) error {
	if len(keys) == 0 {
		return nil
	}
	switch keys[0] {
	case config.SectionFieldMap:
		p.ReloadFieldMap()
	case config.SectionCamera, config.SectionAprilTag, config.SectionCalibration:
		if err := p.detector.Reconfigure(); err != nil {
			return errors.Wrap(err, "reconfiguring detector")
		}
	}
	return nil
}

// ReloadFieldMap loads the configured field map into the calculator. A disabled, missing or
// malformed map clears it.
func (p *Pipeline) ReloadFieldMap() {
	cfg, err := p.cfg.FieldMap()
	if err != nil {
		p.logger.Warnw("invalid field_map config; robot pose disabled", "error", err)
		p.calc.SetFieldMap(nil)
		return
	}
	if !cfg.Enabled || cfg.FmapFile == "" {
		p.calc.SetFieldMap(nil)
		return
	}
	var fm *fieldmap.FieldMap
	if loaded := fieldmap.LoadOrNil(cfg.FmapFile, p.logger); loaded != nil && loaded.Len() > 0 {
		fm = loaded
	}
	p.calc.SetFieldMap(fm)
}

func (p *Pipeline) publishStatus(status string) {
	if err := p.transport.PublishStatus(p.ctx, status); err != nil {
		p.logger.Debugw("status publish failed", "status", status, "error", err)
	}
}

// PublishStatus republishes the current status, e.g. from a heartbeat.
func (p *Pipeline) PublishStatus() {
	status := p.state.Snapshot().Status
	if err := p.transport.PublishStatus(p.context(), status); err != nil {
		p.publishWarn.Do(func() {
			p.logger.Warnw("status publish failed", "error", err)
		})
	}
}
