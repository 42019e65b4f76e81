package apriltag

import (
	"context"
	"image"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/xnav-frc/xnav/config"
	"github.com/xnav-frc/xnav/logging"
)

// Detector wraps the configured backend as a capability. When no backend could be built it is
// unavailable and every Detect returns no detections.
type Detector struct {
	cfg    *config.Store
	logger logging.Logger

	mu          sync.Mutex
	backend     Backend
	backendName string
	tagSize     float64
	calibrated  *Intrinsics

	warnSometimes rate.Sometimes
}

// NewDetector builds a detector from the apriltag and calibration sections. Failures leave the
// detector unavailable and are logged.
func NewDetector(cfg *config.Store, logger logging.Logger) *Detector {
	d := &Detector{
		cfg:           cfg,
		logger:        logger,
		warnSometimes: rate.Sometimes{Interval: 10 * time.Second},
	}
	if err := d.Reconfigure(); err != nil {
		logger.Errorw("apriltag detector not ready", "error", err)
	}
	return d
}

// NewDetectorWithBackend wraps an existing backend. Used by tests and embedders.
func NewDetectorWithBackend(backend Backend, tagSize float64, calibrated *Intrinsics, logger logging.Logger) *Detector {
	return &Detector{
		logger:        logger,
		backend:       backend,
		backendName:   "custom",
		tagSize:       tagSize,
		calibrated:    calibrated,
		warnSometimes: rate.Sometimes{Interval: 10 * time.Second},
	}
}

// Reconfigure rebuilds the backend and reloads calibration from the current config. The old
// backend is closed. On failure the detector becomes unavailable.
func (d *Detector) Reconfigure() error {
	if d.cfg == nil {
		return nil
	}
	atCfg, err := d.cfg.AprilTag()
	if err != nil {
		d.swapBackend(nil, "", atCfg.TagSize)
		return err
	}

	var backend Backend
	creator := BackendLookup(atCfg.Backend)
	switch {
	case creator == nil:
		err = errors.Errorf("unknown apriltag backend %q (have %v)", atCfg.Backend, RegisteredBackends())
	default:
		backend, err = creator(atCfg, d.logger)
	}
	if errors.Is(err, ErrUnavailable) {
		d.logger.Warnw("apriltag detection unavailable; detections will be empty", "backend", atCfg.Backend)
		err = nil
	}
	d.swapBackend(backend, atCfg.Backend, atCfg.TagSize)
	if backend != nil {
		d.logger.Infow("apriltag detector initialized",
			"backend", atCfg.Backend, "family", atCfg.Family, "nthreads", atCfg.NThreads, "tag_size", atCfg.TagSize)
	}

	calCfg, calErr := d.cfg.Calibration()
	var calibrated *Intrinsics
	if calErr == nil {
		var source string
		calibrated, source, calErr = LoadCalibration(calCfg)
		if calibrated != nil {
			d.logger.Infow("loaded calibration", "source", source)
		}
	}
	if calErr != nil {
		d.logger.Warnw("could not load calibration", "error", calErr)
	}
	if calibrated == nil {
		d.logger.Warn("no calibration found; using estimated intrinsics and no tag poses. Accuracy will be reduced.")
	}
	d.mu.Lock()
	d.calibrated = calibrated
	d.mu.Unlock()
	return err
}

func (d *Detector) swapBackend(backend Backend, name string, tagSize float64) {
	d.mu.Lock()
	old := d.backend
	d.backend = backend
	d.backendName = name
	d.tagSize = tagSize
	d.mu.Unlock()
	if old != nil {
		if err := old.Close(); err != nil {
			d.logger.Warnw("closing apriltag backend", "error", err)
		}
	}
}

// SetCalibration installs new intrinsics, e.g. after a calibration run.
func (d *Detector) SetCalibration(in Intrinsics) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calibrated = &in
	d.logger.Info("calibration updated in detector")
}

// Available reports whether a backend is installed.
func (d *Detector) Available() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.backend != nil
}

// Intrinsics returns the calibrated intrinsics when known, else an estimate for an image of the
// given size.
func (d *Detector) Intrinsics(bounds image.Rectangle) (Intrinsics, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.calibrated != nil {
		return *d.calibrated, true
	}
	return EstimateIntrinsics(bounds), false
}

// Detect runs the backend on a frame. Poses are requested only with calibrated intrinsics. Any
// backend failure, including a panic, yields no detections and a rate-limited warning.
func (d *Detector) Detect(ctx context.Context, gray *image.Gray, ts time.Duration) []Detection {
	if gray == nil {
		return nil
	}
	d.mu.Lock()
	backend, tagSize := d.backend, d.tagSize
	d.mu.Unlock()
	if backend == nil {
		return nil
	}

	cam, calibrated := d.Intrinsics(gray.Bounds())
	raws, err := safeDetect(ctx, backend, gray, DetectOptions{
		Intrinsics:   cam,
		TagSize:      tagSize,
		EstimatePose: calibrated,
	})
	if err != nil {
		d.warnSometimes.Do(func() {
			d.logger.Warnw("detection error", "error", err)
		})
		return nil
	}

	dets := make([]Detection, 0, len(raws))
	for _, raw := range raws {
		dets = append(dets, NewDetection(raw, cam, ts))
	}
	return dets
}

func safeDetect(ctx context.Context, backend Backend, gray *image.Gray, opts DetectOptions) (raws []RawDetection, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("apriltag backend panicked: %v", r)
		}
	}()
	return backend.Detect(ctx, gray, opts)
}

// Close releases the backend.
func (d *Detector) Close() error {
	d.mu.Lock()
	backend := d.backend
	d.backend = nil
	d.mu.Unlock()
	if backend == nil {
		return nil
	}
	return backend.Close()
}
