package cli

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"

	"github.com/xnav-frc/xnav/calibration"
	"github.com/xnav-frc/xnav/components/camera"
	"github.com/xnav-frc/xnav/components/camera/replay"
	"github.com/xnav-frc/xnav/components/lights"
	"github.com/xnav-frc/xnav/components/thermal"
	"github.com/xnav-frc/xnav/config"
	"github.com/xnav-frc/xnav/jobmanager"
	"github.com/xnav-frc/xnav/logging"
	"github.com/xnav-frc/xnav/pipeline"
	"github.com/xnav-frc/xnav/sysstats"
	"github.com/xnav-frc/xnav/telemetry"
	"github.com/xnav-frc/xnav/utils"
	"github.com/xnav-frc/xnav/vision/apriltag"
	"github.com/xnav-frc/xnav/vision/pose"
	"github.com/xnav-frc/xnav/web/server"
)

const (
	defaultHeartbeat = 5 * time.Second
	shutdownTimeout  = 5 * time.Second
)

type serveOptions struct {
	ConfigPath   string
	DefaultsPath string
	Listen       string
	GRPCListen   string
	ReplayDir    string
	ReplayFPS    float64
	Fixture      string
	Heartbeat    time.Duration
	FieldMapPath string
}

// ServeAction runs the vision service until interrupted.
func ServeAction(c *cli.Context) error {
	logger, closeLog := newLogger(c)
	defer closeLog()

	opts := serveOptions{
		ConfigPath:   c.String(flagConfig),
		DefaultsPath: c.String(flagDefaults),
		Listen:       c.String(flagListen),
		GRPCListen:   c.String(flagGRPCListen),
		ReplayDir:    c.String(flagReplayDir),
		ReplayFPS:    c.Float64(flagReplayFPS),
		Fixture:      c.String(flagFixture),
		Heartbeat:    c.Duration(flagHeartbeat),
		FieldMapPath: c.String(flagFieldMap),
	}
	svc, err := newService(opts, logger)
	if err != nil {
		return err
	}
	if err := svc.start(c.Context); err != nil {
		return multierr.Combine(err, svc.close())
	}
	<-c.Context.Done()
	logger.Info("shutting down")
	return svc.close()
}

func newLogger(c *cli.Context) (logging.Logger, func()) {
	logger := logging.NewLogger("xnav")
	if c.Bool(flagDebug) {
		logger.SetLevel(logging.DEBUG)
	}
	closer := func() {}
	if path := c.String(flagLogFile); path != "" {
		appender, closeFile := logging.NewFileAppender(logging.FileAppenderConfig{
			Path:       path,
			MaxSizeMB:  20,
			MaxBackups: 5,
			Compress:   true,
		})
		logger.AddAppender(appender)
		closer = func() {
			//nolint:errcheck
			logger.Sync()
			//nolint:errcheck
			closeFile()
		}
	}
	logging.ReplaceGlobal(logger)
	return logger, closer
}

// service is every long-lived part of a running xnav, in start order.
type service struct {
	opts   serveOptions
	logger logging.Logger

	cfg       *config.Store
	thermal   *thermal.Monitor
	detector  *apriltag.Detector
	transport telemetry.Transport
	collector *calibration.Collector
	lights    *lights.Manager
	source    camera.Source
	pipeline  *pipeline.Pipeline
	server    *server.Server
	jobs      *jobmanager.Jobmanager
	watch     utils.StoppableWorkers

	unsubscribe []func()
}

func newService(opts serveOptions, logger logging.Logger) (_ *service, err error) {
	s := &service{opts: opts, logger: logger}
	defer func() {
		if err != nil {
			err = multierr.Combine(err, s.close())
		}
	}()

	s.cfg = config.LoadStore(opts.ConfigPath, opts.DefaultsPath, logger.Sublogger("config"))
	s.thermal = thermal.NewMonitor(s.cfg, thermal.DefaultSource(), nil, logger.Sublogger("thermal"))

	if s.detector, err = s.newDetector(); err != nil {
		return nil, err
	}
	s.transport = s.newTransport()

	s.collector = calibration.NewCollector(s.cfg, nil, nil, logger.Sublogger("calibration"))
	if _, ok := s.collector.LoadSaved(); ok {
		logger.Info("loaded saved calibration")
	}

	s.lights = s.newLights()
	s.unsubscribe = append(s.unsubscribe, s.cfg.Subscribe(s.lights))

	deps := pipeline.Deps{
		Config:      s.cfg,
		Detector:    s.detector,
		Calculator:  pose.New(s.cfg, logger.Sublogger("pose")),
		Thermal:     s.thermal,
		Transport:   s.transport,
		Calibration: s.collector,
		Logger:      logger.Sublogger("pipeline"),
	}
	sdeps := server.Deps{
		Config:       s.cfg,
		Thermal:      s.thermal,
		Calibration:  s.collector,
		Lights:       s.lights,
		Transport:    s.transport,
		Detector:     s.detector,
		Stats:        sysstats.NewSelf(),
		Logger:       logger.Sublogger("web"),
		FieldMapPath: opts.FieldMapPath,
	}
	if opts.ReplayDir != "" {
		src, err := replay.New(replay.Config{Dir: opts.ReplayDir, FPS: opts.ReplayFPS}, nil, logger.Sublogger("replay"))
		if err != nil {
			return nil, err
		}
		s.source = src
		deps.Camera = src
		sdeps.Frames = src
	} else {
		logger.Warn("no capture source configured; the pipeline will idle")
	}

	if s.pipeline, err = pipeline.New(deps); err != nil {
		return nil, err
	}
	sdeps.Pipeline = s.pipeline
	if s.server, err = server.New(sdeps); err != nil {
		return nil, err
	}
	if s.jobs, err = jobmanager.New(logger); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *service) newDetector() (*apriltag.Detector, error) {
	logger := s.logger.Sublogger("apriltag")
	if s.opts.Fixture == "" {
		return apriltag.NewDetector(s.cfg, logger), nil
	}
	fb, err := apriltag.LoadFixture(s.opts.Fixture)
	if err != nil {
		return nil, err
	}
	atCfg, err := s.cfg.AprilTag()
	if err != nil {
		return nil, err
	}
	calCfg, err := s.cfg.Calibration()
	if err != nil {
		return nil, err
	}
	calibrated, _, err := apriltag.LoadCalibration(calCfg)
	if err != nil {
		logger.Warnw("could not load calibration", "error", err)
	}
	logger.Infow("using recorded detections", "fixture", s.opts.Fixture)
	return apriltag.NewDetectorWithBackend(fb, atCfg.TagSize, calibrated, logger), nil
}

// newTransport sends to the controller over UDP and, when network.record_file is set, records
// every frame as well. A transport that cannot be built is logged and left out.
func (s *service) newTransport() telemetry.Transport {
	logger := s.logger.Sublogger("telemetry")
	netCfg, err := s.cfg.Network()
	if err != nil {
		logger.Warnw("invalid network config, using defaults", "error", err)
		netCfg = config.DefaultNetwork()
	}
	var multi telemetry.Multi
	if udp, err := telemetry.NewUDPTransport(netCfg, nil, logger); err != nil {
		logger.Errorw("telemetry unavailable", "error", err)
	} else {
		multi = append(multi, udp)
	}
	if netCfg.RecordFile != "" {
		enc, err := telemetry.ParseEncoding(netCfg.Encoding)
		if err != nil {
			logger.Warnw("invalid telemetry encoding, recording JSON", "error", err)
			enc = telemetry.EncodingJSON
		}
		multi = append(multi, telemetry.NewRecorder(netCfg.RecordFile, enc, nil))
		logger.Infow("recording telemetry", "path", netCfg.RecordFile)
	}
	switch len(multi) {
	case 0:
		return telemetry.Noop{}
	case 1:
		return multi[0]
	default:
		return multi
	}
}

func (s *service) newLights() *lights.Manager {
	logger := s.logger.Sublogger("lights")
	lc, err := s.cfg.Lights()
	if err != nil {
		lc = config.DefaultLights()
	}
	var driver lights.Driver
	if d, err := lights.NewPeriphDriver(lc.GPIOPin); err != nil {
		logger.Debugw("no gpio driver", "pin", lc.GPIOPin, "error", err)
	} else {
		driver = d
	}
	return lights.NewManager(s.cfg, driver, nil, logger)
}

func (s *service) start(ctx context.Context) error {
	s.thermal.Start()
	if err := s.pipeline.Start(ctx); err != nil {
		return err
	}
	if s.source != nil {
		if err := s.source.Start(ctx); err != nil {
			return err
		}
	}
	if err := s.server.Start(s.opts.Listen, s.opts.GRPCListen); err != nil {
		return err
	}

	interval := s.opts.Heartbeat
	if interval <= 0 {
		interval = defaultHeartbeat
	}
	if err := s.jobs.Add(jobmanager.JobConfig{
		Name:     "heartbeat",
		Schedule: interval.String(),
		Run:      s.heartbeat,
	}); err != nil {
		return err
	}
	s.jobs.Start()

	s.watch = utils.NewStoppableWorkersWithContext(ctx, func(ctx context.Context) {
		if err := s.cfg.Watch(ctx); err != nil {
			s.logger.Warnw("not watching config file", "error", err)
		}
	})
	s.logger.Infow("xnav running", "config", s.cfg.Path())
	return nil
}

// heartbeat republishes the pipeline status, refreshes health and logs a one-line summary.
func (s *service) heartbeat(context.Context) error {
	s.pipeline.PublishStatus()
	s.server.SyncHealth()

	res := s.pipeline.State().Snapshot()
	lat := s.pipeline.Latency()
	processed, dropped := s.pipeline.Counters()
	s.logger.Infow("status",
		"status", res.Status,
		"fps", res.FPS,
		"latency_p95_ms", lat.P95Ms,
		"thermal", s.thermal.State(),
		"temperature_c", s.thermal.TemperatureC(),
		"throttle_fps", s.pipeline.EffectiveThrottleFPS(),
		"processed", processed,
		"dropped", dropped,
		"telemetry_connected", s.transport.Connected(),
	)
	return nil
}

// close stops everything that was started, in reverse order. It is safe on a partially built
// service.
func (s *service) close() error {
	var err error
	if s.jobs != nil {
		err = multierr.Combine(err, errors.Wrap(s.jobs.Shutdown(), "stopping jobs"))
	}
	if s.watch != nil {
		s.watch.Stop()
	}
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		err = multierr.Combine(err, s.server.Close(ctx))
		cancel()
	}
	if s.source != nil {
		s.source.Stop()
	}
	if s.pipeline != nil {
		s.pipeline.Stop()
	}
	if s.thermal != nil {
		s.thermal.Stop()
	}
	for _, unsubscribe := range s.unsubscribe {
		unsubscribe()
	}
	if s.lights != nil {
		err = multierr.Combine(err, s.lights.Close())
	}
	if s.transport != nil {
		err = multierr.Combine(err, s.transport.Close())
	}
	if s.detector != nil {
		err = multierr.Combine(err, s.detector.Close())
	}
	return err
}
