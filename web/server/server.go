// Package server exposes the HTTP configuration and status surface and a gRPC health service.
package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/rs/cors"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"goji.io"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/xnav-frc/xnav/calibration"
	"github.com/xnav-frc/xnav/components/camera"
	"github.com/xnav-frc/xnav/components/lights"
	"github.com/xnav-frc/xnav/config"
	"github.com/xnav-frc/xnav/logging"
	"github.com/xnav-frc/xnav/pipeline"
	"github.com/xnav-frc/xnav/sysstats"
	"github.com/xnav-frc/xnav/telemetry"
	"github.com/xnav-frc/xnav/utils"
	"github.com/xnav-frc/xnav/vision/apriltag"
)

// HealthService is the gRPC health service name that tracks the vision pipeline.
const HealthService = "xnav.vision"

// LatestFrame returns the most recent captured frame. Capture sources built on camera.Broadcaster
// implement it.
type LatestFrame interface {
	Latest() (camera.Frame, bool)
}

// DetectorStatus is the part of the detector the surface reports on and updates after a
// calibration run.
type DetectorStatus interface {
	Available() bool
	SetCalibration(in apriltag.Intrinsics)
}

// Deps are the components served. Config, Pipeline and Logger are required.
type Deps struct {
	Config      *config.Store
	Pipeline    *pipeline.Pipeline
	Thermal     pipeline.ThermalReader
	Calibration *calibration.Collector
	Lights      *lights.Manager
	Frames      LatestFrame
	Transport   telemetry.Transport
	Detector    DetectorStatus
	Stats       *sysstats.Statser
	Clock       clock.Clock
	Logger      logging.Logger

	// FieldMapPath is where uploaded field maps are stored.
	FieldMapPath string
}

// Server serves Deps over HTTP and gRPC.
type Server struct {
	deps    Deps
	logger  logging.Logger
	clock   clock.Clock
	started time.Time
	handler http.Handler
	health  *health.Server

	mu         sync.Mutex
	httpServer *http.Server
	grpcServer *grpc.Server
	httpAddr   net.Addr
	grpcAddr   net.Addr
	workers    utils.StoppableWorkers

	// background runs request-initiated jobs such as a calibration solve.
	background utils.StoppableWorkers
	computing  atomic.Bool
}

// New builds the HTTP handler and health service. Nothing listens until Start.
func New(deps Deps) (*Server, error) {
	if deps.Config == nil || deps.Pipeline == nil || deps.Logger == nil {
		return nil, errors.New("server needs config, pipeline and logger")
	}
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if deps.Transport == nil {
		deps.Transport = telemetry.Noop{}
	}
	if deps.FieldMapPath == "" {
		deps.FieldMapPath = "/etc/xnav/field.fmap"
	}
	s := &Server{
		deps:    deps,
		logger:  deps.Logger,
		clock:   deps.Clock,
		started: deps.Clock.Now(),
		health:  health.NewServer(),

		background: utils.NewStoppableWorkers(),
	}
	s.handler = cors.AllowAll().Handler(s.initMux())
	s.SyncHealth()
	return s, nil
}

func (s *Server) initMux() *goji.Mux {
	mux := goji.NewMux()
	s.installStatus(mux)
	s.installConfig(mux)
	s.installCalibration(mux)
	s.installLights(mux)
	return mux
}

// Handler is the HTTP surface, with permissive CORS for the dashboard.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// SyncHealth reports SERVING for the vision service while the pipeline runs.
func (s *Server) SyncHealth() {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if s.deps.Pipeline.Running() {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(HealthService, status)
	s.health.SetServingStatus("", status)
}

// Start listens on httpAddr and, when non-empty, grpcAddr.
func (s *Server) Start(httpAddr, grpcAddr string) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.workers != nil {
		return errors.New("server already started")
	}

	httpLis, err := net.Listen("tcp", httpAddr)
	if err != nil {
		return errors.Wrapf(err, "listening on %s", httpAddr)
	}
	var grpcLis net.Listener
	if grpcAddr != "" {
		if grpcLis, err = net.Listen("tcp", grpcAddr); err != nil {
			return multierr.Combine(errors.Wrapf(err, "listening on %s", grpcAddr), httpLis.Close())
		}
	}

	s.httpServer = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.httpAddr = httpLis.Addr()
	s.workers = utils.NewStoppableWorkers(func(context.Context) {
		if err := s.httpServer.Serve(httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Errorw("http server stopped", "error", err)
		}
	})
	s.logger.Infow("http surface listening", "addr", s.httpAddr.String())

	if grpcLis != nil {
		s.grpcServer = grpc.NewServer()
		healthpb.RegisterHealthServer(s.grpcServer, s.health)
		s.grpcAddr = grpcLis.Addr()
		s.workers.AddWorkers(func(context.Context) {
			if err := s.grpcServer.Serve(grpcLis); err != nil {
				s.logger.Errorw("grpc server stopped", "error", err)
			}
		})
		s.logger.Infow("grpc health listening", "addr", s.grpcAddr.String())
	}
	return nil
}

// Addrs returns the bound HTTP and gRPC addresses; either may be nil.
func (s *Server) Addrs() (httpAddr, grpcAddr net.Addr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.httpAddr, s.grpcAddr
}

// Close shuts both servers down, waiting up to ctx for in-flight requests, and cancels background
// jobs.
func (s *Server) Close(ctx context.Context) error {
	s.background.Stop()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.workers == nil {
		return nil
	}
	s.health.Shutdown()
	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(ctx)
	}
	if s.grpcServer != nil {
		s.grpcServer.GracefulStop()
	}
	s.workers.Stop()
	s.workers = nil
	return err
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	//nolint:errchkjson
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]any{"error": err.Error()})
}

func readJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	defer func() {
		//nolint:errcheck
		r.Body.Close()
	}()
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(dst); err != nil {
		return errors.Wrap(err, "invalid JSON body")
	}
	return nil
}
