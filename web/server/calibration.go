package server

import (
	"context"
	"net/http"

	"github.com/pkg/errors"
	"github.com/spf13/cast"
	"goji.io"
	"goji.io/pat"

	"github.com/xnav-frc/xnav/calibration"
	"github.com/xnav-frc/xnav/vision/apriltag"
)

func (s *Server) installCalibration(mux *goji.Mux) {
	mux.HandleFunc(pat.Post("/api/calibration/start"), s.withCollector(s.handleCalibrationStart))
	mux.HandleFunc(pat.Post("/api/calibration/stop"), s.withCollector(s.handleCalibrationStop))
	mux.HandleFunc(pat.Get("/api/calibration"), s.withCollector(s.handleCalibrationStatus))
	mux.HandleFunc(pat.Get("/api/calibration/status"), s.withCollector(s.handleCalibrationStatus))
	mux.HandleFunc(pat.Post("/api/calibration/compute"), s.withCollector(s.handleCalibrationCompute))
	mux.HandleFunc(pat.Get("/api/calibration/result"), s.withCollector(s.handleCalibrationResult))
}

func (s *Server) withCollector(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.deps.Calibration == nil {
			writeError(w, http.StatusServiceUnavailable, errors.New("calibration not available"))
			return
		}
		h(w, r)
	}
}

func (s *Server) handleCalibrationStart(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	if r.ContentLength != 0 {
		if err := readJSON(w, r, &body); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	target, err := cast.ToIntE(body["target_frames"])
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.Wrap(err, "target_frames"))
		return
	}
	id := s.deps.Calibration.Start(target)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "session_id": id})
}

func (s *Server) handleCalibrationStop(w http.ResponseWriter, _ *http.Request) {
	s.deps.Calibration.Stop()
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleCalibrationStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Calibration.Report())
}

// handleCalibrationCompute starts a solve in the background and returns immediately. Progress is
// visible through the status route.
func (s *Server) handleCalibrationCompute(w http.ResponseWriter, _ *http.Request) {
	if rep := s.deps.Calibration.Report(); rep.Progress < calibration.MinFrames {
		writeError(w, http.StatusBadRequest,
			errors.Errorf("need at least %d frames, have %d", calibration.MinFrames, rep.Progress))
		return
	}
	if !s.computing.CompareAndSwap(false, true) {
		writeError(w, http.StatusConflict, errors.New("calibration already computing"))
		return
	}
	s.background.AddWorkers(func(ctx context.Context) {
		defer s.computing.Store(false)
		s.computeCalibration(ctx)
	})
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true, "status": calibration.StatusComputing})
}

func (s *Server) computeCalibration(ctx context.Context) {
	res, err := s.deps.Calibration.Compute(ctx)
	if err != nil {
		s.logger.Errorw("calibration compute failed", "error", err)
		return
	}
	if s.deps.Detector == nil {
		return
	}
	in, err := apriltag.IntrinsicsFromMatrix(res.CameraMatrix)
	if err != nil {
		s.logger.Errorw("calibration produced an unusable camera matrix", "error", err)
		return
	}
	s.deps.Detector.SetCalibration(in)
}

func (s *Server) handleCalibrationResult(w http.ResponseWriter, _ *http.Request) {
	res, ok := s.deps.Calibration.Result()
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{"has_calibration": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"has_calibration": true,
		"rms_error":       res.RMSError,
		"image_size":      res.ImageSize,
		"num_frames":      res.NumFrames,
		"camera_matrix":   res.CameraMatrix,
		"dist_coeffs":     res.DistCoeffs,
	})
}
