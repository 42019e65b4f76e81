package server

import (
	"bytes"
	"image"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/samber/lo"
	"goji.io"
	"goji.io/pat"

	"github.com/xnav-frc/xnav/calibration"
	"github.com/xnav-frc/xnav/components/camera"
	"github.com/xnav-frc/xnav/components/lights"
	"github.com/xnav-frc/xnav/components/thermal"
	"github.com/xnav-frc/xnav/pipeline"
	"github.com/xnav-frc/xnav/sysstats"
	"github.com/xnav-frc/xnav/vision/apriltag"
	"github.com/xnav-frc/xnav/vision/pose"
)

const (
	snapshotQuality = 60
	streamInterval  = 66 * time.Millisecond
)

type targetView struct {
	ID       int     `json:"id"`
	TX       float64 `json:"tx"`
	TY       float64 `json:"ty"`
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Z        float64 `json:"z"`
	Distance float64 `json:"distance"`
	Yaw      float64 `json:"yaw"`
	Pitch    float64 `json:"pitch"`
	Roll     float64 `json:"roll"`
	HasPose  bool    `json:"has_pose"`
}

type thermalView struct {
	State           thermal.State `json:"state"`
	TemperatureC    float64       `json:"temperature_c"`
	AutoThrottleFPS float64       `json:"auto_throttle_fps"`
}

// StatusView is the body of GET /api/status.
type StatusView struct {
	Status               string                  `json:"status"`
	FPS                  float64                 `json:"fps"`
	LatencyMs            float64                 `json:"latency_ms"`
	FrameSeq             uint64                  `json:"frame_seq"`
	NumTargets           int                     `json:"num_targets"`
	Targets              []targetView            `json:"targets"`
	RobotPose            *pose.RobotPose         `json:"robot_pose"`
	OffsetResult         *pose.OffsetResult      `json:"offset_result"`
	Thermal              thermalView             `json:"thermal"`
	EffectiveThrottleFPS float64                 `json:"effective_throttle_fps"`
	MatchMode            bool                    `json:"match_mode"`
	TelemetryConnected   bool                    `json:"telemetry_connected"`
	DetectorAvailable    bool                    `json:"detector_available"`
	Processed            uint64                  `json:"frames_processed"`
	Dropped              uint64                  `json:"frames_dropped"`
	Latency              pipeline.LatencySummary `json:"latency"`
	Calibration          *calibration.Report     `json:"calibration,omitempty"`
	Lights               *lights.State           `json:"lights,omitempty"`
	System               sysstats.Stats          `json:"system"`
	UptimeSecs           float64                 `json:"uptime_secs"`
}

func (s *Server) installStatus(mux *goji.Mux) {
	mux.HandleFunc(pat.Get("/api/status"), s.handleStatus)
	mux.HandleFunc(pat.Get("/api/snapshot.jpg"), s.handleSnapshot)
	mux.HandleFunc(pat.Get("/api/stream.mjpg"), s.handleStream)
}

// Status assembles the current status.
func (s *Server) Status(r *http.Request) StatusView {
	s.SyncHealth()
	res := s.deps.Pipeline.State().Snapshot()
	processed, dropped := s.deps.Pipeline.Counters()
	view := StatusView{
		Status:     res.Status,
		FPS:        res.FPS,
		LatencyMs:  res.LatencyMs,
		FrameSeq:   res.FrameSeq,
		NumTargets: len(res.Detections),
		Targets: lo.Map(res.Detections, func(d apriltag.Detection, _ int) targetView {
			return targetView{
				ID: d.ID, TX: d.TX, TY: d.TY,
				X: d.Translation.X, Y: d.Translation.Y, Z: d.Translation.Z,
				Distance: d.Distance, Yaw: d.Yaw, Pitch: d.Pitch, Roll: d.Roll,
				HasPose: d.HasPose(),
			}
		}),
		Thermal: thermalView{
			State:        res.ThermalState,
			TemperatureC: res.TemperatureC,
		},
		EffectiveThrottleFPS: s.deps.Pipeline.EffectiveThrottleFPS(),
		MatchMode:            res.MatchMode || s.deps.Config.MatchMode(),
		TelemetryConnected:   s.deps.Transport.Connected(),
		Processed:            processed,
		Dropped:              dropped,
		Latency:              s.deps.Pipeline.Latency(),
		UptimeSecs:           s.clock.Since(s.started).Seconds(),
	}
	if res.RobotPose.Valid {
		view.RobotPose = &res.RobotPose
	}
	if res.Offset.Valid {
		view.OffsetResult = &res.Offset
	}
	if th := s.deps.Thermal; th != nil {
		snap := th.Snapshot()
		view.Thermal = thermalView{State: snap.State, TemperatureC: snap.TemperatureC, AutoThrottleFPS: th.AutoThrottleFPS()}
	}
	if s.deps.Detector != nil {
		view.DetectorAvailable = s.deps.Detector.Available()
	}
	if s.deps.Calibration != nil {
		rep := s.deps.Calibration.Report()
		view.Calibration = &rep
	}
	if s.deps.Lights != nil {
		st := s.deps.Lights.State()
		view.Lights = &st
	}
	if s.deps.Stats != nil {
		view.System = s.deps.Stats.Stats(r.Context())
	}
	return view
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Status(r))
}

func frameImage(frame camera.Frame) image.Image {
	if frame.Color != nil {
		return frame.Color
	}
	if frame.Gray != nil {
		return frame.Gray
	}
	return nil
}

func (s *Server) handleSnapshot(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Frames == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("no capture source"))
		return
	}
	frame, ok := s.deps.Frames.Latest()
	img := frameImage(frame)
	if !ok || img == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("no frame captured yet"))
		return
	}
	var buf bytes.Buffer
	if err := camera.EncodeJPEG(&buf, img, snapshotQuality); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "no-store")
	//nolint:errcheck
	w.Write(buf.Bytes())
}

// handleStream serves new frames as motion JPEG until the client goes away.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.deps.Frames == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("no capture source"))
		return
	}
	mw := multipart.NewWriter(w)
	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary="+mw.Boundary())
	w.Header().Set("Cache-Control", "no-store")
	ticker := s.clock.Ticker(streamInterval)
	defer ticker.Stop()

	var lastSeq uint64
	var buf bytes.Buffer
	for {
		if frame, ok := s.deps.Frames.Latest(); ok && frame.Seq != lastSeq {
			lastSeq = frame.Seq
			if img := frameImage(frame); img != nil {
				buf.Reset()
				if err := camera.EncodeJPEG(&buf, img, snapshotQuality); err != nil {
					s.logger.Debugw("stream encode failed", "error", err)
				} else {
					part, err := mw.CreatePart(textproto.MIMEHeader{
						"Content-Type":   {"image/jpeg"},
						"Content-Length": {strconv.Itoa(buf.Len())},
					})
					if err != nil {
						return
					}
					if _, err := part.Write(buf.Bytes()); err != nil {
						return
					}
					if f, ok := w.(http.Flusher); ok {
						f.Flush()
					}
				}
			}
		}
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}
