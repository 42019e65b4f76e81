package config

import (
	"time"

	"github.com/pkg/errors"

	"github.com/xnav-frc/xnav/utils"
)

// Top-level section names.
const (
	SectionCamera      = "camera"
	SectionAprilTag    = "apriltag"
	SectionFieldMap    = "field_map"
	SectionCameraMount = "camera_mount"
	SectionTurret      = "turret"
	SectionOffsetPoint = "offset_point"
	SectionThrottle    = "throttle"
	SectionThermal     = "thermal"
	SectionCalibration = "calibration"
	SectionNetwork     = "network"
	SectionLights      = "lights"
	KeyMatchMode       = "match_mode"
)

// Camera configures the capture device.
type Camera struct {
	Device       string  `json:"device"`
	CameraIndex  int     `json:"camera_index"`
	Width        int     `json:"width"`
	Height       int     `json:"height"`
	FPS          float64 `json:"fps"`
	AutoExposure bool    `json:"auto_exposure"`
	Exposure     float64 `json:"exposure"`
	Gain         float64 `json:"gain"`
	Brightness   float64 `json:"brightness"`
	Contrast     float64 `json:"contrast"`
}

// DefaultCamera is a 1280x720 device at 90 fps.
func DefaultCamera() Camera {
	return Camera{
		Device:     "/dev/video0",
		Width:      1280,
		Height:     720,
		FPS:        90,
		Exposure:   100,
		Gain:       50,
		Brightness: 50,
		Contrast:   50,
	}
}

// AprilTag configures the tag detector.
type AprilTag struct {
	Backend          string  `json:"backend"`
	FixtureFile      string  `json:"fixture_file"`
	Family           string  `json:"family"`
	NThreads         int     `json:"nthreads"`
	QuadDecimate     float64 `json:"quad_decimate"`
	QuadSigma        float64 `json:"quad_sigma"`
	RefineEdges      int     `json:"refine_edges"`
	DecodeSharpening float64 `json:"decode_sharpening"`
	// TagSize is the tag's black-border edge length in meters.
	TagSize float64 `json:"tag_size"`
}

// DefaultAprilTag uses the 36h11 family with 6 inch tags.
func DefaultAprilTag() AprilTag {
	return AprilTag{
		Backend:          "none",
		Family:           "tag36h11",
		NThreads:         4,
		QuadDecimate:     2,
		RefineEdges:      1,
		DecodeSharpening: 0.25,
		TagSize:          0.1524,
	}
}

// Validate ensures all parts of the config are valid.
func (cfg *AprilTag) Validate(path string) error {
	if cfg.TagSize <= 0 {
		return utils.NewConfigValidationError(path, errors.Errorf("tag_size must be positive, got %v", cfg.TagSize))
	}
	if cfg.Backend == "" {
		return utils.NewConfigValidationFieldRequiredError(path, "backend")
	}
	return nil
}

// FieldMap selects the field layout file.
type FieldMap struct {
	Enabled  bool   `json:"enabled"`
	FmapFile string `json:"fmap_file"`
}

// CameraMount places the camera on the robot. Angles are degrees, offsets meters.
type CameraMount struct {
	Roll    float64 `json:"roll"`
	Pitch   float64 `json:"pitch"`
	Yaw     float64 `json:"yaw"`
	XOffset float64 `json:"x_offset"`
	YOffset float64 `json:"y_offset"`
	ZOffset float64 `json:"z_offset"`
}

// Turret controls turret compensation. MountAngleOffset is in degrees and is always added.
type Turret struct {
	Enabled          bool    `json:"enabled"`
	MountAngleOffset float64 `json:"mount_angle_offset"`
}

// OffsetPoint is a target defined in a tag's own frame, in meters.
type OffsetPoint struct {
	Enabled bool    `json:"enabled"`
	TagID   int     `json:"tag_id"`
	X       float64 `json:"x"`
	Y       float64 `json:"y"`
	Z       float64 `json:"z"`
}

// Throttle is the manual processing cap. Zero means uncapped.
type Throttle struct {
	FPS float64 `json:"fps"`
}

// Thermal holds the temperature thresholds in °C and the frame rate caps applied above them.
type Thermal struct {
	TempWarnC       float64 `json:"temp_warn_c"`
	TempHotC        float64 `json:"temp_hot_c"`
	TempCritC       float64 `json:"temp_crit_c"`
	ThrottleFPSHot  float64 `json:"throttle_fps_hot"`
	ThrottleFPSCrit float64 `json:"throttle_fps_crit"`
	PollIntervalSec float64 `json:"poll_interval_s"`
}

// DefaultThermal warns at 70°C, caps to 15 fps at 75°C and to 5 fps at 80°C.
func DefaultThermal() Thermal {
	return Thermal{
		TempWarnC:       70,
		TempHotC:        75,
		TempCritC:       80,
		ThrottleFPSHot:  15,
		ThrottleFPSCrit: 5,
		PollIntervalSec: 2,
	}
}

// PollInterval is the thermal polling period, never less than 100ms.
func (cfg Thermal) PollInterval() time.Duration {
	d := time.Duration(cfg.PollIntervalSec * float64(time.Second))
	if d < 100*time.Millisecond {
		return 2 * time.Second
	}
	return d
}

// Validate ensures all parts of the config are valid.
func (cfg *Thermal) Validate(path string) error {
	if cfg.TempWarnC > cfg.TempHotC || cfg.TempHotC > cfg.TempCritC {
		return utils.NewConfigValidationError(path, errors.Errorf(
			"thresholds must satisfy warn <= hot <= crit, got %v/%v/%v", cfg.TempWarnC, cfg.TempHotC, cfg.TempCritC))
	}
	if cfg.ThrottleFPSHot < 0 || cfg.ThrottleFPSCrit < 0 {
		return utils.NewConfigValidationError(path, errors.New("throttle caps must not be negative"))
	}
	return nil
}

// Calibration holds camera intrinsics and the checkerboard used to collect them.
type Calibration struct {
	// CameraMatrix is the 3x3 intrinsic matrix [[fx 0 cx] [0 fy cy] [0 0 1]].
	CameraMatrix           [][]float64 `json:"camera_matrix"`
	DistCoeffs             []float64   `json:"dist_coeffs"`
	CalibrationFile        string      `json:"calibration_file"`
	CheckerboardRows       int         `json:"checkerboard_rows"`
	CheckerboardCols       int         `json:"checkerboard_cols"`
	CheckerboardSquareSize float64     `json:"checkerboard_square_size"`
	TargetFrames           int         `json:"target_frames"`
}

// DefaultCalibration is a 9x6 board of 25mm squares and 20 collected frames.
func DefaultCalibration() Calibration {
	return Calibration{
		CalibrationFile:        "/etc/xnav/calibration.json",
		CheckerboardRows:       6,
		CheckerboardCols:       9,
		CheckerboardSquareSize: 0.025,
		TargetFrames:           20,
	}
}

// Network configures the telemetry link to the robot controller.
type Network struct {
	TeamNumber int    `json:"team_number"`
	NTServerIP string `json:"nt_server_ip"`
	// TelemetryPort is the controller's UDP port for result datagrams.
	TelemetryPort int `json:"telemetry_port"`
	// InputPort is the local UDP port on which controller inputs arrive.
	InputPort int `json:"input_port"`
	// Encoding is "json" or "protobuf".
	Encoding   string `json:"encoding"`
	RecordFile string `json:"record_file"`
}

// DefaultNetwork sends JSON telemetry on 5810 and listens for inputs on 5811.
func DefaultNetwork() Network {
	return Network{
		TelemetryPort: 5810,
		InputPort:     5811,
		Encoding:      "json",
	}
}

// ControllerAddress resolves where telemetry goes. An explicit server address wins; otherwise the
// FRC convention 10.TE.AM.2 is derived from the team number. Empty means no controller is known.
func (cfg Network) ControllerAddress() string {
	if cfg.NTServerIP != "" {
		return cfg.NTServerIP
	}
	if cfg.TeamNumber > 0 {
		return teamAddress(cfg.TeamNumber)
	}
	return ""
}

// Lights configures the LED ring. Brightness is a percentage; Mode is on, off or blink.
type Lights struct {
	Enabled    bool   `json:"enabled"`
	GPIOPin    int    `json:"gpio_pin"`
	Brightness int    `json:"brightness"`
	Mode       string `json:"mode"`
}

// DefaultLights drives GPIO18 fully on.
func DefaultLights() Lights {
	return Lights{Enabled: true, GPIOPin: 18, Brightness: 100, Mode: "on"}
}

// CameraMount decodes the camera_mount section over zero defaults.
func (s *Store) CameraMount() (CameraMount, error) {
	var cfg CameraMount
	err := s.Decode(SectionCameraMount, &cfg)
	return cfg, err
}

// Turret decodes the turret section.
func (s *Store) Turret() (Turret, error) {
	var cfg Turret
	err := s.Decode(SectionTurret, &cfg)
	return cfg, err
}

// OffsetPoint decodes the offset_point section.
func (s *Store) OffsetPoint() (OffsetPoint, error) {
	var cfg OffsetPoint
	err := s.Decode(SectionOffsetPoint, &cfg)
	return cfg, err
}

// Throttle decodes the throttle section.
func (s *Store) Throttle() (Throttle, error) {
	var cfg Throttle
	err := s.Decode(SectionThrottle, &cfg)
	return cfg, err
}

// FieldMap decodes the field_map section.
func (s *Store) FieldMap() (FieldMap, error) {
	var cfg FieldMap
	err := s.Decode(SectionFieldMap, &cfg)
	return cfg, err
}

// Thermal decodes and validates the thermal section over DefaultThermal.
func (s *Store) Thermal() (Thermal, error) {
	cfg := DefaultThermal()
	if err := s.Decode(SectionThermal, &cfg); err != nil {
		return DefaultThermal(), err
	}
	if err := cfg.Validate(SectionThermal); err != nil {
		return DefaultThermal(), err
	}
	return cfg, nil
}

// AprilTag decodes and validates the apriltag section over DefaultAprilTag.
func (s *Store) AprilTag() (AprilTag, error) {
	cfg := DefaultAprilTag()
	if err := s.Decode(SectionAprilTag, &cfg); err != nil {
		return DefaultAprilTag(), err
	}
	err := cfg.Validate(SectionAprilTag)
	return cfg, err
}

// Camera decodes the camera section over DefaultCamera.
func (s *Store) Camera() (Camera, error) {
	cfg := DefaultCamera()
	err := s.Decode(SectionCamera, &cfg)
	return cfg, err
}

// Calibration decodes the calibration section over DefaultCalibration.
func (s *Store) Calibration() (Calibration, error) {
	cfg := DefaultCalibration()
	err := s.Decode(SectionCalibration, &cfg)
	return cfg, err
}

// Network decodes the network section over DefaultNetwork.
func (s *Store) Network() (Network, error) {
	cfg := DefaultNetwork()
	err := s.Decode(SectionNetwork, &cfg)
	return cfg, err
}

// Lights decodes the lights section over DefaultLights.
func (s *Store) Lights() (Lights, error) {
	cfg := DefaultLights()
	err := s.Decode(SectionLights, &cfg)
	return cfg, err
}

// MatchMode reports the top-level match_mode flag.
func (s *Store) MatchMode() bool {
	return s.Bool(KeyMatchMode)
}
