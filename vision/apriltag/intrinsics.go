package apriltag

import (
	"encoding/json"
	"image"
	"os"

	"github.com/pkg/errors"

	"github.com/xnav-frc/xnav/config"
)

// Intrinsics are pinhole camera parameters in pixels.
type Intrinsics struct {
	Fx float64 `json:"fx"`
	Fy float64 `json:"fy"`
	Cx float64 `json:"cx"`
	Cy float64 `json:"cy"`
}

// EstimateIntrinsics guesses intrinsics for an uncalibrated camera: a focal length of 1.2 times the
// longer image side and the principal point at the image center.
func EstimateIntrinsics(bounds image.Rectangle) Intrinsics {
	w, h := float64(bounds.Dx()), float64(bounds.Dy())
	f := 1.2 * max(w, h)
	return Intrinsics{Fx: f, Fy: f, Cx: w / 2, Cy: h / 2}
}

// IntrinsicsFromMatrix reads fx, fy, cx and cy out of a 3x3 camera matrix.
func IntrinsicsFromMatrix(m [][]float64) (Intrinsics, error) {
	if len(m) != 3 {
		return Intrinsics{}, errors.Errorf("camera matrix must have 3 rows, got %d", len(m))
	}
	for i, row := range m {
		if len(row) != 3 {
			return Intrinsics{}, errors.Errorf("camera matrix row %d must have 3 columns, got %d", i, len(row))
		}
	}
	in := Intrinsics{Fx: m[0][0], Fy: m[1][1], Cx: m[0][2], Cy: m[1][2]}
	if in.Fx <= 0 || in.Fy <= 0 {
		return Intrinsics{}, errors.Errorf("focal lengths must be positive, got fx=%v fy=%v", in.Fx, in.Fy)
	}
	return in, nil
}

type calibrationFile struct {
	CameraMatrix [][]float64 `json:"camera_matrix"`
	DistCoeffs   []float64   `json:"dist_coeffs"`
}

// LoadCalibration resolves intrinsics from the calibration section: an inline camera matrix with
// distortion coefficients wins, then the calibration file. It returns nil when neither is usable.
func LoadCalibration(cfg config.Calibration) (*Intrinsics, string, error) {
	if len(cfg.CameraMatrix) > 0 && len(cfg.DistCoeffs) > 0 {
		in, err := IntrinsicsFromMatrix(cfg.CameraMatrix)
		if err != nil {
			return nil, "", errors.Wrap(err, "calibration section")
		}
		return &in, "config", nil
	}
	if cfg.CalibrationFile == "" {
		return nil, "", nil
	}

	//nolint:gosec
	data, err := os.ReadFile(cfg.CalibrationFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, "", nil
		}
		return nil, "", errors.Wrap(err, "reading calibration file")
	}
	var f calibrationFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, "", errors.Wrapf(err, "parsing calibration file %q", cfg.CalibrationFile)
	}
	in, err := IntrinsicsFromMatrix(f.CameraMatrix)
	if err != nil {
		return nil, "", errors.Wrapf(err, "calibration file %q", cfg.CalibrationFile)
	}
	return &in, cfg.CalibrationFile, nil
}
