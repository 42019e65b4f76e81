// Package fieldmap loads the fixed field-frame poses of every AprilTag on a competition field from
// WPILib .fmap JSON files.
package fieldmap

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/golang/geo/r3"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"github.com/spf13/cast"
	"gonum.org/v1/gonum/num/quat"

	"github.com/xnav-frc/xnav/logging"
	"github.com/xnav-frc/xnav/spatialmath"
)

// ErrNoTags is returned for a field map file that parses but lists no tags.
var ErrNoTags = errors.New("field map contains no tags")

// TagPose is one tag's fixed pose in field coordinates. Angles are degrees.
type TagPose struct {
	ID          int
	Position    r3.Vector
	Orientation quat.Number
	Roll        float64
	Pitch       float64
	Yaw         float64
}

// NewTagPose builds a TagPose and derives its Euler angles from the quaternion.
func NewTagPose(id int, position r3.Vector, orientation quat.Number) TagPose {
	roll, pitch, yaw := spatialmath.QuaternionToEulerAngles(orientation).Degrees()
	return TagPose{
		ID:          id,
		Position:    position,
		Orientation: orientation,
		Roll:        roll,
		Pitch:       pitch,
		Yaw:         yaw,
	}
}

// Pose is the tag-in-field transform.
func (tp TagPose) Pose() spatialmath.Pose {
	q, _ := spatialmath.NormalizeQuaternion(tp.Orientation)
	return spatialmath.NewPose(spatialmath.RotationMatrixFromQuaternion(q), tp.Position)
}

// FieldMap is a field's dimensions in meters and its tags by id. A FieldMap is never modified after
// it is built; reloads produce a new one.
type FieldMap struct {
	Length float64
	Width  float64
	Tags   map[int]TagPose
}

// Len is the number of tags. A nil map has none.
func (fm *FieldMap) Len() int {
	if fm == nil {
		return 0
	}
	return len(fm.Tags)
}

// Tag looks up a tag by id.
func (fm *FieldMap) Tag(id int) (TagPose, bool) {
	if fm == nil {
		return TagPose{}, false
	}
	tp, ok := fm.Tags[id]
	return tp, ok
}

// IDs returns the tag ids in ascending order.
func (fm *FieldMap) IDs() []int {
	if fm == nil {
		return nil
	}
	ids := lo.Keys(fm.Tags)
	sort.Ints(ids)
	return ids
}

// String prints out a table of each tag with its position and orientation.
func (fm *FieldMap) String() string {
	if fm == nil {
		return "no field map"
	}
	t := table.NewWriter()
	t.SetTitle(fmt.Sprintf("Field %gm x %gm, %d tags", fm.Length, fm.Width, fm.Len()))
	t.AppendHeader(table.Row{"ID", "Translation", "Orientation"})
	for _, id := range fm.IDs() {
		tp := fm.Tags[id]
		t.AppendRow(table.Row{
			fmt.Sprintf("%d", id),
			fmt.Sprintf("X:%.3f, Y:%.3f, Z:%.3f", tp.Position.X, tp.Position.Y, tp.Position.Z),
			fmt.Sprintf("Roll:%.2f, Pitch:%.2f, Yaw:%.2f", tp.Roll, tp.Pitch, tp.Yaw),
		})
	}
	return t.Render()
}

// Load reads and parses a .fmap file.
func Load(path string) (*FieldMap, error) {
	//nolint:gosec
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "opening field map")
	}
	defer func() {
		//nolint:errcheck
		f.Close()
	}()
	fm, err := Parse(f)
	if err != nil {
		return nil, errors.Wrapf(err, "loading field map %q", path)
	}
	return fm, nil
}

// LoadOrNil is Load for callers that treat any failure as "no field map". Failures are logged.
func LoadOrNil(path string, logger logging.Logger) *FieldMap {
	fm, err := Load(path)
	if err != nil {
		logger.Warnw("field map unavailable", "path", path, "error", err)
		return nil
	}
	logger.Infow("loaded field map", "path", path, "tags", fm.Len(), "length", fm.Length, "width", fm.Width)
	return fm
}

// Parse decodes .fmap JSON. Tags may be listed under "tags" or "fiducials", with the id under
// "ID", "id" or "fiducialId"; entries without an id are skipped. Missing translation components
// default to 0 and a missing quaternion to the identity.
func Parse(r io.Reader) (*FieldMap, error) {
	var raw map[string]any
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return nil, errors.Wrap(err, "parsing field map JSON")
	}

	fm := &FieldMap{Tags: map[int]TagPose{}}
	field := cast.ToStringMap(raw["field"])
	fm.Length = cast.ToFloat64(field["length"])
	fm.Width = cast.ToFloat64(field["width"])

	entries := cast.ToSlice(raw["tags"])
	if len(entries) == 0 {
		entries = cast.ToSlice(raw["fiducials"])
	}

	for i, entry := range entries {
		tag := cast.ToStringMap(entry)
		idVal, ok := firstPresent(tag, "ID", "id", "fiducialId")
		if !ok {
			continue
		}
		id, err := cast.ToIntE(idVal)
		if err != nil {
			return nil, errors.Wrapf(err, "tag entry %d has a bad id", i)
		}

		pose := cast.ToStringMap(tag["pose"])
		translation := cast.ToStringMap(pose["translation"])
		q := cast.ToStringMap(cast.ToStringMap(pose["rotation"])["quaternion"])

		var pos [3]float64
		for j, k := range []string{"x", "y", "z"} {
			if pos[j], err = floatOr(translation, k, 0); err != nil {
				return nil, errors.Wrapf(err, "tag %d translation", id)
			}
		}
		wxyz := [4]float64{1, 0, 0, 0}
		for j, k := range []string{"W", "X", "Y", "Z"} {
			if wxyz[j], err = floatOr(q, k, wxyz[j]); err != nil {
				return nil, errors.Wrapf(err, "tag %d quaternion", id)
			}
		}

		fm.Tags[id] = NewTagPose(id,
			r3.Vector{X: pos[0], Y: pos[1], Z: pos[2]},
			quat.Number{Real: wxyz[0], Imag: wxyz[1], Jmag: wxyz[2], Kmag: wxyz[3]},
		)
	}

	if len(fm.Tags) == 0 {
		return nil, ErrNoTags
	}
	return fm, nil
}

func firstPresent(m map[string]any, keys ...string) (any, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

func floatOr(m map[string]any, key string, def float64) (float64, error) {
	v, ok := m[key]
	if !ok || v == nil {
		return def, nil
	}
	f, err := cast.ToFloat64E(v)
	return f, errors.Wrapf(err, "field %q", key)
}
