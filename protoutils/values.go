package protoutils

import (
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"google.golang.org/protobuf/types/known/structpb"
)

// ToValue converts a telemetry value to a structpb.Value. Beyond what structpb.NewValue accepts it
// handles typed numeric slices and r3.Vector, which becomes {x, y, z}.
func ToValue(v any) (*structpb.Value, error) {
	switch x := v.(type) {
	case []int:
		return structpb.NewValue(toAnySlice(x))
	case []int64:
		return structpb.NewValue(toAnySlice(x))
	case []float64:
		return structpb.NewValue(toAnySlice(x))
	case []string:
		return structpb.NewValue(toAnySlice(x))
	case r3.Vector:
		return structpb.NewValue(map[string]any{"x": x.X, "y": x.Y, "z": x.Z})
	case map[string]any:
		s, err := MapToStruct(x)
		if err != nil {
			return nil, err
		}
		return structpb.NewStructValue(s), nil
	}
	val, err := structpb.NewValue(v)
	if err != nil {
		return nil, errors.Wrapf(err, "converting %T", v)
	}
	return val, nil
}

func toAnySlice[T any](in []T) []any {
	out := make([]any, len(in))
	for i, v := range in {
		out[i] = v
	}
	return out
}

// MapToStruct converts a flat or nested topic map into a Struct.
func MapToStruct(m map[string]any) (*structpb.Struct, error) {
	out := &structpb.Struct{Fields: make(map[string]*structpb.Value, len(m))}
	for k, v := range m {
		val, err := ToValue(v)
		if err != nil {
			return nil, errors.Wrapf(err, "field %q", k)
		}
		out.Fields[k] = val
	}
	return out, nil
}

// StructToMap is the inverse of MapToStruct. Numbers come back as float64 and lists as []any.
func StructToMap(s *structpb.Struct) map[string]any {
	if s == nil {
		return nil
	}
	return s.AsMap()
}
