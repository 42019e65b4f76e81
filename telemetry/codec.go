package telemetry

import (
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cast"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/xnav-frc/xnav/protoutils"
)

// Encoding is the datagram wire format.
type Encoding string

// Supported encodings. Protobuf datagrams are google.protobuf.Struct messages.
const (
	EncodingJSON     Encoding = "json"
	EncodingProtobuf Encoding = "protobuf"
)

// ParseEncoding accepts "json", "protobuf" or "" (json).
func ParseEncoding(s string) (Encoding, error) {
	switch Encoding(strings.ToLower(s)) {
	case "", EncodingJSON:
		return EncodingJSON, nil
	case EncodingProtobuf, "proto":
		return EncodingProtobuf, nil
	default:
		return "", errors.Errorf("unknown telemetry encoding %q", s)
	}
}

// EncodeTopics serializes a topic map.
func EncodeTopics(enc Encoding, topics map[string]any) ([]byte, error) {
	switch enc {
	case EncodingProtobuf:
		s, err := protoutils.MapToStruct(topics)
		if err != nil {
			return nil, err
		}
		return proto.Marshal(s)
	default:
		return json.Marshal(topics)
	}
}

// DecodeTopics parses a datagram. Numbers decode as float64 in both encodings.
func DecodeTopics(enc Encoding, data []byte) (map[string]any, error) {
	switch enc {
	case EncodingProtobuf:
		s := &structpb.Struct{}
		if err := proto.Unmarshal(data, s); err != nil {
			return nil, errors.Wrap(err, "decoding protobuf datagram")
		}
		return protoutils.StructToMap(s), nil
	default:
		var topics map[string]any
		if err := json.Unmarshal(data, &topics); err != nil {
			return nil, errors.Wrap(err, "decoding json datagram")
		}
		return topics, nil
	}
}

// StatusTopics is the payload of a status update.
func StatusTopics(status string) map[string]any {
	return map[string]any{Root + "status": status}
}

func lookupTopic(topics map[string]any, name string) (any, bool) {
	if v, ok := topics[Root+name]; ok {
		return v, true
	}
	v, ok := topics[name]
	return v, ok
}

// ApplyInputs overlays the input topics present in topics onto prev. Topic names may omit the
// /XNav/ prefix. Values that do not convert keep their previous value.
func ApplyInputs(prev Inputs, topics map[string]any) Inputs {
	next := prev
	if v, ok := lookupTopic(topics, InputTurretAngle); ok {
		if f, err := cast.ToFloat64E(v); err == nil {
			next.TurretAngle = f
		}
	}
	if v, ok := lookupTopic(topics, InputTurretEnabled); ok {
		if b, err := cast.ToBoolE(v); err == nil {
			next.TurretEnabled = b
		}
	}
	if v, ok := lookupTopic(topics, InputMatchMode); ok {
		if b, err := cast.ToBoolE(v); err == nil {
			next.MatchMode = b
		}
	}
	return next
}
