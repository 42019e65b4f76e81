package protoutils

import (
	"bytes"
	"encoding/binary"
	"slices"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

func TestDelimitedWriterFraming(t *testing.T) {
	var buf bytes.Buffer
	w := NewDelimitedWriter(&buf)
	msgs := []*structpb.Struct{
		{Fields: map[string]*structpb.Value{"status": structpb.NewStringValue("running")}},
		{Fields: map[string]*structpb.Value{"fps": structpb.NewNumberValue(30)}},
	}
	var want []byte
	for _, m := range msgs {
		test.That(t, w.Append(m), test.ShouldBeNil)
		body, err := proto.MarshalOptions{Deterministic: true}.Marshal(m)
		test.That(t, err, test.ShouldBeNil)
		prefix := make([]byte, 4)
		binary.LittleEndian.PutUint32(prefix, uint32(len(body)))
		want = append(want, prefix...)
		want = append(want, body...)
	}
	test.That(t, buf.Len(), test.ShouldEqual, len(want))
	test.That(t, binary.LittleEndian.Uint32(buf.Bytes()[:4]), test.ShouldEqual, binary.LittleEndian.Uint32(want[:4]))
	test.That(t, w.Close(), test.ShouldBeNil)
}

func TestDelimitedReader(t *testing.T) {
	var buf bytes.Buffer
	w := NewDelimitedWriter(&buf)
	for _, status := range []string{"starting", "running", "stopped"} {
		s, err := MapToStruct(map[string]any{"status": status})
		test.That(t, err, test.ShouldBeNil)
		test.That(t, w.Append(s), test.ShouldBeNil)
	}

	r := NewDelimitedReader(bytes.NewReader(buf.Bytes()))
	var got []string
	for s := range r.Structs() {
		got = append(got, s.Fields["status"].GetStringValue())
	}
	test.That(t, r.Err(), test.ShouldBeNil)
	test.That(t, got, test.ShouldResemble, []string{"starting", "running", "stopped"})

	// Stopping early works.
	first := slices.Collect(func(yield func([]byte) bool) {
		for body := range NewDelimitedReader(bytes.NewReader(buf.Bytes())).Raw() {
			yield(append([]byte(nil), body...))
			return
		}
	})
	test.That(t, first, test.ShouldHaveLength, 1)

	// A truncated stream reports an error after the complete messages.
	truncated := NewDelimitedReader(bytes.NewReader(buf.Bytes()[:buf.Len()-2]))
	count := 0
	for range truncated.Raw() {
		count++
	}
	test.That(t, count, test.ShouldEqual, 2)
	test.That(t, truncated.Err(), test.ShouldNotBeNil)
}

func TestMapToStruct(t *testing.T) {
	s, err := MapToStruct(map[string]any{
		"/XNav/hasTarget": true,
		"/XNav/tagIds":    []int64{1, 7},
		"/XNav/robotPose": []float64{1, 2, 3, 0, 0, 90},
		"/XNav/fps":       29.5,
		"/XNav/status":    "running",
		"/XNav/position":  r3.Vector{X: 1, Y: 2, Z: 3},
		"/XNav/ids":       []int{4},
		"/XNav/names":     []string{"a"},
	})
	test.That(t, err, test.ShouldBeNil)

	m := StructToMap(s)
	test.That(t, m["/XNav/hasTarget"], test.ShouldEqual, true)
	test.That(t, m["/XNav/tagIds"], test.ShouldResemble, []any{1.0, 7.0})
	test.That(t, m["/XNav/robotPose"], test.ShouldResemble, []any{1.0, 2.0, 3.0, 0.0, 0.0, 90.0})
	test.That(t, m["/XNav/fps"], test.ShouldEqual, 29.5)
	test.That(t, m["/XNav/position"], test.ShouldResemble, map[string]any{"x": 1.0, "y": 2.0, "z": 3.0})
	test.That(t, m["/XNav/ids"], test.ShouldResemble, []any{4.0})

	_, err = MapToStruct(map[string]any{"bad": make(chan int)})
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, StructToMap(nil), test.ShouldBeNil)
}
