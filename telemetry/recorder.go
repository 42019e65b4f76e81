package telemetry

import (
	"context"
	"encoding/json"
	"io"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"go.uber.org/multierr"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/xnav-frc/xnav/protoutils"
)

// Recorder appends every published frame and status to a size-rotated file for later review. JSON
// recordings hold one object per line; protobuf recordings are length-delimited Structs.
type Recorder struct {
	enc   Encoding
	clock clock.Clock

	mu    sync.Mutex
	out   io.WriteCloser
	proto *protoutils.DelimitedWriter
}

var _ Transport = (*Recorder)(nil)

// NewRecorder rotates path at 50 MB and keeps 5 compressed backups. A nil clk means the wall
// clock.
func NewRecorder(path string, enc Encoding, clk clock.Clock) *Recorder {
	out := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    50,
		MaxBackups: 5,
		Compress:   true,
	}
	return newRecorder(out, enc, clk)
}

func newRecorder(out io.WriteCloser, enc Encoding, clk clock.Clock) *Recorder {
	if clk == nil {
		clk = clock.New()
	}
	return &Recorder{
		enc:   enc,
		clock: clk,
		out:   out,
		proto: protoutils.NewDelimitedWriter(out),
	}
}

func (r *Recorder) record(topics map[string]any) error {
	entry := map[string]any{
		"ts_ms":  r.clock.Now().UnixMilli(),
		"topics": topics,
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.enc == EncodingProtobuf {
		s, err := protoutils.MapToStruct(entry)
		if err != nil {
			return err
		}
		return r.proto.Append(s)
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	_, err = r.out.Write(append(line, '\n'))
	return err
}

// Publish implements Transport.
func (r *Recorder) Publish(_ context.Context, frame Frame) error {
	return r.record(Topics(frame))
}

// PublishStatus implements Transport.
func (r *Recorder) PublishStatus(_ context.Context, status string) error {
	return r.record(StatusTopics(status))
}

// ReadInputs implements Transport. A recording has no inputs.
func (r *Recorder) ReadInputs() Inputs { return Inputs{} }

// Connected implements Transport.
func (r *Recorder) Connected() bool { return false }

// Close flushes and closes the file.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.out.Close()
}

// Multi fans publishes out to several transports. Inputs come from the first transport.
type Multi []Transport

var _ Transport = Multi(nil)

// Publish implements Transport, attempting every transport.
func (m Multi) Publish(ctx context.Context, frame Frame) error {
	var err error
	for _, t := range m {
		err = multierr.Combine(err, t.Publish(ctx, frame))
	}
	return err
}

// PublishStatus implements Transport.
func (m Multi) PublishStatus(ctx context.Context, status string) error {
	var err error
	for _, t := range m {
		err = multierr.Combine(err, t.PublishStatus(ctx, status))
	}
	return err
}

// ReadInputs implements Transport.
func (m Multi) ReadInputs() Inputs {
	if len(m) == 0 {
		return Inputs{}
	}
	return m[0].ReadInputs()
}

// Connected reports whether any transport is connected.
func (m Multi) Connected() bool {
	return lo.SomeBy(m, func(t Transport) bool { return t.Connected() })
}

// Close implements Transport.
func (m Multi) Close() error {
	var err error
	for _, t := range m {
		err = multierr.Combine(err, t.Close())
	}
	return errors.Wrap(err, "closing telemetry")
}
