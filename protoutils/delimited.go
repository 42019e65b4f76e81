// Package protoutils holds the protobuf plumbing for telemetry: conversion of topic maps to
// structpb and a length-prefixed message stream for recordings.
package protoutils

import (
	"bufio"
	"encoding/binary"
	"io"
	"iter"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// maxMessageSize caps a single recorded message. Telemetry frames are a few KB.
const maxMessageSize = 64 << 20

// DelimitedWriter appends proto messages to a stream, each prefixed by its little-endian uint32
// length so a DelimitedReader can split them again.
type DelimitedWriter struct {
	w io.Writer
}

// NewDelimitedWriter wraps w.
func NewDelimitedWriter(w io.Writer) *DelimitedWriter {
	return &DelimitedWriter{w: w}
}

// Append marshals msg and writes the length prefix and message in one write.
func (dw *DelimitedWriter) Append(msg proto.Message) error {
	body, err := proto.Marshal(msg)
	if err != nil {
		return err
	}
	buf := make([]byte, 4, 4+len(body))
	binary.LittleEndian.PutUint32(buf, uint32(len(body)))
	_, err = dw.w.Write(append(buf, body...))
	return err
}

// Close closes the underlying writer if it is an io.Closer.
func (dw *DelimitedWriter) Close() error {
	if c, ok := dw.w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// DelimitedReader iterates over a stream written by DelimitedWriter.
type DelimitedReader struct {
	r   io.Reader
	err error
}

// NewDelimitedReader wraps r.
func NewDelimitedReader(r io.Reader) *DelimitedReader {
	return &DelimitedReader{r: r}
}

// Raw yields each message body. The slice is reused between iterations.
func (dr *DelimitedReader) Raw() iter.Seq[[]byte] {
	return func(yield func([]byte) bool) {
		scanner := bufio.NewScanner(dr.r)
		scanner.Buffer(nil, maxMessageSize+4)
		scanner.Split(splitDelimited)
		for scanner.Scan() {
			if !yield(scanner.Bytes()) {
				return
			}
		}
		dr.err = scanner.Err()
	}
}

// Structs yields each message decoded as a structpb.Struct. Iteration stops at the first message
// that does not decode; Err reports it.
func (dr *DelimitedReader) Structs() iter.Seq[*structpb.Struct] {
	return func(yield func(*structpb.Struct) bool) {
		for body := range dr.Raw() {
			msg := &structpb.Struct{}
			if err := proto.Unmarshal(body, msg); err != nil {
				dr.err = err
				return
			}
			if !yield(msg) {
				return
			}
		}
	}
}

// Err returns the first error met while iterating.
func (dr *DelimitedReader) Err() error {
	return dr.err
}

func splitDelimited(data []byte, atEOF bool) (int, []byte, error) {
	if len(data) < 4 {
		if atEOF && len(data) > 0 {
			return 0, nil, io.ErrUnexpectedEOF
		}
		return 0, nil, nil
	}
	size := int(binary.LittleEndian.Uint32(data[:4]))
	if len(data)-4 < size {
		if atEOF {
			return 0, nil, io.ErrUnexpectedEOF
		}
		return 0, nil, nil
	}
	return size + 4, data[4 : 4+size], nil
}
