// Package camera defines the capture collaborator: frames, frame sources and the plumbing shared
// by source implementations.
package camera

import (
	"context"
	"image"
	"image/draw"
	"io"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/xnav-frc/xnav/logging"
)

// Frame is one captured image. Timestamp is monotonic time since the source started.
type Frame struct {
	Color     image.Image
	Gray      *image.Gray
	Timestamp time.Duration
	Seq       uint64
}

// Clone returns a frame whose images share no memory with f.
func (f Frame) Clone() Frame {
	out := f
	if f.Color != nil {
		out.Color = imaging.Clone(f.Color)
	}
	if f.Gray != nil {
		g := *f.Gray
		g.Pix = append([]uint8(nil), f.Gray.Pix...)
		out.Gray = &g
	}
	return out
}

// A FrameCallback receives every frame a source produces, on the source's goroutine.
type FrameCallback func(Frame)

// A Source produces frames and hands them to registered callbacks.
type Source interface {
	RegisterFrameCallback(cb FrameCallback)
	Start(ctx context.Context) error
	Stop()
	// FPS is the measured capture rate.
	FPS() float64
}

// ToGray converts an image to 8-bit grayscale. A *image.Gray is copied.
func ToGray(img image.Image) *image.Gray {
	bounds := img.Bounds()
	gray := image.NewGray(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	if g, ok := img.(*image.Gray); ok {
		draw.Draw(gray, gray.Bounds(), g, bounds.Min, draw.Src)
		return gray
	}
	draw.Draw(gray, gray.Bounds(), imaging.Grayscale(img), image.Point{}, draw.Src)
	return gray
}

// EncodeJPEG writes img as a JPEG of the given quality (1-100).
func EncodeJPEG(w io.Writer, img image.Image, quality int) error {
	if img == nil {
		return errors.New("no image to encode")
	}
	return imaging.Encode(w, img, imaging.JPEG, imaging.JPEGQuality(quality))
}

// FPSCounter measures a rate over windows of at least one second.
type FPSCounter struct {
	clock clock.Clock

	mu          sync.Mutex
	windowStart time.Time
	count       int
	fps         float64
}

// NewFPSCounter returns a counter reading time from clk.
func NewFPSCounter(clk clock.Clock) *FPSCounter {
	return &FPSCounter{clock: clk}
}

// Tick records one event and returns the current rate.
func (c *FPSCounter) Tick() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clock.Now()
	if c.windowStart.IsZero() {
		c.windowStart = now
	}
	c.count++
	if elapsed := now.Sub(c.windowStart); elapsed >= time.Second {
		c.fps = float64(c.count) / elapsed.Seconds()
		c.count = 0
		c.windowStart = now
	}
	return c.fps
}

// FPS returns the rate measured over the last complete window.
func (c *FPSCounter) FPS() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fps
}

// Broadcaster keeps the latest frame and fans frames out to callbacks. Sources embed it.
type Broadcaster struct {
	clock  clock.Clock
	logger logging.Logger
	epoch  time.Time
	fps    *FPSCounter

	mu        sync.Mutex
	callbacks []FrameCallback
	latest    *Frame
	seq       uint64

	callbackWarn rate.Sometimes
}

// NewBroadcaster returns a Broadcaster whose timestamps start now. A nil clk means the wall clock.
func NewBroadcaster(clk clock.Clock, logger logging.Logger) *Broadcaster {
	if clk == nil {
		clk = clock.New()
	}
	return &Broadcaster{
		clock:        clk,
		logger:       logger,
		epoch:        clk.Now(),
		fps:          NewFPSCounter(clk),
		callbackWarn: rate.Sometimes{Interval: 5 * time.Second},
	}
}

// RegisterFrameCallback adds a callback for subsequent frames.
func (b *Broadcaster) RegisterFrameCallback(cb FrameCallback) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.callbacks = append(b.callbacks, cb)
}

// Publish stamps a frame with the next sequence number and the current monotonic time, stores it
// as the latest, and runs every callback. A panicking callback is logged and does not stop the
// others.
func (b *Broadcaster) Publish(color image.Image, gray *image.Gray) Frame {
	b.mu.Lock()
	b.seq++
	frame := Frame{
		Color:     color,
		Gray:      gray,
		Timestamp: b.clock.Since(b.epoch),
		Seq:       b.seq,
	}
	b.latest = &frame
	callbacks := append([]FrameCallback(nil), b.callbacks...)
	b.mu.Unlock()

	b.fps.Tick()
	for _, cb := range callbacks {
		b.runCallback(cb, frame)
	}
	return frame
}

func (b *Broadcaster) runCallback(cb FrameCallback, frame Frame) {
	defer func() {
		if r := recover(); r != nil {
			b.callbackWarn.Do(func() {
				b.logger.Warnw("frame callback error", "error", r)
			})
		}
	}()
	cb(frame)
}

// Latest returns a copy of the most recent frame.
func (b *Broadcaster) Latest() (Frame, bool) {
	b.mu.Lock()
	latest := b.latest
	b.mu.Unlock()
	if latest == nil {
		return Frame{}, false
	}
	return latest.Clone(), true
}

// FPS implements Source.
func (b *Broadcaster) FPS() float64 {
	return b.fps.FPS()
}
