package replay

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/lmittmann/ppm"
	"go.viam.com/test"
	"go.viam.com/utils/testutils"

	"github.com/xnav-frc/xnav/components/camera"
	"github.com/xnav-frc/xnav/logging"
)

// solid is RGBA because ppm.Encode only writes the RGBA color model.
func solid(w, h int, v uint8) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: v, G: v, B: v, A: 255})
		}
	}
	return img
}

func pgmBytes(w, h int, v uint8) []byte {
	out := []byte(fmt.Sprintf("P5\n# bench dump\n%d %d\n255\n", w, h))
	for i := 0; i < w*h; i++ {
		out = append(out, v)
	}
	return out
}

func writePNG(t *testing.T, path string, img image.Image) {
	t.Helper()
	f, err := os.Create(path)
	test.That(t, err, test.ShouldBeNil)
	defer f.Close()
	test.That(t, png.Encode(f, img), test.ShouldBeNil)
}

func writePPM(t *testing.T, path string, img image.Image) {
	t.Helper()
	f, err := os.Create(path)
	test.That(t, err, test.ShouldBeNil)
	defer f.Close()
	test.That(t, ppm.Encode(f, img), test.ShouldBeNil)
}

func replayDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	writePNG(t, filepath.Join(dir, "002.png"), solid(8, 4, 30))
	writePPM(t, filepath.Join(dir, "001.ppm"), solid(8, 4, 20))
	writePNG(t, filepath.Join(dir, "003.png"), solid(16, 8, 40))
	test.That(t, os.WriteFile(filepath.Join(dir, "004.pgm"), pgmBytes(8, 4, 50), 0o600), test.ShouldBeNil)
	test.That(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("skip"), 0o600), test.ShouldBeNil)
	test.That(t, os.Mkdir(filepath.Join(dir, "sub.png"), 0o755), test.ShouldBeNil)
	return dir
}

func TestReplayOrderAndDecode(t *testing.T) {
	dir := replayDir(t)
	src, err := New(Config{Dir: dir, Once: true, MaxWidth: 8}, clock.NewMock(), logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, src.Files(), test.ShouldResemble, []string{
		filepath.Join(dir, "001.ppm"), filepath.Join(dir, "002.png"), filepath.Join(dir, "003.png"),
		filepath.Join(dir, "004.pgm"),
	})

	var seen []uint8
	for i := 0; i < 4; i++ {
		frame, err := src.Next()
		test.That(t, err, test.ShouldBeNil)
		test.That(t, frame.Seq, test.ShouldEqual, uint64(i+1))
		// The 16x8 image is downscaled to the maximum width.
		test.That(t, frame.Gray.Bounds(), test.ShouldResemble, image.Rect(0, 0, 8, 4))
		seen = append(seen, frame.Gray.GrayAt(1, 1).Y)
	}
	test.That(t, seen, test.ShouldResemble, []uint8{20, 30, 40, 50})

	_, err = src.Next()
	test.That(t, err, test.ShouldBeError, ErrDone)
}

func TestReplayLoops(t *testing.T) {
	src, err := New(Config{Dir: replayDir(t)}, clock.NewMock(), logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	for i := 0; i < 5; i++ {
		_, err := src.Next()
		test.That(t, err, test.ShouldBeNil)
	}
	latest, ok := src.Latest()
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, latest.Gray.GrayAt(0, 0).Y, test.ShouldEqual, uint8(20))
}

func TestReplayNoImages(t *testing.T) {
	_, err := New(Config{Dir: t.TempDir()}, nil, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldNotBeNil)
	_, err = New(Config{Dir: filepath.Join(t.TempDir(), "missing")}, nil, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldNotBeNil)
}

func TestReplayStartStop(t *testing.T) {
	mock := clock.NewMock()
	src, err := New(Config{Dir: replayDir(t), FPS: 10}, mock, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)

	var (
		mu  sync.Mutex
		got []camera.Frame
	)
	src.RegisterFrameCallback(func(f camera.Frame) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, f)
	})

	test.That(t, src.Start(context.Background()), test.ShouldBeNil)
	test.That(t, src.Start(context.Background()), test.ShouldNotBeNil)

	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		mock.Add(100 * time.Millisecond)
		mu.Lock()
		defer mu.Unlock()
		test.That(tb, len(got), test.ShouldBeGreaterThanOrEqualTo, 3)
	})
	src.Stop()

	mu.Lock()
	count := len(got)
	mu.Unlock()
	mock.Add(time.Second)
	mu.Lock()
	defer mu.Unlock()
	test.That(t, len(got), test.ShouldEqual, count)
	for i, f := range got {
		test.That(t, f.Seq, test.ShouldEqual, uint64(i+1))
	}
}

func TestDecodePGM(t *testing.T) {
	img, err := DecodePGM(bytes.NewReader(pgmBytes(3, 2, 77)))
	test.That(t, err, test.ShouldBeNil)
	gray, ok := img.(*image.Gray)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, gray.Bounds(), test.ShouldResemble, image.Rect(0, 0, 3, 2))
	test.That(t, gray.GrayAt(2, 1).Y, test.ShouldEqual, uint8(77))

	// 16-bit samples are rescaled
	wide := append([]byte("P5 2 1 65535\n"), 0xff, 0xff, 0x00, 0x00)
	img, err = DecodePGM(bytes.NewReader(wide))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, img.(*image.Gray).Pix, test.ShouldResemble, []uint8{255, 0})

	cfg, format, err := image.DecodeConfig(bytes.NewReader(pgmBytes(5, 4, 0)))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, format, test.ShouldEqual, "pgm")
	test.That(t, cfg.Width, test.ShouldEqual, 5)
	test.That(t, cfg.Height, test.ShouldEqual, 4)

	_, err = DecodePGM(bytes.NewReader([]byte("P2 1 1 255\n9")))
	test.That(t, err, test.ShouldNotBeNil)
	_, err = DecodePGM(bytes.NewReader([]byte("P5 4 4 255\n")))
	test.That(t, err, test.ShouldNotBeNil)
}
