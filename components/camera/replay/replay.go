// Package replay implements a camera source that plays a directory of still images at a fixed
// rate. It stands in for a capture device on the bench.
package replay

import (
	"context"
	"image"
	// register decoders.
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	_ "github.com/lmittmann/ppm" // register ppm
	"github.com/nfnt/resize"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"golang.org/x/time/rate"

	"github.com/xnav-frc/xnav/components/camera"
	"github.com/xnav-frc/xnav/logging"
	"github.com/xnav-frc/xnav/utils"
)

var extensions = []string{".png", ".jpg", ".jpeg", ".ppm", ".pgm"}

// Config selects the images and how they are played.
type Config struct {
	Dir string
	// FPS is the playback rate. Zero or less means 30.
	FPS float64
	// Once stops after the last image instead of looping.
	Once bool
	// MaxWidth downscales wider images, keeping the aspect ratio. Zero keeps the original size.
	MaxWidth uint
}

// Source plays images in lexical file name order.
type Source struct {
	*camera.Broadcaster

	cfg    Config
	files  []string
	clock  clock.Clock
	logger logging.Logger

	mu      sync.Mutex
	next    int
	workers utils.StoppableWorkers

	readWarn rate.Sometimes
}

var _ camera.Source = (*Source)(nil)

// New lists the playable images in cfg.Dir. A nil clk means the wall clock.
func New(cfg Config, clk clock.Clock, logger logging.Logger) (*Source, error) {
	entries, err := os.ReadDir(cfg.Dir)
	if err != nil {
		return nil, errors.Wrap(err, "reading replay directory")
	}
	files := lo.FilterMap(entries, func(e os.DirEntry, _ int) (string, bool) {
		ext := strings.ToLower(filepath.Ext(e.Name()))
		return filepath.Join(cfg.Dir, e.Name()), !e.IsDir() && lo.Contains(extensions, ext)
	})
	if len(files) == 0 {
		return nil, errors.Errorf("no images in %q", cfg.Dir)
	}
	sort.Strings(files)
	if cfg.FPS <= 0 {
		cfg.FPS = 30
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Source{
		Broadcaster: camera.NewBroadcaster(clk, logger),
		cfg:         cfg,
		files:       files,
		clock:       clk,
		logger:      logger,
		readWarn:    rate.Sometimes{Interval: 5 * time.Second},
	}, nil
}

// Files lists the images in play order.
func (s *Source) Files() []string {
	return append([]string(nil), s.files...)
}

// LoadImage decodes a PNG, JPEG, PPM or PGM file.
func LoadImage(path string) (image.Image, error) {
	//nolint:gosec
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, errors.Wrapf(err, "decoding %q", path)
	}
	return img, nil
}

// Next loads, scales and publishes the next image. A source configured with Once returns ErrDone
// after its last image.
func (s *Source) Next() (camera.Frame, error) {
	s.mu.Lock()
	if s.next >= len(s.files) {
		if s.cfg.Once {
			s.mu.Unlock()
			return camera.Frame{}, ErrDone
		}
		s.next = 0
	}
	path := s.files[s.next]
	s.next++
	s.mu.Unlock()

	img, err := LoadImage(path)
	if err != nil {
		return camera.Frame{}, err
	}
	if s.cfg.MaxWidth > 0 && uint(img.Bounds().Dx()) > s.cfg.MaxWidth {
		img = resize.Resize(s.cfg.MaxWidth, 0, img, resize.Bilinear)
	}
	return s.Publish(img, camera.ToGray(img)), nil
}

// ErrDone is returned by Next after the last image of a non-looping source.
var ErrDone = errors.New("replay finished")

// Start plays frames at the configured rate until Stop, ctx is done, or a non-looping source runs
// out of images.
func (s *Source) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.workers != nil {
		return errors.New("replay source already started")
	}
	ticker := s.clock.Ticker(time.Duration(float64(time.Second) / s.cfg.FPS))
	s.workers = utils.NewStoppableWorkersWithContext(ctx, func(ctx context.Context) {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			if _, err := s.Next(); err != nil {
				if errors.Is(err, ErrDone) {
					s.logger.Info("replay finished")
					return
				}
				s.readWarn.Do(func() {
					s.logger.Warnw("failed to read replay frame, skipping", "error", err)
				})
			}
		}
	})
	s.logger.Infow("replay started", "dir", s.cfg.Dir, "images", len(s.files), "fps", s.cfg.FPS)
	return nil
}

// Stop ends playback and waits for the playback goroutine.
func (s *Source) Stop() {
	s.mu.Lock()
	workers := s.workers
	s.workers = nil
	s.mu.Unlock()
	if workers != nil {
		workers.Stop()
		s.logger.Info("replay stopped")
	}
}
