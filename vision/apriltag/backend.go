package apriltag

import (
	"context"
	"image"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/samber/lo"

	"github.com/xnav-frc/xnav/config"
	"github.com/xnav-frc/xnav/logging"
)

// ErrUnavailable is returned by a backend constructor when detection cannot run on this host.
var ErrUnavailable = errors.New("apriltag detection unavailable")

// DetectOptions are per-call detection parameters.
type DetectOptions struct {
	Intrinsics Intrinsics
	// TagSize is the tag edge length in meters.
	TagSize float64
	// EstimatePose asks the backend for a camera-frame pose per tag.
	EstimatePose bool
}

// A Backend decodes tags in a grayscale image. Implementations need not be safe for concurrent use.
type Backend interface {
	Detect(ctx context.Context, img *image.Gray, opts DetectOptions) ([]RawDetection, error)
	Close() error
}

// A CreateBackend builds a backend from the apriltag config section.
type CreateBackend func(cfg config.AprilTag, logger logging.Logger) (Backend, error)

var (
	backendRegistryMu sync.Mutex
	backendRegistry   = map[string]CreateBackend{}
)

// RegisterBackend registers a backend constructor under a name. It panics on a duplicate name or a
// nil constructor.
func RegisterBackend(name string, creator CreateBackend) {
	backendRegistryMu.Lock()
	defer backendRegistryMu.Unlock()
	if _, old := backendRegistry[name]; old {
		panic(errors.Errorf("trying to register two apriltag backends with the same name: %s", name))
	}
	if creator == nil {
		panic(errors.Errorf("cannot register a nil constructor for apriltag backend: %s", name))
	}
	backendRegistry[name] = creator
}

// BackendLookup returns the constructor registered under name, or nil.
func BackendLookup(name string) CreateBackend {
	backendRegistryMu.Lock()
	defer backendRegistryMu.Unlock()
	return backendRegistry[name]
}

// RegisteredBackends lists backend names in sorted order.
func RegisteredBackends() []string {
	backendRegistryMu.Lock()
	defer backendRegistryMu.Unlock()
	names := lo.Keys(backendRegistry)
	sort.Strings(names)
	return names
}

// BackendNone is the backend name for hosts without a tag decoder.
const BackendNone = "none"

func init() {
	RegisterBackend(BackendNone, func(config.AprilTag, logging.Logger) (Backend, error) {
		return nil, ErrUnavailable
	})
}
