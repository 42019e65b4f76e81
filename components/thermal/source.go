package thermal

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/prometheus/procfs/sysfs"
	"github.com/samber/lo"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/spf13/cast"
	"go.uber.org/multierr"
)

// A Source reads the CPU temperature in °C.
type Source interface {
	TemperatureC(ctx context.Context) (float64, error)
}

// fallbackZones are read directly when the thermal class cannot be enumerated.
var fallbackZones = []string{"thermal_zone0", "thermal_zone1"}

// SysfsSource reads Linux thermal zones under a sysfs mount.
type SysfsSource struct {
	mountPoint string
	fs         sysfs.FS
}

// NewSysfsSource opens the sysfs mounted at mountPoint. An empty mountPoint means /sys.
func NewSysfsSource(mountPoint string) (*SysfsSource, error) {
	if mountPoint == "" {
		mountPoint = sysfs.DefaultMountPoint
	}
	fs, err := sysfs.NewFS(mountPoint)
	if err != nil {
		return nil, errors.Wrap(err, "opening sysfs")
	}
	return &SysfsSource{mountPoint: mountPoint, fs: fs}, nil
}

// TemperatureC returns the first thermal zone with a positive reading.
func (s *SysfsSource) TemperatureC(ctx context.Context) (float64, error) {
	zones, err := s.fs.ClassThermalZoneStats()
	if err == nil {
		if zone, ok := lo.Find(zones, func(z sysfs.ClassThermalZoneStats) bool { return z.Temp > 0 }); ok {
			return float64(zone.Temp) / 1000, nil
		}
	}
	for _, name := range fallbackZones {
		//nolint:gosec
		data, readErr := os.ReadFile(filepath.Join(s.mountPoint, "class", "thermal", name, "temp"))
		if readErr != nil {
			err = multierr.Combine(err, readErr)
			continue
		}
		milli, parseErr := cast.ToFloat64E(strings.TrimSpace(string(data)))
		if parseErr != nil {
			err = multierr.Combine(err, parseErr)
			continue
		}
		return milli / 1000, nil
	}
	if err == nil {
		err = errors.New("no thermal zone reported a temperature")
	}
	return 0, err
}

// HostSource reads hardware sensors through gopsutil. It works where sysfs thermal zones are not
// exposed.
type HostSource struct{}

// TemperatureC returns the CPU-like sensor reading, or any positive reading when none matches.
func (HostSource) TemperatureC(ctx context.Context) (float64, error) {
	temps, err := host.SensorsTemperaturesWithContext(ctx)
	if temp, ok := pickSensor(temps); ok {
		return temp, nil
	}
	if err == nil {
		err = errors.New("no temperature sensors found")
	}
	return 0, err
}

func pickSensor(temps []host.TemperatureStat) (float64, bool) {
	positive := lo.Filter(temps, func(t host.TemperatureStat, _ int) bool { return t.Temperature > 0 })
	cpuLike, ok := lo.Find(positive, func(t host.TemperatureStat) bool {
		key := strings.ToLower(t.SensorKey)
		return strings.Contains(key, "cpu") || strings.Contains(key, "soc") || strings.Contains(key, "thermal")
	})
	if ok {
		return cpuLike.Temperature, true
	}
	if len(positive) > 0 {
		return positive[0].Temperature, true
	}
	return 0, false
}

// ChainSource tries each source in order and returns the first positive reading.
type ChainSource []Source

// TemperatureC implements Source.
func (c ChainSource) TemperatureC(ctx context.Context) (float64, error) {
	var errs error
	for _, src := range c {
		temp, err := src.TemperatureC(ctx)
		if err == nil && temp > 0 {
			return temp, nil
		}
		errs = multierr.Combine(errs, err)
	}
	if errs == nil {
		errs = errors.New("no temperature source available")
	}
	return 0, errs
}

// DefaultSource is sysfs thermal zones with a gopsutil fallback.
func DefaultSource() Source {
	var chain ChainSource
	if s, err := NewSysfsSource(""); err == nil {
		chain = append(chain, s)
	}
	return append(chain, HostSource{})
}

// StaticSource replays fixed readings, repeating the last one. For tests and benches.
type StaticSource struct {
	mu       sync.Mutex
	readings []float64
	err      error
}

// NewStaticSource returns a source that yields readings in order.
func NewStaticSource(readings ...float64) *StaticSource {
	return &StaticSource{readings: readings}
}

// Set replaces the remaining readings.
func (s *StaticSource) Set(readings ...float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readings = readings
	s.err = nil
}

// Fail makes every subsequent read return err.
func (s *StaticSource) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// TemperatureC implements Source.
func (s *StaticSource) TemperatureC(context.Context) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return 0, s.err
	}
	if len(s.readings) == 0 {
		return 0, nil
	}
	temp := s.readings[0]
	if len(s.readings) > 1 {
		s.readings = s.readings[1:]
	}
	return temp, nil
}
