package lights

import (
	"sync"
	"testing"

	"github.com/benbjohnson/clock"
	"go.viam.com/test"
	"go.viam.com/utils/testutils"

	"github.com/xnav-frc/xnav/config"
	"github.com/xnav-frc/xnav/logging"
)

type fakeDriver struct {
	mu     sync.Mutex
	duties []float64
	closed bool
}

func (d *fakeDriver) SetDuty(pct float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.duties = append(d.duties, pct)
	return nil
}

func (d *fakeDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

func (d *fakeDriver) last() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.duties) == 0 {
		return -1
	}
	return d.duties[len(d.duties)-1]
}

func newStore(t *testing.T) *config.Store {
	t.Helper()
	return config.NewStore("", config.DefaultDocument(), logging.NewTestLogger(t))
}

func TestManagerAppliesConfig(t *testing.T) {
	cfg := newStore(t)
	drv := &fakeDriver{}
	m := NewManager(cfg, drv, nil, logging.NewTestLogger(t))
	defer m.Close()

	test.That(t, drv.last(), test.ShouldEqual, 100.0)
	test.That(t, m.State(), test.ShouldResemble, State{Enabled: true, Brightness: 100, Mode: ModeOn, GPIOAvailable: true})

	test.That(t, m.SetBrightness(150), test.ShouldBeNil)
	test.That(t, m.State().Brightness, test.ShouldEqual, 100)
	test.That(t, m.SetBrightness(40), test.ShouldBeNil)
	test.That(t, drv.last(), test.ShouldEqual, 40.0)
	v, ok := cfg.Get(config.SectionLights, "brightness")
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, v, test.ShouldEqual, 40)

	test.That(t, m.SetEnabled(false), test.ShouldBeNil)
	test.That(t, drv.last(), test.ShouldEqual, 0.0)
	test.That(t, m.SetEnabled(true), test.ShouldBeNil)
	test.That(t, drv.last(), test.ShouldEqual, 40.0)

	test.That(t, m.SetMode("strobe"), test.ShouldNotBeNil)
	test.That(t, m.SetMode("OFF"), test.ShouldBeNil)
	test.That(t, drv.last(), test.ShouldEqual, 0.0)
	test.That(t, m.State().Mode, test.ShouldEqual, ModeOff)
}

func TestManagerFollowsConfigChanges(t *testing.T) {
	cfg := newStore(t)
	drv := &fakeDriver{}
	m := NewManager(cfg, drv, nil, logging.NewTestLogger(t))
	defer m.Close()
	unsubscribe := cfg.Subscribe(m)
	defer unsubscribe()

	test.That(t, cfg.UpdateSection(config.SectionLights, map[string]any{
		"enabled": true, "brightness": 10, "mode": "bogus",
	}), test.ShouldBeNil)
	test.That(t, drv.last(), test.ShouldEqual, 10.0)
	test.That(t, m.State().Mode, test.ShouldEqual, ModeOn)
}

func TestManagerWithoutGPIO(t *testing.T) {
	logger, logs := logging.NewObservedTestLogger(t)
	m := NewManager(newStore(t), nil, nil, logger)
	test.That(t, logs.FilterMessageSnippet("light control disabled").Len(), test.ShouldEqual, 1)
	test.That(t, m.SetBrightness(20), test.ShouldBeNil)
	test.That(t, m.SetMode(ModeBlink), test.ShouldBeNil)
	st := m.State()
	test.That(t, st.GPIOAvailable, test.ShouldBeFalse)
	test.That(t, st.Brightness, test.ShouldEqual, 20)
	test.That(t, m.Close(), test.ShouldBeNil)
}

func TestManagerBlink(t *testing.T) {
	cfg := newStore(t)
	drv := &fakeDriver{}
	mock := clock.NewMock()
	m := NewManager(cfg, drv, mock, logging.NewTestLogger(t))

	test.That(t, m.SetMode(ModeBlink), test.ShouldBeNil)
	test.That(t, drv.last(), test.ShouldEqual, 100.0)

	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		mock.Add(blinkPeriod)
		test.That(tb, drv.last(), test.ShouldEqual, 0.0)
	})

	test.That(t, m.SetMode(ModeOn), test.ShouldBeNil)
	test.That(t, drv.last(), test.ShouldEqual, 100.0)

	test.That(t, m.Close(), test.ShouldBeNil)
	test.That(t, drv.closed, test.ShouldBeTrue)
}
