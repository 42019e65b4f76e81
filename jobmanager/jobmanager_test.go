package jobmanager

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/atomic"
	"go.viam.com/test"
	"go.viam.com/utils/testutils"

	"github.com/xnav-frc/xnav/logging"
)

func TestJobsRun(t *testing.T) {
	logger, logs := logging.NewObservedTestLogger(t)
	jm, err := New(logger)
	test.That(t, err, test.ShouldBeNil)

	var runs, failures atomic.Int64
	test.That(t, jm.Add(JobConfig{Name: "tick", Schedule: "10ms", Run: func(context.Context) error {
		runs.Inc()
		return nil
	}}), test.ShouldBeNil)
	test.That(t, jm.Add(JobConfig{Name: "broken", Schedule: "10ms", Run: func(context.Context) error {
		failures.Inc()
		return errors.New("no controller")
	}}), test.ShouldBeNil)
	test.That(t, jm.Jobs(), test.ShouldHaveLength, 2)

	jm.Start()
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, runs.Load(), test.ShouldBeGreaterThanOrEqualTo, 2)
		test.That(tb, failures.Load(), test.ShouldBeGreaterThanOrEqualTo, 1)
	})
	test.That(t, jm.Shutdown(), test.ShouldBeNil)
	test.That(t, logs.FilterMessage("job failed").Len(), test.ShouldBeGreaterThanOrEqualTo, 1)
}

func TestAddValidation(t *testing.T) {
	jm, err := New(logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	jm.Start()
	defer func() {
		test.That(t, jm.Shutdown(), test.ShouldBeNil)
	}()

	noop := func(context.Context) error { return nil }
	test.That(t, jm.Add(JobConfig{Schedule: "1s", Run: noop}), test.ShouldNotBeNil)
	test.That(t, jm.Add(JobConfig{Name: "x", Schedule: "-1s", Run: noop}), test.ShouldNotBeNil)
	test.That(t, jm.Add(JobConfig{Name: "x", Schedule: "not a schedule", Run: noop}), test.ShouldNotBeNil)
	test.That(t, jm.Add(JobConfig{Name: "nightly", Schedule: "0 3 * * *", Run: noop}), test.ShouldBeNil)

	// re-adding a name replaces the job
	test.That(t, jm.Add(JobConfig{Name: "nightly", Schedule: "1h", Run: noop}), test.ShouldBeNil)
	test.That(t, jm.Jobs(), test.ShouldResemble, []string{"nightly"})
}
