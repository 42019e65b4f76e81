package utils

import (
	"context"
	"math"
	"testing"

	"go.uber.org/atomic"
	"go.viam.com/test"
)

func TestStoppableWorkers(t *testing.T) {
	var ran atomic.Int32
	workers := NewStoppableWorkers(func(ctx context.Context) {
		ran.Inc()
		<-ctx.Done()
	})
	workers.AddWorkers(func(ctx context.Context) {
		ran.Inc()
		<-ctx.Done()
	})

	workers.Stop()
	test.That(t, ran.Load(), test.ShouldEqual, int32(2))

	// Workers added after Stop never start.
	workers.AddWorkers(func(ctx context.Context) { ran.Inc() })
	test.That(t, ran.Load(), test.ShouldEqual, int32(2))
	workers.Stop()
}

func TestStoppableWorkersAddDuringStop(t *testing.T) {
	var late atomic.Int32
	var workers StoppableWorkers
	started := make(chan struct{})
	workers = NewStoppableWorkers(func(ctx context.Context) {
		<-started
		<-ctx.Done()
		workers.AddWorkers(func(context.Context) { late.Inc() })
	})
	close(started)
	workers.Stop()
	test.That(t, late.Load(), test.ShouldEqual, int32(0))
}

func TestStoppableWorkersParentContext(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	workers := NewStoppableWorkersWithContext(parent, func(ctx context.Context) {
		<-ctx.Done()
		close(done)
	})
	cancel()
	<-done
	workers.Stop()
}

func TestAngles(t *testing.T) {
	test.That(t, DegToRad(180), test.ShouldAlmostEqual, math.Pi)
	test.That(t, RadToDeg(math.Pi/2), test.ShouldAlmostEqual, 90.0)
	test.That(t, Float64AlmostEqual(1.0, 1.0005, 1e-3), test.ShouldBeTrue)
	test.That(t, Float64AlmostEqual(1.0, 1.01, 1e-3), test.ShouldBeFalse)
}

func TestMinPositive(t *testing.T) {
	test.That(t, MinPositive(0, 0), test.ShouldEqual, 0.0)
	test.That(t, MinPositive(10, 0), test.ShouldEqual, 10.0)
	test.That(t, MinPositive(0, 5), test.ShouldEqual, 5.0)
	test.That(t, MinPositive(10, 5), test.ShouldEqual, 5.0)
	test.That(t, MinPositive(-1, 15), test.ShouldEqual, 15.0)
}

func TestAssertType(t *testing.T) {
	v, err := AssertType[float64](2.5)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, v, test.ShouldEqual, 2.5)

	_, err = AssertType[string](2.5)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "expected string but got float64")
}
