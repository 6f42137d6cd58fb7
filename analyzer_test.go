package capture_test

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/edaniels/golog"
	"go.viam.com/test"
	"go.viam.com/utils/testutils"

	capture "github.com/viamrobotics/gocapture"
	"github.com/viamrobotics/gocapture/fake"
)

func TestAnalyzerDropsUnderLoad(t *testing.T) {
	logger := golog.NewTestLogger(t)
	exec := capture.NewSerialExecutor("inference", logger)
	defer exec.Close()

	gate := make(chan struct{})
	started := make(chan struct{})
	var startedOnce atomic.Bool
	analyzer := capture.NewAnalyzer(exec, func(fb *capture.FrameBuffer) {
		if startedOnce.CompareAndSwap(false, true) {
			close(started)
		}
		<-gate
	}, logger)
	defer analyzer.Close()

	var live, released atomic.Int64
	newFrame := func(pts int64) *capture.FrameBuffer {
		live.Add(1)
		return fake.NewFrame(2, 2, pts, func() {
			live.Add(-1)
			released.Add(1)
		})
	}

	analyzer.OnFrame(newFrame(1))
	<-started

	// A burst while processing is busy: each new frame overwrites the single
	// cached slot, releasing its predecessor.
	for pts := int64(2); pts <= 10; pts++ {
		analyzer.OnFrame(newFrame(pts))
	}
	test.That(t, live.Load(), test.ShouldEqual, 2)
	test.That(t, released.Load(), test.ShouldEqual, 8)
	test.That(t, analyzer.Dropped(), test.ShouldEqual, 8)

	close(gate)
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, analyzer.Processed(), test.ShouldEqual, 2)
		test.That(tb, released.Load(), test.ShouldEqual, 10)
		test.That(tb, live.Load(), test.ShouldEqual, 0)
	})
	test.That(t, analyzer.Dropped(), test.ShouldEqual, 8)
}

func TestAnalyzerOrderedSingleFlight(t *testing.T) {
	logger := golog.NewTestLogger(t)
	exec := capture.NewSerialExecutor("inference", logger)
	defer exec.Close()

	var got []int64
	analyzer := capture.NewAnalyzer(exec, func(fb *capture.FrameBuffer) {
		got = append(got, fb.PTS)
	}, logger)
	defer analyzer.Close()

	for pts := int64(1); pts <= 5; pts++ {
		analyzer.OnFrame(fake.NewFrame(2, 2, pts, nil))
		testutils.WaitForAssertion(t, func(tb testing.TB) {
			tb.Helper()
			test.That(tb, analyzer.Processed(), test.ShouldEqual, pts)
		})
	}
	test.That(t, got, test.ShouldResemble, []int64{1, 2, 3, 4, 5})
	test.That(t, analyzer.Dropped(), test.ShouldEqual, 0)
}

func TestAnalyzerClose(t *testing.T) {
	logger := golog.NewTestLogger(t)
	exec := capture.NewSerialExecutor("inference", logger)
	defer exec.Close()

	gate := make(chan struct{})
	started := make(chan struct{})
	var startedOnce atomic.Bool
	analyzer := capture.NewAnalyzer(exec, func(fb *capture.FrameBuffer) {
		if startedOnce.CompareAndSwap(false, true) {
			close(started)
		}
		<-gate
	}, logger)

	var released atomic.Int64
	newFrame := func(pts int64) *capture.FrameBuffer {
		return fake.NewFrame(2, 2, pts, func() { released.Add(1) })
	}

	analyzer.OnFrame(newFrame(1))
	<-started
	analyzer.OnFrame(newFrame(2))

	// Close releases the cached frame immediately and rejects new ones.
	analyzer.Close()
	test.That(t, released.Load(), test.ShouldEqual, 1)
	analyzer.OnFrame(newFrame(3))
	test.That(t, released.Load(), test.ShouldEqual, 2)

	// The in-flight frame still finishes and is released exactly once.
	close(gate)
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, released.Load(), test.ShouldEqual, 3)
		test.That(tb, analyzer.Processed(), test.ShouldEqual, 1)
	})

	analyzer.Close()
	time.Sleep(10 * time.Millisecond)
	test.That(t, released.Load(), test.ShouldEqual, 3)
}
