package capture_test

import (
	"testing"

	"github.com/edaniels/golog"
	"go.viam.com/test"

	capture "github.com/viamrobotics/gocapture"
)

func TestResultCacheMatch(t *testing.T) {
	logger := golog.NewTestLogger(t)
	cache := capture.NewResultCache(8, logger)

	released := map[int64]int{}
	for _, ts := range []int64{10, 20, 30} {
		ts := ts
		cache.Put(capture.NewCaptureResultRecord(ts, func() { released[ts]++ }))
	}
	test.That(t, cache.Len(), test.ShouldEqual, 3)

	rec := cache.Match(20)
	test.That(t, rec, test.ShouldNotBeNil)
	test.That(t, rec.Timestamp, test.ShouldEqual, 20)
	rec.Release()

	rec = cache.Match(10)
	test.That(t, rec, test.ShouldNotBeNil)
	test.That(t, rec.Timestamp, test.ShouldEqual, 10)
	rec.Release()

	// No record for this timestamp was ever delivered.
	test.That(t, cache.Match(40), test.ShouldBeNil)
	test.That(t, cache.Len(), test.ShouldEqual, 1)

	cache.Clear()
	test.That(t, cache.Len(), test.ShouldEqual, 0)
	test.That(t, cache.Match(30), test.ShouldBeNil)
	test.That(t, released, test.ShouldResemble, map[int64]int{10: 1, 20: 1, 30: 1})
}

func TestResultCacheEviction(t *testing.T) {
	logger := golog.NewTestLogger(t)
	cache := capture.NewResultCache(2, logger)

	released := map[int64]int{}
	for _, ts := range []int64{1, 2, 3} {
		ts := ts
		cache.Put(capture.NewCaptureResultRecord(ts, func() { released[ts]++ }))
	}

	// The oldest record made room for the third.
	test.That(t, cache.Len(), test.ShouldEqual, 2)
	test.That(t, cache.Evicted(), test.ShouldEqual, 1)
	test.That(t, released, test.ShouldResemble, map[int64]int{1: 1})
	test.That(t, cache.Match(1), test.ShouldBeNil)
	test.That(t, cache.Match(2), test.ShouldNotBeNil)
	test.That(t, cache.Match(3), test.ShouldNotBeNil)
}

func TestResultCacheReplace(t *testing.T) {
	logger := golog.NewTestLogger(t)
	cache := capture.NewResultCache(8, logger)

	var firstReleased int
	cache.Put(capture.NewCaptureResultRecord(5, func() { firstReleased++ }))
	second := capture.NewCaptureResultRecord(5, nil)
	cache.Put(second)

	test.That(t, cache.Len(), test.ShouldEqual, 1)
	test.That(t, firstReleased, test.ShouldEqual, 1)
	test.That(t, cache.Match(5), test.ShouldEqual, second)
}

func TestResultCacheNilPut(t *testing.T) {
	logger := golog.NewTestLogger(t)
	cache := capture.NewResultCache(8, logger)
	cache.Put(nil)
	test.That(t, cache.Len(), test.ShouldEqual, 0)
}
