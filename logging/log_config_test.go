package logging

import (
	"testing"

	"go.viam.com/test"
)

func TestValidatePattern(t *testing.T) {
	t.Parallel()

	type testCfg struct {
		pattern string
		isValid bool
	}

	tests := []testCfg{
		{"potree.loader", true},
		{"potree.loader.*", true},
		{"potree.*.workerpool", true},
		{"potree.*.*", true},
		{"*.lru", true},
		{"*", true},

		{"potree..loader", false},
		{"potree.loader.", false},
		{".potree.loader", false},
		{"potree.loader.**", false},
		{"_.potree", false},
		{"potree.-", false},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.pattern, func(t *testing.T) {
			t.Parallel()
			test.That(t, validatePattern(tc.pattern), test.ShouldEqual, tc.isValid)
		})
	}
}

func TestUpdateLoggerLevels(t *testing.T) {
	scheduler := NewLogger("pattern-test.visibility")
	pool := NewLogger("pattern-test.visibility.workerpool")
	other := NewLogger("pattern-test-other")

	err := UpdateLoggerLevels([]LoggerPatternConfig{
		{Pattern: "pattern-test.*", Level: "debug"},
		{Pattern: "pattern-test.visibility.workerpool", Level: "error"},
	})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, scheduler.GetLevel(), test.ShouldEqual, DEBUG)
	test.That(t, pool.GetLevel(), test.ShouldEqual, ERROR)
	test.That(t, other.GetLevel(), test.ShouldEqual, INFO)

	t.Run("subloggers pick up patterns when created", func(t *testing.T) {
		sub := scheduler.Sublogger("lru")
		test.That(t, sub.Name(), test.ShouldEqual, "pattern-test.visibility.lru")
		test.That(t, sub.GetLevel(), test.ShouldEqual, DEBUG)
		registered, ok := globalRegistry.loggerNamed("pattern-test.visibility.lru")
		test.That(t, ok, test.ShouldBeTrue)
		test.That(t, registered, test.ShouldEqual, sub)
	})

	t.Run("invalid patterns are reported and skipped", func(t *testing.T) {
		err := UpdateLoggerLevels([]LoggerPatternConfig{
			{Pattern: "pattern-test..x", Level: "debug"},
			{Pattern: "pattern-test-other", Level: "loud"},
			{Pattern: "pattern-test-other", Level: "warn"},
		})
		test.That(t, err, test.ShouldNotBeNil)
		test.That(t, other.GetLevel(), test.ShouldEqual, WARN)
	})

	test.That(t, UpdateLoggerLevels(nil), test.ShouldBeNil)
}
