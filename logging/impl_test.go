package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap/zapcore"
	"go.viam.com/test"
)

func TestObservedLoggerCapturesFields(t *testing.T) {
	logger, logs := NewObservedTestLogger(t)
	logger.Infow("frame processed", "tags", 2, "latency_ms", 4.5)

	test.That(t, logs.Len(), test.ShouldEqual, 1)
	entry := logs.All()[0]
	test.That(t, entry.Message, test.ShouldEqual, "frame processed")
	test.That(t, entry.Level, test.ShouldEqual, zapcore.InfoLevel)
	test.That(t, entry.ContextMap()["tags"], test.ShouldEqual, int64(2))
}

func TestSubloggerNaming(t *testing.T) {
	logger, logs := NewObservedTestLogger(t)
	sub := logger.Sublogger("thermal")
	subsub := sub.Sublogger("sysfs")

	sub.Info("a")
	subsub.Info("b")

	test.That(t, logs.Len(), test.ShouldEqual, 2)
	test.That(t, logs.All()[0].LoggerName, test.ShouldEqual, "thermal")
	test.That(t, logs.All()[1].LoggerName, test.ShouldEqual, "thermal.sysfs")
}

func TestLevelFiltering(t *testing.T) {
	logger, logs := NewObservedTestLogger(t)
	logger.SetLevel(WARN)
	test.That(t, logger.GetLevel(), test.ShouldEqual, WARN)

	logger.Debug("dropped")
	logger.Info("dropped")
	logger.Warn("kept")
	logger.Errorf("kept %d", 2)

	test.That(t, logs.Len(), test.ShouldEqual, 2)

	// A sublogger starts at the parent's level but is adjusted independently.
	sub := logger.Sublogger("child")
	sub.SetLevel(DEBUG)
	sub.Debug("child debug")
	logger.Debug("still dropped")
	test.That(t, logs.Len(), test.ShouldEqual, 3)
}

func TestAppenderAddedAfterSublogger(t *testing.T) {
	parent := NewBlankLogger("root")
	child := parent.Sublogger("child")

	dir := t.TempDir()
	path := filepath.Join(dir, "xnav.log")
	appender, closer := NewFileAppender(FileAppenderConfig{Path: path})
	defer closer()

	parent.AddAppender(appender)
	child.Infow("hello from child", "k", "v")
	test.That(t, child.Sync(), test.ShouldBeNil)

	data, err := os.ReadFile(path)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, strings.Contains(string(data), "hello from child"), test.ShouldBeTrue)
	test.That(t, strings.Contains(string(data), "root.child"), test.ShouldBeTrue)
}

func TestLevelFromString(t *testing.T) {
	for input, want := range map[string]Level{
		"debug":   DEBUG,
		"INFO":    INFO,
		"Warn":    WARN,
		"warning": WARN,
		"error":   ERROR,
	} {
		got, err := LevelFromString(input)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, got, test.ShouldEqual, want)
	}

	_, err := LevelFromString("verbose")
	test.That(t, err, test.ShouldNotBeNil)
}
