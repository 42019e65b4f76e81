package logging

import (
	"fmt"
	"os"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Appender is an output for log entries. Every zapcore.Core is an Appender.
type Appender = zapcore.Core

type impl struct {
	name  string
	level zap.AtomicLevel

	// appenders is shared with subloggers so an appender added to a parent reaches its children.
	appenders *appenderSet

	mu    sync.Mutex
	sugar *zap.SugaredLogger
	built int
}

type appenderSet struct {
	mu    sync.RWMutex
	cores []zapcore.Core
}

func (s *appenderSet) add(core zapcore.Core) {
	s.mu.Lock()
	s.cores = append(s.cores, core)
	s.mu.Unlock()
}

func (s *appenderSet) snapshot() []zapcore.Core {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]zapcore.Core, len(s.cores))
	copy(out, s.cores)
	return out
}

func newImpl(name string, level Level, appenders ...Appender) *impl {
	set := &appenderSet{}
	for _, a := range appenders {
		set.add(a)
	}
	return &impl{
		name:      name,
		level:     zap.NewAtomicLevelAt(level.AsZap()),
		appenders: set,
		built:     -1,
	}
}

// levelCore filters entries through a logger's own level before reaching a shared appender.
type levelCore struct {
	zapcore.Core
	level zap.AtomicLevel
}

func (c *levelCore) Enabled(lvl zapcore.Level) bool {
	return c.level.Enabled(lvl) && c.Core.Enabled(lvl)
}

func (c *levelCore) With(fields []zapcore.Field) zapcore.Core {
	return &levelCore{c.Core.With(fields), c.level}
}

func (c *levelCore) Check(entry zapcore.Entry, checked *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if !c.level.Enabled(entry.Level) {
		return checked
	}
	return c.Core.Check(entry, checked)
}

// AsZap builds (or reuses) the sugared logger over the current appender set.
func (imp *impl) AsZap() *zap.SugaredLogger {
	cores := imp.appenders.snapshot()

	imp.mu.Lock()
	defer imp.mu.Unlock()
	if imp.sugar != nil && imp.built == len(cores) {
		return imp.sugar
	}

	wrapped := make([]zapcore.Core, 0, len(cores))
	for _, core := range cores {
		wrapped = append(wrapped, &levelCore{core, imp.level})
	}
	base := zap.New(zapcore.NewTee(wrapped...), zap.AddCaller(), zap.AddCallerSkip(1))
	if imp.name != "" {
		base = base.Named(imp.name)
	}
	imp.sugar = base.Sugar()
	imp.built = len(cores)
	return imp.sugar
}

func (imp *impl) AddAppender(appender Appender) {
	imp.appenders.add(appender)
}

func (imp *impl) SetLevel(level Level) {
	imp.level.SetLevel(level.AsZap())
}

func (imp *impl) GetLevel() Level {
	return levelFromZap(imp.level.Level())
}

func (imp *impl) Sublogger(subname string) Logger {
	newName := subname
	if imp.name != "" {
		newName = fmt.Sprintf("%s.%s", imp.name, subname)
	}

	return &impl{
		name:      newName,
		level:     zap.NewAtomicLevelAt(imp.level.Level()),
		appenders: imp.appenders,
		built:     -1,
	}
}

func (imp *impl) Sync() error {
	var errs []error
	for _, appender := range imp.appenders.snapshot() {
		if err := appender.Sync(); err != nil {
			errs = append(errs, err)
		}
	}
	return multierr.Combine(errs...)
}

func (imp *impl) Debug(args ...interface{}) { imp.AsZap().Debug(args...) }

func (imp *impl) Debugf(template string, args ...interface{}) {
	imp.AsZap().Debugf(template, args...)
}

func (imp *impl) Debugw(msg string, keysAndValues ...interface{}) {
	imp.AsZap().Debugw(msg, keysAndValues...)
}

func (imp *impl) Info(args ...interface{}) { imp.AsZap().Info(args...) }

func (imp *impl) Infof(template string, args ...interface{}) {
	imp.AsZap().Infof(template, args...)
}

func (imp *impl) Infow(msg string, keysAndValues ...interface{}) {
	imp.AsZap().Infow(msg, keysAndValues...)
}

func (imp *impl) Warn(args ...interface{}) { imp.AsZap().Warn(args...) }

func (imp *impl) Warnf(template string, args ...interface{}) {
	imp.AsZap().Warnf(template, args...)
}

func (imp *impl) Warnw(msg string, keysAndValues ...interface{}) {
	imp.AsZap().Warnw(msg, keysAndValues...)
}

func (imp *impl) Error(args ...interface{}) { imp.AsZap().Error(args...) }

func (imp *impl) Errorf(template string, args ...interface{}) {
	imp.AsZap().Errorf(template, args...)
}

func (imp *impl) Errorw(msg string, keysAndValues ...interface{}) {
	imp.AsZap().Errorw(msg, keysAndValues...)
}

// NewStdoutAppender returns an appender writing colored console lines to stdout.
func NewStdoutAppender() Appender {
	return zapcore.NewCore(
		zapcore.NewConsoleEncoder(NewEncoderConfig()),
		zapcore.Lock(os.Stdout),
		zapcore.DebugLevel,
	)
}
