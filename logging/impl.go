package logging

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// impl fans every enabled log line out to its appenders.
type impl struct {
	name  string
	level AtomicLevel
	inUTC bool

	appenders []Appender
}

// callerSkip is the number of frames between caller() and the code that called the logger:
// caller, emit, print/printf/printw, the public method.
const callerSkip = 4

func (imp *impl) AddAppender(appender Appender) {
	imp.appenders = append(imp.appenders, appender)
}

func (imp *impl) SetLevel(level Level) {
	imp.level.Set(level)
}

func (imp *impl) GetLevel() Level {
	return imp.level.Get()
}

func (imp *impl) Sublogger(subname string) Logger {
	name := subname
	if imp.name != "" {
		name = imp.name + "." + subname
	}
	return &impl{
		name:      name,
		level:     NewAtomicLevelAt(imp.level.Get()),
		inUTC:     imp.inUTC,
		appenders: imp.appenders,
	}
}

func (imp *impl) Sync() error {
	var errs error
	for _, appender := range imp.appenders {
		errs = multierr.Append(errs, appender.Sync())
	}
	return errs
}

// enabled reports whether a line at level should be written. A context in debug mode enables
// debug lines regardless of the logger level.
func (imp *impl) enabled(ctx context.Context, level Level) bool {
	if GlobalLogLevel.Level() == zapcore.DebugLevel {
		return true
	}
	if level == DEBUG && ctx != nil && IsDebugMode(ctx) {
		return true
	}
	return level >= imp.level.Get()
}

func (imp *impl) emit(level Level, msg string, fields []zapcore.Field) {
	entry := zapcore.Entry{
		Level:      level.AsZap(),
		Time:       time.Now(),
		LoggerName: imp.name,
		Message:    msg,
		Caller:     caller(),
	}
	if imp.inUTC {
		entry.Time = entry.Time.UTC()
	}
	for _, appender := range imp.appenders {
		if err := appender.Write(entry, fields); err != nil {
			fmt.Fprintln(os.Stderr, err)
		}
	}
}

func (imp *impl) print(ctx context.Context, level Level, args ...interface{}) {
	if imp.enabled(ctx, level) {
		imp.emit(level, fmt.Sprint(args...), nil)
	}
}

func (imp *impl) printf(ctx context.Context, level Level, template string, args ...interface{}) {
	if imp.enabled(ctx, level) {
		imp.emit(level, fmt.Sprintf(template, args...), nil)
	}
}

func (imp *impl) printw(ctx context.Context, level Level, msg string, keysAndValues ...interface{}) {
	if imp.enabled(ctx, level) {
		imp.emit(level, msg, fields(keysAndValues))
	}
}

// fields pairs up keys and values. Values are json serialized, so only exported struct fields
// show up. A trailing key without a value is logged with a marker in its place.
func fields(keysAndValues []interface{}) []zapcore.Field {
	out := make([]zapcore.Field, 0, (len(keysAndValues)+1)/2)
	for i := 0; i < len(keysAndValues); i += 2 {
		key := fmt.Sprint(keysAndValues[i])
		if i+1 == len(keysAndValues) {
			out = append(out, zap.String(key, "unpaired log key"))
			break
		}
		out = append(out, zap.Any(key, keysAndValues[i+1]))
	}
	return out
}

func (imp *impl) Debug(args ...interface{}) {
	imp.print(nil, DEBUG, args...) //nolint:staticcheck
}

func (imp *impl) Debugf(template string, args ...interface{}) {
	imp.printf(nil, DEBUG, template, args...) //nolint:staticcheck
}

func (imp *impl) Debugw(msg string, keysAndValues ...interface{}) {
	imp.printw(nil, DEBUG, msg, keysAndValues...) //nolint:staticcheck
}

func (imp *impl) CDebugf(ctx context.Context, template string, args ...interface{}) {
	imp.printf(ctx, DEBUG, template, args...)
}

func (imp *impl) CDebugw(ctx context.Context, msg string, keysAndValues ...interface{}) {
	imp.printw(ctx, DEBUG, msg, keysAndValues...)
}

func (imp *impl) Info(args ...interface{}) {
	imp.print(nil, INFO, args...) //nolint:staticcheck
}

func (imp *impl) Infof(template string, args ...interface{}) {
	imp.printf(nil, INFO, template, args...) //nolint:staticcheck
}

func (imp *impl) Infow(msg string, keysAndValues ...interface{}) {
	imp.printw(nil, INFO, msg, keysAndValues...) //nolint:staticcheck
}

func (imp *impl) Warn(args ...interface{}) {
	imp.print(nil, WARN, args...) //nolint:staticcheck
}

func (imp *impl) Warnf(template string, args ...interface{}) {
	imp.printf(nil, WARN, template, args...) //nolint:staticcheck
}

func (imp *impl) Warnw(msg string, keysAndValues ...interface{}) {
	imp.printw(nil, WARN, msg, keysAndValues...) //nolint:staticcheck
}

func (imp *impl) Error(args ...interface{}) {
	imp.print(nil, ERROR, args...) //nolint:staticcheck
}

func (imp *impl) Errorf(template string, args ...interface{}) {
	imp.printf(nil, ERROR, template, args...) //nolint:staticcheck
}

func (imp *impl) Errorw(msg string, keysAndValues ...interface{}) {
	imp.printw(nil, ERROR, msg, keysAndValues...) //nolint:staticcheck
}

// caller returns the file and line of the code that called the logger, e.g.
// "slam/localba/localba.go:131".
func caller() zapcore.EntryCaller {
	var ec zapcore.EntryCaller
	var ok bool
	ec.PC, ec.File, ec.Line, ok = runtime.Caller(callerSkip)
	if !ok {
		return ec
	}
	ec.Defined = true
	if fn := runtime.FuncForPC(ec.PC); fn != nil {
		ec.Function = fn.Name()
	}
	return ec
}
