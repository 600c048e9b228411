package debuglog

import (
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	coreOnce sync.Once
	encoder  zapcore.Encoder
	sink     zapcore.WriteSyncer

	stdOnce sync.Once
	std     *Logger

	rlMu    sync.Mutex
	rlLast  = make(map[string]time.Time)
	rlSweep = time.Now()
)

func enabled() bool {
	return os.Getenv("OLLEHD_DEBUG") == "1"
}

func setup() {
	coreOnce.Do(func() {
		if os.Getenv("OLLEHD_LOG_JSON") == "1" {
			cfg := zap.NewProductionEncoderConfig()
			cfg.EncodeTime = zapcore.ISO8601TimeEncoder
			encoder = zapcore.NewJSONEncoder(cfg)
		} else {
			cfg := zap.NewDevelopmentEncoderConfig()
			cfg.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")
			encoder = zapcore.NewConsoleEncoder(cfg)
		}
		sink = zapcore.Lock(os.Stderr)
	})
}

// Logger is a named zap logger with its own level, so one receiver or client
// driver can be switched to debug without affecting the rest of the process.
type Logger struct {
	level zap.AtomicLevel
	z     *zap.Logger
	s     *zap.SugaredLogger
}

func New(name string) *Logger {
	setup()
	lvl := zap.NewAtomicLevelAt(zap.InfoLevel)
	if enabled() {
		lvl.SetLevel(zap.DebugLevel)
	}
	z := zap.New(zapcore.NewCore(encoder, sink, lvl)).Named(name)
	return &Logger{level: lvl, z: z, s: z.Sugar()}
}

// Nop discards everything.
func Nop() *Logger {
	z := zap.NewNop()
	return &Logger{level: zap.NewAtomicLevelAt(zap.FatalLevel), z: z, s: z.Sugar()}
}

func (l *Logger) SetDebug(on bool) {
	if l == nil {
		return
	}
	if on {
		l.level.SetLevel(zap.DebugLevel)
		return
	}
	l.level.SetLevel(zap.InfoLevel)
}

func (l *Logger) DebugEnabled() bool {
	return l != nil && l.level.Enabled(zap.DebugLevel)
}

func (l *Logger) Named(name string) *Logger {
	if l == nil {
		return nil
	}
	z := l.z.Named(name)
	return &Logger{level: l.level, z: z, s: z.Sugar()}
}

func (l *Logger) With(fields ...zap.Field) *Logger {
	if l == nil {
		return nil
	}
	z := l.z.With(fields...)
	return &Logger{level: l.level, z: z, s: z.Sugar()}
}

func (l *Logger) Zap() *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l.z
}

func (l *Logger) Debugf(format string, args ...any) {
	if l == nil {
		return
	}
	l.s.Debugf(format, args...)
}

func (l *Logger) Infof(format string, args ...any) {
	if l == nil {
		return
	}
	l.s.Infof(format, args...)
}

func (l *Logger) Warnf(format string, args ...any) {
	if l == nil {
		return
	}
	l.s.Warnf(format, args...)
}

func (l *Logger) Errorf(format string, args ...any) {
	if l == nil {
		return
	}
	l.s.Errorf(format, args...)
}

// RateLimitedf emits a debug line at most once per interval for key.
func (l *Logger) RateLimitedf(key string, interval time.Duration, format string, args ...any) {
	if !l.DebugEnabled() || key == "" {
		return
	}
	if !allow(key, interval) {
		return
	}
	l.s.Debugf(format, args...)
}

func (l *Logger) Sync() error {
	if l == nil {
		return nil
	}
	return l.z.Sync()
}

func allow(key string, interval time.Duration) bool {
	now := time.Now()
	rlMu.Lock()
	defer rlMu.Unlock()
	last := rlLast[key]
	if now.Sub(last) < interval {
		return false
	}
	rlLast[key] = now
	if now.Sub(rlSweep) > 2*interval {
		for k, ts := range rlLast {
			if now.Sub(ts) > 4*interval {
				delete(rlLast, k)
			}
		}
		rlSweep = now
	}
	return true
}

// Default is the process logger, shared by the binaries.
func Default() *Logger {
	stdOnce.Do(func() {
		std = New("ollehd")
	})
	return std
}
