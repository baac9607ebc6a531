// Package clog is the controller's logging facade. It preserves the
// call-site shape of the teacher's hand-rolled nlog package
// (Infof/Warningf/Errorf/Fatalf at package scope, no logger threading
// required at call sites) but is backed by go.uber.org/zap's sugared
// logger instead of a bespoke buffering/rotation engine, per
// SPEC_FULL.md's ambient-stack decision to prefer a real ecosystem
// logging library over reimplementing one.
package clog

import (
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	once   sync.Once
	sugar  *zap.SugaredLogger
	host   int
	runID  string
)

// Init wires the process-wide logger. logPath == "" logs to stderr only.
func Init(logPath string, hostID int, experimentID string) error {
	var initErr error
	once.Do(func() {
		host, runID = hostID, experimentID
		encCfg := zap.NewProductionEncoderConfig()
		encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		encCfg.TimeKey = "ts"

		cores := []zapcore.Core{
			zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.Lock(os.Stderr), zapcore.InfoLevel),
		}
		if logPath != "" {
			f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				initErr = err
				return
			}
			cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.Lock(f), zapcore.DebugLevel))
		}
		logger := zap.New(zapcore.NewTee(cores...)).With(
			zap.Int("host", host),
			zap.String("run", runID),
		)
		sugar = logger.Sugar()
	})
	return initErr
}

func ensure() *zap.SugaredLogger {
	if sugar == nil {
		l, _ := zap.NewDevelopment()
		sugar = l.Sugar()
	}
	return sugar
}

func Infof(format string, args ...any)    { ensure().Infof(format, args...) }
func Infoln(args ...any)                  { ensure().Infoln(args...) }
func Warningf(format string, args ...any) { ensure().Warnf(format, args...) }
func Warningln(args ...any)               { ensure().Warnln(args...) }
func Errorf(format string, args ...any)   { ensure().Errorf(format, args...) }
func Errorln(args ...any)                 { ensure().Errorln(args...) }
func Fatalf(format string, args ...any)   { ensure().Fatalf(format, args...) }

// Stage emits the one-line-per-transition stage log spec.md §7
// requires: wall-clock seconds at 6 decimal places alongside the
// transition itself.
func Stage(from, to string, iteration, partIdx int, elapsed time.Duration) {
	ensure().Infow("stage transition",
		"from", from,
		"to", to,
		"iteration", iteration,
		"partition", partIdx,
		"elapsed_sec", formatSeconds6dp(elapsed),
	)
}

func formatSeconds6dp(d time.Duration) string {
	secs := float64(d) / float64(time.Second)
	return fmt.Sprintf("%.6f", secs)
}
