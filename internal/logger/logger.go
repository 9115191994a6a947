/**
 * @description
 * Structured logger for the Bankai CLOB.
 * Ensures info messages go to stdout (not stderr) so Railway doesn't label them as errors.
 *
 * @dependencies
 * - go.uber.org/zap: leveled, structured logging backend
 *
 * @notes
 * - The printf helpers (Info/Error/Fatal) are the everyday API.
 * - With() returns a component logger carrying structured fields.
 */

package logger

import (
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var base *zap.Logger

func init() {
	base = zap.New(newCore(zapcore.Lock(os.Stdout), zapcore.Lock(os.Stderr)))
}

func encoderConfig() zapcore.EncoderConfig {
	cfg := zap.NewProductionEncoderConfig()
	cfg.TimeKey = "ts"
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg
}

// Info and below go to out, errors go to errOut
func newCore(out, errOut zapcore.WriteSyncer) zapcore.Core {
	enc := zapcore.NewJSONEncoder(encoderConfig())
	low := zap.LevelEnablerFunc(func(l zapcore.Level) bool { return l < zapcore.ErrorLevel })
	high := zap.LevelEnablerFunc(func(l zapcore.Level) bool { return l >= zapcore.ErrorLevel })
	return zapcore.NewTee(
		zapcore.NewCore(enc, out, low),
		zapcore.NewCore(enc, errOut, high),
	)
}

// Info logs an info message to stdout
func Info(format string, v ...interface{}) {
	base.Sugar().Infof(format, v...)
}

// Error logs an error message to stderr
func Error(format string, v ...interface{}) {
	base.Sugar().Errorf(format, v...)
}

// Fatal logs an error and exits
func Fatal(format string, v ...interface{}) {
	base.Sugar().Fatalf(format, v...)
}

// With returns a logger that adds the given key/value pairs to every entry.
func With(keysAndValues ...interface{}) *zap.SugaredLogger {
	return base.Sugar().With(keysAndValues...)
}

// New creates a new logger that writes every level to the specified writer
func New(w io.Writer) *zap.SugaredLogger {
	ws := zapcore.AddSync(w)
	return zap.New(newCore(ws, ws)).Sugar()
}

// Sync flushes buffered entries; call before exit.
func Sync() {
	_ = base.Sync()
}
