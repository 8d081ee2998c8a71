package whatsapp

import (
	"fmt"
	"strings"

	waLog "go.mau.fi/whatsmeow/util/log"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// zapLogger routes whatsmeow's logging into the global zap logger.
type zapLogger struct {
	log *zap.Logger
	min zapcore.Level
}

// NewZapLogger returns a waLog.Logger for module. level is whatsmeow's
// vocabulary (DEBUG, INFO, WARN, ERROR); tenant zero is omitted.
func NewZapLogger(module string, tenant int64, level string) waLog.Logger {
	l := zap.L().Named("whatsmeow").With(zap.String("module", module))
	if tenant > 0 {
		l = l.With(zap.Int64("tenant", tenant))
	}
	return &zapLogger{log: l, min: parseWaLevel(level)}
}

func parseWaLevel(level string) zapcore.Level {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		return zapcore.DebugLevel
	case "INFO":
		return zapcore.InfoLevel
	case "ERROR":
		return zapcore.ErrorLevel
	default:
		return zapcore.WarnLevel
	}
}

func (z *zapLogger) write(lvl zapcore.Level, msg string, args []interface{}) {
	if lvl < z.min {
		return
	}
	if ce := z.log.Check(lvl, fmt.Sprintf(msg, args...)); ce != nil {
		ce.Write()
	}
}

func (z *zapLogger) Errorf(msg string, args ...interface{}) { z.write(zapcore.ErrorLevel, msg, args) }
func (z *zapLogger) Warnf(msg string, args ...interface{})  { z.write(zapcore.WarnLevel, msg, args) }
func (z *zapLogger) Infof(msg string, args ...interface{})  { z.write(zapcore.InfoLevel, msg, args) }
func (z *zapLogger) Debugf(msg string, args ...interface{}) { z.write(zapcore.DebugLevel, msg, args) }

func (z *zapLogger) Sub(module string) waLog.Logger {
	return &zapLogger{log: z.log.Named(strings.ToLower(module)), min: z.min}
}
