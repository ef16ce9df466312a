package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/natefinch/lumberjack"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	log  *zap.Logger
	once sync.Once
)

// Init initializes the global logger with console output only
func Init(debug bool) {
	once.Do(func() {
		initLogger(debug, "")
	})
}

// InitWithFile initializes the global logger with both console and file output
func InitWithFile(debug bool, logFile string) {
	once.Do(func() {
		initLogger(debug, logFile)
	})
}

// initLogger creates the logger with optional file output
func initLogger(debug bool, logFile string) {
	level := levelFor(debug)

	var encoderConfig zapcore.EncoderConfig
	if debug {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
	}

	// Console core (always present)
	consoleCore := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encoderConfig),
		zapcore.AddSync(os.Stdout),
		level,
	)

	cores := []zapcore.Core{consoleCore}

	if logFile != "" {
		cores = append(cores, rotatingCore(logFile, level))
	}

	log = zap.New(zapcore.NewTee(cores...), zap.AddStacktrace(zapcore.ErrorLevel))
}

func levelFor(debug bool) zapcore.Level {
	if debug {
		return zapcore.DebugLevel
	}
	return zapcore.InfoLevel
}

func rotatingCore(path string, level zapcore.Level) zapcore.Core {
	return zapcore.NewCore(
		zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
		zapcore.AddSync(&lumberjack.Logger{
			Filename:   path,
			MaxSize:    50, // MB
			MaxBackups: 5,
			MaxAge:     30, // days
		}),
		level,
	)
}

// FileLogger is a dedicated JSON logger for one processed input file
type FileLogger struct {
	*zap.Logger
	sink *lumberjack.Logger
}

// ForFile opens a JSON logger writing to path. Entries also go to the global
// logger at warn level and above so failures stay visible on the console.
func ForFile(path string, debug bool) (*FileLogger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	sink := &lumberjack.Logger{Filename: path, MaxSize: 50}
	fileCore := zapcore.NewCore(
		zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
		zapcore.AddSync(sink),
		levelFor(debug),
	)
	consoleCore := zapcore.NewCore(
		zapcore.NewConsoleEncoder(zap.NewProductionEncoderConfig()),
		zapcore.AddSync(os.Stdout),
		zapcore.WarnLevel,
	)

	return &FileLogger{
		Logger: zap.New(zapcore.NewTee(fileCore, consoleCore)).With(zap.String("log", filepath.Base(path))),
		sink:   sink,
	}, nil
}

// Close flushes and closes the underlying file
func (f *FileLogger) Close() error {
	_ = f.Logger.Sync()
	return f.sink.Close()
}

// Get returns the global logger
func Get() *zap.Logger {
	if log == nil {
		Init(false)
	}
	return log
}

// Sync flushes any buffered log entries
func Sync() {
	if log != nil {
		log.Sync()
	}
}
