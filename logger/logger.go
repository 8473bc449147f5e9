package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

var (
	// Log is the global logger instance.
	Log *logrus.Logger
	// logFile holds the current log file handle, if any.
	logFile *os.File
)

// compactFormatter renders "MM-DD HH:MM:SS [LEVE] pkg/file.go:line message".
type compactFormatter struct {
	logrus.TextFormatter
}

func (f *compactFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	level := strings.ToUpper(entry.Level.String())[0:4]
	timestamp := entry.Time.Format("01-02 15:04:05")

	caller := ""
	for i := 3; i < 10; i++ {
		_, file, line, ok := runtime.Caller(i)
		if !ok {
			break
		}
		if !strings.Contains(file, "logrus") && !strings.HasSuffix(file, "logger/logger.go") {
			dir := filepath.Dir(file)
			pkg := filepath.Base(dir)
			caller = fmt.Sprintf("%s/%s:%d", pkg, filepath.Base(file), line)
			break
		}
	}

	msg := fmt.Sprintf("%s [%s] %s %s\n", timestamp, level, caller, entry.Message)
	return []byte(msg), nil
}

func init() {
	Log = logrus.New()
	Log.SetLevel(logrus.InfoLevel)
	Log.SetFormatter(&compactFormatter{})
	Log.SetOutput(os.Stdout)
}

// Init (re)initializes the global logger. Safe to call more than once.
func Init(cfg *Config) error {
	Log = logrus.New()

	if cfg == nil {
		cfg = &Config{Level: "info"}
	}
	cfg.SetDefaults()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	Log.SetLevel(level)
	Log.SetFormatter(&compactFormatter{})

	logDir := "data"
	if err := os.MkdirAll(logDir, 0755); err == nil {
		logFileName := filepath.Join(logDir, fmt.Sprintf("agent_%s.log", time.Now().Format("2006-01-02")))
		f, err := os.OpenFile(logFileName, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err == nil {
			logFile = f
			Log.SetOutput(io.MultiWriter(os.Stdout, f))
		} else {
			Log.SetOutput(os.Stdout)
		}
	} else {
		Log.SetOutput(os.Stdout)
	}

	Log.SetReportCaller(true)
	return nil
}

// InitWithSimpleConfig initializes the logger with just a level string.
func InitWithSimpleConfig(level string) error {
	return Init(&Config{Level: level})
}

// Shutdown closes the log file, if one is open.
func Shutdown() {
	if logFile != nil {
		logFile.Close()
		logFile = nil
	}
}

func WithFields(fields logrus.Fields) *logrus.Entry { return Log.WithFields(fields) }
func WithField(key string, value interface{}) *logrus.Entry { return Log.WithField(key, value) }

func Debug(args ...interface{}) { Log.Debug(args...) }
func Info(args ...interface{})  { Log.Info(args...) }
func Warn(args ...interface{})  { Log.Warn(args...) }

func Debugf(format string, args ...interface{}) { Log.Debugf(format, args...) }
func Infof(format string, args ...interface{})  { Log.Infof(format, args...) }
func Warnf(format string, args ...interface{})  { Log.Warnf(format, args...) }

func Error(args ...interface{})                 { Log.Error(args...) }
func Errorf(format string, args ...interface{}) { Log.Errorf(format, args...) }

func Fatal(args ...interface{})                 { Log.Fatal(args...) }
func Fatalf(format string, args ...interface{}) { Log.Fatalf(format, args...) }

func Panic(args ...interface{})                 { Log.Panic(args...) }
func Panicf(format string, args ...interface{}) { Log.Panicf(format, args...) }

// GatewayLogger adapts the global logger to the llm.Logger interface so the
// LLM gateway package stays decoupled from this package's concrete type.
type GatewayLogger struct{}

func NewGatewayLogger() *GatewayLogger { return &GatewayLogger{} }

func (l *GatewayLogger) Debugf(format string, args ...any) { Log.Debugf(format, args...) }
func (l *GatewayLogger) Infof(format string, args ...any)  { Log.Infof(format, args...) }
func (l *GatewayLogger) Warnf(format string, args ...any)  { Log.Warnf(format, args...) }
func (l *GatewayLogger) Errorf(format string, args ...any) { Log.Errorf(format, args...) }
