package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"
)

var (
	// Logger 调试和警告日志
	Logger *logrus.Logger
	// InfoLogger 信息日志
	InfoLogger *logrus.Logger
	// ErrorLogger 错误日志
	ErrorLogger *logrus.Logger
)

// LogConfig 日志配置
type LogConfig struct {
	ErrorLogPath string
	InfoLogPath  string
	LogLevel     string
}

// CustomFormatter 输出 [时间] [级别] (调用者) 消息
type CustomFormatter struct {
	TimestampFormat string
}

// Format 实现 logrus.Formatter 接口
func (f *CustomFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	timestamp := entry.Time.Format(f.TimestampFormat)

	level := strings.ToUpper(entry.Level.String())
	if len(level) > 4 {
		level = level[:4]
	}

	msg := strings.TrimRight(entry.Message, "\n")
	if len(entry.Data) > 0 {
		keys := make([]string, 0, len(entry.Data))
		for k, v := range entry.Data {
			keys = append(keys, fmt.Sprintf("%s=%v", k, v))
		}
		msg += " " + strings.Join(keys, " ")
	}
	return []byte(fmt.Sprintf("[%s] [%s] (%s) %s\n", timestamp, level, getCaller(), msg)), nil
}

// getCaller 跳过 logrus 和本包的栈帧，返回 文件:函数:行号
func getCaller() string {
	for i := 2; i < 20; i++ {
		pc, file, line, ok := runtime.Caller(i)
		if !ok {
			break
		}
		if strings.Contains(file, "sirupsen/logrus") || strings.HasSuffix(file, "/logger/logger.go") {
			continue
		}
		funcName := runtime.FuncForPC(pc).Name()
		if idx := strings.LastIndex(funcName, "/"); idx >= 0 {
			funcName = funcName[idx+1:]
		}
		return fmt.Sprintf("%s:%s:%d", filepath.Base(file), funcName, line)
	}
	return "unknown:unknown:0"
}

// parseLogLevel 解析日志级别，无法识别时使用 info
func parseLogLevel(level string) logrus.Level {
	switch strings.ToLower(level) {
	case "debug":
		return logrus.DebugLevel
	case "info":
		return logrus.InfoLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	case "fatal":
		return logrus.FatalLevel
	default:
		return logrus.InfoLevel
	}
}

func newLogger(level logrus.Level, out io.Writer) *logrus.Logger {
	l := logrus.New()
	l.SetFormatter(&CustomFormatter{TimestampFormat: "15:04:05 MST 2006/01/02"})
	l.SetLevel(level)
	l.SetOutput(out)
	return l
}

// InitLogger 初始化日志，文件打不开时退回到标准输出
func InitLogger(config LogConfig) error {
	level := parseLogLevel(config.LogLevel)

	infoOut := io.Writer(os.Stdout)
	var infoErr error
	if config.InfoLogPath != "" {
		f, err := openLogFile(config.InfoLogPath)
		if err != nil {
			infoErr = err
		} else {
			infoOut = io.MultiWriter(os.Stdout, f)
		}
	}
	errOut := io.Writer(os.Stderr)
	var errErr error
	if config.ErrorLogPath != "" {
		f, err := openLogFile(config.ErrorLogPath)
		if err != nil {
			errErr = err
		} else {
			errOut = io.MultiWriter(os.Stderr, f)
		}
	}

	InfoLogger = newLogger(level, infoOut)
	ErrorLogger = newLogger(level, errOut)
	Logger = newLogger(level, infoOut)

	if infoErr != nil {
		Logger.Warnf("failed to open info log file %s, fallback to stdout: %v", config.InfoLogPath, infoErr)
	}
	if errErr != nil {
		Logger.Warnf("failed to open error log file %s, fallback to stderr: %v", config.ErrorLogPath, errErr)
	}
	return nil
}

// SetOutput 所有日志写到 w，用于测试和命令行工具
func SetOutput(w io.Writer, level string) {
	lv := parseLogLevel(level)
	Logger = newLogger(lv, w)
	InfoLogger = newLogger(lv, w)
	ErrorLogger = newLogger(lv, w)
}

func openLogFile(logPath string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, err
	}
	return os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
}

var discard = newLogger(logrus.PanicLevel, io.Discard)

// WithTx 带事务号的日志条目
func WithTx(txID uint64) *logrus.Entry {
	if Logger == nil {
		return discard.WithField("tx", txID)
	}
	return Logger.WithField("tx", txID)
}

func Info(args ...interface{}) {
	if InfoLogger != nil {
		InfoLogger.Info(args...)
	}
}

func Infof(format string, args ...interface{}) {
	if InfoLogger != nil {
		InfoLogger.Infof(format, args...)
	}
}

func Debugf(format string, args ...interface{}) {
	if Logger != nil {
		Logger.Debugf(format, args...)
	}
}

func Warnf(format string, args ...interface{}) {
	if Logger != nil {
		Logger.Warnf(format, args...)
	}
}

func Error(args ...interface{}) {
	if ErrorLogger != nil {
		ErrorLogger.Error(args...)
	}
}

func Errorf(format string, args ...interface{}) {
	if ErrorLogger != nil {
		ErrorLogger.Errorf(format, args...)
	}
}

// Printf 日志未初始化时直接输出到标准输出
func Printf(format string, args ...interface{}) {
	if InfoLogger != nil {
		InfoLogger.Infof(format, args...)
		return
	}
	fmt.Printf(format, args...)
}
