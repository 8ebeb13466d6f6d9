package logger

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	// Logger 全局日志实例，Init 之前为 zerolog 默认实例
	Logger = log.Logger
)

// Config 日志配置
type Config struct {
	Level        string    `json:"level" yaml:"level"`                 // debug, info, warn, error
	Format       string    `json:"format" yaml:"format"`               // json 或 pretty
	TimeFormat   string    `json:"time_format" yaml:"time_format"`     // 时间戳格式
	ReportCaller bool      `json:"report_caller" yaml:"report_caller"` // 是否输出调用位置
	Output       io.Writer `json:"-" yaml:"-"`                         // 为空时写 stdout
}

// Init 按配置构建全局 logger，同时替换 zerolog 的全局实例
func Init(config Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(config.Level)
	if err != nil || config.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	out := config.Output
	if out == nil {
		out = os.Stdout
	}
	if config.Format == "pretty" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: config.TimeFormat}
	}

	if config.TimeFormat == "" {
		zerolog.TimeFieldFormat = time.RFC3339
	} else {
		zerolog.TimeFieldFormat = config.TimeFormat
	}

	builder := zerolog.New(out).Level(level).With().Timestamp()
	if config.ReportCaller {
		builder = builder.Caller()
	}

	Logger = builder.Logger()
	log.Logger = Logger
	return Logger
}

// Component 返回带 component 字段的子 logger
func Component(name string) zerolog.Logger {
	return Logger.With().Str("component", name).Logger()
}

func Debug() *zerolog.Event { return Logger.Debug() }
func Info() *zerolog.Event  { return Logger.Info() }
func Warn() *zerolog.Event  { return Logger.Warn() }
func Error() *zerolog.Event { return Logger.Error() }

// Fatal 记录后进程退出
func Fatal() *zerolog.Event { return Logger.Fatal() }

// Ctx 从上下文取 logger，没有时返回 zerolog 的 disabled logger
func Ctx(ctx context.Context) *zerolog.Logger {
	return zerolog.Ctx(ctx)
}

// WithContext 把全局 logger 放入上下文
func WithContext(ctx context.Context) context.Context {
	return Logger.WithContext(ctx)
}
