// internal/pkg/logger/logger.go
package logger

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

// Logger 在 zerolog.Logger 之上补充了 Printf 风格的便捷方法，
// 方便旧代码逐步迁移到结构化日志。
type Logger struct {
	zerolog.Logger
}

var base atomic.Pointer[zerolog.Logger]

func init() {
	l := zerolog.New(os.Stderr).With().Timestamp().Logger()
	base.Store(&l)
}

// Init 设置全局日志的服务名等基础字段，应在进程启动时调用一次。
func Init(serviceName string) {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	l := zerolog.New(os.Stderr).With().
		Timestamp().
		Str("service", serviceName).
		Logger()
	base.Store(&l)
}

// Ctx 返回一个绑定了当前链路信息的 Logger。
// 如果 ctx 中存在有效的 Span，会自动附加 trace_id/span_id 字段。
func Ctx(ctx context.Context) *Logger {
	l := *base.Load()
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		l = l.With().
			Str("trace_id", sc.TraceID().String()).
			Str("span_id", sc.SpanID().String()).
			Logger()
	}
	return &Logger{l}
}

// Printf 以 Info 级别输出格式化日志。
func (l *Logger) Printf(format string, v ...interface{}) {
	l.Logger.Info().Msgf(format, v...)
}

// Println 以 Info 级别输出一行日志。
func (l *Logger) Println(v ...interface{}) {
	l.Logger.Info().Msg(strings.TrimSuffix(fmt.Sprintln(v...), "\n"))
}
