package wrapper

import (
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var (
	traceStart  = time.Now()
	traceLogger atomic.Pointer[zap.Logger]
)

// SetTraceLogger 设置 trace 输出的 logger，默认是 zap.L()。
func SetTraceLogger(l *zap.Logger) {
	traceLogger.Store(l)
}

func traceEnabled() bool {
	v := strings.TrimSpace(os.Getenv("TRACE"))
	if v == "" {
		return false
	}
	v = strings.ToLower(v)
	return v == "1" || v == "true" || v == "yes" || v == "y"
}

func tracef(format string, args ...any) {
	if !traceEnabled() {
		return
	}
	l := traceLogger.Load()
	if l == nil {
		l = zap.L()
	}
	l.Debug(fmt.Sprintf(format, args...), zap.Int64("since_ms", time.Since(traceStart).Milliseconds()))
}

// Tracef 给 APP 用的 trace 入口，和 wrapper 内部共用 TRACE 开关和时间基准。
func Tracef(format string, args ...any) {
	tracef(format, args...)
}
