package sysutil

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var Log *zap.Logger = zap.NewNop()
var LogSugar *zap.SugaredLogger = Log.Sugar()

// InitLogger level 取值 debug/info/warn/error，无法解析时退回 debug
func InitLogger(level string) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zap.DebugLevel
	}
	config := zap.NewDevelopmentConfig()
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder        // 格式化时间输出
	config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder // 彩色级别
	// 输出到控制台，带颜色和行号
	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(config.EncoderConfig),
		zapcore.AddSync(os.Stdout),
		lvl,
	)
	Log = zap.New(core, zap.AddCaller())
	LogSugar = Log.Sugar()
}

// Or 组件未注入 logger 时使用全局 Log
func Or(l *zap.Logger) *zap.Logger {
	if l != nil {
		return l
	}
	return Log
}
