package logger

import (
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

// RotationConfig はログローテーションの設定を表す.
type RotationConfig struct {
	MaxSizeMB  int // ローテーションするサイズ(MB)
	MaxAgeDays int // ログファイルの最大保持日数
	MaxBackups int // 保持する古いログファイルの最大数
	Compress   bool
}

// DefaultRotationConfig はデフォルトのログローテーション設定を返す.
func DefaultRotationConfig() *RotationConfig {
	return &RotationConfig{
		MaxSizeMB:  100,
		MaxAgeDays: 7,
		MaxBackups: 5,
	}
}

// newRotatingWriter はlumberjackによるローテーション付きのWriterを作成.
func newRotatingWriter(directory, filename string, config *RotationConfig) *lumberjack.Logger {
	return &lumberjack.Logger{
		Filename:   filepath.Join(directory, filename),
		MaxSize:    config.MaxSizeMB,
		MaxAge:     config.MaxAgeDays,
		MaxBackups: config.MaxBackups,
		Compress:   config.Compress,
	}
}
