package logger

import (
	"context"
	"io"
	"log/slog"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"

	"interceptor/internal/domain"
)

// Options はロガーの追加設定.
type Options struct {
	Level LogLevel
	// Stderr がtrueの場合、ファイルに加えて標準エラー出力にも書き込む.
	Stderr bool
}

// Repository はロガーのリポジトリ実装.
type Repository struct {
	logger *slog.Logger
	file   *lumberjack.Logger
}

// Verify interface implementation.
var _ domain.Logger = (*Repository)(nil)

// New は新しいRepositoryインスタンスを作成.
func New(directory, filename string, config *RotationConfig, opts Options) (
	*Repository, error,
) {
	if err := os.MkdirAll(directory, 0755); err != nil {
		return nil, err
	}

	if config == nil {
		config = DefaultRotationConfig()
	}

	file := newRotatingWriter(directory, filename, config)
	var w io.Writer = file
	if opts.Stderr {
		w = io.MultiWriter(file, os.Stderr)
	}

	return &Repository{
		logger: slog.New(newHandler(w, opts.Level)),
		file:   file,
	}, nil
}

// NewWriter はwに書き込むRepositoryを作成. テストや標準出力向け.
func NewWriter(w io.Writer, level LogLevel) *Repository {
	return &Repository{logger: slog.New(newHandler(w, level))}
}

func newHandler(w io.Writer, level LogLevel) slog.Handler {
	return slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level.slogLevel()})
}

// Debug はDEBUGレベルのログを記録.
func (r *Repository) Debug(msg string, fields map[string]interface{}) {
	r.log(slog.LevelDebug, msg, nil, fields)
}

// Info はINFOレベルのログを記録.
func (r *Repository) Info(msg string, fields map[string]interface{}) {
	r.log(slog.LevelInfo, msg, nil, fields)
}

// Warn はWARNレベルのログを記録.
func (r *Repository) Warn(msg string, fields map[string]interface{}) {
	r.log(slog.LevelWarn, msg, nil, fields)
}

// Error はERRORレベルのログを記録.
func (r *Repository) Error(
	msg string, err error, fields map[string]interface{},
) {
	r.log(slog.LevelError, msg, err, fields)
}

// Slog は下位のslog.Loggerを返す.
func (r *Repository) Slog() *slog.Logger {
	return r.logger
}

// log はフィールドを属性に変換して書き込み.
func (r *Repository) log(level slog.Level, msg string, err error, fields map[string]interface{}) {
	ctx := context.Background()
	if !r.logger.Enabled(ctx, level) {
		return
	}
	attrs := make([]slog.Attr, 0, len(fields)+1)
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	for k, v := range fields {
		attrs = append(attrs, slog.Any(k, v))
	}
	r.logger.LogAttrs(ctx, level, msg, attrs...)
}

// Close はロガーのリソースを解放.
func (r *Repository) Close() error {
	if r.file == nil {
		return nil
	}
	return r.file.Close()
}

// Nop は何も出力しないロガー.
type Nop struct{}

var _ domain.Logger = Nop{}

func (Nop) Debug(string, map[string]interface{})        {}
func (Nop) Info(string, map[string]interface{})         {}
func (Nop) Warn(string, map[string]interface{})         {}
func (Nop) Error(string, error, map[string]interface{}) {}
