package usecase

import (
	"context"
	"fmt"
	"time"

	"github.com/coder/quartz"

	"interceptor/internal/domain"
)

// MetricsSaver はスナップショットを永続化できるコレクタ
type MetricsSaver interface {
	SaveMetrics(*domain.MetricsSnapshot) error
}

// MetricsUseCase はメトリクス関連のユースケースを実装
type MetricsUseCase struct {
	metrics      domain.MetricsCollector
	logger       domain.Logger
	saveInterval time.Duration
	clock        quartz.Clock
	cancel       context.CancelFunc
	done         chan struct{}
}

// MetricsConfig はメトリクスの設定を表す
type MetricsConfig struct {
	// SaveInterval が0以下ならファイルへの保存は行わない
	SaveInterval time.Duration
	Clock        quartz.Clock
}

// NewMetricsUseCase は新しいMetricsUseCaseインスタンスを作成
func NewMetricsUseCase(
	metrics domain.MetricsCollector, logger domain.Logger, config MetricsConfig,
) *MetricsUseCase {
	if config.Clock == nil {
		config.Clock = quartz.NewReal()
	}
	return &MetricsUseCase{
		metrics:      metrics,
		logger:       logger,
		saveInterval: config.SaveInterval,
		clock:        config.Clock,
		done:         make(chan struct{}),
	}
}

// Start は定期的なメトリクス保存を開始
func (uc *MetricsUseCase) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	uc.cancel = cancel

	if _, ok := uc.metrics.(MetricsSaver); !ok || uc.saveInterval <= 0 {
		close(uc.done)
		return nil
	}

	uc.logger.Info("Starting metrics collection", map[string]interface{}{
		"save_interval": uc.saveInterval.String(),
	})
	w := uc.clock.TickerFunc(ctx, uc.saveInterval, func() error {
		if err := uc.saveMetrics(); err != nil {
			uc.logger.Error("Failed to save metrics", err, nil)
		}
		return nil
	}, "metrics", "save")
	go func() {
		_ = w.Wait()
		close(uc.done)
	}()
	return nil
}

// Stop はメトリクス収集を停止し、最後のスナップショットを保存する
func (uc *MetricsUseCase) Stop() error {
	uc.logger.Info("Stopping metrics collection", nil)
	if uc.cancel != nil {
		uc.cancel()
		<-uc.done
	}
	if _, ok := uc.metrics.(MetricsSaver); ok && uc.saveInterval > 0 {
		return uc.saveMetrics()
	}
	return nil
}

// saveMetrics は現在のメトリクスを保存
func (uc *MetricsUseCase) saveMetrics() error {
	saver, ok := uc.metrics.(MetricsSaver)
	if !ok {
		return nil
	}
	if err := saver.SaveMetrics(uc.GetMetricsSnapshot()); err != nil {
		return fmt.Errorf("failed to save metrics snapshot: %w", err)
	}
	return nil
}

// GetMetricsSnapshot は現在のメトリクスのスナップショットを取得
func (uc *MetricsUseCase) GetMetricsSnapshot() *domain.MetricsSnapshot {
	return uc.metrics.GetSnapshot()
}
