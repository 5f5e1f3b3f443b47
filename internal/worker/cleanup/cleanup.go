// Package cleanup は期限切れセッションの自動削除ジョブを提供する。
// expires_atを過ぎたセッション行を定期バッチで削除する。
// 期限切れセッションは参照時点でも無効扱いされるため、このジョブは
// テーブル肥大化を防ぐためのものであり、実行が遅れても安全性に影響しない。
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// SessionDeleter は期限切れセッションの削除に必要なインターフェース。
// repository.SessionRepositoryの部分集合として定義する。
type SessionDeleter interface {
	DeleteExpired(ctx context.Context) (int64, error)
}

// Recorder はクリーンアップのメトリクス記録に必要なインターフェース。
// metrics.MetricsCollectorの部分集合として定義する。nilでもよい。
type Recorder interface {
	RecordSessionsCleaned(count int64)
}

// CleanupJob は期限切れセッションの自動削除ジョブ。
// 定期実行のバッチジョブとして設計されており、冪等な削除処理を保証する。
type CleanupJob struct {
	sessions SessionDeleter
	recorder Recorder
	logger   *slog.Logger
	Interval time.Duration // 実行間隔（デフォルト: 1時間）
}

// NewCleanupJob は新しいCleanupJobを生成する。
// デフォルトの実行間隔は1時間。
func NewCleanupJob(sessions SessionDeleter, recorder Recorder, logger *slog.Logger) *CleanupJob {
	return &CleanupJob{
		sessions: sessions,
		recorder: recorder,
		logger:   logger,
		Interval: time.Hour,
	}
}

// Run は期限切れセッションを1回削除する。
// 冪等: 削除対象がない場合でもエラーにならない。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := time.Now()

	deletedCount, err := j.sessions.DeleteExpired(ctx)
	if err != nil {
		j.logger.Error("session cleanup failed",
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("failed to delete expired sessions: %w", err)
	}

	if j.recorder != nil {
		j.recorder.RecordSessionsCleaned(deletedCount)
	}

	duration := time.Since(start)
	j.logger.Info("session cleanup completed",
		slog.Int64("deleted_count", deletedCount),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	return nil
}

// Start はIntervalごとにRunを実行するループを開始する。
// 起動直後にも1回実行する。コンテキストのキャンセルで停止する。
func (j *CleanupJob) Start(ctx context.Context) {
	go func() {
		if err := j.Run(ctx); err != nil {
			j.logger.Error("initial session cleanup failed", slog.String("error", err.Error()))
		}

		ticker := time.NewTicker(j.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				j.logger.Info("session cleanup loop stopped")
				return
			case <-ticker.C:
				if err := j.Run(ctx); err != nil {
					j.logger.Error("scheduled session cleanup failed", slog.String("error", err.Error()))
				}
			}
		}
	}()
}
