// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// コマンド層やストリームハンドラーから利用する。
type MetricsCollector interface {
	RecordRoomCreated()
	RecordRoomDeleted()
	RecordMessageSent(duration time.Duration)
	RecordCommandFailure(code string)
	RecordSnapshotRefresh(channel string)
	RecordStreamConnected()
	RecordStreamDisconnected()
	RecordSessionsCleaned(count int64)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	roomsCreated     prometheus.Counter
	roomsDeleted     prometheus.Counter
	messagesSent     prometheus.Counter
	sendLatency      prometheus.Histogram
	commandFailures  *prometheus.CounterVec
	snapshotRefresh  *prometheus.CounterVec
	activeStreams    prometheus.Gauge
	sessionsCleaned  prometheus.Counter
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		roomsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "roomsync_rooms_created_total",
			Help: "作成されたチャットルームの合計数",
		}),
		roomsDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "roomsync_rooms_deleted_total",
			Help: "削除されたチャットルームの合計数",
		}),
		messagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "roomsync_messages_sent_total",
			Help: "送信されたメッセージの合計数",
		}),
		sendLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "roomsync_send_latency_seconds",
			Help:    "メッセージ送信トランザクションのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		commandFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "roomsync_command_failures_total",
			Help: "エラーコード別のコマンド失敗数",
		}, []string{"code"}),
		snapshotRefresh: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "roomsync_snapshot_refresh_total",
			Help: "通知チャネル別のスナップショット再取得数",
		}, []string{"channel"}),
		activeStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "roomsync_active_streams",
			Help: "アクティブなWebSocketストリーム数",
		}),
		sessionsCleaned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "roomsync_sessions_cleaned_total",
			Help: "クリーンアップで削除された期限切れセッションの合計数",
		}),
	}

	reg.MustRegister(
		c.roomsCreated,
		c.roomsDeleted,
		c.messagesSent,
		c.sendLatency,
		c.commandFailures,
		c.snapshotRefresh,
		c.activeStreams,
		c.sessionsCleaned,
	)

	return c
}

// RecordRoomCreated はルーム作成を記録する。
func (c *Collector) RecordRoomCreated() {
	c.roomsCreated.Inc()
}

// RecordRoomDeleted はルーム削除を記録する。
func (c *Collector) RecordRoomDeleted() {
	c.roomsDeleted.Inc()
}

// RecordMessageSent はメッセージ送信とそのレイテンシを記録する。
func (c *Collector) RecordMessageSent(duration time.Duration) {
	c.messagesSent.Inc()
	c.sendLatency.Observe(duration.Seconds())
}

// RecordCommandFailure はコマンド失敗をエラーコード別に記録する。
func (c *Collector) RecordCommandFailure(code string) {
	c.commandFailures.WithLabelValues(code).Inc()
}

// RecordSnapshotRefresh はスナップショット再取得を記録する。
func (c *Collector) RecordSnapshotRefresh(channel string) {
	c.snapshotRefresh.WithLabelValues(channel).Inc()
}

// RecordStreamConnected はストリーム接続を記録する。
func (c *Collector) RecordStreamConnected() {
	c.activeStreams.Inc()
}

// RecordStreamDisconnected はストリーム切断を記録する。
func (c *Collector) RecordStreamDisconnected() {
	c.activeStreams.Dec()
}

// RecordSessionsCleaned は削除された期限切れセッション数を記録する。
func (c *Collector) RecordSessionsCleaned(count int64) {
	c.sessionsCleaned.Add(float64(count))
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
// ルーターの/metricsにそのままマウントする。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
