// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector はPrometheusメトリクスを収集する実装。
// session.SignInRecorder、export.Recorder、events.DropRecorder、refresh.Recorderを満たす。
type Collector struct {
	signIns        *prometheus.CounterVec
	exports        *prometheus.CounterVec
	exportLatency  prometheus.Histogram
	exportPoints   prometheus.Histogram
	exportRejected prometheus.Counter
	tokenRefreshes *prometheus.CounterVec
	eventsDropped  *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		signIns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pind_signin_total",
			Help: "サインイン試行の結果別合計数",
		}, []string{"result"}),
		exports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pind_export_total",
			Help: "エクスポート試行の結果別合計数",
		}, []string{"result"}),
		exportLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pind_export_duration_seconds",
			Help:    "エクスポート開始から終端状態までの時間（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		exportPoints: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pind_export_points",
			Help:    "1回のエクスポートに含まれる地点数",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),
		exportRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pind_export_rejected_total",
			Help: "実行中のため拒否されたエクスポート要求の合計数",
		}),
		tokenRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pind_token_refresh_total",
			Help: "アクセストークン更新の結果別合計数",
		}, []string{"result"}),
		eventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pind_events_dropped_total",
			Help: "購読者の処理遅延により破棄されたイベント数",
		}, []string{"type"}),
	}

	reg.MustRegister(
		c.signIns,
		c.exports,
		c.exportLatency,
		c.exportPoints,
		c.exportRejected,
		c.tokenRefreshes,
		c.eventsDropped,
	)

	return c
}

// RecordSignIn はサインイン結果（success, failure, cancelled）を記録する。
func (c *Collector) RecordSignIn(result string) {
	c.signIns.WithLabelValues(result).Inc()
}

// RecordExport はエクスポート結果と所要時間、地点数を記録する。
func (c *Collector) RecordExport(result string, duration time.Duration, points int) {
	c.exports.WithLabelValues(result).Inc()
	c.exportLatency.Observe(duration.Seconds())
	c.exportPoints.Observe(float64(points))
}

// RecordExportRejected は実行中のため拒否されたエクスポート要求を記録する。
func (c *Collector) RecordExportRejected() {
	c.exportRejected.Inc()
}

// RecordTokenRefresh はトークン更新の結果を記録する。
func (c *Collector) RecordTokenRefresh(result string) {
	c.tokenRefreshes.WithLabelValues(result).Inc()
}

// RecordEventDropped は破棄されたイベントを記録する。
func (c *Collector) RecordEventDropped(eventType string) {
	c.eventsDropped.WithLabelValues(eventType).Inc()
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetupMetricsRoute は/metricsエンドポイントを提供するHTTPハンドラーを返す。
func SetupMetricsRoute(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	return mux
}
