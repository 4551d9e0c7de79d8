// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// ディレクトリクライアント、マッピングストア、変更操作、ワーカーから利用する。
type MetricsCollector interface {
	ObserveDirectoryCall(op string, class string, duration time.Duration)
	RecordHTTPStatus(statusCode int)
	RecordMappingWrite(scope string, err error)
	RecordMutation(op string, result string)
	RecordAttempts(op string, attempts, rateLimited int)
	RecordApproval(ok bool)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	directoryCalls   *prometheus.CounterVec
	directoryLatency *prometheus.HistogramVec
	httpStatus       *prometheus.CounterVec
	mappingWrites    *prometheus.CounterVec
	mutations        *prometheus.CounterVec
	attempts         *prometheus.HistogramVec
	rateLimited      *prometheus.CounterVec
	approvals        *prometheus.CounterVec
}

var _ MetricsCollector = (*Collector)(nil)

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		directoryCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "groupman_directory_calls_total",
			Help: "ディレクトリ呼び出しの結果分類別の合計数",
		}, []string{"op", "class"}),
		directoryLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "groupman_directory_call_seconds",
			Help:    "ディレクトリ呼び出しのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "groupman_gateway_http_status_total",
			Help: "ゲートウェイのHTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		mappingWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "groupman_mapping_writes_total",
			Help: "識別子マッピングの書き込み数",
		}, []string{"scope", "result"}),
		mutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "groupman_mutations_total",
			Help: "変更操作の結果別の合計数",
		}, []string{"op", "result"}),
		attempts: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "groupman_mutation_attempts",
			Help:    "変更操作1件あたりの試行回数",
			Buckets: []float64{1, 2, 3, 4, 5, 8},
		}, []string{"op"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "groupman_rate_limited_total",
			Help: "レート制限を受けた試行の合計数",
		}, []string{"op"}),
		approvals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "groupman_join_approvals_total",
			Help: "参加リクエスト承認の結果別の合計数",
		}, []string{"result"}),
	}

	reg.MustRegister(
		c.directoryCalls,
		c.directoryLatency,
		c.httpStatus,
		c.mappingWrites,
		c.mutations,
		c.attempts,
		c.rateLimited,
		c.approvals,
	)

	return c
}

// ObserveDirectoryCall はディレクトリ呼び出しの結果とレイテンシを記録する。
func (c *Collector) ObserveDirectoryCall(op string, class string, duration time.Duration) {
	c.directoryCalls.WithLabelValues(op, class).Inc()
	c.directoryLatency.WithLabelValues(op).Observe(duration.Seconds())
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordMappingWrite はマッピングの書き込み結果を記録する。
func (c *Collector) RecordMappingWrite(scope string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.mappingWrites.WithLabelValues(scope, result).Inc()
}

// RecordMutation は変更操作の結果（成功理由または失敗種別）を記録する。
func (c *Collector) RecordMutation(op string, result string) {
	c.mutations.WithLabelValues(op, result).Inc()
}

// RecordAttempts は試行回数とレート制限の回数を記録する。
func (c *Collector) RecordAttempts(op string, attempts, rateLimited int) {
	if attempts > 0 {
		c.attempts.WithLabelValues(op).Observe(float64(attempts))
	}
	if rateLimited > 0 {
		c.rateLimited.WithLabelValues(op).Add(float64(rateLimited))
	}
}

// RecordApproval は参加リクエスト承認の結果を記録する。
func (c *Collector) RecordApproval(ok bool) {
	result := "approved"
	if !ok {
		result = "failed"
	}
	c.approvals.WithLabelValues(result).Inc()
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
