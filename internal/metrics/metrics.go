// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// 認証サービスやミドルウェアから利用する。
type MetricsCollector interface {
	RecordLogin(provider, result string)
	RecordLockout()
	RecordRefresh(result string)
	RecordRefreshReuse()
	RecordRateLimited(limiter string)
	RecordEdgeRejection(guard, code string)
	RecordHTTPStatus(statusCode int)
}

// ログイン・リフレッシュ結果のラベル値
const (
	ResultSuccess    = "success"
	ResultFailure    = "failure"
	ResultLocked     = "locked"
	ResultUnverified = "unverified"
	ResultRejected   = "rejected"
	ResultInvalid    = "invalid"
	ResultRevoked    = "revoked"
	ResultExpired    = "expired"
	ResultReuse      = "reuse"
	ResultError      = "error"
)

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	login          *prometheus.CounterVec
	lockouts       prometheus.Counter
	refresh        *prometheus.CounterVec
	refreshReuse   prometheus.Counter
	rateLimited    *prometheus.CounterVec
	edgeRejections *prometheus.CounterVec
	httpStatus     *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		login: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "matchauth_login_total",
			Help: "プロバイダー・結果別のログイン試行数",
		}, []string{"provider", "result"}),
		lockouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "matchauth_lockouts_total",
			Help: "アカウントロックの発生数",
		}),
		refresh: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "matchauth_refresh_total",
			Help: "結果別のリフレッシュ要求数",
		}, []string{"result"}),
		refreshReuse: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "matchauth_refresh_reuse_total",
			Help: "ローテーション済みリフレッシュトークンの再利用検知数",
		}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "matchauth_rate_limited_total",
			Help: "リミッター別のレート制限発動数",
		}, []string{"limiter"}),
		edgeRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "matchauth_edge_rejections_total",
			Help: "ガード・エラーコード別の拒否数",
		}, []string{"guard", "code"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "matchauth_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
	}

	reg.MustRegister(
		c.login,
		c.lockouts,
		c.refresh,
		c.refreshReuse,
		c.rateLimited,
		c.edgeRejections,
		c.httpStatus,
	)

	return c
}

// RecordLogin はログイン試行の結果を記録する。
func (c *Collector) RecordLogin(provider, result string) {
	c.login.WithLabelValues(provider, result).Inc()
}

// RecordLockout はアカウントロックを記録する。
func (c *Collector) RecordLockout() {
	c.lockouts.Inc()
}

// RecordRefresh はリフレッシュ要求の結果を記録する。
func (c *Collector) RecordRefresh(result string) {
	c.refresh.WithLabelValues(result).Inc()
}

// RecordRefreshReuse はリフレッシュトークンの再利用検知を記録する。
func (c *Collector) RecordRefreshReuse() {
	c.refreshReuse.Inc()
}

// RecordRateLimited はレート制限の発動を記録する。
func (c *Collector) RecordRateLimited(limiter string) {
	c.rateLimited.WithLabelValues(limiter).Inc()
}

// RecordEdgeRejection はCSRF・署名・JWTガードによる拒否を記録する。
func (c *Collector) RecordEdgeRejection(guard, code string) {
	c.edgeRejections.WithLabelValues(guard, code).Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// Nop は何も記録しないMetricsCollector。テストやメトリクス無効時に使う。
type Nop struct{}

func (Nop) RecordLogin(string, string)         {}
func (Nop) RecordLockout()                     {}
func (Nop) RecordRefresh(string)               {}
func (Nop) RecordRefreshReuse()                {}
func (Nop) RecordRateLimited(string)           {}
func (Nop) RecordEdgeRejection(string, string) {}
func (Nop) RecordHTTPStatus(int)               {}

// compile-time interface check
var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = Nop{}
)

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
