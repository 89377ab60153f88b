package metrics

import (
	"encoding/json"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"interceptor/internal/domain"
)

// Repository はメトリクスのリポジトリ実装.
// Prometheusのコレクタに加えて、/stats用にアトミックなカウンタを保持する.
type Repository struct {
	mu          sync.Mutex
	metricsFile string
	startTime   time.Time
	registry    *prometheus.Registry

	connections       int64
	exchanges         int64
	bytes             int64
	blocked           int64
	certificates      int64
	poolExhausted     int64
	inspectorFailures int64
	interceptPending  int64
	errors            int64

	connectionsGauge       prometheus.Gauge
	exchangesTotal         *prometheus.CounterVec
	bytesTotal             *prometheus.CounterVec
	blockedTotal           prometheus.Counter
	certificatesTotal      prometheus.Counter
	poolWaitsTotal         *prometheus.CounterVec
	inspectorFailuresTotal *prometheus.CounterVec
	interceptGauge         prometheus.Gauge
	errorsTotal            prometheus.Counter
	exchangeDuration       *prometheus.HistogramVec
}

// インターフェースの実装を検証
var _ domain.MetricsCollector = (*Repository)(nil)

// New は新しいRepositoryインスタンスを作成
func New(metricsFile string) *Repository {
	r := &Repository{
		metricsFile: metricsFile,
		startTime:   time.Now(),
		registry:    prometheus.NewRegistry(),
	}
	r.initMetrics()
	return r
}

// initMetrics は全てのコレクタを作成して登録する
func (r *Repository) initMetrics() {
	r.connectionsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "interceptor_current_connections",
		Help: "Current number of client connections",
	})
	r.exchangesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "interceptor_exchanges_total",
		Help: "Total number of recorded exchanges by final state",
	}, []string{"state"})
	r.bytesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "interceptor_bytes_total",
		Help: "Total number of bytes relayed",
	}, []string{"direction"})
	r.blockedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "interceptor_blocked_requests_total",
		Help: "Total number of requests blocked by inspectors",
	})
	r.certificatesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "interceptor_certificates_issued_total",
		Help: "Total number of leaf certificates issued",
	})
	r.poolWaitsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "interceptor_pool_waits_total",
		Help: "Upstream pool waits by outcome",
	}, []string{"outcome"})
	r.inspectorFailuresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "interceptor_inspector_failures_total",
		Help: "Inspector errors and panics",
	}, []string{"inspector"})
	r.interceptGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "interceptor_intercept_pending",
		Help: "Messages waiting for an operator decision",
	})
	r.errorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "interceptor_errors_total",
		Help: "Total number of connection level errors",
	})
	r.exchangeDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "interceptor_exchange_duration_seconds",
		Help:    "Exchange duration from first request byte to last response byte",
		Buckets: prometheus.DefBuckets,
	}, []string{"state"})

	r.registry.MustRegister(
		r.connectionsGauge,
		r.exchangesTotal,
		r.bytesTotal,
		r.blockedTotal,
		r.certificatesTotal,
		r.poolWaitsTotal,
		r.inspectorFailuresTotal,
		r.interceptGauge,
		r.errorsTotal,
		r.exchangeDuration,
	)
}

// Handler はPrometheus形式のメトリクスを返すハンドラー
func (r *Repository) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// Registry は登録先のレジストリを返す
func (r *Repository) Registry() *prometheus.Registry {
	return r.registry
}

// SaveMetrics はメトリクスをファイルに保存
func (r *Repository) SaveMetrics(snapshot *domain.MetricsSnapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := snapshot.ToJSON()
	if err != nil {
		return err
	}

	tempFile := r.metricsFile + ".tmp"
	if err := os.WriteFile(tempFile, data, 0644); err != nil {
		return err
	}

	return os.Rename(tempFile, r.metricsFile)
}

// LoadMetrics は保存済みのスナップショットを読み込む
func LoadMetrics(path string) (*domain.MetricsSnapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var s domain.MetricsSnapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// 以下、MetricsCollector インターフェースの実装
func (r *Repository) IncrementConnections() {
	atomic.AddInt64(&r.connections, 1)
	r.connectionsGauge.Inc()
}

func (r *Repository) DecrementConnections() {
	atomic.AddInt64(&r.connections, -1)
	r.connectionsGauge.Dec()
}

func (r *Repository) AddBytesTransferred(direction string, bytes int64) {
	atomic.AddInt64(&r.bytes, bytes)
	r.bytesTotal.WithLabelValues(direction).Add(float64(bytes))
}

func (r *Repository) RecordExchange(state domain.ExchangeState, duration time.Duration) {
	atomic.AddInt64(&r.exchanges, 1)
	r.exchangesTotal.WithLabelValues(string(state)).Inc()
	r.exchangeDuration.WithLabelValues(string(state)).Observe(duration.Seconds())
}

func (r *Repository) RecordBlockedRequest() {
	atomic.AddInt64(&r.blocked, 1)
	r.blockedTotal.Inc()
}

func (r *Repository) RecordCertificateIssued() {
	atomic.AddInt64(&r.certificates, 1)
	r.certificatesTotal.Inc()
}

func (r *Repository) RecordPoolWait(exhausted bool) {
	outcome := "queued"
	if exhausted {
		outcome = "exhausted"
		atomic.AddInt64(&r.poolExhausted, 1)
	}
	r.poolWaitsTotal.WithLabelValues(outcome).Inc()
}

func (r *Repository) RecordInspectorFailure(inspector string) {
	atomic.AddInt64(&r.inspectorFailures, 1)
	r.inspectorFailuresTotal.WithLabelValues(inspector).Inc()
}

func (r *Repository) SetInterceptPending(n int) {
	atomic.StoreInt64(&r.interceptPending, int64(n))
	r.interceptGauge.Set(float64(n))
}

func (r *Repository) RecordError() {
	atomic.AddInt64(&r.errors, 1)
	r.errorsTotal.Inc()
}

func (r *Repository) GetSnapshot() *domain.MetricsSnapshot {
	return &domain.MetricsSnapshot{
		Timestamp:          time.Now(),
		StartTime:          r.startTime,
		CurrentConnections: atomic.LoadInt64(&r.connections),
		TotalExchanges:     atomic.LoadInt64(&r.exchanges),
		BytesTransferred:   atomic.LoadInt64(&r.bytes),
		BlockedRequests:    atomic.LoadInt64(&r.blocked),
		CertificatesIssued: atomic.LoadInt64(&r.certificates),
		PoolExhausted:      atomic.LoadInt64(&r.poolExhausted),
		InspectorFailures:  atomic.LoadInt64(&r.inspectorFailures),
		InterceptPending:   atomic.LoadInt64(&r.interceptPending),
		Errors:             atomic.LoadInt64(&r.errors),
		Uptime:             time.Since(r.startTime).String(),
	}
}
