package domain

import (
	"encoding/json"
	"time"
)

// MetricsCollector はメトリクス収集のインターフェース
type MetricsCollector interface {
	IncrementConnections()
	DecrementConnections()
	AddBytesTransferred(direction string, bytes int64)
	RecordExchange(state ExchangeState, duration time.Duration)
	RecordBlockedRequest()
	RecordCertificateIssued()
	RecordPoolWait(exhausted bool)
	RecordInspectorFailure(inspector string)
	SetInterceptPending(n int)
	RecordError()
	GetSnapshot() *MetricsSnapshot
}

// MetricsSnapshot はメトリクスのスナップショットを表す
type MetricsSnapshot struct {
	Timestamp          time.Time `json:"timestamp"`
	StartTime          time.Time `json:"start_time"`
	CurrentConnections int64     `json:"current_connections"`
	TotalExchanges     int64     `json:"total_exchanges"`
	BytesTransferred   int64     `json:"bytes_transferred"`
	BlockedRequests    int64     `json:"blocked_requests"`
	CertificatesIssued int64     `json:"certificates_issued"`
	PoolExhausted      int64     `json:"pool_exhausted"`
	InspectorFailures  int64     `json:"inspector_failures"`
	InterceptPending   int64     `json:"intercept_pending"`
	Errors             int64     `json:"errors"`
	Uptime             string    `json:"uptime"`
}

// ToJSON はスナップショットをJSON形式に変換.
func (ms *MetricsSnapshot) ToJSON() ([]byte, error) {
	return json.MarshalIndent(ms, "", "  ")
}
