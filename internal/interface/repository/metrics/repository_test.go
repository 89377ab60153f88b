package metrics

import (
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"interceptor/internal/domain"
)

func TestRepository_Snapshot(t *testing.T) {
	r := New(filepath.Join(t.TempDir(), "metrics.json"))

	r.IncrementConnections()
	r.IncrementConnections()
	r.DecrementConnections()
	r.AddBytesTransferred("upstream", 100)
	r.AddBytesTransferred("client", 50)
	r.RecordExchange(domain.StateComplete, 10*time.Millisecond)
	r.RecordExchange(domain.StateBlocked, time.Millisecond)
	r.RecordBlockedRequest()
	r.RecordCertificateIssued()
	r.RecordPoolWait(false)
	r.RecordPoolWait(true)
	r.RecordInspectorFailure("rules")
	r.SetInterceptPending(3)
	r.RecordError()

	s := r.GetSnapshot()
	assert.Equal(t, int64(1), s.CurrentConnections)
	assert.Equal(t, int64(2), s.TotalExchanges)
	assert.Equal(t, int64(150), s.BytesTransferred)
	assert.Equal(t, int64(1), s.BlockedRequests)
	assert.Equal(t, int64(1), s.CertificatesIssued)
	assert.Equal(t, int64(1), s.PoolExhausted)
	assert.Equal(t, int64(1), s.InspectorFailures)
	assert.Equal(t, int64(3), s.InterceptPending)
	assert.Equal(t, int64(1), s.Errors)

	assert.Equal(t, float64(1), testutil.ToFloat64(r.exchangesTotal.WithLabelValues(string(domain.StateComplete))))
	assert.Equal(t, float64(3), testutil.ToFloat64(r.interceptGauge))
	assert.Equal(t, float64(1), testutil.ToFloat64(r.poolWaitsTotal.WithLabelValues("exhausted")))
}

func TestRepository_Handler(t *testing.T) {
	r := New(filepath.Join(t.TempDir(), "metrics.json"))
	r.RecordCertificateIssued()

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	assert.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "interceptor_certificates_issued_total 1"))
}

func TestRepository_SaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metrics.json")
	r := New(path)
	r.RecordExchange(domain.StateComplete, time.Second)

	require.NoError(t, r.SaveMetrics(r.GetSnapshot()))

	loaded, err := LoadMetrics(path)
	require.NoError(t, err)
	assert.Equal(t, int64(1), loaded.TotalExchanges)
}
