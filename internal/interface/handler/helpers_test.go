package handler

import (
	"bufio"
	"context"
	"crypto/x509"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"interceptor/internal/domain"
	"interceptor/internal/interface/connection"
	"interceptor/internal/interface/httpwire"
	"interceptor/internal/interface/inspector"
	"interceptor/internal/interface/repository/cert"
	"interceptor/internal/interface/repository/intercept"
	"interceptor/internal/interface/repository/logger"
	"interceptor/internal/interface/repository/metrics"
	"interceptor/internal/interface/repository/traffic"
	"interceptor/internal/usecase"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// testEnv は実際のリポジトリで組み立てたプロキシ一式
type testEnv struct {
	addr    string
	ca      *cert.Repository
	queue   *intercept.Repository
	store   *traffic.Repository
	metrics *metrics.Repository
	proxy   *usecase.ProxyUseCase
	control *ControlHandler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWithConfig(t, usecase.ProxyConfig{})
}

func newTestEnvWithConfig(t *testing.T, cfg usecase.ProxyConfig) *testEnv {
	t.Helper()
	ca, err := cert.New(cert.Config{Logger: logger.Nop{}})
	require.NoError(t, err)
	env := buildTestEnv(t, ca, cfg)
	env.ca = ca
	return env
}

// failingCA は常に発行に失敗するCA
type failingCA struct{}

func (failingCA) LeafCertificate(host string) (*domain.CertificateEntry, error) {
	return nil, &domain.CertificateIssuanceError{Host: host, Err: errors.New("signer unavailable")}
}

func (failingCA) RootCertificatePEM() []byte { return nil }

func newTestEnvWithCA(t *testing.T, ca domain.CertificateAuthority) *testEnv {
	t.Helper()
	return buildTestEnv(t, ca, usecase.ProxyConfig{})
}

func buildTestEnv(t *testing.T, ca domain.CertificateAuthority, cfg usecase.ProxyConfig) *testEnv {
	t.Helper()
	codec := httpwire.Codec{}
	m := metrics.New(t.TempDir() + "/metrics.json")
	store := traffic.New(100)

	dialer, err := connection.NewDialer(connection.DialerConfig{InsecureSkipVerify: true})
	require.NoError(t, err)
	pool := connection.NewManager(connection.Config{Dialer: dialer, Metrics: m, Logger: logger.Nop{}})

	queue := intercept.New(intercept.Config{Codec: codec, Metrics: m, Logger: logger.Nop{}})
	pipeline := usecase.NewPipeline(codec, m, logger.Nop{})
	proxyUC := usecase.NewProxyUseCase(pool, queue, pipeline, store, codec, m, logger.Nop{}, cfg)
	metricsUC := usecase.NewMetricsUseCase(m, logger.Nop{}, usecase.MetricsConfig{})

	h := NewProxyHandler(proxyUC, ca, m, logger.Nop{}, ProxyConfig{})
	control := NewControlHandler(
		usecase.NewControlUseCase(queue, store, pipeline, ca, logger.Nop{}),
		usecase.NewReplayUseCase(proxyUC, codec, inspector.Fingerprint{}, logger.Nop{}),
		NewMetricsHandler(metricsUC, m.Handler(), logger.Nop{}),
		logger.Nop{},
	)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.Serve(ctx, ln)
	}()

	t.Cleanup(func() {
		cancel()
		<-done
		pool.CloseAll()
		store.Close()
	})

	return &testEnv{
		addr:    ln.Addr().String(),
		queue:   queue,
		store:   store,
		metrics: m,
		proxy:   proxyUC,
		control: control,
	}
}

func (e *testEnv) rootPool() *x509.CertPool {
	pool := x509.NewCertPool()
	pool.AddCert(e.ca.Root())
	return pool
}

// dialProxy はプロキシに接続し、レスポンス読み取り用のReaderも返す
func dialProxy(t *testing.T, addr string) (net.Conn, *bufio.Reader) {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn, bufio.NewReader(conn)
}

func newOrigin(t *testing.T, tlsOrigin bool, h http.HandlerFunc) *httptest.Server {
	t.Helper()
	var srv *httptest.Server
	if tlsOrigin {
		srv = httptest.NewTLSServer(h)
	} else {
		srv = httptest.NewServer(h)
	}
	t.Cleanup(srv.Close)
	return srv
}

// newRawOrigin はlnで受け付けた接続ごとにhandleを呼ぶ. 残った接続は終了時に閉じる.
func newRawOrigin(t *testing.T, ln net.Listener, handle func(net.Conn)) string {
	t.Helper()
	var (
		mu     sync.Mutex
		conns  []net.Conn
		closed bool
		wg     sync.WaitGroup
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			if closed {
				mu.Unlock()
				c.Close()
				return
			}
			conns = append(conns, c)
			mu.Unlock()

			wg.Add(1)
			go func() {
				defer wg.Done()
				defer c.Close()
				handle(c)
			}()
		}
	}()
	t.Cleanup(func() {
		ln.Close()
		mu.Lock()
		closed = true
		for _, c := range conns {
			c.Close()
		}
		mu.Unlock()
		wg.Wait()
	})
	return ln.Addr().String()
}
