package handler

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"interceptor/internal/domain"
	"interceptor/internal/interface/httpwire"
	"interceptor/internal/usecase"
)

const (
	defaultIdleTimeout      = 2 * time.Minute
	defaultHandshakeTimeout = 10 * time.Second
	clientBufferSize        = 32 * 1024
)

var (
	connectEstablished = []byte("HTTP/1.1 200 Connection Established\r\n\r\n")
	noDeadline         time.Time
)

// ProxyConfig はクライアント接続の処理設定
type ProxyConfig struct {
	IdleTimeout      time.Duration
	HandshakeTimeout time.Duration
	MaxBodySize      int64
}

// ProxyHandler はクライアント接続を受け付け、エクスチェンジ単位でユースケースに渡す
type ProxyHandler struct {
	proxyUseCase *usecase.ProxyUseCase
	ca           domain.CertificateAuthority
	metrics      domain.MetricsCollector
	logger       domain.Logger
	config       ProxyConfig

	mu    sync.Mutex
	conns map[net.Conn]struct{}
	wg    sync.WaitGroup
}

func NewProxyHandler(
	proxyUseCase *usecase.ProxyUseCase,
	ca domain.CertificateAuthority,
	metrics domain.MetricsCollector,
	logger domain.Logger,
	config ProxyConfig,
) *ProxyHandler {
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = defaultIdleTimeout
	}
	if config.HandshakeTimeout <= 0 {
		config.HandshakeTimeout = defaultHandshakeTimeout
	}
	return &ProxyHandler{
		proxyUseCase: proxyUseCase,
		ca:           ca,
		metrics:      metrics,
		logger:       logger,
		config:       config,
		conns:        make(map[net.Conn]struct{}),
	}
}

// Serve はlnで接続を受け付ける. ctxがキャンセルされると全ての接続を閉じて戻る
func (h *ProxyHandler) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	var acceptErr error
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
				acceptErr = err
			}
			break
		}
		h.track(conn, true)
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			defer h.track(conn, false)
			h.handleConn(ctx, conn)
		}()
	}

	h.closeAll()
	h.wg.Wait()
	return acceptErr
}

func (h *ProxyHandler) track(conn net.Conn, add bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if add {
		h.conns[conn] = struct{}{}
	} else {
		delete(h.conns, conn)
	}
}

func (h *ProxyHandler) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.conns {
		c.Close()
	}
}

// handleConn は最初のバイトで平文プロキシ、CONNECT、透過TLSを判別する
func (h *ProxyHandler) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	h.metrics.IncrementConnections()
	defer h.metrics.DecrementConnections()

	sess := &domain.Session{
		ConnID:     uuid.NewString(),
		ClientAddr: conn.RemoteAddr().String(),
		Scheme:     "http",
		StartedAt:  time.Now(),
	}
	br := bufio.NewReaderSize(conn, clientBufferSize)

	_ = conn.SetReadDeadline(time.Now().Add(h.config.IdleTimeout))
	first, err := br.Peek(1)
	if err != nil {
		return
	}

	if first[0] == recordTypeHandshake {
		sni, err := peekSNI(br)
		if err != nil || sni == "" {
			h.logger.Warn("Transparent TLS connection without SNI", map[string]interface{}{
				"conn_id": sess.ConnID,
				"client":  sess.ClientAddr,
			})
			return
		}
		sess.Target = net.JoinHostPort(sni, "443")
		h.handleTLS(ctx, conn, br, sess, sni)
		return
	}

	reader := httpwire.NewReader(br, h.config.MaxBodySize)
	req, err := reader.ReadRequest()
	if err != nil {
		h.readFailed(conn, sess, err)
		return
	}

	if req.Method != "CONNECT" {
		h.serveExchanges(ctx, conn, br, sess, req)
		return
	}

	target := req.Target
	if _, _, err := net.SplitHostPort(target); err != nil {
		target = net.JoinHostPort(strings.Trim(target, "[]"), "443")
	}
	sess.Target = target
	if _, err := conn.Write(connectEstablished); err != nil {
		h.logger.Error("Failed to write connection established response", err, map[string]interface{}{
			"conn_id": sess.ConnID,
		})
		return
	}
	h.logger.Debug("Tunnel established", map[string]interface{}{
		"conn_id": sess.ConnID,
		"target":  target,
	})

	_ = conn.SetReadDeadline(time.Now().Add(h.config.IdleTimeout))
	next, err := br.Peek(1)
	if err != nil {
		return
	}
	if next[0] == recordTypeHandshake {
		host, _, _ := net.SplitHostPort(target)
		sni, err := peekSNI(br)
		if err == nil && sni != "" {
			host = sni
		}
		h.handleTLS(ctx, conn, br, sess, host)
		return
	}

	// CONNECT内の平文HTTP
	h.serveExchanges(ctx, conn, br, sess, nil)
}

// serveExchanges はキープアライブ接続上のリクエストを順に処理する.
// firstが指定されていれば最初のリクエストとして扱う.
func (h *ProxyHandler) serveExchanges(
	ctx context.Context, conn net.Conn, br *bufio.Reader, sess *domain.Session, first *domain.Request,
) {
	reader := httpwire.NewReader(br, h.config.MaxBodySize)
	for {
		req := first
		first = nil
		if req == nil {
			_ = conn.SetReadDeadline(time.Now().Add(h.config.IdleTimeout))
			var err error
			req, err = reader.ReadRequest()
			if err != nil {
				h.readFailed(conn, sess, err)
				return
			}
		}
		_ = conn.SetReadDeadline(time.Time{})
		h.metrics.AddBytesTransferred("client_in", req.Size)

		exCtx, cancel := context.WithCancel(ctx)
		stop := watchClose(conn, br, cancel)
		res := h.proxyUseCase.Exchange(exCtx, sess, req)
		stop()

		if res.Response == nil {
			cancel()
			return
		}
		n, err := httpwire.WriteResponse(conn, res.Response)
		h.metrics.AddBytesTransferred("client_out", int64(n))
		if err != nil {
			cancel()
			h.logger.Debug("Failed to write response", map[string]interface{}{
				"conn_id": sess.ConnID,
				"error":   err.Error(),
			})
			if res.Upgrade != nil {
				res.Upgrade.Close()
			}
			return
		}

		if res.Upgrade != nil {
			err := h.proxyUseCase.RelayUpgrade(exCtx, conn, br, res.Upgrade)
			cancel()
			if err != nil && !errors.Is(err, context.Canceled) {
				h.logger.Debug("Upgraded relay ended", map[string]interface{}{
					"conn_id": sess.ConnID,
					"error":   err.Error(),
				})
			}
			return
		}
		cancel()
		if res.Close {
			return
		}
	}
}

// readFailed はリクエストの読み込み失敗を処理する. パースエラーは失敗として記録して400を返す
func (h *ProxyHandler) readFailed(conn net.Conn, sess *domain.Session, err error) {
	var pe *domain.ParseError
	if !errors.As(err, &pe) {
		if !errors.Is(err, io.EOF) && !isTimeout(err) && !errors.Is(err, net.ErrClosed) {
			h.metrics.RecordError()
			h.logger.Debug("Client read failed", map[string]interface{}{
				"conn_id": sess.ConnID,
				"error":   err.Error(),
			})
		}
		return
	}

	h.metrics.RecordError()
	h.proxyUseCase.RecordMalformed(sess, pe)
	h.logger.Warn("Malformed client request", map[string]interface{}{
		"conn_id": sess.ConnID,
		"client":  sess.ClientAddr,
		"error":   pe.Error(),
	})
	resp := domain.NewSyntheticResponse(400, "Bad Request", pe.Error()+"\n")
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_, _ = httpwire.WriteResponse(conn, resp)
}

// watchClose はエクスチェンジ処理中にクライアントの切断を監視し、切断されたらcancelを呼ぶ.
// 返り値の関数で監視を止める. パイプライン化された次のリクエストは読み残す.
func watchClose(conn net.Conn, br *bufio.Reader, cancel context.CancelFunc) func() {
	if br.Buffered() > 0 {
		return func() {}
	}
	var stopped sync.Once
	stopping := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := br.Peek(1); err != nil {
			select {
			case <-stopping:
			default:
				cancel()
			}
		}
	}()
	return func() {
		stopped.Do(func() {
			close(stopping)
			_ = conn.SetReadDeadline(time.Unix(1, 0))
			<-done
			_ = conn.SetReadDeadline(time.Time{})
		})
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
