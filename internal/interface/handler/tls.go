package handler

import (
	"bufio"
	"context"
	"crypto/tls"
	"io"
	"net"

	"interceptor/internal/domain"
)

// bufferedConn は先読み済みのデータを含めて読み込むnet.Conn
type bufferedConn struct {
	net.Conn
	r io.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) { return c.r.Read(p) }

// handleTLS はhost用のリーフ証明書でTLSを終端し、中のエクスチェンジを処理する.
// 証明書を発行できない場合は復号せずにそのまま中継する.
func (h *ProxyHandler) handleTLS(
	ctx context.Context, conn net.Conn, br *bufio.Reader, sess *domain.Session, host string,
) {
	entry, err := h.ca.LeafCertificate(host)
	if err != nil {
		h.metrics.RecordError()
		h.logger.Error("Certificate issuance failed, relaying without interception", err, map[string]interface{}{
			"conn_id": sess.ConnID,
			"host":    host,
		})
		h.proxyUseCase.RecordDegraded(sess, sess.Target, err)
		_ = conn.SetReadDeadline(noDeadline)
		if err := h.proxyUseCase.HandleTunnel(ctx, conn, br, sess.Target); err != nil {
			h.logger.Debug("Degraded relay ended", map[string]interface{}{
				"conn_id": sess.ConnID,
				"error":   err.Error(),
			})
		}
		return
	}

	tlsConn := tls.Server(&bufferedConn{Conn: conn, r: br}, &tls.Config{
		Certificates: []tls.Certificate{*entry.Certificate},
		MinVersion:   tls.VersionTLS12,
		NextProtos:   []string{"http/1.1"},
	})

	hsCtx, cancel := context.WithTimeout(ctx, h.config.HandshakeTimeout)
	err = tlsConn.HandshakeContext(hsCtx)
	cancel()
	if err != nil {
		h.metrics.RecordError()
		h.logger.Warn("Client TLS handshake failed", map[string]interface{}{
			"conn_id": sess.ConnID,
			"host":    host,
			"error":   (&domain.TLSError{Host: host, Err: err}).Error(),
		})
		return
	}

	sess.Scheme = "https"
	h.serveExchanges(ctx, tlsConn, bufio.NewReaderSize(tlsConn, clientBufferSize), sess, nil)
}
