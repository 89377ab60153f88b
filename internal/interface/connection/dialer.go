package connection

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	utls "github.com/refraction-networking/utls"
	"golang.org/x/net/proxy"

	"interceptor/internal/domain"
)

const defaultDialTimeout = 10 * time.Second

// fingerprints は上流TLSで模倣できるブラウザのClientHello
var fingerprints = map[string]utls.ClientHelloID{
	"chrome":  utls.HelloChrome_Auto,
	"firefox": utls.HelloFirefox_Auto,
	"safari":  utls.HelloSafari_Auto,
	"ios":     utls.HelloIOS_Auto,
	"edge":    utls.HelloEdge_Auto,
}

// DialerConfig は上流ダイアラーの設定を表す
type DialerConfig struct {
	Timeout time.Duration
	// UpstreamProxy はsocks5://またはsocks5h://形式のプロキシURL
	UpstreamProxy string
	// TLSFingerprint が空でなければ上流TLSでブラウザのClientHelloを使う
	TLSFingerprint     string
	InsecureSkipVerify bool
	RootCAs            *x509.CertPool
}

// Dialer は上流への接続を確立する
type Dialer struct {
	timeout     time.Duration
	forward     proxy.ContextDialer
	helloID     *utls.ClientHelloID
	skipVerify  bool
	rootCAs     *x509.CertPool
	proxyServer string
}

var _ domain.Dialer = (*Dialer)(nil)

// NewDialer は新しいDialerインスタンスを作成
func NewDialer(cfg DialerConfig) (*Dialer, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultDialTimeout
	}
	base := &net.Dialer{
		Timeout:   cfg.Timeout,
		KeepAlive: 30 * time.Second,
	}

	d := &Dialer{
		timeout:    cfg.Timeout,
		forward:    base,
		skipVerify: cfg.InsecureSkipVerify,
		rootCAs:    cfg.RootCAs,
	}

	if cfg.UpstreamProxy != "" {
		u, err := url.Parse(cfg.UpstreamProxy)
		if err != nil {
			return nil, fmt.Errorf("invalid upstream proxy: %w", err)
		}
		scheme := strings.ToLower(u.Scheme)
		if scheme != "socks5" && scheme != "socks5h" {
			return nil, fmt.Errorf("unsupported upstream proxy scheme %q, supported: socks5, socks5h", u.Scheme)
		}
		pd, err := proxy.FromURL(u, base)
		if err != nil {
			return nil, fmt.Errorf("upstream proxy: %w", err)
		}
		cd, ok := pd.(proxy.ContextDialer)
		if !ok {
			return nil, fmt.Errorf("upstream proxy dialer does not support context")
		}
		d.forward = cd
		d.proxyServer = u.Host
	}

	if cfg.TLSFingerprint != "" {
		id, ok := fingerprints[strings.ToLower(cfg.TLSFingerprint)]
		if !ok {
			return nil, fmt.Errorf("unknown tls fingerprint %q", cfg.TLSFingerprint)
		}
		d.helloID = &id
	}

	return d, nil
}

// Dial はkeyに接続し、httpsの場合はTLSハンドシェイクまで行う
func (d *Dialer) Dial(ctx context.Context, key domain.UpstreamKey) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	conn, err := d.forward.DialContext(ctx, "tcp", key.Addr())
	if err != nil {
		return nil, &domain.UpstreamConnectError{Host: key.Addr(), Err: err}
	}
	if key.Scheme != "https" {
		return conn, nil
	}

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	tlsConn, err := d.handshake(ctx, conn, key.Host)
	if err != nil {
		conn.Close()
		return nil, &domain.UpstreamConnectError{
			Host: key.Addr(),
			Err:  &domain.TLSError{Host: key.Host, Err: err},
		}
	}
	tlsConn.SetDeadline(time.Time{})
	return tlsConn, nil
}

func (d *Dialer) handshake(ctx context.Context, conn net.Conn, host string) (net.Conn, error) {
	if d.helloID == nil {
		c := tls.Client(conn, &tls.Config{
			ServerName:         host,
			InsecureSkipVerify: d.skipVerify,
			RootCAs:            d.rootCAs,
			NextProtos:         []string{"http/1.1"},
		})
		if err := c.HandshakeContext(ctx); err != nil {
			return nil, err
		}
		return c, nil
	}

	spec, err := utls.UTLSIdToSpec(*d.helloID)
	if err != nil {
		return nil, err
	}
	// HTTP/1.1しか話さないのでALPNを固定する
	for _, ext := range spec.Extensions {
		if alpn, ok := ext.(*utls.ALPNExtension); ok {
			alpn.AlpnProtocols = []string{"http/1.1"}
		}
	}
	uconn := utls.UClient(conn, &utls.Config{
		ServerName:         host,
		InsecureSkipVerify: d.skipVerify,
		RootCAs:            d.rootCAs,
	}, utls.HelloCustom)
	if err := uconn.ApplyPreset(&spec); err != nil {
		return nil, err
	}
	if err := uconn.HandshakeContext(ctx); err != nil {
		return nil, err
	}
	return uconn, nil
}
