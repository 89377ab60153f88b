package cert

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/coder/quartz"
	"golang.org/x/sync/singleflight"

	"interceptor/internal/domain"
)

const (
	defaultLeafValidity = 30 * 24 * time.Hour
	defaultRenewBefore  = time.Hour
	rootValidity        = 10 * 365 * 24 * time.Hour
	// 端末の時計ずれを許容するためNotBeforeを過去にずらす
	backdate = time.Hour
)

// Config は認証局の設定を表す
type Config struct {
	// Dir が空でない場合、ルート証明書をここから読み込み、なければ生成して保存する
	Dir          string
	LeafValidity time.Duration
	RenewBefore  time.Duration
	Clock        quartz.Clock
	Metrics      domain.MetricsCollector
	Logger       domain.Logger
}

// Repository はプロセス内の認証局とリーフ証明書キャッシュの実装
type Repository struct {
	root    *x509.Certificate
	rootKey crypto.Signer
	rootPEM []byte

	mu      sync.RWMutex
	entries map[string]*Entry
	group   singleflight.Group

	leafValidity time.Duration
	renewBefore  time.Duration
	clock        quartz.Clock
	metrics      domain.MetricsCollector
	logger       domain.Logger
}

var _ domain.CertificateAuthority = (*Repository)(nil)

// New は新しいRepositoryインスタンスを作成
func New(cfg Config) (*Repository, error) {
	if cfg.LeafValidity <= 0 {
		cfg.LeafValidity = defaultLeafValidity
	}
	if cfg.RenewBefore <= 0 {
		cfg.RenewBefore = defaultRenewBefore
	}
	if cfg.Clock == nil {
		cfg.Clock = quartz.NewReal()
	}

	r := &Repository{
		entries:      make(map[string]*Entry),
		leafValidity: cfg.LeafValidity,
		renewBefore:  cfg.RenewBefore,
		clock:        cfg.Clock,
		metrics:      cfg.Metrics,
		logger:       cfg.Logger,
	}

	if cfg.Dir != "" {
		root, key, err := loadRoot(cfg.Dir)
		if err != nil {
			return nil, fmt.Errorf("load root certificate: %w", err)
		}
		if root != nil {
			r.setRoot(root, key)
			r.logf("Loaded root certificate", map[string]interface{}{"dir": cfg.Dir, "not_after": root.NotAfter})
			return r, nil
		}
	}

	der, key, err := r.generateRoot()
	if err != nil {
		return nil, fmt.Errorf("generate root certificate: %w", err)
	}
	root, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	r.setRoot(root, key)

	if cfg.Dir != "" {
		if err := saveRoot(cfg.Dir, der, key); err != nil {
			return nil, fmt.Errorf("save root certificate: %w", err)
		}
		r.logf("Generated and saved root certificate", map[string]interface{}{"dir": cfg.Dir})
	}
	return r, nil
}

// RootCertificatePEM はクライアントに配布するルート証明書を返す
func (r *Repository) RootCertificatePEM() []byte {
	out := make([]byte, len(r.rootPEM))
	copy(out, r.rootPEM)
	return out
}

// Root は解析済みのルート証明書を返す
func (r *Repository) Root() *x509.Certificate {
	return r.root
}

// LeafCertificate はhostnameのリーフ証明書を返す.
// 同じホストへの同時要求は1回の発行を共有する.
func (r *Repository) LeafCertificate(hostname string) (*domain.CertificateEntry, error) {
	host := normalizeHost(hostname)
	if host == "" {
		return nil, &domain.CertificateIssuanceError{Host: hostname, Err: errors.New("empty hostname")}
	}

	if e, ok := r.lookup(host); ok {
		return e.CertificateEntry, nil
	}

	v, err, _ := r.group.Do(host, func() (interface{}, error) {
		// 別の呼び出しが既に発行している場合
		if e, ok := r.lookup(host); ok {
			return e, nil
		}

		ce, err := r.issue(host)
		if err != nil {
			return nil, &domain.CertificateIssuanceError{Host: host, Err: err}
		}
		e := NewEntry(ce, r.clock.Now(), r.renewBefore)

		r.mu.Lock()
		r.entries[host] = e
		r.mu.Unlock()

		if r.metrics != nil {
			r.metrics.RecordCertificateIssued()
		}
		return e, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Entry).CertificateEntry, nil
}

// Len はキャッシュ済みの証明書数を返す
func (r *Repository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

func (r *Repository) lookup(host string) (*Entry, bool) {
	r.mu.RLock()
	e, ok := r.entries[host]
	r.mu.RUnlock()
	if !ok || e.IsExpired(r.clock.Now()) {
		return nil, false
	}
	return e, true
}

func (r *Repository) setRoot(root *x509.Certificate, key crypto.Signer) {
	r.root = root
	r.rootKey = key
	r.rootPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: root.Raw})
}

func (r *Repository) generateRoot() ([]byte, crypto.Signer, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	serial, err := randomSerial()
	if err != nil {
		return nil, nil, err
	}
	now := r.clock.Now()
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   "Interceptor Root CA",
			Organization: []string{"Interceptor"},
		},
		NotBefore:             now.Add(-backdate),
		NotAfter:              now.Add(rootValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLenZero:        true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, key.Public(), key)
	if err != nil {
		return nil, nil, err
	}
	return der, key, nil
}

func (r *Repository) issue(host string) (*domain.CertificateEntry, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}

	now := r.clock.Now()
	notAfter := now.Add(r.leafValidity)
	if notAfter.After(r.root.NotAfter) {
		notAfter = r.root.NotAfter
	}
	if !notAfter.After(now) {
		return nil, errors.New("root certificate has expired")
	}

	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: host, Organization: []string{"Interceptor"}},
		NotBefore:    now.Add(-backdate),
		NotAfter:     notAfter,
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	if ip := net.ParseIP(host); ip != nil {
		tmpl.IPAddresses = []net.IP{ip}
	} else {
		tmpl.DNSNames = []string{host}
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, r.root, key.Public(), r.rootKey)
	if err != nil {
		return nil, fmt.Errorf("sign leaf: %w", err)
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}

	return &domain.CertificateEntry{
		Hostname: host,
		Certificate: &tls.Certificate{
			Certificate: [][]byte{der, r.root.Raw},
			PrivateKey:  key,
			Leaf:        leaf,
		},
		Leaf:       leaf,
		PrivateKey: key,
		NotAfter:   notAfter,
	}, nil
}

func (r *Repository) logf(msg string, fields map[string]interface{}) {
	if r.logger != nil {
		r.logger.Info(msg, fields)
	}
}

func randomSerial() (*big.Int, error) {
	return rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
}

// normalizeHost はポート、末尾のドット、IPv6の括弧を取り除き小文字化する
func normalizeHost(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.TrimSuffix(strings.Trim(host, "[]"), ".")
	return strings.ToLower(host)
}
