package domain

import (
	"crypto"
	"crypto/tls"
	"crypto/x509"
	"time"
)

// CertificateEntry はホスト毎に発行したリーフ証明書.
type CertificateEntry struct {
	Hostname    string
	Certificate *tls.Certificate
	Leaf        *x509.Certificate
	PrivateKey  crypto.Signer
	NotAfter    time.Time
}

// CertificateAuthority はリーフ証明書の発行を担当.
type CertificateAuthority interface {
	LeafCertificate(hostname string) (*CertificateEntry, error)
	RootCertificatePEM() []byte
}
