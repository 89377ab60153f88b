package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedMessage はHTTPメッセージのフレーミング違反.
	ErrMalformedMessage = errors.New("malformed message")
	ErrUpstreamTimeout  = errors.New("upstream timeout")
	ErrPoolExhausted    = errors.New("upstream pool exhausted")
	ErrAlreadyResolved  = errors.New("intercepted message already resolved")
	ErrNotFound         = errors.New("not found")
	ErrDuplicateID      = errors.New("duplicate exchange id")
)

// ParseError はパース失敗の詳細.
type ParseError struct {
	Reason string
	Line   string
}

func (e *ParseError) Error() string {
	if e.Line == "" {
		return fmt.Sprintf("malformed message: %s", e.Reason)
	}
	return fmt.Sprintf("malformed message: %s: %q", e.Reason, e.Line)
}

func (e *ParseError) Is(target error) bool {
	return target == ErrMalformedMessage
}

// ErrNotAllowed はスコープ外アクセスのエラー.
type ErrNotAllowed struct {
	ClientIP string
	Host     string
}

func (e *ErrNotAllowed) Error() string {
	return fmt.Sprintf("access not allowed for client %s to host %s", e.ClientIP, e.Host)
}

// UpstreamConnectError は上流への接続失敗エラー.
type UpstreamConnectError struct {
	Host string
	Err  error
}

func (e *UpstreamConnectError) Error() string {
	return fmt.Sprintf("failed to connect to host %s: %v", e.Host, e.Err)
}

func (e *UpstreamConnectError) Unwrap() error { return e.Err }

// TLSError はTLSハンドシェイクの失敗.
type TLSError struct {
	Host string
	Err  error
}

func (e *TLSError) Error() string {
	return fmt.Sprintf("tls handshake with %s failed: %v", e.Host, e.Err)
}

func (e *TLSError) Unwrap() error { return e.Err }

// CertificateIssuanceError はリーフ証明書の発行失敗.
type CertificateIssuanceError struct {
	Host string
	Err  error
}

func (e *CertificateIssuanceError) Error() string {
	return fmt.Sprintf("issue certificate for %s: %v", e.Host, e.Err)
}

func (e *CertificateIssuanceError) Unwrap() error { return e.Err }

// InspectorFailure はインスペクタのエラーまたはパニック.
type InspectorFailure struct {
	Inspector string
	Phase     Phase
	Err       error
}

func (e *InspectorFailure) Error() string {
	return fmt.Sprintf("inspector %s failed in %s phase: %v", e.Inspector, e.Phase, e.Err)
}

func (e *InspectorFailure) Unwrap() error { return e.Err }

// BlockedError はインスペクタによるブロック.
type BlockedError struct {
	Inspector string
	Reason    string
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("blocked by %s: %s", e.Inspector, e.Reason)
}
