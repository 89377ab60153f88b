package inspector

import (
	"context"
	"fmt"
	"net"

	"interceptor/internal/domain"
)

// Scope はブロックリストに該当するリクエストをブロックする
type Scope struct {
	access domain.AccessController
}

var _ domain.Inspector = (*Scope)(nil)

// NewScope は新しいScopeインスペクタを作成
func NewScope(access domain.AccessController) *Scope {
	return &Scope{access: access}
}

func (s *Scope) Name() string { return "scope" }

func (s *Scope) Inspect(
	ctx context.Context, phase domain.Phase, msg *domain.Message, xc domain.ExchangeContext,
) (domain.InspectorResult, error) {
	if phase != domain.PhaseRequest {
		return domain.PassThrough(), nil
	}

	clientIP := xc.ClientAddr
	if h, _, err := net.SplitHostPort(clientIP); err == nil {
		clientIP = h
	}
	host := xc.Target
	if host == "" && msg.Request != nil {
		host = msg.Request.Headers.Get("Host")
	}

	allowed, err := s.access.IsAllowed(clientIP, host)
	if err != nil {
		return domain.InspectorResult{}, fmt.Errorf("access control check failed: %w", err)
	}
	if !allowed {
		return domain.Block((&domain.ErrNotAllowed{ClientIP: clientIP, Host: host}).Error()), nil
	}
	return domain.PassThrough(), nil
}
