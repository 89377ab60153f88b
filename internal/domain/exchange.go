package domain

import (
	"net"
	"time"
)

// ExchangeState はエクスチェンジの状態を表す.
type ExchangeState string

const (
	StateInFlight ExchangeState = "in-flight"
	StateComplete ExchangeState = "complete"
	StateFailed   ExchangeState = "failed"
	StateBlocked  ExchangeState = "blocked"
	StateDropped  ExchangeState = "dropped"
	StateDegraded ExchangeState = "degraded"
)

// Severity はアノテーションの重要度.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

// Annotation はインスペクタがエクスチェンジに付与する所見.
type Annotation struct {
	Inspector string    `json:"inspector"`
	Kind      string    `json:"kind"`
	Detail    string    `json:"detail"`
	Severity  Severity  `json:"severity"`
	Phase     Phase     `json:"phase"`
	At        time.Time `json:"at"`
}

// Timing はエクスチェンジの計測値.
type Timing struct {
	TTFB  time.Duration `json:"ttfb"`
	Total time.Duration `json:"total"`
}

// Exchange はリクエストとレスポンスの1往復を表す.
// TrafficStoreに追加された後は変更されない.
type Exchange struct {
	ID          string        `json:"id"`
	ConnID      string        `json:"conn_id"`
	ClientAddr  string        `json:"client_addr"`
	Scheme      string        `json:"scheme"`
	Target      string        `json:"target"`
	StartedAt   time.Time     `json:"started_at"`
	CompletedAt time.Time     `json:"completed_at"`
	Request     *Request      `json:"request,omitempty"`
	Response    *Response     `json:"response,omitempty"`
	Timing      Timing        `json:"timing"`
	Annotations []Annotation  `json:"annotations,omitempty"`
	State       ExchangeState `json:"state"`
	Error       string        `json:"error,omitempty"`
}

// Host はターゲットのホスト部分を返す.
func (x *Exchange) Host() string {
	return hostOnly(x.Target)
}

// Clone はエクスチェンジのディープコピーを返す.
func (x *Exchange) Clone() *Exchange {
	if x == nil {
		return nil
	}
	c := *x
	c.Request = x.Request.Clone()
	c.Response = x.Response.Clone()
	if x.Annotations != nil {
		c.Annotations = make([]Annotation, len(x.Annotations))
		copy(c.Annotations, x.Annotations)
	}
	return &c
}

// TrafficFilter はトラフィック検索条件.
type TrafficFilter struct {
	Methods      []string
	StatusMin    int
	StatusMax    int
	HostContains string
	Since        time.Time
	Until        time.Time
	Kind         string
	Limit        int
}

// TrafficStore は完了したエクスチェンジの保存を担当.
type TrafficStore interface {
	Append(x *Exchange) error
	Query(f TrafficFilter) []*Exchange
	Get(id string) (*Exchange, bool)
	Len() int
}

func hostOnly(target string) string {
	if h, _, err := net.SplitHostPort(target); err == nil {
		return h
	}
	return target
}
