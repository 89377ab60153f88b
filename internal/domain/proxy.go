package domain

import (
	"bufio"
	"context"
	"net"
	"strconv"
	"strings"
	"time"
)

// Framing はメッセージボディの区切り方を表す.
type Framing string

const (
	FramingNone    Framing = "none"
	FramingLength  Framing = "length"
	FramingChunked Framing = "chunked"
	FramingClose   Framing = "close"
)

// Header はヘッダー1行を表す. 名前の大文字小文字は受信したまま保持する.
type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Headers は順序と重複を保持するヘッダーリスト.
type Headers []Header

// Get は名前が一致する最初の値を返す.
func (h Headers) Get(name string) string {
	for _, f := range h {
		if strings.EqualFold(f.Name, name) {
			return f.Value
		}
	}
	return ""
}

// Values は名前が一致する全ての値を出現順に返す.
func (h Headers) Values(name string) []string {
	var out []string
	for _, f := range h {
		if strings.EqualFold(f.Name, name) {
			out = append(out, f.Value)
		}
	}
	return out
}

// Has はヘッダーが存在するかを返す.
func (h Headers) Has(name string) bool {
	for _, f := range h {
		if strings.EqualFold(f.Name, name) {
			return true
		}
	}
	return false
}

// Set は最初の一致を置き換え、残りの一致を削除する. 一致がなければ末尾に追加する.
func (h *Headers) Set(name, value string) {
	out := (*h)[:0]
	found := false
	for _, f := range *h {
		if strings.EqualFold(f.Name, name) {
			if found {
				continue
			}
			found = true
			f.Value = value
		}
		out = append(out, f)
	}
	if !found {
		out = append(out, Header{Name: name, Value: value})
	}
	*h = out
}

// Add は末尾にヘッダーを追加する.
func (h *Headers) Add(name, value string) {
	*h = append(*h, Header{Name: name, Value: value})
}

// Del は名前が一致するヘッダーを全て削除する.
func (h *Headers) Del(name string) {
	out := (*h)[:0]
	for _, f := range *h {
		if !strings.EqualFold(f.Name, name) {
			out = append(out, f)
		}
	}
	*h = out
}

// HasToken はカンマ区切りヘッダーにトークンが含まれるかを返す.
func (h Headers) HasToken(name, token string) bool {
	for _, v := range h.Values(name) {
		for _, t := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(t), token) {
				return true
			}
		}
	}
	return false
}

func (h Headers) Clone() Headers {
	if h == nil {
		return nil
	}
	out := make(Headers, len(h))
	copy(out, h)
	return out
}

// Request はパース済みのHTTPリクエストを表す.
type Request struct {
	Method   string  `json:"method"`
	Target   string  `json:"target"`
	Proto    string  `json:"proto"`
	Headers  Headers `json:"headers"`
	Body     []byte  `json:"body,omitempty"`
	Trailers Headers `json:"trailers,omitempty"`
	Framing  Framing `json:"framing"`
	Size     int64   `json:"size"`
}

// Clone はリクエストのディープコピーを返す.
func (r *Request) Clone() *Request {
	if r == nil {
		return nil
	}
	c := *r
	c.Headers = r.Headers.Clone()
	c.Trailers = r.Trailers.Clone()
	c.Body = cloneBytes(r.Body)
	return &c
}

// KeepAlive はリクエスト後も接続を維持できるかを返す.
func (r *Request) KeepAlive() bool {
	return keepAlive(r.Proto, r.Headers)
}

// Idempotent は同じリクエストを再送しても安全かを返す.
// Idempotency-Keyヘッダーが付いていれば非冪等メソッドでも再送可能とみなす.
func (r *Request) Idempotent() bool {
	switch r.Method {
	case "GET", "HEAD", "OPTIONS", "TRACE", "PUT", "DELETE":
		return true
	}
	return r.Headers.Get("Idempotency-Key") != "" || r.Headers.Get("X-Idempotency-Key") != ""
}

// SyncContentLength はボディ長に合わせてContent-Lengthを更新する.
func (r *Request) SyncContentLength() {
	syncContentLength(&r.Headers, &r.Framing, len(r.Body), r.Method != "GET" && r.Method != "HEAD")
}

// Response はパース済みのHTTPレスポンスを表す.
type Response struct {
	Proto      string  `json:"proto"`
	StatusCode int     `json:"status_code"`
	Reason     string  `json:"reason"`
	Headers    Headers `json:"headers"`
	Body       []byte  `json:"body,omitempty"`
	Trailers   Headers `json:"trailers,omitempty"`
	Framing    Framing `json:"framing"`
	Size       int64   `json:"size"`
}

// Clone はレスポンスのディープコピーを返す.
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	c := *r
	c.Headers = r.Headers.Clone()
	c.Trailers = r.Trailers.Clone()
	c.Body = cloneBytes(r.Body)
	return &c
}

// KeepAlive はレスポンス後も接続を維持できるかを返す.
func (r *Response) KeepAlive() bool {
	return r.Framing != FramingClose && keepAlive(r.Proto, r.Headers)
}

// SyncContentLength はボディ長に合わせてContent-Lengthを更新する.
func (r *Response) SyncContentLength() {
	syncContentLength(&r.Headers, &r.Framing, len(r.Body), true)
}

// NewSyntheticResponse はプロキシ自身が生成するエラーレスポンスを作る.
func NewSyntheticResponse(status int, reason, body string) *Response {
	resp := &Response{
		Proto:      "HTTP/1.1",
		StatusCode: status,
		Reason:     reason,
		Headers: Headers{
			{Name: "Content-Type", Value: "text/plain; charset=utf-8"},
			{Name: "Content-Length", Value: strconv.Itoa(len(body))},
			{Name: "Connection", Value: "close"},
		},
		Framing: FramingLength,
	}
	if body != "" {
		resp.Body = []byte(body)
	}
	return resp
}

func keepAlive(proto string, h Headers) bool {
	if h.HasToken("Connection", "close") {
		return false
	}
	if proto == "HTTP/1.0" {
		return h.HasToken("Connection", "keep-alive")
	}
	return true
}

func syncContentLength(h *Headers, framing *Framing, n int, always bool) {
	if *framing == FramingChunked || *framing == FramingClose {
		return
	}
	if n == 0 && !always && !h.Has("Content-Length") {
		*framing = FramingNone
		return
	}
	h.Set("Content-Length", strconv.Itoa(n))
	*framing = FramingLength
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// UpstreamKey は上流接続プールのキー.
type UpstreamKey struct {
	Scheme string
	Host   string
	Port   string
}

func (k UpstreamKey) Addr() string {
	return net.JoinHostPort(k.Host, k.Port)
}

func (k UpstreamKey) String() string {
	return k.Scheme + "://" + k.Addr()
}

// UpstreamConn はプールから貸し出される上流接続.
type UpstreamConn interface {
	net.Conn
	Reader() *bufio.Reader
	Key() UpstreamKey
	// Reused はプールから再利用された接続かを返す.
	Reused() bool
}

// UpstreamPool は上流接続の管理を担当するインターフェース.
type UpstreamPool interface {
	Acquire(ctx context.Context, key UpstreamKey) (UpstreamConn, error)
	Release(conn UpstreamConn, reusable bool)
	CloseAll() error
}

// Dialer は上流への新規接続を確立する.
type Dialer interface {
	Dial(ctx context.Context, key UpstreamKey) (net.Conn, error)
}

// Session はクライアント接続1本分の情報を表す.
type Session struct {
	ConnID     string
	ClientAddr string
	Scheme     string
	// Target はorigin-formのリクエストを送る先 (host:port). 平文プロキシでは空.
	Target        string
	SkipIntercept bool
	StartedAt     time.Time
}
