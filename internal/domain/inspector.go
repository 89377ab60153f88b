package domain

import (
	"bufio"
	"context"
	"time"
)

// Phase はパイプラインの段階.
type Phase string

const (
	PhaseRequest  Phase = "request"
	PhaseResponse Phase = "response"
)

// Verdict はインスペクタの判定種別.
type Verdict int

const (
	VerdictPass Verdict = iota
	VerdictAnnotate
	VerdictMutate
	VerdictBlock
)

func (v Verdict) String() string {
	switch v {
	case VerdictAnnotate:
		return "annotate"
	case VerdictMutate:
		return "mutate"
	case VerdictBlock:
		return "block"
	default:
		return "pass"
	}
}

// InspectorResult はインスペクタ1回分の結果.
type InspectorResult struct {
	Verdict    Verdict
	Annotation Annotation
	// Message はmutate時の新しいメッセージのワイヤ表現.
	Message []byte
	Reason  string
}

func PassThrough() InspectorResult {
	return InspectorResult{Verdict: VerdictPass}
}

func Annotate(a Annotation) InspectorResult {
	return InspectorResult{Verdict: VerdictAnnotate, Annotation: a}
}

func Mutate(raw []byte) InspectorResult {
	return InspectorResult{Verdict: VerdictMutate, Message: raw}
}

func Block(reason string) InspectorResult {
	return InspectorResult{Verdict: VerdictBlock, Reason: reason}
}

// Message はインスペクタに渡されるメッセージ.
// レスポンス段階でもRequestは参照用に設定される.
type Message struct {
	Request  *Request
	Response *Response
}

// Clone はメッセージのディープコピーを返す.
func (m *Message) Clone() *Message {
	return &Message{Request: m.Request.Clone(), Response: m.Response.Clone()}
}

// ExchangeContext はインスペクタが参照できるエクスチェンジ情報.
type ExchangeContext struct {
	ExchangeID string
	ConnID     string
	ClientAddr string
	Scheme     string
	Target     string
	StartedAt  time.Time
}

// Inspector はパイプラインに登録されるプラグイン.
type Inspector interface {
	Name() string
	Inspect(ctx context.Context, phase Phase, msg *Message, xc ExchangeContext) (InspectorResult, error)
}

// BodyFingerprinter はレスポンスボディを比較するための指紋を計算する.
// Content-Encodingは復号してから計算する.
type BodyFingerprinter interface {
	BodyFingerprint(headers Headers, body []byte) (length int, hash string)
}

// MessageCodec はワイヤ表現と構造化メッセージの相互変換を行う.
type MessageCodec interface {
	ParseRequest(raw []byte) (*Request, error)
	ParseResponse(raw []byte, method string) (*Response, error)
	SerializeRequest(req *Request) []byte
	SerializeResponse(resp *Response) []byte
	// ReadResponse はストリームから1件のレスポンスを読み込む.
	ReadResponse(br *bufio.Reader, method string) (*Response, error)
}
