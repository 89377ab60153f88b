package httpwire

import (
	"bufio"
	"bytes"
	"io"

	"interceptor/internal/domain"
)

// Codec はdomain.MessageCodecの実装.
type Codec struct {
	MaxBodySize int64
}

var _ domain.MessageCodec = Codec{}

// ParseRequest はバイト列全体を1件のリクエストとしてパースする.
func (c Codec) ParseRequest(raw []byte) (*domain.Request, error) {
	r := NewReader(bufio.NewReader(bytes.NewReader(raw)), c.MaxBodySize)
	req, err := r.ReadRequest()
	if err != nil {
		return nil, wholeMessage(err)
	}
	if err := r.expectEnd(); err != nil {
		return nil, err
	}
	return req, nil
}

// ParseResponse はバイト列全体をmethodに対するレスポンスとしてパースする.
func (c Codec) ParseResponse(raw []byte, method string) (*domain.Response, error) {
	r := NewReader(bufio.NewReader(bytes.NewReader(raw)), c.MaxBodySize)
	resp, err := r.ReadResponse(method)
	if err != nil {
		return nil, wholeMessage(err)
	}
	if err := r.expectEnd(); err != nil {
		return nil, err
	}
	return resp, nil
}

func (Codec) SerializeRequest(req *domain.Request) []byte {
	return SerializeRequest(req)
}

func (Codec) SerializeResponse(resp *domain.Response) []byte {
	return SerializeResponse(resp)
}

// ReadResponse はbrから1件のレスポンスを読み込む. brは接続ごとに使い回す.
func (c Codec) ReadResponse(br *bufio.Reader, method string) (*domain.Response, error) {
	return NewReader(br, c.MaxBodySize).ReadResponse(method)
}

// expectEnd はメッセージの後に余分なデータがないことを確認する.
func (r *Reader) expectEnd() error {
	rest, _ := io.ReadAll(r.br)
	if len(bytes.TrimSpace(rest)) > 0 {
		return &domain.ParseError{Reason: "trailing data after message"}
	}
	return nil
}

func wholeMessage(err error) error {
	if err == io.EOF {
		return &domain.ParseError{Reason: "empty message"}
	}
	return err
}
