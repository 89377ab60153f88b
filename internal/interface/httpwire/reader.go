package httpwire

import (
	"bufio"
	"errors"
	"io"
	"strconv"
	"strings"

	"interceptor/internal/domain"
)

const (
	// DefaultMaxBodySize はボディサイズの既定上限.
	DefaultMaxBodySize = 32 << 20

	maxLineLength = 64 << 10
	maxHeaders    = 1000
)

// Reader はバッファ付きストリームからHTTP/1.xメッセージを読み取る.
// 1つのReaderは同じ接続上のメッセージを順番に読むために使い回す.
type Reader struct {
	br      *bufio.Reader
	maxBody int64
	n       int64
}

// NewReader は新しいReaderインスタンスを作成
func NewReader(br *bufio.Reader, maxBody int64) *Reader {
	if maxBody <= 0 {
		maxBody = DefaultMaxBodySize
	}
	return &Reader{br: br, maxBody: maxBody}
}

// Buffered は内部のbufio.Readerを返す.
func (r *Reader) Buffered() *bufio.Reader {
	return r.br
}

// ReadRequest はリクエストを1件読み取る.
// 最初のバイトを読む前に接続が閉じられた場合はio.EOFを返す.
func (r *Reader) ReadRequest() (*domain.Request, error) {
	r.n = 0
	line, err := r.readLine()
	if err != nil {
		return nil, err
	}
	// メッセージ間の空行は無視する
	for line == "" {
		if line, err = r.next(); err != nil {
			return nil, err
		}
	}

	method, target, proto, err := parseRequestLine(line)
	if err != nil {
		return nil, err
	}
	headers, err := r.readHeaders()
	if err != nil {
		return nil, err
	}

	req := &domain.Request{
		Method:  method,
		Target:  target,
		Proto:   proto,
		Headers: headers,
	}
	framing, length, err := requestFraming(headers)
	if err != nil {
		return nil, err
	}
	req.Framing = framing
	if req.Body, req.Trailers, err = r.readBody(framing, length); err != nil {
		return nil, err
	}
	req.Size = r.n
	return req, nil
}

// ReadResponse はmethodに対するレスポンスを1件読み取る.
// 101以外の1xx中間レスポンスは読み飛ばす.
func (r *Reader) ReadResponse(method string) (*domain.Response, error) {
	for {
		r.n = 0
		line, err := r.readLine()
		if err != nil {
			return nil, err
		}
		proto, code, reason, err := parseStatusLine(line)
		if err != nil {
			return nil, err
		}
		headers, err := r.readHeaders()
		if err != nil {
			return nil, err
		}
		if code >= 100 && code < 200 && code != 101 {
			continue
		}

		resp := &domain.Response{
			Proto:      proto,
			StatusCode: code,
			Reason:     reason,
			Headers:    headers,
		}
		framing, length, err := responseFraming(headers, method, code)
		if err != nil {
			return nil, err
		}
		resp.Framing = framing
		if resp.Body, resp.Trailers, err = r.readBody(framing, length); err != nil {
			return nil, err
		}
		resp.Size = r.n
		return resp, nil
	}
}

// readLine はCRLF(またはLF)で終わる1行を読む.
func (r *Reader) readLine() (string, error) {
	var line []byte
	for {
		frag, err := r.br.ReadSlice('\n')
		r.n += int64(len(frag))
		line = append(line, frag...)
		if len(line) > maxLineLength {
			return "", &domain.ParseError{Reason: "line too long"}
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		if err != nil {
			if err == io.EOF && len(line) > 0 {
				return "", &domain.ParseError{Reason: "unexpected end of message"}
			}
			return "", err
		}
		break
	}
	line = line[:len(line)-1]
	if n := len(line); n > 0 && line[n-1] == '\r' {
		line = line[:n-1]
	}
	return string(line), nil
}

// next はメッセージ途中の行を読む. EOFはパースエラーになる.
func (r *Reader) next() (string, error) {
	line, err := r.readLine()
	if err == io.EOF {
		return "", &domain.ParseError{Reason: "unexpected end of message"}
	}
	return line, err
}

func (r *Reader) readHeaders() (domain.Headers, error) {
	var headers domain.Headers
	for {
		line, err := r.next()
		if err != nil {
			return nil, err
		}
		if line == "" {
			return headers, nil
		}
		if line[0] == ' ' || line[0] == '\t' {
			return nil, &domain.ParseError{Reason: "obsolete line folding", Line: line}
		}
		i := strings.IndexByte(line, ':')
		if i <= 0 {
			return nil, &domain.ParseError{Reason: "header line without name", Line: line}
		}
		name := line[:i]
		if !validToken(name) {
			return nil, &domain.ParseError{Reason: "invalid header name", Line: line}
		}
		headers = append(headers, domain.Header{
			Name:  name,
			Value: strings.Trim(line[i+1:], " \t"),
		})
		if len(headers) > maxHeaders {
			return nil, &domain.ParseError{Reason: "too many header fields"}
		}
	}
}

func (r *Reader) readBody(framing domain.Framing, length int64) ([]byte, domain.Headers, error) {
	switch framing {
	case domain.FramingLength:
		if length > r.maxBody {
			return nil, nil, &domain.ParseError{Reason: "body too large"}
		}
		if length == 0 {
			return nil, nil, nil
		}
		body := make([]byte, length)
		n, err := io.ReadFull(r.br, body)
		r.n += int64(n)
		if err != nil {
			return nil, nil, truncated(err)
		}
		return body, nil, nil

	case domain.FramingChunked:
		return r.readChunked()

	case domain.FramingClose:
		body, err := io.ReadAll(io.LimitReader(r.br, r.maxBody+1))
		r.n += int64(len(body))
		if err != nil {
			return nil, nil, err
		}
		if int64(len(body)) > r.maxBody {
			return nil, nil, &domain.ParseError{Reason: "body too large"}
		}
		if len(body) == 0 {
			return nil, nil, nil
		}
		return body, nil, nil
	}
	return nil, nil, nil
}

func (r *Reader) readChunked() ([]byte, domain.Headers, error) {
	var body []byte
	for {
		line, err := r.next()
		if err != nil {
			return nil, nil, err
		}
		sizeField := line
		if i := strings.IndexByte(sizeField, ';'); i >= 0 {
			sizeField = sizeField[:i]
		}
		sizeField = strings.TrimSpace(sizeField)
		size, err := strconv.ParseInt(sizeField, 16, 64)
		if err != nil || size < 0 || sizeField == "" {
			return nil, nil, &domain.ParseError{Reason: "invalid chunk size", Line: line}
		}

		if size == 0 {
			trailers, err := r.readHeaders()
			if err != nil {
				return nil, nil, err
			}
			if len(body) == 0 {
				body = nil
			}
			return body, trailers, nil
		}

		if int64(len(body))+size > r.maxBody {
			return nil, nil, &domain.ParseError{Reason: "body too large"}
		}
		start := len(body)
		body = append(body, make([]byte, size)...)
		n, err := io.ReadFull(r.br, body[start:])
		r.n += int64(n)
		if err != nil {
			return nil, nil, truncated(err)
		}

		end, err := r.next()
		if err != nil {
			return nil, nil, err
		}
		if end != "" {
			return nil, nil, &domain.ParseError{Reason: "missing chunk terminator", Line: end}
		}
	}
}

func truncated(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return &domain.ParseError{Reason: "truncated body"}
	}
	return err
}

func parseRequestLine(line string) (method, target, proto string, err error) {
	parts := strings.Split(line, " ")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" {
		return "", "", "", &domain.ParseError{Reason: "invalid request line", Line: line}
	}
	if !validToken(parts[0]) {
		return "", "", "", &domain.ParseError{Reason: "invalid method", Line: line}
	}
	if !validProto(parts[2]) {
		return "", "", "", &domain.ParseError{Reason: "invalid protocol version", Line: line}
	}
	return parts[0], parts[1], parts[2], nil
}

func parseStatusLine(line string) (proto string, code int, reason string, err error) {
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 || !validProto(parts[0]) {
		return "", 0, "", &domain.ParseError{Reason: "invalid status line", Line: line}
	}
	if len(parts[1]) != 3 {
		return "", 0, "", &domain.ParseError{Reason: "invalid status code", Line: line}
	}
	code, convErr := strconv.Atoi(parts[1])
	if convErr != nil || code < 100 {
		return "", 0, "", &domain.ParseError{Reason: "invalid status code", Line: line}
	}
	if len(parts) == 3 {
		reason = parts[2]
	}
	return parts[0], code, reason, nil
}

func requestFraming(h domain.Headers) (domain.Framing, int64, error) {
	if te := h.Values("Transfer-Encoding"); len(te) > 0 {
		if !lastCodingChunked(te) {
			return "", 0, &domain.ParseError{Reason: "unsupported transfer-encoding"}
		}
		return domain.FramingChunked, 0, nil
	}
	n, ok, err := contentLength(h)
	if err != nil {
		return "", 0, err
	}
	if ok {
		return domain.FramingLength, n, nil
	}
	return domain.FramingNone, 0, nil
}

func responseFraming(h domain.Headers, method string, code int) (domain.Framing, int64, error) {
	if method == "HEAD" || (code >= 100 && code < 200) || code == 204 || code == 304 {
		return domain.FramingNone, 0, nil
	}
	if te := h.Values("Transfer-Encoding"); len(te) > 0 {
		if lastCodingChunked(te) {
			return domain.FramingChunked, 0, nil
		}
		return domain.FramingClose, 0, nil
	}
	n, ok, err := contentLength(h)
	if err != nil {
		return "", 0, err
	}
	if ok {
		return domain.FramingLength, n, nil
	}
	return domain.FramingClose, 0, nil
}

func lastCodingChunked(values []string) bool {
	codings := strings.Split(strings.Join(values, ","), ",")
	return strings.EqualFold(strings.TrimSpace(codings[len(codings)-1]), "chunked")
}

// contentLength は全てのContent-Length値が一致する場合のみ長さを返す.
func contentLength(h domain.Headers) (int64, bool, error) {
	values := h.Values("Content-Length")
	if len(values) == 0 {
		return 0, false, nil
	}
	var n int64 = -1
	for _, v := range values {
		for _, field := range strings.Split(v, ",") {
			field = strings.TrimSpace(field)
			if field == "" || strings.TrimLeft(field, "0123456789") != "" {
				return 0, false, &domain.ParseError{Reason: "invalid content-length", Line: v}
			}
			parsed, err := strconv.ParseInt(field, 10, 64)
			if err != nil {
				return 0, false, &domain.ParseError{Reason: "invalid content-length", Line: v}
			}
			if n >= 0 && parsed != n {
				return 0, false, &domain.ParseError{Reason: "conflicting content-length", Line: v}
			}
			n = parsed
		}
	}
	return n, true, nil
}

func validProto(p string) bool {
	if len(p) != 8 || !strings.HasPrefix(p, "HTTP/") || p[6] != '.' {
		return false
	}
	return isDigit(p[5]) && isDigit(p[7])
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func validToken(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if !isTokenChar(s[i]) {
			return false
		}
	}
	return true
}

func isTokenChar(c byte) bool {
	if c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || isDigit(c) {
		return true
	}
	return strings.IndexByte("!#$%&'*+-.^_`|~", c) >= 0
}
