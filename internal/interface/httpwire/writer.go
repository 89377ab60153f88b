package httpwire

import (
	"bytes"
	"io"
	"strconv"

	"interceptor/internal/domain"
)

// SerializeRequest はリクエストをワイヤ表現に変換する.
// チャンク形式のボディは1チャンクにまとめて出力する.
func SerializeRequest(req *domain.Request) []byte {
	var b bytes.Buffer
	b.Grow(256 + len(req.Body))
	b.WriteString(req.Method)
	b.WriteByte(' ')
	b.WriteString(req.Target)
	b.WriteByte(' ')
	b.WriteString(req.Proto)
	b.WriteString("\r\n")
	writeHeaders(&b, req.Headers)
	writeBody(&b, req.Framing, req.Body, req.Trailers)
	return b.Bytes()
}

// SerializeResponse はレスポンスをワイヤ表現に変換する.
func SerializeResponse(resp *domain.Response) []byte {
	var b bytes.Buffer
	b.Grow(256 + len(resp.Body))
	b.WriteString(resp.Proto)
	b.WriteByte(' ')
	b.WriteString(strconv.Itoa(resp.StatusCode))
	if resp.Reason != "" {
		b.WriteByte(' ')
		b.WriteString(resp.Reason)
	}
	b.WriteString("\r\n")
	writeHeaders(&b, resp.Headers)
	writeBody(&b, resp.Framing, resp.Body, resp.Trailers)
	return b.Bytes()
}

// WriteRequest はリクエストをwに書き込み、書き込んだバイト数を返す.
func WriteRequest(w io.Writer, req *domain.Request) (int, error) {
	return w.Write(SerializeRequest(req))
}

// WriteResponse はレスポンスをwに書き込み、書き込んだバイト数を返す.
func WriteResponse(w io.Writer, resp *domain.Response) (int, error) {
	return w.Write(SerializeResponse(resp))
}

func writeHeaders(b *bytes.Buffer, headers domain.Headers) {
	for _, h := range headers {
		b.WriteString(h.Name)
		b.WriteString(": ")
		b.WriteString(h.Value)
		b.WriteString("\r\n")
	}
	b.WriteString("\r\n")
}

func writeBody(b *bytes.Buffer, framing domain.Framing, body []byte, trailers domain.Headers) {
	switch framing {
	case domain.FramingLength, domain.FramingClose:
		b.Write(body)
	case domain.FramingChunked:
		if len(body) > 0 {
			b.WriteString(strconv.FormatInt(int64(len(body)), 16))
			b.WriteString("\r\n")
			b.Write(body)
			b.WriteString("\r\n")
		}
		b.WriteString("0\r\n")
		writeHeaders(b, trailers)
	}
}
