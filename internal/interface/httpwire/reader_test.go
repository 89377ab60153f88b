package httpwire

import (
	"bufio"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"interceptor/internal/domain"
)

func newTestReader(s string) *Reader {
	return NewReader(bufio.NewReader(strings.NewReader(s)), 1024)
}

func TestReadRequest_PreservesHeaderOrderAndCase(t *testing.T) {
	raw := "POST /login?next=%2F HTTP/1.1\r\n" +
		"Host: a.test\r\n" +
		"X-Custom-CASE: one\r\n" +
		"Cookie: a=1\r\n" +
		"cookie: b=2\r\n" +
		"Content-Length: 5\r\n" +
		"\r\n" +
		"hello"

	req, err := newTestReader(raw).ReadRequest()
	require.NoError(t, err)

	assert.Equal(t, "POST", req.Method)
	assert.Equal(t, "/login?next=%2F", req.Target)
	assert.Equal(t, "HTTP/1.1", req.Proto)
	assert.Equal(t, domain.Headers{
		{Name: "Host", Value: "a.test"},
		{Name: "X-Custom-CASE", Value: "one"},
		{Name: "Cookie", Value: "a=1"},
		{Name: "cookie", Value: "b=2"},
		{Name: "Content-Length", Value: "5"},
	}, req.Headers)
	assert.Equal(t, []string{"a=1", "b=2"}, req.Headers.Values("COOKIE"))
	assert.Equal(t, []byte("hello"), req.Body)
	assert.Equal(t, domain.FramingLength, req.Framing)
	assert.Equal(t, int64(len(raw)), req.Size)
}

func TestReadRequest_ChunkedWithTrailers(t *testing.T) {
	raw := "POST /upload HTTP/1.1\r\n" +
		"Host: a.test\r\n" +
		"Transfer-Encoding: chunked\r\n" +
		"\r\n" +
		"5;ext=1\r\nhello\r\n" +
		"6\r\n world\r\n" +
		"0\r\n" +
		"X-Checksum: abc\r\n" +
		"\r\n"

	req, err := newTestReader(raw).ReadRequest()
	require.NoError(t, err)
	assert.Equal(t, domain.FramingChunked, req.Framing)
	assert.Equal(t, "hello world", string(req.Body))
	assert.Equal(t, domain.Headers{{Name: "X-Checksum", Value: "abc"}}, req.Trailers)
	assert.Equal(t, int64(len(raw)), req.Size)
}

func TestReadRequest_KeepAliveSequence(t *testing.T) {
	raw := "GET /a HTTP/1.1\r\nHost: a.test\r\n\r\n" +
		"GET /b HTTP/1.1\r\nHost: a.test\r\n\r\n"
	r := newTestReader(raw)

	first, err := r.ReadRequest()
	require.NoError(t, err)
	assert.Equal(t, "/a", first.Target)
	assert.Equal(t, domain.FramingNone, first.Framing)
	assert.Nil(t, first.Body)

	second, err := r.ReadRequest()
	require.NoError(t, err)
	assert.Equal(t, "/b", second.Target)

	_, err = r.ReadRequest()
	assert.Equal(t, io.EOF, err)
}

func TestReadRequest_Malformed(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"missing version", "GET /\r\n\r\n"},
		{"bad version", "GET / HTTP/one\r\n\r\n"},
		{"space in method", "G ET / HTTP/1.1\r\n\r\n"},
		{"header without colon", "GET / HTTP/1.1\r\nHost a.test\r\n\r\n"},
		{"space before colon", "GET / HTTP/1.1\r\nHost : a.test\r\n\r\n"},
		{"obs fold", "GET / HTTP/1.1\r\nX-A: 1\r\n  continued\r\n\r\n"},
		{"conflicting content-length", "POST / HTTP/1.1\r\nContent-Length: 1\r\nContent-Length: 2\r\n\r\nab"},
		{"negative content-length", "POST / HTTP/1.1\r\nContent-Length: -1\r\n\r\n"},
		{"truncated body", "POST / HTTP/1.1\r\nContent-Length: 10\r\n\r\nabc"},
		{"bad chunk size", "POST / HTTP/1.1\r\nTransfer-Encoding: chunked\r\n\r\nzz\r\n"},
		{"unterminated chunk", "POST / HTTP/1.1\r\nTransfer-Encoding: chunked\r\n\r\n5\r\nhel"},
		{"missing chunk terminator", "POST / HTTP/1.1\r\nTransfer-Encoding: chunked\r\n\r\n2\r\nabXY\r\n0\r\n\r\n"},
		{"unsupported transfer-encoding", "POST / HTTP/1.1\r\nTransfer-Encoding: gzip\r\n\r\n"},
		{"headers cut off", "GET / HTTP/1.1\r\nHost: a.test\r\n"},
		{"body too large", "POST / HTTP/1.1\r\nContent-Length: 4096\r\n\r\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newTestReader(tt.raw).ReadRequest()
			require.Error(t, err)
			assert.True(t, errors.Is(err, domain.ErrMalformedMessage), "got %v", err)

			var pe *domain.ParseError
			assert.True(t, errors.As(err, &pe))
		})
	}
}

func TestReadResponse_Framing(t *testing.T) {
	tests := []struct {
		name    string
		method  string
		raw     string
		framing domain.Framing
		body    string
	}{
		{
			name:    "content-length",
			method:  "GET",
			raw:     "HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok",
			framing: domain.FramingLength,
			body:    "ok",
		},
		{
			name:    "close delimited",
			method:  "GET",
			raw:     "HTTP/1.0 200 OK\r\nContent-Type: text/plain\r\n\r\nuntil the end",
			framing: domain.FramingClose,
			body:    "until the end",
		},
		{
			name:    "head has no body",
			method:  "HEAD",
			raw:     "HTTP/1.1 200 OK\r\nContent-Length: 100\r\n\r\n",
			framing: domain.FramingNone,
		},
		{
			name:    "no content",
			method:  "DELETE",
			raw:     "HTTP/1.1 204 No Content\r\n\r\n",
			framing: domain.FramingNone,
		},
		{
			name:    "not modified",
			method:  "GET",
			raw:     "HTTP/1.1 304 Not Modified\r\nETag: \"x\"\r\n\r\n",
			framing: domain.FramingNone,
		},
		{
			name:    "interim response skipped",
			method:  "POST",
			raw:     "HTTP/1.1 100 Continue\r\n\r\nHTTP/1.1 201 Created\r\nContent-Length: 0\r\n\r\n",
			framing: domain.FramingLength,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := newTestReader(tt.raw).ReadResponse(tt.method)
			require.NoError(t, err)
			assert.Equal(t, tt.framing, resp.Framing)
			assert.Equal(t, tt.body, string(resp.Body))
		})
	}
}

func TestReadResponse_EmptyReason(t *testing.T) {
	resp, err := newTestReader("HTTP/1.1 299\r\nContent-Length: 0\r\n\r\n").ReadResponse("GET")
	require.NoError(t, err)
	assert.Equal(t, 299, resp.StatusCode)
	assert.Equal(t, "", resp.Reason)
}

func TestReadResponse_BadStatus(t *testing.T) {
	for _, raw := range []string{
		"HTTP/1.1 20 OK\r\n\r\n",
		"HTTP/1.1 abc OK\r\n\r\n",
		"HTTX/1.1 200 OK\r\n\r\n",
	} {
		_, err := newTestReader(raw).ReadResponse("GET")
		assert.ErrorIs(t, err, domain.ErrMalformedMessage, raw)
	}
}
