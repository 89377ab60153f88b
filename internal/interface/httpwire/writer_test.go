package httpwire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"interceptor/internal/domain"
)

func TestRequestRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		req  *domain.Request
	}{
		{
			name: "no body",
			req: &domain.Request{
				Method: "GET", Target: "/", Proto: "HTTP/1.1",
				Headers: domain.Headers{{Name: "Host", Value: "a.test"}, {Name: "accept", Value: "*/*"}},
				Framing: domain.FramingNone,
			},
		},
		{
			name: "length body with duplicate headers",
			req: &domain.Request{
				Method: "POST", Target: "http://a.test/form", Proto: "HTTP/1.1",
				Headers: domain.Headers{
					{Name: "Host", Value: "a.test"},
					{Name: "X-Dup", Value: "1"},
					{Name: "x-dup", Value: "2"},
					{Name: "Content-Length", Value: "7"},
				},
				Body:    []byte("a=1&b=2"),
				Framing: domain.FramingLength,
			},
		},
		{
			name: "chunked with trailers",
			req: &domain.Request{
				Method: "PUT", Target: "/blob", Proto: "HTTP/1.1",
				Headers:  domain.Headers{{Name: "Transfer-Encoding", Value: "chunked"}},
				Body:     []byte("0123456789abcdef0123"),
				Trailers: domain.Headers{{Name: "Digest", Value: "sha-256=x"}},
				Framing:  domain.FramingChunked,
			},
		},
	}

	codec := Codec{}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := SerializeRequest(tt.req)
			got, err := codec.ParseRequest(raw)
			require.NoError(t, err)

			want := tt.req.Clone()
			want.Size = int64(len(raw))
			assert.Equal(t, want, got)
			assert.Equal(t, raw, SerializeRequest(got))
		})
	}
}

func TestResponseRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		resp *domain.Response
	}{
		{
			name: "length",
			resp: &domain.Response{
				Proto: "HTTP/1.1", StatusCode: 200, Reason: "OK",
				Headers: domain.Headers{{Name: "Content-Length", Value: "2"}, {Name: "Set-Cookie", Value: "a=1"}, {Name: "Set-Cookie", Value: "b=2"}},
				Body:    []byte("ok"),
				Framing: domain.FramingLength,
			},
		},
		{
			name: "close delimited",
			resp: &domain.Response{
				Proto: "HTTP/1.0", StatusCode: 404, Reason: "Not Found",
				Headers: domain.Headers{{Name: "Server", Value: "x"}},
				Body:    []byte("missing"),
				Framing: domain.FramingClose,
			},
		},
		{
			name: "chunked empty body",
			resp: &domain.Response{
				Proto: "HTTP/1.1", StatusCode: 200, Reason: "OK",
				Headers: domain.Headers{{Name: "Transfer-Encoding", Value: "chunked"}},
				Framing: domain.FramingChunked,
			},
		},
	}

	codec := Codec{}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := SerializeResponse(tt.resp)
			got, err := codec.ParseResponse(raw, "GET")
			require.NoError(t, err)

			want := tt.resp.Clone()
			want.Size = int64(len(raw))
			assert.Equal(t, want, got)
		})
	}
}

func TestCodec_RejectsTrailingData(t *testing.T) {
	_, err := Codec{}.ParseRequest([]byte("POST / HTTP/1.1\r\nContent-Length: 1\r\n\r\nabc"))
	assert.ErrorIs(t, err, domain.ErrMalformedMessage)

	_, err = Codec{}.ParseRequest(nil)
	assert.ErrorIs(t, err, domain.ErrMalformedMessage)
}
