package inspector

import (
	"bytes"
	"context"
	"testing"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"interceptor/internal/domain"
	"interceptor/internal/interface/httpwire"
)

func htmlResponse(body string) *domain.Response {
	resp := &domain.Response{
		Proto:      "HTTP/1.1",
		StatusCode: 200,
		Reason:     "OK",
		Headers:    domain.Headers{{Name: "Content-Type", Value: "text/html"}},
		Body:       []byte(body),
		Framing:    domain.FramingLength,
	}
	resp.SyncContentLength()
	return resp
}

func getRequest(target string) *domain.Request {
	return &domain.Request{
		Method:  "GET",
		Target:  target,
		Proto:   "HTTP/1.1",
		Headers: domain.Headers{{Name: "Host", Value: "app.test"}},
		Framing: domain.FramingNone,
	}
}

type fakeAccess struct {
	blockedHost string
	gotIP       string
	gotHost     string
}

func (f *fakeAccess) IsAllowed(clientIP, host string) (bool, error) {
	f.gotIP, f.gotHost = clientIP, host
	return host != f.blockedHost, nil
}

func (f *fakeAccess) Reload() error { return nil }

func TestScope(t *testing.T) {
	access := &fakeAccess{blockedHost: "evil.test:443"}
	s := NewScope(access)
	msg := &domain.Message{Request: getRequest("/")}

	res, err := s.Inspect(context.Background(), domain.PhaseRequest, msg,
		domain.ExchangeContext{ClientAddr: "10.1.1.1:5555", Target: "evil.test:443"})
	require.NoError(t, err)
	assert.Equal(t, domain.VerdictBlock, res.Verdict)
	assert.Contains(t, res.Reason, "evil.test")
	assert.Equal(t, "10.1.1.1", access.gotIP)

	res, err = s.Inspect(context.Background(), domain.PhaseRequest, msg,
		domain.ExchangeContext{ClientAddr: "10.1.1.1:5555", Target: "good.test:443"})
	require.NoError(t, err)
	assert.Equal(t, domain.VerdictPass, res.Verdict)

	res, err = s.Inspect(context.Background(), domain.PhaseResponse, msg,
		domain.ExchangeContext{Target: "evil.test:443"})
	require.NoError(t, err)
	assert.Equal(t, domain.VerdictPass, res.Verdict)
}

func TestRules(t *testing.T) {
	codec := httpwire.Codec{}

	t.Run("header replace", func(t *testing.T) {
		r, err := NewRules([]Rule{
			{Phase: domain.PhaseRequest, Part: "header", Match: "^User-Agent: .*$", Replace: "User-Agent: tester", Regex: true},
		}, codec)
		require.NoError(t, err)

		req := getRequest("/")
		req.Headers.Add("User-Agent", "curl/8")
		res, err := r.Inspect(context.Background(), domain.PhaseRequest, &domain.Message{Request: req}, domain.ExchangeContext{})
		require.NoError(t, err)
		require.Equal(t, domain.VerdictMutate, res.Verdict)

		parsed, err := codec.ParseRequest(res.Message)
		require.NoError(t, err)
		assert.Equal(t, "tester", parsed.Headers.Get("User-Agent"))
		assert.Equal(t, "app.test", parsed.Headers.Get("Host"))
	})

	t.Run("header removal", func(t *testing.T) {
		r, err := NewRules([]Rule{
			{Part: "header", Match: "^Cookie: .*$", Replace: "", Regex: true},
		}, codec)
		require.NoError(t, err)

		req := getRequest("/")
		req.Headers.Add("Cookie", "sid=1")
		res, err := r.Inspect(context.Background(), domain.PhaseRequest, &domain.Message{Request: req}, domain.ExchangeContext{})
		require.NoError(t, err)
		parsed, err := codec.ParseRequest(res.Message)
		require.NoError(t, err)
		assert.False(t, parsed.Headers.Has("Cookie"))
	})

	t.Run("response body literal", func(t *testing.T) {
		r, err := NewRules([]Rule{
			{Phase: domain.PhaseResponse, Part: "body", Match: "secret", Replace: "[redacted]"},
		}, codec)
		require.NoError(t, err)

		resp := htmlResponse("a secret here")
		res, err := r.Inspect(context.Background(), domain.PhaseResponse,
			&domain.Message{Request: getRequest("/"), Response: resp}, domain.ExchangeContext{})
		require.NoError(t, err)
		require.Equal(t, domain.VerdictMutate, res.Verdict)

		parsed, err := codec.ParseResponse(res.Message, "GET")
		require.NoError(t, err)
		assert.Equal(t, "a [redacted] here", string(parsed.Body))
		assert.Equal(t, "17", parsed.Headers.Get("Content-Length"))
	})

	t.Run("no match passes", func(t *testing.T) {
		r, err := NewRules([]Rule{{Part: "body", Match: "zzz"}}, codec)
		require.NoError(t, err)
		res, err := r.Inspect(context.Background(), domain.PhaseRequest,
			&domain.Message{Request: getRequest("/")}, domain.ExchangeContext{})
		require.NoError(t, err)
		assert.Equal(t, domain.VerdictPass, res.Verdict)
	})

	t.Run("invalid rules", func(t *testing.T) {
		_, err := NewRules([]Rule{{Match: "("}}, codec)
		assert.NoError(t, err)
		_, err = NewRules([]Rule{{Match: "(", Regex: true}}, codec)
		assert.Error(t, err)
		_, err = NewRules([]Rule{{Match: "x", Part: "trailer"}}, codec)
		assert.Error(t, err)
		_, err = NewRules([]Rule{{Match: "x", Phase: "both"}}, codec)
		assert.Error(t, err)
	})
}

func TestReflection(t *testing.T) {
	tests := []struct {
		name   string
		target string
		body   string
		want   domain.Verdict
	}{
		{"query reflected", "/search?q=canary1234", "<p>canary1234</p>", domain.VerdictAnnotate},
		{"short values ignored", "/search?q=ab", "<p>ab</p>", domain.VerdictPass},
		{"not reflected", "/search?q=canary1234", "<p>nothing</p>", domain.VerdictPass},
		{"no params", "/", "<p>canary1234</p>", domain.VerdictPass},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := &domain.Message{Request: getRequest(tt.target), Response: htmlResponse(tt.body)}
			res, err := Reflection{}.Inspect(context.Background(), domain.PhaseResponse, msg, domain.ExchangeContext{})
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Verdict)
			if tt.want == domain.VerdictAnnotate {
				assert.Equal(t, "xss-candidate", res.Annotation.Kind)
				assert.Contains(t, res.Annotation.Detail, "q")
			}
		})
	}
}

func TestReflection_FormBody(t *testing.T) {
	req := getRequest("/login")
	req.Method = "POST"
	req.Headers.Add("Content-Type", "application/x-www-form-urlencoded")
	req.Body = []byte("user=alice99&pw=x")
	req.SyncContentLength()

	msg := &domain.Message{Request: req, Response: htmlResponse("hello alice99")}
	res, err := Reflection{}.Inspect(context.Background(), domain.PhaseResponse, msg, domain.ExchangeContext{})
	require.NoError(t, err)
	assert.Equal(t, domain.VerdictAnnotate, res.Verdict)
	assert.Contains(t, res.Annotation.Detail, "user")
}

func TestSQLErrors(t *testing.T) {
	msg := &domain.Message{
		Request:  getRequest("/item?id=1'"),
		Response: htmlResponse("Warning: You have an error in your SQL syntax; check the manual"),
	}
	res, err := SQLErrors{}.Inspect(context.Background(), domain.PhaseResponse, msg, domain.ExchangeContext{})
	require.NoError(t, err)
	assert.Equal(t, domain.VerdictAnnotate, res.Verdict)
	assert.Equal(t, "sqli-candidate", res.Annotation.Kind)
	assert.Equal(t, domain.SeverityHigh, res.Annotation.Severity)
	assert.Contains(t, res.Annotation.Detail, "MySQL")

	msg.Response = htmlResponse("all good")
	res, err = SQLErrors{}.Inspect(context.Background(), domain.PhaseResponse, msg, domain.ExchangeContext{})
	require.NoError(t, err)
	assert.Equal(t, domain.VerdictPass, res.Verdict)
}

func TestFingerprint(t *testing.T) {
	msg := &domain.Message{Request: getRequest("/"), Response: htmlResponse("hello")}
	res, err := Fingerprint{}.Inspect(context.Background(), domain.PhaseResponse, msg, domain.ExchangeContext{})
	require.NoError(t, err)
	assert.Equal(t, domain.VerdictAnnotate, res.Verdict)
	assert.Equal(t, "fuzz-result", res.Annotation.Kind)
	assert.Contains(t, res.Annotation.Detail, BodyHash([]byte("hello")))
	assert.Equal(t, BodyHash([]byte("hello")), BodyHash([]byte("hello")))
	assert.NotEqual(t, BodyHash([]byte("hello")), BodyHash([]byte("world")))
}

func TestFingerprint_BodyFingerprintDecodes(t *testing.T) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	_, _ = w.Write([]byte("hello"))
	require.NoError(t, w.Close())

	h := domain.Headers{{Name: "Content-Encoding", Value: "gzip"}}
	length, hash := Fingerprint{}.BodyFingerprint(h, buf.Bytes())
	assert.Equal(t, 5, length)
	assert.Equal(t, BodyHash([]byte("hello")), hash)

	// 復号できないボディはそのまま
	length, hash = Fingerprint{}.BodyFingerprint(h, []byte("not gzip"))
	assert.Equal(t, len("not gzip"), length)
	assert.Equal(t, BodyHash([]byte("not gzip")), hash)
}

func TestDecodeBody(t *testing.T) {
	plain := []byte("<html>compressed payload</html>")

	gz := func() []byte {
		var buf bytes.Buffer
		w := gzip.NewWriter(&buf)
		_, _ = w.Write(plain)
		_ = w.Close()
		return buf.Bytes()
	}
	zl := func() []byte {
		var buf bytes.Buffer
		w := zlib.NewWriter(&buf)
		_, _ = w.Write(plain)
		_ = w.Close()
		return buf.Bytes()
	}
	br := func() []byte {
		var buf bytes.Buffer
		w := brotli.NewWriter(&buf)
		_, _ = w.Write(plain)
		_ = w.Close()
		return buf.Bytes()
	}
	zs := func() []byte {
		enc, err := zstd.NewWriter(nil)
		require.NoError(t, err)
		defer enc.Close()
		return enc.EncodeAll(plain, nil)
	}

	tests := []struct {
		encoding string
		body     []byte
	}{
		{"", plain},
		{"identity", plain},
		{"gzip", gz()},
		{"deflate", zl()},
		{"br", br()},
		{"zstd", zs()},
	}
	for _, tt := range tests {
		t.Run(tt.encoding, func(t *testing.T) {
			var h domain.Headers
			if tt.encoding != "" {
				h.Add("Content-Encoding", tt.encoding)
			}
			out, err := DecodeBody(h, tt.body, 0)
			require.NoError(t, err)
			assert.Equal(t, plain, out)
		})
	}

	t.Run("unsupported", func(t *testing.T) {
		h := domain.Headers{{Name: "Content-Encoding", Value: "compress"}}
		_, err := DecodeBody(h, plain, 0)
		assert.Error(t, err)
	})

	t.Run("limit", func(t *testing.T) {
		h := domain.Headers{{Name: "Content-Encoding", Value: "gzip"}}
		_, err := DecodeBody(h, gz(), 4)
		assert.ErrorIs(t, err, errDecodedTooLarge)
	})
}

func TestNew(t *testing.T) {
	deps := Dependencies{Access: &fakeAccess{}, Codec: httpwire.Codec{}}
	for _, name := range Builtin {
		i, err := New(name, deps)
		require.NoError(t, err, name)
		assert.Equal(t, name, i.Name())
	}
	_, err := New("nope", deps)
	assert.Error(t, err)
	_, err = New("scope", Dependencies{})
	assert.Error(t, err)
}
