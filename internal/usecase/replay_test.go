package usecase

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"interceptor/internal/interface/httpwire"
	"interceptor/internal/interface/inspector"
	"interceptor/internal/interface/repository/logger"
)

func TestSubstituteMarkers(t *testing.T) {
	tests := []struct {
		template string
		payload  string
		want     string
	}{
		{"GET /?q=§x§ HTTP/1.1", "abc", "GET /?q=abc HTTP/1.1"},
		{"§a§/§b§", "P", "P/P"},
		{"no markers", "P", "no markers"},
		{"§§", "P", "P"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, substituteMarkers(tt.template, tt.payload))
	}
}

func TestFixContentLength(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{
			name: "wrong length fixed",
			raw:  "POST / HTTP/1.1\r\nHost: a\r\nContent-Length: 2\r\n\r\nhello",
			want: "POST / HTTP/1.1\r\nHost: a\r\nContent-Length: 5\r\n\r\nhello",
		},
		{
			name: "missing length added",
			raw:  "POST / HTTP/1.1\nHost: a\n\nhi",
			want: "POST / HTTP/1.1\nHost: a\nContent-Length: 2\n\nhi",
		},
		{
			name: "no body untouched",
			raw:  "GET / HTTP/1.1\r\nHost: a\r\n\r\n",
			want: "GET / HTTP/1.1\r\nHost: a\r\n\r\n",
		},
		{
			name: "chunked untouched",
			raw:  "POST / HTTP/1.1\r\nTransfer-Encoding: chunked\r\n\r\n1\r\na\r\n0\r\n\r\n",
			want: "POST / HTTP/1.1\r\nTransfer-Encoding: chunked\r\n\r\n1\r\na\r\n0\r\n\r\n",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, string(fixContentLength([]byte(tt.raw))))
		})
	}
}

func newReplayEnv(t *testing.T) (*ReplayUseCase, *testEnv, string) {
	t.Helper()
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if strings.Contains(string(body), "admin") {
			w.WriteHeader(http.StatusForbidden)
		}
		_, _ = w.Write(body)
	}))
	t.Cleanup(origin.Close)

	addr := origin.Listener.Addr().String()
	env := newTestEnv(t, &fakePool{addr: addr}, newQueue(), ProxyConfig{})
	return NewReplayUseCase(env.proxy, httpwire.Codec{}, inspector.Fingerprint{}, logger.Nop{}), env, addr
}

func TestRepeat(t *testing.T) {
	replay, env, addr := newReplayEnv(t)

	raw := []byte("POST /echo HTTP/1.1\r\nHost: a.test\r\nContent-Length: 1\r\n\r\nrepeat me")
	x, err := replay.Repeat(context.Background(), ReplayTarget{Scheme: "http", Host: addr}, raw)
	require.NoError(t, err)
	require.NotNil(t, x.Response)
	assert.Equal(t, "repeat me", string(x.Response.Body))
	assert.Equal(t, 1, env.store.Len())

	_, err = replay.Repeat(context.Background(), ReplayTarget{Host: addr}, []byte("garbage"))
	assert.Error(t, err)
}

func TestFuzz(t *testing.T) {
	replay, env, addr := newReplayEnv(t)

	results, err := replay.Fuzz(context.Background(), FuzzRequest{
		Target:      ReplayTarget{Scheme: "http", Host: addr},
		Template:    "POST / HTTP/1.1\r\nHost: a.test\r\n\r\nuser=§name§",
		Payloads:    []string{"alice", "admin", "bob"},
		Concurrency: 2,
	})
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.Equal(t, "alice", results[0].Payload)
	assert.Equal(t, 200, results[0].Status)
	assert.Equal(t, len("user=alice"), results[0].Length)
	assert.Equal(t, 403, results[1].Status)
	assert.Equal(t, 200, results[2].Status)
	assert.NotEqual(t, results[0].BodyHash, results[2].BodyHash)
	for _, r := range results {
		assert.NotEmpty(t, r.ExchangeID)
		assert.Empty(t, r.Error)
	}
	assert.Equal(t, 3, env.store.Len())
}

func TestFuzz_InvalidInput(t *testing.T) {
	replay, _, addr := newReplayEnv(t)

	_, err := replay.Fuzz(context.Background(), FuzzRequest{
		Target: ReplayTarget{Host: addr}, Template: "GET / HTTP/1.1\r\n\r\n", Payloads: []string{"x"},
	})
	assert.Error(t, err)

	_, err = replay.Fuzz(context.Background(), FuzzRequest{
		Target: ReplayTarget{Host: addr}, Template: "GET /§a§ HTTP/1.1\r\n\r\n",
	})
	assert.Error(t, err)
}

func TestFuzz_HashesDecodedBody(t *testing.T) {
	plain := []byte("compressed payload body")
	var gz bytes.Buffer
	zw := gzip.NewWriter(&gz)
	_, err := zw.Write(plain)
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "gzip")
		_, _ = w.Write(gz.Bytes())
	}))
	t.Cleanup(origin.Close)

	addr := origin.Listener.Addr().String()
	env := newTestEnv(t, &fakePool{addr: addr}, newQueue(), ProxyConfig{})
	replay := NewReplayUseCase(env.proxy, httpwire.Codec{}, inspector.Fingerprint{}, logger.Nop{})

	results, err := replay.Fuzz(context.Background(), FuzzRequest{
		Target:   ReplayTarget{Scheme: "http", Host: addr},
		Template: "GET /?q=§x§ HTTP/1.1\r\nHost: a.test\r\n\r\n",
		Payloads: []string{"1"},
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Empty(t, results[0].Error)
	assert.Equal(t, inspector.BodyHash(plain), results[0].BodyHash)
	assert.NotEqual(t, inspector.BodyHash(gz.Bytes()), results[0].BodyHash)
	assert.Equal(t, len(plain), results[0].Length)
}
