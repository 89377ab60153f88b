package intercept

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"interceptor/internal/domain"
	"interceptor/internal/interface/httpwire"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testRequest(target string) *domain.Request {
	return &domain.Request{
		Method:  "GET",
		Target:  target,
		Proto:   "HTTP/1.1",
		Headers: domain.Headers{{Name: "Host", Value: "a.test"}},
		Framing: domain.FramingNone,
	}
}

type submitResult struct {
	dec domain.Decision
	err error
}

func submitAsync(ctx context.Context, q *Repository, t domain.InterceptTicket) <-chan submitResult {
	ch := make(chan submitResult, 1)
	go func() {
		dec, err := q.Submit(ctx, t)
		ch <- submitResult{dec, err}
	}()
	return ch
}

func waitPending(t *testing.T, q *Repository, n int) []domain.InterceptedMessage {
	t.Helper()
	var pending []domain.InterceptedMessage
	require.Eventually(t, func() bool {
		pending = q.Pending()
		return len(pending) == n
	}, 5*time.Second, 5*time.Millisecond)
	return pending
}

func newTestQueue(t *testing.T, clock quartz.Clock, policy Policy) *Repository {
	return New(Config{
		Enabled:       true,
		Deadline:      time.Minute,
		DefaultPolicy: policy,
		Codec:         httpwire.Codec{},
		Clock:         clock,
	})
}

func TestResolve_ExactlyOnce(t *testing.T) {
	q := newTestQueue(t, quartz.NewMock(t), PolicyForward)
	res := submitAsync(context.Background(), q, domain.InterceptTicket{
		ExchangeID: "x1", ConnID: "c1", Direction: domain.DirectionRequest, Request: testRequest("/a"),
	})

	pending := waitPending(t, q, 1)
	assert.Equal(t, "GET /a HTTP/1.1\r\nHost: a.test\r\n\r\n", string(pending[0].Raw))

	require.NoError(t, q.Resolve(pending[0].ID, domain.Action{}))
	err := q.Resolve(pending[0].ID, domain.Action{Drop: true})
	assert.ErrorIs(t, err, domain.ErrAlreadyResolved)

	r := <-res
	require.NoError(t, r.err)
	assert.Equal(t, domain.InterceptForwarded, r.dec.State)
	assert.Equal(t, "/a", r.dec.Request.Target)

	got, ok := q.Get(pending[0].ID)
	require.True(t, ok)
	assert.Equal(t, domain.InterceptForwarded, got.State)
	assert.Empty(t, q.Pending())
}

func TestResolve_Edited(t *testing.T) {
	q := newTestQueue(t, quartz.NewMock(t), PolicyForward)
	res := submitAsync(context.Background(), q, domain.InterceptTicket{
		ExchangeID: "x1", Direction: domain.DirectionRequest, Request: testRequest("/a"),
	})
	pending := waitPending(t, q, 1)

	err := q.Resolve(pending[0].ID, domain.Action{Edited: []byte("not http")})
	assert.ErrorIs(t, err, domain.ErrMalformedMessage)
	assert.Len(t, q.Pending(), 1)

	edited := []byte("GET /admin HTTP/1.1\r\nHost: a.test\r\nX-Edited: yes\r\n\r\n")
	require.NoError(t, q.Resolve(pending[0].ID, domain.Action{Edited: edited}))

	r := <-res
	require.NoError(t, r.err)
	assert.Equal(t, domain.InterceptEdited, r.dec.State)
	assert.Equal(t, "/admin", r.dec.Request.Target)
	assert.Equal(t, "yes", r.dec.Request.Headers.Get("x-edited"))
}

func TestResolve_ResponseDirection(t *testing.T) {
	q := newTestQueue(t, quartz.NewMock(t), PolicyForward)
	resp := &domain.Response{
		Proto: "HTTP/1.1", StatusCode: 200, Reason: "OK",
		Headers: domain.Headers{{Name: "Content-Length", Value: "2"}},
		Body:    []byte("ok"), Framing: domain.FramingLength,
	}
	res := submitAsync(context.Background(), q, domain.InterceptTicket{
		ExchangeID: "x1", Direction: domain.DirectionResponse, Request: testRequest("/a"), Response: resp,
	})
	pending := waitPending(t, q, 1)
	assert.Equal(t, domain.DirectionResponse, pending[0].Direction)

	edited := []byte("HTTP/1.1 403 Forbidden\r\nContent-Length: 0\r\n\r\n")
	require.NoError(t, q.Resolve(pending[0].ID, domain.Action{Edited: edited}))

	r := <-res
	require.NoError(t, r.err)
	assert.Equal(t, 403, r.dec.Response.StatusCode)
}

func TestResolve_UnknownID(t *testing.T) {
	q := newTestQueue(t, quartz.NewMock(t), PolicyForward)
	assert.ErrorIs(t, q.Resolve("missing", domain.Action{}), domain.ErrNotFound)
}

func TestDeadline_AppliesDefaultPolicy(t *testing.T) {
	tests := []struct {
		policy Policy
		want   domain.InterceptState
	}{
		{PolicyForward, domain.InterceptForwarded},
		{PolicyDrop, domain.InterceptDropped},
	}

	for _, tt := range tests {
		t.Run(string(tt.policy), func(t *testing.T) {
			clock := quartz.NewMock(t)
			q := newTestQueue(t, clock, tt.policy)
			res := submitAsync(context.Background(), q, domain.InterceptTicket{
				ExchangeID: "x1", Direction: domain.DirectionRequest, Request: testRequest("/a"),
			})
			pending := waitPending(t, q, 1)

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			clock.Advance(time.Minute).MustWait(ctx)

			r := <-res
			require.NoError(t, r.err)
			assert.Equal(t, tt.want, r.dec.State)
			assert.True(t, r.dec.TimedOut)

			assert.ErrorIs(t, q.Resolve(pending[0].ID, domain.Action{}), domain.ErrAlreadyResolved)
		})
	}
}

func TestSetEnabled_DoesNotFlush(t *testing.T) {
	q := newTestQueue(t, quartz.NewMock(t), PolicyForward)
	res := submitAsync(context.Background(), q, domain.InterceptTicket{
		ExchangeID: "x1", Direction: domain.DirectionRequest, Request: testRequest("/a"),
	})
	pending := waitPending(t, q, 1)

	q.SetEnabled(false)
	assert.False(t, q.Enabled())
	assert.Len(t, q.Pending(), 1)

	require.NoError(t, q.Resolve(pending[0].ID, domain.Action{Drop: true}))
	r := <-res
	assert.Equal(t, domain.InterceptDropped, r.dec.State)
	assert.Nil(t, r.dec.Request)
}

func TestPending_OrderedByArrival(t *testing.T) {
	q := newTestQueue(t, quartz.NewMock(t), PolicyForward)

	var results []<-chan submitResult
	for i, target := range []string{"/1", "/2", "/3"} {
		results = append(results, submitAsync(context.Background(), q, domain.InterceptTicket{
			ExchangeID: target, ConnID: target, Direction: domain.DirectionRequest, Request: testRequest(target),
		}))
		waitPending(t, q, i+1)
	}

	pending := q.Pending()
	require.Len(t, pending, 3)
	for i, target := range []string{"/1", "/2", "/3"} {
		assert.Equal(t, target, pending[i].Request.Target)
	}

	// 解決順は任意
	for _, i := range []int{2, 0, 1} {
		require.NoError(t, q.Resolve(pending[i].ID, domain.Action{}))
	}
	for _, ch := range results {
		r := <-ch
		assert.NoError(t, r.err)
	}
}

func TestSubmit_CancelledClientDropsEntry(t *testing.T) {
	q := newTestQueue(t, quartz.NewMock(t), PolicyForward)
	ctx, cancel := context.WithCancel(context.Background())
	res := submitAsync(ctx, q, domain.InterceptTicket{
		ExchangeID: "x1", Direction: domain.DirectionRequest, Request: testRequest("/a"),
	})
	pending := waitPending(t, q, 1)

	cancel()
	r := <-res
	assert.True(t, errors.Is(r.err, context.Canceled))
	assert.Equal(t, domain.InterceptDropped, r.dec.State)
	assert.Empty(t, q.Pending())
	assert.ErrorIs(t, q.Resolve(pending[0].ID, domain.Action{}), domain.ErrAlreadyResolved)
}

func TestResolvedHistoryIsBounded(t *testing.T) {
	q := New(Config{Enabled: true, Deadline: time.Minute, ResolvedHistory: 2, Clock: quartz.NewMock(t)})

	var ids []string
	for i := 0; i < 3; i++ {
		res := submitAsync(context.Background(), q, domain.InterceptTicket{
			ExchangeID: "x", Direction: domain.DirectionRequest, Request: testRequest("/"),
		})
		pending := waitPending(t, q, 1)
		ids = append(ids, pending[0].ID)
		require.NoError(t, q.Resolve(pending[0].ID, domain.Action{}))
		<-res
	}

	assert.ErrorIs(t, q.Resolve(ids[0], domain.Action{}), domain.ErrNotFound)
	assert.ErrorIs(t, q.Resolve(ids[2], domain.Action{}), domain.ErrAlreadyResolved)
}
