package intercept

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/google/uuid"

	"interceptor/internal/domain"
)

const (
	defaultDeadline = 5 * time.Minute
	// 解決済みエントリを保持する上限. 二重解決の検出に使う.
	defaultResolvedHistory = 4096
)

// Policy は期限切れ時の既定動作.
type Policy string

const (
	PolicyForward Policy = "forward"
	PolicyDrop    Policy = "drop"
)

// Config はインターセプトキューの設定
type Config struct {
	Enabled         bool
	Deadline        time.Duration
	DefaultPolicy   Policy
	ResolvedHistory int
	Codec           domain.MessageCodec
	Clock           quartz.Clock
	Metrics         domain.MetricsCollector
	Logger          domain.Logger
}

type entry struct {
	msg   domain.InterceptedMessage
	timer *quartz.Timer
	done  chan struct{}
	dec   domain.Decision
}

// Repository はインターセプトキューの実装.
// エントリはIDをキーにしたマップで管理し、到着順はシーケンス番号で保持する.
type Repository struct {
	mu       sync.Mutex
	enabled  bool
	entries  map[string]*entry
	resolved []string
	seq      uint64

	deadline        time.Duration
	policy          Policy
	resolvedHistory int
	codec           domain.MessageCodec
	clock           quartz.Clock
	metrics         domain.MetricsCollector
	logger          domain.Logger
}

var _ domain.InterceptQueue = (*Repository)(nil)

// New は新しいRepositoryインスタンスを作成
func New(cfg Config) *Repository {
	if cfg.Deadline <= 0 {
		cfg.Deadline = defaultDeadline
	}
	if cfg.DefaultPolicy != PolicyDrop {
		cfg.DefaultPolicy = PolicyForward
	}
	if cfg.ResolvedHistory <= 0 {
		cfg.ResolvedHistory = defaultResolvedHistory
	}
	if cfg.Clock == nil {
		cfg.Clock = quartz.NewReal()
	}
	return &Repository{
		enabled:         cfg.Enabled,
		entries:         make(map[string]*entry),
		deadline:        cfg.Deadline,
		policy:          cfg.DefaultPolicy,
		resolvedHistory: cfg.ResolvedHistory,
		codec:           cfg.Codec,
		clock:           cfg.Clock,
		metrics:         cfg.Metrics,
		logger:          cfg.Logger,
	}
}

func (r *Repository) Enabled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enabled
}

// SetEnabled はインターセプトを切り替える. 無効化しても保留中のエントリは残る.
func (r *Repository) SetEnabled(on bool) {
	r.mu.Lock()
	r.enabled = on
	r.mu.Unlock()
	r.log("Intercept toggled", map[string]interface{}{"enabled": on})
}

// Submit はメッセージをキューに入れ、解決されるまで待つ.
// ctxがキャンセルされた場合、エントリはdroppedとして解決される.
func (r *Repository) Submit(ctx context.Context, t domain.InterceptTicket) (domain.Decision, error) {
	raw, err := r.serialize(t)
	if err != nil {
		return domain.Decision{}, err
	}

	now := r.clock.Now()
	r.mu.Lock()
	r.seq++
	e := &entry{
		msg: domain.InterceptedMessage{
			ID:         uuid.NewString(),
			Seq:        r.seq,
			ExchangeID: t.ExchangeID,
			ConnID:     t.ConnID,
			Direction:  t.Direction,
			Request:    t.Request.Clone(),
			Response:   t.Response.Clone(),
			Raw:        raw,
			ArrivedAt:  now,
			Deadline:   now.Add(r.deadline),
			State:      domain.InterceptPending,
		},
		done: make(chan struct{}),
	}
	id := e.msg.ID
	e.timer = r.clock.AfterFunc(r.deadline, func() { r.expire(id) }, "intercept", "deadline")
	r.entries[id] = e
	r.updatePendingLocked()
	r.mu.Unlock()

	select {
	case <-e.done:
		return e.dec, nil
	case <-ctx.Done():
		r.mu.Lock()
		if !e.msg.State.Terminal() {
			r.resolveLocked(e, domain.InterceptDropped, nil, nil, false)
		}
		dec := e.dec
		r.mu.Unlock()
		if dec.State == domain.InterceptDropped {
			return dec, ctx.Err()
		}
		// キャンセルと同時に解決された場合はその結果を返す
		return dec, nil
	}
}

// Pending は保留中のメッセージを到着順に返す
func (r *Repository) Pending() []domain.InterceptedMessage {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]domain.InterceptedMessage, 0, len(r.entries))
	for _, e := range r.entries {
		if e.msg.State == domain.InterceptPending {
			out = append(out, snapshot(e.msg))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// Get はIDのメッセージを状態に関わらず返す
func (r *Repository) Get(id string) (domain.InterceptedMessage, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return domain.InterceptedMessage{}, false
	}
	return snapshot(e.msg), true
}

// Resolve はオペレーターの操作を適用する. 解決は1回のみ.
// 解決済みIDは直近ResolvedHistory件まで覚えており、それより古いIDはErrNotFoundになる.
// 編集内容がパースできない場合はエントリを保留のまま残してエラーを返す.
func (r *Repository) Resolve(id string, action domain.Action) error {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("intercepted message %s: %w", id, domain.ErrNotFound)
	}
	if e.msg.State.Terminal() {
		r.mu.Unlock()
		return fmt.Errorf("intercepted message %s: %w", id, domain.ErrAlreadyResolved)
	}
	direction := e.msg.Direction
	method := ""
	if e.msg.Request != nil {
		method = e.msg.Request.Method
	}
	r.mu.Unlock()

	var req *domain.Request
	var resp *domain.Response
	state := domain.InterceptForwarded
	switch {
	case action.Drop:
		state = domain.InterceptDropped
	case action.Edited != nil:
		if r.codec == nil {
			return fmt.Errorf("editing is not supported")
		}
		var err error
		if direction == domain.DirectionRequest {
			req, err = r.codec.ParseRequest(action.Edited)
		} else {
			resp, err = r.codec.ParseResponse(action.Edited, method)
		}
		if err != nil {
			return fmt.Errorf("edited message: %w", err)
		}
		state = domain.InterceptEdited
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// パース中に期限切れやキャンセルで解決された可能性がある
	if e.msg.State.Terminal() {
		return fmt.Errorf("intercepted message %s: %w", id, domain.ErrAlreadyResolved)
	}
	r.resolveLocked(e, state, req, resp, false)
	return nil
}

func (r *Repository) expire(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok || e.msg.State.Terminal() {
		return
	}
	state := domain.InterceptForwarded
	if r.policy == PolicyDrop {
		state = domain.InterceptDropped
	}
	r.resolveLocked(e, state, nil, nil, true)
	r.log("Intercepted message timed out", map[string]interface{}{
		"id":          id,
		"exchange_id": e.msg.ExchangeID,
		"resolution":  string(state),
	})
}

// resolveLocked はエントリを終端状態に遷移させ、待機中のSubmitを起こす
func (r *Repository) resolveLocked(e *entry, state domain.InterceptState, req *domain.Request, resp *domain.Response, timedOut bool) {
	e.msg.State = state
	e.msg.TimedOut = timedOut
	e.timer.Stop()

	e.dec = domain.Decision{State: state, TimedOut: timedOut}
	if state != domain.InterceptDropped {
		e.dec.Request = e.msg.Request.Clone()
		e.dec.Response = e.msg.Response.Clone()
		if req != nil {
			e.dec.Request = req
		}
		if resp != nil {
			e.dec.Response = resp
		}
	}
	close(e.done)

	r.resolved = append(r.resolved, e.msg.ID)
	for len(r.resolved) > r.resolvedHistory {
		delete(r.entries, r.resolved[0])
		r.resolved = r.resolved[1:]
	}
	r.updatePendingLocked()
}

func (r *Repository) updatePendingLocked() {
	if r.metrics != nil {
		r.metrics.SetInterceptPending(len(r.entries) - len(r.resolved))
	}
}

func (r *Repository) serialize(t domain.InterceptTicket) ([]byte, error) {
	if r.codec == nil {
		return nil, nil
	}
	switch t.Direction {
	case domain.DirectionRequest:
		if t.Request == nil {
			return nil, fmt.Errorf("request ticket without request")
		}
		return r.codec.SerializeRequest(t.Request), nil
	case domain.DirectionResponse:
		if t.Response == nil {
			return nil, fmt.Errorf("response ticket without response")
		}
		return r.codec.SerializeResponse(t.Response), nil
	}
	return nil, fmt.Errorf("unknown direction %q", t.Direction)
}

func (r *Repository) log(msg string, fields map[string]interface{}) {
	if r.logger != nil {
		r.logger.Info(msg, fields)
	}
}

func snapshot(m domain.InterceptedMessage) domain.InterceptedMessage {
	m.Request = m.Request.Clone()
	m.Response = m.Response.Clone()
	raw := make([]byte, len(m.Raw))
	copy(raw, m.Raw)
	m.Raw = raw
	return m
}
