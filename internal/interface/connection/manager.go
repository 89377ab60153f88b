package connection

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/quartz"
	"golang.org/x/time/rate"

	"interceptor/internal/domain"
)

const (
	defaultMaxPerHost    = 8
	defaultMaxWaiters    = 64
	defaultWaitTimeout   = 10 * time.Second
	defaultIdleTimeout   = 90 * time.Second
	readerBufferSize     = 32 * 1024
	pastDeadlineUnixSecs = 1
)

// Config はコネクションプールの設定を表す
type Config struct {
	MaxPerHost  int
	MaxWaiters  int
	WaitTimeout time.Duration
	IdleTimeout time.Duration
	// RateLimit はホスト毎の1秒あたりの取得数上限. 0なら無制限.
	RateLimit float64
	Dialer    domain.Dialer
	Clock     quartz.Clock
	Metrics   domain.MetricsCollector
	Logger    domain.Logger
}

// Manager はコネクションプールを管理する.
// mu はホストマップのみを保護し、各ホストのプールは個別のロックを持つ.
type Manager struct {
	mu    sync.Mutex
	hosts map[domain.UpstreamKey]*hostPool

	maxPerHost  int
	maxWaiters  int
	waitTimeout time.Duration
	idleTimeout time.Duration
	rateLimit   float64
	dialer      domain.Dialer
	clock       quartz.Clock
	metrics     domain.MetricsCollector
	logger      domain.Logger

	cancel context.CancelFunc
	closed atomic.Bool
}

type hostPool struct {
	mu      sync.Mutex
	idle    []*pooledConn
	open    int
	waiters []chan grant
	limiter *rate.Limiter
}

// grant は待機者への受け渡し. connがnilの場合は新規接続の枠を譲る.
type grant struct {
	conn *pooledConn
}

type pooledConn struct {
	net.Conn
	br        *bufio.Reader
	key       domain.UpstreamKey
	pool      *hostPool
	createdAt time.Time
	lastUsed  time.Time
	reused    bool

	watchDone chan struct{}
	watchErr  error
	discarded atomic.Bool
}

var _ domain.UpstreamPool = (*Manager)(nil)

func (pc *pooledConn) Reader() *bufio.Reader   { return pc.br }
func (pc *pooledConn) Key() domain.UpstreamKey { return pc.key }
func (pc *pooledConn) Reused() bool             { return pc.reused }

// CloseWrite は101後のリレーで書き込み側だけを閉じる
func (pc *pooledConn) CloseWrite() error {
	if cw, ok := pc.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return pc.Conn.Close()
}

// NewManager は新しいManagerインスタンスを作成
func NewManager(cfg Config) *Manager {
	if cfg.MaxPerHost <= 0 {
		cfg.MaxPerHost = defaultMaxPerHost
	}
	if cfg.MaxWaiters < 0 {
		cfg.MaxWaiters = 0
	} else if cfg.MaxWaiters == 0 {
		cfg.MaxWaiters = defaultMaxWaiters
	}
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = defaultWaitTimeout
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = quartz.NewReal()
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		hosts:       make(map[domain.UpstreamKey]*hostPool),
		maxPerHost:  cfg.MaxPerHost,
		maxWaiters:  cfg.MaxWaiters,
		waitTimeout: cfg.WaitTimeout,
		idleTimeout: cfg.IdleTimeout,
		rateLimit:   cfg.RateLimit,
		dialer:      cfg.Dialer,
		clock:       cfg.Clock,
		metrics:     cfg.Metrics,
		logger:      cfg.Logger,
		cancel:      cancel,
	}

	// 定期的なクリーンアップを開始
	m.clock.TickerFunc(ctx, m.idleTimeout/2, func() error {
		m.cleanup()
		return nil
	}, "pool", "cleanup")

	return m
}

// Acquire はkeyの接続を取得する. アイドル接続は最後に返却されたものから使う.
// 上限に達している場合は空きを待ち、待機者も上限なら ErrPoolExhausted を返す.
func (m *Manager) Acquire(ctx context.Context, key domain.UpstreamKey) (domain.UpstreamConn, error) {
	if m.closed.Load() {
		return nil, errors.New("connection manager closed")
	}
	hp := m.host(key)

	if hp.limiter != nil {
		if err := hp.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	hp.mu.Lock()
	for len(hp.idle) > 0 {
		pc := hp.idle[len(hp.idle)-1]
		hp.idle = hp.idle[:len(hp.idle)-1]
		hp.mu.Unlock()
		if m.reclaim(pc) {
			return pc, nil
		}
		hp.mu.Lock()
	}

	if hp.open < m.maxPerHost {
		hp.open++
		hp.mu.Unlock()
		return m.dial(ctx, key, hp)
	}

	if len(hp.waiters) >= m.maxWaiters {
		hp.mu.Unlock()
		m.recordWait(true)
		return nil, fmt.Errorf("%s: %w", key, domain.ErrPoolExhausted)
	}
	ch := make(chan grant, 1)
	hp.waiters = append(hp.waiters, ch)
	hp.mu.Unlock()
	m.recordWait(false)

	timer := m.clock.NewTimer(m.waitTimeout, "pool", "wait")
	defer timer.Stop()

	select {
	case g := <-ch:
		return m.take(ctx, key, hp, g)
	case <-timer.C:
	case <-ctx.Done():
	}

	hp.mu.Lock()
	if removeWaiter(hp, ch) {
		hp.mu.Unlock()
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		m.recordWait(true)
		return nil, fmt.Errorf("%s: wait timed out: %w", key, domain.ErrPoolExhausted)
	}
	hp.mu.Unlock()
	// 待機終了と同時に受け渡しされた
	return m.take(ctx, key, hp, <-ch)
}

// Release は接続をプールに返却する. reusableでなければ閉じる.
// 待機者がいる場合は直接受け渡す.
func (m *Manager) Release(conn domain.UpstreamConn, reusable bool) {
	pc, ok := conn.(*pooledConn)
	if !ok {
		conn.Close()
		return
	}
	if !reusable || m.closed.Load() {
		m.discard(pc)
		return
	}

	hp := pc.pool
	pc.lastUsed = m.clock.Now()
	pc.reused = true
	hp.mu.Lock()
	if len(hp.waiters) > 0 {
		ch := hp.waiters[0]
		hp.waiters = hp.waiters[1:]
		hp.mu.Unlock()
		ch <- grant{conn: pc}
		return
	}
	hp.idle = append(hp.idle, pc)
	pc.watchDone = make(chan struct{})
	hp.mu.Unlock()

	go m.watch(pc)
}

// CloseAll は全ての接続を閉じる
func (m *Manager) CloseAll() error {
	if m.closed.Swap(true) {
		return nil
	}
	m.cancel()

	m.mu.Lock()
	hosts := make([]*hostPool, 0, len(m.hosts))
	for _, hp := range m.hosts {
		hosts = append(hosts, hp)
	}
	m.mu.Unlock()

	for _, hp := range hosts {
		hp.mu.Lock()
		idle := hp.idle
		hp.idle = nil
		hp.mu.Unlock()
		for _, pc := range idle {
			m.discard(pc)
			<-pc.watchDone
		}
	}
	return nil
}

// Stats はkeyの接続数を返す
func (m *Manager) Stats(key domain.UpstreamKey) (open, idle, waiting int) {
	m.mu.Lock()
	hp, ok := m.hosts[key]
	m.mu.Unlock()
	if !ok {
		return 0, 0, 0
	}
	hp.mu.Lock()
	defer hp.mu.Unlock()
	return hp.open, len(hp.idle), len(hp.waiters)
}

func (m *Manager) host(key domain.UpstreamKey) *hostPool {
	m.mu.Lock()
	defer m.mu.Unlock()
	hp, ok := m.hosts[key]
	if !ok {
		hp = &hostPool{}
		if m.rateLimit > 0 {
			burst := int(m.rateLimit)
			if burst < 1 {
				burst = 1
			}
			hp.limiter = rate.NewLimiter(rate.Limit(m.rateLimit), burst)
		}
		m.hosts[key] = hp
	}
	return hp
}

func (m *Manager) take(ctx context.Context, key domain.UpstreamKey, hp *hostPool, g grant) (domain.UpstreamConn, error) {
	if g.conn != nil {
		return g.conn, nil
	}
	return m.dial(ctx, key, hp)
}

// dial は確保済みの枠で新しい接続を作る. 失敗した場合は枠を返す.
func (m *Manager) dial(ctx context.Context, key domain.UpstreamKey, hp *hostPool) (domain.UpstreamConn, error) {
	conn, err := m.dialer.Dial(ctx, key)
	if err != nil {
		m.releaseSlot(hp)
		var ce *domain.UpstreamConnectError
		if errors.As(err, &ce) || errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, &domain.UpstreamConnectError{Host: key.Addr(), Err: err}
	}
	now := m.clock.Now()
	return &pooledConn{
		Conn:      conn,
		br:        bufio.NewReaderSize(conn, readerBufferSize),
		key:       key,
		pool:      hp,
		createdAt: now,
		lastUsed:  now,
	}, nil
}

// reclaim はアイドル接続の監視を止め、再利用できるかを判定する
func (m *Manager) reclaim(pc *pooledConn) bool {
	pc.SetReadDeadline(time.Unix(pastDeadlineUnixSecs, 0))
	<-pc.watchDone
	var ne net.Error
	if pc.discarded.Load() || !errors.As(pc.watchErr, &ne) || !ne.Timeout() {
		m.discard(pc)
		return false
	}
	if m.clock.Since(pc.lastUsed) > m.idleTimeout {
		m.discard(pc)
		return false
	}
	pc.SetReadDeadline(time.Time{})
	return true
}

// watch はアイドル中の接続を監視し、上流が閉じたら破棄する
func (m *Manager) watch(pc *pooledConn) {
	_, err := pc.br.Peek(1)
	pc.watchErr = err
	close(pc.watchDone)

	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		// reclaimによる停止
		return
	}

	hp := pc.pool
	hp.mu.Lock()
	removed := removeIdle(hp, pc)
	hp.mu.Unlock()
	if removed {
		m.discard(pc)
		m.debug("Evicted idle connection closed by origin", map[string]interface{}{"key": pc.key.String()})
	}
}

// discard は接続を閉じて枠を解放する. 複数回呼ばれても1回だけ処理する.
func (m *Manager) discard(pc *pooledConn) {
	if pc.discarded.Swap(true) {
		return
	}
	pc.Conn.Close()
	m.releaseSlot(pc.pool)
}

func (m *Manager) releaseSlot(hp *hostPool) {
	hp.mu.Lock()
	if len(hp.waiters) > 0 {
		ch := hp.waiters[0]
		hp.waiters = hp.waiters[1:]
		hp.mu.Unlock()
		// openは待機者が引き継ぐ
		ch <- grant{}
		return
	}
	hp.open--
	hp.mu.Unlock()
}

// cleanup は期限切れのアイドル接続を削除
func (m *Manager) cleanup() {
	m.mu.Lock()
	hosts := make([]*hostPool, 0, len(m.hosts))
	for _, hp := range m.hosts {
		hosts = append(hosts, hp)
	}
	m.mu.Unlock()

	now := m.clock.Now()
	for _, hp := range hosts {
		var expired []*pooledConn
		hp.mu.Lock()
		active := hp.idle[:0]
		for _, pc := range hp.idle {
			if now.Sub(pc.lastUsed) > m.idleTimeout {
				expired = append(expired, pc)
				continue
			}
			active = append(active, pc)
		}
		hp.idle = active
		hp.mu.Unlock()

		for _, pc := range expired {
			m.discard(pc)
		}
	}
}

func (m *Manager) recordWait(exhausted bool) {
	if m.metrics != nil {
		m.metrics.RecordPoolWait(exhausted)
	}
}

func (m *Manager) debug(msg string, fields map[string]interface{}) {
	if m.logger != nil {
		m.logger.Debug(msg, fields)
	}
}

func removeWaiter(hp *hostPool, ch chan grant) bool {
	for i, w := range hp.waiters {
		if w == ch {
			hp.waiters = append(hp.waiters[:i], hp.waiters[i+1:]...)
			return true
		}
	}
	return false
}

func removeIdle(hp *hostPool, pc *pooledConn) bool {
	for i, c := range hp.idle {
		if c == pc {
			hp.idle = append(hp.idle[:i], hp.idle[i+1:]...)
			return true
		}
	}
	return false
}
