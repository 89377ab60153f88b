package traffic

import (
	"fmt"
	"strings"
	"sync"

	"interceptor/internal/domain"
)

const defaultMaxEntries = 10000

// Repository は完了したエクスチェンジを保持する追記専用ストア.
// 上限を超えた古いエントリの削除はバックグラウンドで行う.
type Repository struct {
	mu         sync.RWMutex
	entries    []*domain.Exchange
	byID       map[string]*domain.Exchange
	maxEntries int

	evict chan struct{}
	done  chan struct{}
	wg    sync.WaitGroup
}

var _ domain.TrafficStore = (*Repository)(nil)

// New は新しいRepositoryインスタンスを作成
func New(maxEntries int) *Repository {
	if maxEntries <= 0 {
		maxEntries = defaultMaxEntries
	}
	r := &Repository{
		byID:       make(map[string]*domain.Exchange),
		maxEntries: maxEntries,
		evict:      make(chan struct{}, 1),
		done:       make(chan struct{}),
	}

	r.wg.Add(1)
	go r.evictLoop()

	return r
}

// Append はエクスチェンジのコピーを追加する
func (r *Repository) Append(x *domain.Exchange) error {
	if x == nil || x.ID == "" {
		return fmt.Errorf("exchange without id")
	}
	c := x.Clone()

	r.mu.Lock()
	if _, exists := r.byID[c.ID]; exists {
		r.mu.Unlock()
		return fmt.Errorf("exchange %s: %w", c.ID, domain.ErrDuplicateID)
	}
	r.entries = append(r.entries, c)
	r.byID[c.ID] = c
	over := len(r.entries) > r.maxEntries
	r.mu.Unlock()

	if over {
		select {
		case r.evict <- struct{}{}:
		default:
		}
	}
	return nil
}

// Get はIDに一致するエクスチェンジのコピーを返す
func (r *Repository) Get(id string) (*domain.Exchange, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	x, ok := r.byID[id]
	if !ok {
		return nil, false
	}
	return x.Clone(), true
}

// Query は条件に一致するエクスチェンジを完了順に返す.
// Limitが指定された場合は新しいものから数える.
func (r *Repository) Query(f domain.TrafficFilter) []*domain.Exchange {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*domain.Exchange
	for i := len(r.entries) - 1; i >= 0; i-- {
		x := r.entries[i]
		if !matches(x, f) {
			continue
		}
		out = append(out, x.Clone())
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

func (r *Repository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Close は削除用のゴルーチンを停止する
func (r *Repository) Close() error {
	close(r.done)
	r.wg.Wait()
	return nil
}

func (r *Repository) evictLoop() {
	defer r.wg.Done()
	for {
		select {
		case <-r.evict:
			r.evictOldest()
		case <-r.done:
			return
		}
	}
}

func (r *Repository) evictOldest() {
	r.mu.Lock()
	defer r.mu.Unlock()

	excess := len(r.entries) - r.maxEntries
	if excess <= 0 {
		return
	}
	for _, x := range r.entries[:excess] {
		delete(r.byID, x.ID)
	}
	kept := make([]*domain.Exchange, len(r.entries)-excess, r.maxEntries+1)
	copy(kept, r.entries[excess:])
	r.entries = kept
}

func matches(x *domain.Exchange, f domain.TrafficFilter) bool {
	if len(f.Methods) > 0 {
		if x.Request == nil || !containsFold(f.Methods, x.Request.Method) {
			return false
		}
	}
	if f.StatusMin > 0 || f.StatusMax > 0 {
		if x.Response == nil {
			return false
		}
		code := x.Response.StatusCode
		if f.StatusMin > 0 && code < f.StatusMin {
			return false
		}
		if f.StatusMax > 0 && code > f.StatusMax {
			return false
		}
	}
	if f.HostContains != "" && !strings.Contains(strings.ToLower(x.Host()), strings.ToLower(f.HostContains)) {
		return false
	}
	if !f.Since.IsZero() && x.StartedAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && x.StartedAt.After(f.Until) {
		return false
	}
	if f.Kind != "" {
		found := false
		for _, a := range x.Annotations {
			if a.Kind == f.Kind {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}
