package access

import (
	"context"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/coder/quartz"

	"interceptor/internal/domain"
	"interceptor/internal/interface/repository/logger"
)

// Config はスコープリポジトリの設定
type Config struct {
	File string
	// ファイルの更新確認間隔. 0以下なら監視しない
	PollInterval time.Duration
	Clock        quartz.Clock
	Logger       domain.Logger
}

// Repository はアクセス制御(スコープ)のリポジトリ実装
type Repository struct {
	mu          sync.RWMutex
	file        string
	rules       *rules
	lastModTime time.Time
	clock       quartz.Clock
	logger      domain.Logger
	cancel      context.CancelFunc
	done        chan struct{}
}

var _ domain.AccessController = (*Repository)(nil)

// New は新しいRepositoryインスタンスを作成し、設定の監視を開始する
func New(cfg Config) (*Repository, error) {
	if cfg.Clock == nil {
		cfg.Clock = quartz.NewReal()
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Nop{}
	}
	r := &Repository{
		file:   cfg.File,
		rules:  &rules{ips: map[string]bool{}, domains: map[string]bool{}},
		clock:  cfg.Clock,
		logger: cfg.Logger,
		done:   make(chan struct{}),
	}

	// 初期ロード
	if err := r.loadConfig(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	if cfg.PollInterval > 0 {
		w := r.clock.TickerFunc(ctx, cfg.PollInterval, func() error {
			r.checkModified()
			return nil
		}, "scope", "watch")
		go func() {
			_ = w.Wait()
			close(r.done)
		}()
	} else {
		close(r.done)
	}

	return r, nil
}

// IsAllowed は指定されたクライアントIPとホストがスコープ内か確認
func (r *Repository) IsAllowed(clientIP, host string) (bool, error) {
	r.mu.RLock()
	rs := r.rules
	r.mu.RUnlock()

	if rs.ipBlocked(clientIP) {
		r.logger.Warn("Blocked client address", map[string]interface{}{
			"client_ip": clientIP,
		})
		return false, nil
	}

	host = normalizeHost(host)
	if blocked, pattern := rs.domainBlocked(host); blocked {
		r.logger.Warn("Blocked domain access attempt", map[string]interface{}{
			"host":    host,
			"pattern": pattern,
		})
		return false, nil
	}

	return true, nil
}

// Reload は設定を再読み込み
func (r *Repository) Reload() error {
	return r.loadConfig()
}

// Close は監視を停止する
func (r *Repository) Close() error {
	r.cancel()
	<-r.done
	return nil
}

// loadConfig は設定ファイルから設定を読み込む.
// 失敗した場合は直前の設定を維持する.
func (r *Repository) loadConfig() error {
	list, err := loadBlockList(r.file)
	if err != nil {
		return err
	}
	prepared, err := list.prepare()
	if err != nil {
		return err
	}

	var modTime time.Time
	if stat, err := os.Stat(r.file); err == nil {
		modTime = stat.ModTime()
	}

	r.mu.Lock()
	r.rules = prepared
	r.lastModTime = modTime
	r.mu.Unlock()

	r.logger.Info("Scope loaded", map[string]interface{}{
		"file":            r.file,
		"blocked_ips":     len(prepared.ips) + len(prepared.nets),
		"blocked_domains": len(prepared.domains),
	})
	return nil
}

// checkModified はファイルの更新時刻が変わっていれば再読み込みする
func (r *Repository) checkModified() {
	stat, err := os.Stat(r.file)
	if err != nil {
		r.logger.Error("Error checking scope file", err, map[string]interface{}{"file": r.file})
		return
	}

	r.mu.RLock()
	last := r.lastModTime
	r.mu.RUnlock()

	if !stat.ModTime().Equal(last) {
		if err := r.loadConfig(); err != nil {
			r.logger.Error("Error reloading scope file", err, map[string]interface{}{"file": r.file})
		}
	}
}

// normalizeHost はポートを取り除き小文字化する
func normalizeHost(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.TrimSuffix(strings.Trim(host, "[]"), ".")
	return strings.ToLower(host)
}
