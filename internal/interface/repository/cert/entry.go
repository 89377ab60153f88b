package cert

import (
	"time"

	"interceptor/internal/domain"
)

// Entry は発行済みリーフ証明書のメタデータを表す
type Entry struct {
	*domain.CertificateEntry
	CreatedAt time.Time
	// RenewAt を過ぎたエントリは再発行の対象になる
	RenewAt time.Time
}

// NewEntry は新しいEntryインスタンスを作成
func NewEntry(ce *domain.CertificateEntry, now time.Time, renewBefore time.Duration) *Entry {
	return &Entry{
		CertificateEntry: ce,
		CreatedAt:        now,
		RenewAt:          ce.NotAfter.Add(-renewBefore),
	}
}

// IsExpired はエントリが期限切れかどうかを確認
func (e *Entry) IsExpired(now time.Time) bool {
	return !now.Before(e.RenewAt)
}
