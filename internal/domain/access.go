package domain

// AccessController はスコープ(ブロックリスト)判定のインターフェース.
type AccessController interface {
	IsAllowed(clientIP, host string) (bool, error)
	Reload() error
}
