package inspector

import (
	"fmt"

	"interceptor/internal/domain"
)

// Dependencies は組み込みインスペクタの生成に必要な依存
type Dependencies struct {
	Access domain.AccessController
	Codec  domain.MessageCodec
	Rules  []Rule
}

// Builtin は組み込みインスペクタの名前一覧
var Builtin = []string{"scope", "rules", "reflection", "sql-errors", "fingerprint"}

// New は名前から組み込みインスペクタを作成する
func New(name string, deps Dependencies) (domain.Inspector, error) {
	switch name {
	case "scope":
		if deps.Access == nil {
			return nil, fmt.Errorf("inspector %s requires an access controller", name)
		}
		return NewScope(deps.Access), nil
	case "rules":
		if deps.Codec == nil {
			return nil, fmt.Errorf("inspector %s requires a codec", name)
		}
		return NewRules(deps.Rules, deps.Codec)
	case "reflection":
		return Reflection{}, nil
	case "sql-errors":
		return SQLErrors{}, nil
	case "fingerprint":
		return Fingerprint{}, nil
	default:
		return nil, fmt.Errorf("unknown inspector %q", name)
	}
}
