package usecase

import (
	"interceptor/internal/domain"
)

// ControlUseCase は外部(UIや制御API)からの操作を提供する
type ControlUseCase struct {
	queue    domain.InterceptQueue
	store    domain.TrafficStore
	pipeline *Pipeline
	ca       domain.CertificateAuthority
	logger   domain.Logger
}

// NewControlUseCase は新しいControlUseCaseインスタンスを作成
func NewControlUseCase(
	queue domain.InterceptQueue,
	store domain.TrafficStore,
	pipeline *Pipeline,
	ca domain.CertificateAuthority,
	logger domain.Logger,
) *ControlUseCase {
	return &ControlUseCase{
		queue:    queue,
		store:    store,
		pipeline: pipeline,
		ca:       ca,
		logger:   logger,
	}
}

// SetInterceptEnabled はインターセプトを切り替える. 無効化しても待機中のメッセージは残る
func (uc *ControlUseCase) SetInterceptEnabled(on bool) {
	uc.queue.SetEnabled(on)
}

func (uc *ControlUseCase) InterceptEnabled() bool {
	return uc.queue.Enabled()
}

// ListPendingIntercepted は到着順の待機中メッセージを返す
func (uc *ControlUseCase) ListPendingIntercepted() []domain.InterceptedMessage {
	return uc.queue.Pending()
}

// ResolveIntercepted は待機中メッセージを転送、編集して転送、または破棄する
func (uc *ControlUseCase) ResolveIntercepted(id string, action domain.Action) error {
	if err := uc.queue.Resolve(id, action); err != nil {
		return err
	}
	uc.logger.Info("Intercepted message resolved", map[string]interface{}{
		"id":     id,
		"drop":   action.Drop,
		"edited": action.Edited != nil,
	})
	return nil
}

func (uc *ControlUseCase) QueryTraffic(f domain.TrafficFilter) []*domain.Exchange {
	return uc.store.Query(f)
}

func (uc *ControlUseCase) GetExchange(id string) (*domain.Exchange, error) {
	x, ok := uc.store.Get(id)
	if !ok {
		return nil, domain.ErrNotFound
	}
	return x, nil
}

// RegisterInspector はパイプラインの末尾にインスペクタを追加する
func (uc *ControlUseCase) RegisterInspector(i domain.Inspector) error {
	if err := uc.pipeline.Register(i); err != nil {
		return err
	}
	uc.logger.Info("Inspector registered", map[string]interface{}{"inspector": i.Name()})
	return nil
}

func (uc *ControlUseCase) Inspectors() []string {
	return uc.pipeline.Names()
}

// CACertificatePEM はクライアントにインストールするルート証明書を返す
func (uc *ControlUseCase) CACertificatePEM() []byte {
	return uc.ca.RootCertificatePEM()
}
