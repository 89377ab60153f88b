package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"interceptor/internal/domain"
)

// Outcome はパイプライン1段階分の結果
type Outcome struct {
	// Message は全インスペクタ適用後のメッセージ
	Message     *domain.Message
	Annotations []domain.Annotation
	Mutated     bool
}

// Pipeline は登録順にインスペクタを実行するディスパッチャー
type Pipeline struct {
	mu         sync.RWMutex
	inspectors []domain.Inspector
	codec      domain.MessageCodec
	metrics    domain.MetricsCollector
	logger     domain.Logger
}

// NewPipeline は新しいPipelineインスタンスを作成
func NewPipeline(codec domain.MessageCodec, metrics domain.MetricsCollector, logger domain.Logger) *Pipeline {
	return &Pipeline{
		codec:   codec,
		metrics: metrics,
		logger:  logger,
	}
}

// Register はインスペクタを末尾に追加する. 同名のインスペクタは登録できない.
func (p *Pipeline) Register(i domain.Inspector) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, existing := range p.inspectors {
		if existing.Name() == i.Name() {
			return fmt.Errorf("inspector %q already registered", i.Name())
		}
	}
	p.inspectors = append(p.inspectors, i)
	return nil
}

// Names は登録順のインスペクタ名を返す
func (p *Pipeline) Names() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	names := make([]string, len(p.inspectors))
	for i, ins := range p.inspectors {
		names[i] = ins.Name()
	}
	return names
}

// Run はphaseのメッセージを全インスペクタに順に通す.
// blockされた場合は*domain.BlockedErrorを返し、以降のインスペクタは実行しない.
// インスペクタのエラーやパニックはそのインスペクタだけの失敗として扱う.
func (p *Pipeline) Run(
	ctx context.Context, phase domain.Phase, msg *domain.Message, xc domain.ExchangeContext,
) (Outcome, error) {
	p.mu.RLock()
	inspectors := make([]domain.Inspector, len(p.inspectors))
	copy(inspectors, p.inspectors)
	p.mu.RUnlock()

	out := Outcome{Message: msg}
	for _, ins := range inspectors {
		if err := ctx.Err(); err != nil {
			return out, err
		}

		res, err := p.invoke(ctx, ins, phase, out.Message.Clone(), xc)
		if err != nil {
			p.fail(&domain.InspectorFailure{Inspector: ins.Name(), Phase: phase, Err: err}, xc)
			continue
		}

		switch res.Verdict {
		case domain.VerdictPass:
		case domain.VerdictAnnotate:
			a := res.Annotation
			a.Inspector = ins.Name()
			a.Phase = phase
			if a.At.IsZero() {
				a.At = time.Now()
			}
			if a.Severity == "" {
				a.Severity = domain.SeverityInfo
			}
			out.Annotations = append(out.Annotations, a)
		case domain.VerdictMutate:
			next, err := p.reparse(phase, out.Message, res.Message)
			if err != nil {
				p.fail(&domain.InspectorFailure{Inspector: ins.Name(), Phase: phase, Err: err}, xc)
				continue
			}
			out.Message = next
			out.Mutated = true
		case domain.VerdictBlock:
			p.logger.Info("Exchange blocked by inspector", map[string]interface{}{
				"exchange_id": xc.ExchangeID,
				"inspector":   ins.Name(),
				"phase":       string(phase),
				"reason":      res.Reason,
			})
			return out, &domain.BlockedError{Inspector: ins.Name(), Reason: res.Reason}
		default:
			p.fail(&domain.InspectorFailure{
				Inspector: ins.Name(), Phase: phase, Err: fmt.Errorf("unknown verdict %d", res.Verdict),
			}, xc)
		}
	}
	return out, nil
}

// invoke はパニックをエラーに変換してインスペクタを呼び出す
func (p *Pipeline) invoke(
	ctx context.Context, ins domain.Inspector, phase domain.Phase, msg *domain.Message, xc domain.ExchangeContext,
) (res domain.InspectorResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return ins.Inspect(ctx, phase, msg, xc)
}

// reparse はmutateされたワイヤ表現を構造化メッセージに戻す
func (p *Pipeline) reparse(phase domain.Phase, current *domain.Message, raw []byte) (*domain.Message, error) {
	if len(raw) == 0 {
		return nil, errors.New("mutate with empty message")
	}
	if phase == domain.PhaseRequest {
		req, err := p.codec.ParseRequest(raw)
		if err != nil {
			return nil, fmt.Errorf("mutated request: %w", err)
		}
		return &domain.Message{Request: req, Response: current.Response}, nil
	}

	method := "GET"
	if current.Request != nil {
		method = current.Request.Method
	}
	resp, err := p.codec.ParseResponse(raw, method)
	if err != nil {
		return nil, fmt.Errorf("mutated response: %w", err)
	}
	return &domain.Message{Request: current.Request, Response: resp}, nil
}

func (p *Pipeline) fail(f *domain.InspectorFailure, xc domain.ExchangeContext) {
	p.metrics.RecordInspectorFailure(f.Inspector)
	p.logger.Error("Inspector failed", f, map[string]interface{}{
		"exchange_id": xc.ExchangeID,
		"inspector":   f.Inspector,
		"phase":       string(f.Phase),
	})
}
