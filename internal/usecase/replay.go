package usecase

import (
	"bytes"
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"interceptor/internal/domain"
)

const (
	defaultFuzzConcurrency = 10
	fuzzMarker             = "§"
)

// ReplayTarget はリピーターやファザーの送信先
type ReplayTarget struct {
	// Scheme は "http" または "https"
	Scheme string `json:"scheme"`
	// Host は host:port
	Host string `json:"host"`
}

// FuzzRequest はファザーの入力
type FuzzRequest struct {
	Target ReplayTarget `json:"target"`
	// Template は§で囲んだマーカーを含む生のリクエスト
	Template    string   `json:"template"`
	Payloads    []string `json:"payloads"`
	Concurrency int      `json:"concurrency"`
}

// FuzzResult はペイロード1件分の結果
type FuzzResult struct {
	Payload    string        `json:"payload"`
	ExchangeID string        `json:"exchange_id,omitempty"`
	Status     int           `json:"status"`
	// Length とBodyHash は復号後のボディについての値
	Length     int           `json:"length"`
	Duration   time.Duration `json:"duration"`
	BodyHash   string        `json:"body_hash,omitempty"`
	Error      string        `json:"error,omitempty"`
}

// ReplayUseCase はリピーターとファザーを実装する.
// 送信はインターセプトを通さず、パイプラインと上流プールは通常の経路を使う.
type ReplayUseCase struct {
	proxy       *ProxyUseCase
	codec       domain.MessageCodec
	fingerprint domain.BodyFingerprinter
	logger      domain.Logger
}

// NewReplayUseCase は新しいReplayUseCaseインスタンスを作成
func NewReplayUseCase(
	proxy *ProxyUseCase,
	codec domain.MessageCodec,
	fingerprint domain.BodyFingerprinter,
	logger domain.Logger,
) *ReplayUseCase {
	return &ReplayUseCase{proxy: proxy, codec: codec, fingerprint: fingerprint, logger: logger}
}

// Repeat は生のリクエストを1回送信し、記録されたエクスチェンジを返す
func (uc *ReplayUseCase) Repeat(ctx context.Context, target ReplayTarget, raw []byte) (*domain.Exchange, error) {
	req, err := uc.codec.ParseRequest(fixContentLength(raw))
	if err != nil {
		return nil, err
	}
	return uc.send(ctx, "repeater", target, req)
}

// Fuzz はテンプレートの各マーカーをペイロードで置き換えて並行に送信する.
// 結果はペイロードの順に並ぶ.
func (uc *ReplayUseCase) Fuzz(ctx context.Context, fr FuzzRequest) ([]FuzzResult, error) {
	if strings.Count(fr.Template, fuzzMarker) < 2 || strings.Count(fr.Template, fuzzMarker)%2 != 0 {
		return nil, errors.New("template must contain paired § markers")
	}
	if len(fr.Payloads) == 0 {
		return nil, errors.New("no payloads")
	}
	if fr.Concurrency <= 0 {
		fr.Concurrency = defaultFuzzConcurrency
	}

	uc.logger.Info("Starting fuzz run", map[string]interface{}{
		"target":      fr.Target.Host,
		"payloads":    len(fr.Payloads),
		"concurrency": fr.Concurrency,
	})

	results := make([]FuzzResult, len(fr.Payloads))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fr.Concurrency)

	for i, payload := range fr.Payloads {
		g.Go(func() error {
			results[i] = uc.fuzzOne(gctx, fr, payload)
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, nil
}

func (uc *ReplayUseCase) fuzzOne(ctx context.Context, fr FuzzRequest, payload string) FuzzResult {
	res := FuzzResult{Payload: payload}
	start := time.Now()

	raw := fixContentLength([]byte(substituteMarkers(fr.Template, payload)))
	req, err := uc.codec.ParseRequest(raw)
	if err != nil {
		res.Error = err.Error()
		return res
	}

	x, err := uc.send(ctx, "fuzzer", fr.Target, req)
	res.Duration = time.Since(start)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	res.ExchangeID = x.ID
	res.Error = x.Error
	if x.Response != nil {
		res.Status = x.Response.StatusCode
		res.Length, res.BodyHash = uc.fingerprint.BodyFingerprint(x.Response.Headers, x.Response.Body)
	}
	return res
}

func (uc *ReplayUseCase) send(
	ctx context.Context, source string, target ReplayTarget, req *domain.Request,
) (*domain.Exchange, error) {
	scheme := strings.ToLower(target.Scheme)
	if scheme == "" {
		scheme = "http"
	}
	if target.Host == "" {
		target.Host = req.Headers.Get("Host")
	}
	if target.Host == "" {
		return nil, errors.New("replay target has no host")
	}

	sess := &domain.Session{
		ConnID:        source,
		ClientAddr:    source,
		Scheme:        scheme,
		Target:        target.Host,
		SkipIntercept: true,
		StartedAt:     time.Now(),
	}
	res := uc.proxy.Exchange(ctx, sess, req)
	if res.Upgrade != nil {
		uc.proxy.pool.Release(res.Upgrade, false)
	}
	return res.Exchange.Clone(), nil
}

// substituteMarkers は§で囲まれた部分を全てpayloadに置き換える
func substituteMarkers(template, payload string) string {
	var b strings.Builder
	rest := template
	for {
		start := strings.Index(rest, fuzzMarker)
		if start < 0 {
			break
		}
		end := strings.Index(rest[start+len(fuzzMarker):], fuzzMarker)
		if end < 0 {
			break
		}
		b.WriteString(rest[:start])
		b.WriteString(payload)
		rest = rest[start+len(fuzzMarker)+end+len(fuzzMarker):]
	}
	b.WriteString(rest)
	return b.String()
}

// fixContentLength はヘッダー部のContent-Lengthを実際のボディ長に合わせる.
// chunkedのメッセージはそのまま返す.
func fixContentLength(raw []byte) []byte {
	sep := []byte("\r\n\r\n")
	idx := bytes.Index(raw, sep)
	if lf := bytes.Index(raw, []byte("\n\n")); lf >= 0 && (idx < 0 || lf < idx) {
		sep = []byte("\n\n")
		idx = lf
	}
	if idx < 0 {
		return raw
	}
	head, body := raw[:idx], raw[idx+len(sep):]
	eol := "\r\n"
	if len(sep) == 2 {
		eol = "\n"
	}

	lines := strings.Split(string(head), eol)
	out := lines[:1]
	hasLength := false
	for _, line := range lines[1:] {
		name, _, _ := strings.Cut(line, ":")
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "transfer-encoding":
			return raw
		case "content-length":
			hasLength = true
			continue
		}
		out = append(out, line)
	}
	if hasLength || len(body) > 0 {
		out = append(out, "Content-Length: "+strconv.Itoa(len(body)))
	}

	var b bytes.Buffer
	b.WriteString(strings.Join(out, eol))
	b.WriteString(eol + eol)
	b.Write(body)
	return b.Bytes()
}
